package httpapi

import (
	"net/http"
	"strings"

	"clinicore.org/internal/audit"
)

const (
	permRecordsWrite = "records:write"
	permRecordsRead  = "records:read"
)

type recordRequest struct {
	Record map[string]string `json:"record"`
	Fields []string          `json:"fields,omitempty"`
}

type recordResponse struct {
	Record map[string]string `json:"record"`
}

// handleProtectRecord encrypts the sensitive fields of a record before the
// caller persists it. With no explicit field list the configured set is used.
func (a *API) handleProtectRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.ensurePermission(w, r, permRecordsWrite); !ok {
		return
	}
	var req recordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Record) == 0 {
		writeError(w, r, http.StatusBadRequest, "record is required")
		return
	}
	var (
		protected map[string]string
		err       error
	)
	if len(req.Fields) > 0 {
		protected, err = a.fields.EncryptFields(req.Record, req.Fields)
	} else {
		protected, err = a.fields.EncryptConfigured(req.Record)
	}
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{Record: protected})
}

// handleRevealRecord decrypts previously protected fields. Every reveal is
// recorded to the audit trail as a data_access event.
func (a *API) handleRevealRecord(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := a.ensurePermission(w, r, permRecordsRead)
	if !ok {
		return
	}
	var req recordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Record) == 0 {
		writeError(w, r, http.StatusBadRequest, "record is required")
		return
	}
	fields := req.Fields
	if len(fields) == 0 {
		fields = a.fields.ConfiguredFields()
	}
	revealed, err := a.fields.DecryptFields(req.Record, fields)
	if err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if _, err := a.log.Record(r.Context(), audit.Event{
		Actor:    claims.Subject,
		Kind:     audit.KindDataAccess,
		Severity: audit.SeverityLow,
		Resource: "records",
		Source:   clientIP(r),
		Payload:  map[string]string{"fields": strings.Join(fields, ",")},
	}); err != nil {
		writeError(w, r, http.StatusInternalServerError, "audit record failed")
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{Record: revealed})
}
