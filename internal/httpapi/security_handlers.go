package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"clinicore.org/internal/audit"
)

const (
	permAuditRead     = "audit:read"
	permSecurityRead  = "security:read"
	permSecurityBlock = "security:block"

	auditPageLimit   = 1000
	defaultAuditPage = 100
	dashboardWindow  = 24 * time.Hour
)

type auditEventsResponse struct {
	Items   []audit.Event `json:"items"`
	NextSeq uint64        `json:"next_seq"`
	AsOf    time.Time     `json:"as_of"`
}

type unblockRequest struct {
	Subject string `json:"subject"`
}

func (a *API) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, permAuditRead); !ok {
		return
	}
	f, err := auditFilterFromQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	items := make([]audit.Event, 0, f.Limit)
	var lastSeq uint64
	for e, qerr := range a.log.Query(r.Context(), f) {
		if qerr != nil {
			writeError(w, r, http.StatusInternalServerError, "audit query failed")
			return
		}
		items = append(items, e)
		lastSeq = e.Seq
		if len(items) >= f.Limit {
			break
		}
	}
	writeJSON(w, http.StatusOK, auditEventsResponse{
		Items:   items,
		NextSeq: lastSeq,
		AsOf:    time.Now().UTC(),
	})
}

func auditFilterFromQuery(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		Actor: strings.TrimSpace(q.Get("actor")),
		Limit: defaultAuditPage,
	}
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		kind := audit.Kind(raw)
		if !kind.Valid() {
			return f, errors.New("unknown event kind")
		}
		f.Kind = kind
	}
	if raw := strings.TrimSpace(q.Get("severity")); raw != "" {
		sev := audit.Severity(raw)
		switch sev {
		case audit.SeverityLow, audit.SeverityMedium, audit.SeverityHigh, audit.SeverityCritical:
			f.MinSeverity = sev
		default:
			return f, errors.New("severity must be low, medium, high or critical")
		}
	}
	if raw := strings.TrimSpace(q.Get("after")); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return f, errors.New("after must be a non-negative integer")
		}
		f.AfterSeq = after
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > auditPageLimit {
			return f, errors.New("limit must be between 1 and 1000")
		}
		f.Limit = limit
	}
	for param, dst := range map[string]*time.Time{"from": &f.From, "to": &f.To} {
		raw := strings.TrimSpace(q.Get(param))
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New(param + " must be RFC3339")
		}
		*dst = t
	}
	return f, nil
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, permSecurityRead); !ok {
		return
	}
	window := dashboardWindow
	if raw := strings.TrimSpace(r.URL.Query().Get("window")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	dash, err := a.mon.Dashboard(r.Context(), window)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "dashboard generation failed")
		return
	}
	writeJSON(w, http.StatusOK, dash)
}

func (a *API) handleBlocks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, permSecurityRead); !ok {
		return
	}
	blocks, err := a.mon.ActiveBlocks(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "listing blocks failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": blocks})
}

func (a *API) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := a.ensurePermission(w, r, permSecurityBlock)
	if !ok {
		return
	}
	var req unblockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, "subject is required")
		return
	}
	if err := a.mon.Unblock(r.Context(), subject, claims.Subject); err != nil {
		writeError(w, r, http.StatusInternalServerError, "unblock failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSignalStream pushes threat signals to the client as Server-Sent
// Events.
func (a *API) handleSignalStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := a.ensurePermission(w, r, permSecurityRead); !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	signals, cancel := a.mon.Subscribe()
	defer cancel()

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case sig, open := <-signals:
			if !open {
				return
			}
			payload, err := json.Marshal(sig)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		}
	}
}
