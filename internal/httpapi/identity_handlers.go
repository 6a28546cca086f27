package httpapi

import (
	"net/http"
	"strings"

	"clinicore.org/internal/credential"
)

const (
	permIdentityManage = "identity:manage"
)

type createIdentityRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Tenant   string `json:"tenant"`
}

type identityResponse struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Tenant string `json:"tenant,omitempty"`
	Status string `json:"status"`
}

type setStatusRequest struct {
	Status string `json:"status"`
}

func (a *API) handleIdentities(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.ensurePermission(w, r, permIdentityManage); !ok {
		return
	}
	var req createIdentityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	identity, err := a.creds.Register(r.Context(), req.Email, req.Password, req.Tenant)
	if err != nil {
		handleCredentialError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/identities/"+identity.ID)
	writeJSON(w, http.StatusCreated, identityResponse{
		ID:     identity.ID,
		Email:  identity.Email,
		Tenant: identity.Tenant,
		Status: string(identity.Status),
	})
}

func (a *API) handleIdentityResource(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/identities/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	id := parts[0]
	switch parts[1] {
	case "unlock":
		a.handleUnlockIdentity(w, r, id)
	case "status":
		a.handleSetStatus(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUnlockIdentity(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := a.ensurePermission(w, r, permIdentityManage)
	if !ok {
		return
	}
	if err := a.creds.Unlock(r.Context(), id, claims.Subject); err != nil {
		handleCredentialError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	claims, ok := a.ensurePermission(w, r, permIdentityManage)
	if !ok {
		return
	}
	var req setStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status := credential.Status(strings.TrimSpace(req.Status))
	if status != credential.StatusActive && status != credential.StatusDisabled {
		writeError(w, r, http.StatusBadRequest, "status must be active or disabled")
		return
	}
	if err := a.creds.SetStatus(r.Context(), id, status, claims.Subject); err != nil {
		handleCredentialError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
