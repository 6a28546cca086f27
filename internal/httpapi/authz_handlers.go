package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"clinicore.org/internal/authz"
)

const permAuthzManage = "authz:manage"

type checkRequest struct {
	IdentityID string `json:"identity_id"`
	Tenant     string `json:"tenant"`
	Permission string `json:"permission"`
	Resource   string `json:"resource"`
}

type checkResponse struct {
	Decision string `json:"decision"`
}

type defineRoleRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type bindingRequest struct {
	IdentityID string `json:"identity_id"`
	Role       string `json:"role"`
	Tenant     string `json:"tenant"`
}

func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	// Callers check their own access unless they can manage authz.
	identityID := strings.TrimSpace(req.IdentityID)
	if identityID == "" {
		identityID = claims.Subject
	}
	if identityID != claims.Subject && !authz.Allowed(claims.Permissions, permAuthzManage) {
		writeError(w, r, http.StatusForbidden, "permission denied")
		return
	}
	tenant := req.Tenant
	if tenant == "" {
		tenant = claims.Tenant
	}
	decision, err := a.engine.Authorize(r.Context(), identityID, tenant, req.Permission, req.Resource)
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, checkResponse{Decision: string(decision)})
}

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if _, ok := a.ensurePermission(w, r, permAuthzManage); !ok {
		return
	}
	var req defineRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.engine.DefineRole(r.Context(), authz.Role{
		Name:        req.Name,
		Permissions: req.Permissions,
	}); err != nil {
		handleAuthzError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleBindings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodDelete:
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodDelete)
		return
	}
	if _, ok := a.ensurePermission(w, r, permAuthzManage); !ok {
		return
	}
	var req bindingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	b := authz.Binding{
		IdentityID: strings.TrimSpace(req.IdentityID),
		Role:       strings.TrimSpace(req.Role),
		Tenant:     strings.TrimSpace(req.Tenant),
	}
	var err error
	if r.Method == http.MethodPost {
		err = a.engine.Bind(r.Context(), b)
	} else {
		err = a.engine.Unbind(r.Context(), b)
	}
	if err != nil {
		handleAuthzError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleAuthzError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, authz.ErrInvalidPermission):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, authz.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "authorization operation failed")
	}
}
