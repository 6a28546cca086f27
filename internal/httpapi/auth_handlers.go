package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"clinicore.org/internal/credential"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type secondFactorRequest struct {
	PendingToken string `json:"pending_token"`
	Code         string `json:"code"`
}

type confirmEnrollRequest struct {
	Code string `json:"code"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type changePasswordRequest struct {
	Current string `json:"current_password"`
	Next    string `json:"new_password"`
}

type sessionResponse struct {
	IdentityID       string    `json:"identity_id"`
	Email            string    `json:"email"`
	Tenant           string    `json:"tenant,omitempty"`
	Permissions      []string  `json:"permissions,omitempty"`
	AccessToken      string    `json:"access_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type challengeResponse struct {
	State        string `json:"state"`
	PendingToken string `json:"pending_token"`
}

type enrollResponse struct {
	Secret      string   `json:"secret"`
	URI         string   `json:"uri"`
	BackupCodes []string `json:"backup_codes"`
}

func sessionPayload(s *credential.Session) sessionResponse {
	return sessionResponse{
		IdentityID:       s.IdentityID,
		Email:            s.Email,
		Tenant:           s.Tenant,
		Permissions:      s.Permissions,
		AccessToken:      s.AccessToken,
		AccessExpiresAt:  s.AccessExpiresAt,
		RefreshToken:     s.RefreshToken,
		RefreshExpiresAt: s.RefreshExpiresAt,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	result, err := a.creds.Authenticate(r.Context(), req.Email, req.Password, clientIP(r))
	if err != nil {
		handleCredentialError(w, r, err)
		return
	}
	if result.State == credential.StateSecondFactorRequired {
		writeJSON(w, http.StatusOK, challengeResponse{
			State:        string(result.State),
			PendingToken: result.PendingToken,
		})
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(result.Session))
}

func (a *API) handleSecondFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req secondFactorRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.PendingToken == "" || req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "pending_token and code are required")
		return
	}

	session, err := a.creds.VerifySecondFactor(r.Context(), req.PendingToken, req.Code, clientIP(r))
	if err != nil {
		handleCredentialError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	enrollment, err := a.creds.EnrollTOTP(r.Context(), claims.Subject)
	if err != nil {
		handleCredentialError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, enrollResponse{
		Secret:      enrollment.Secret,
		URI:         enrollment.URI,
		BackupCodes: enrollment.BackupCodes,
	})
}

func (a *API) handleConfirmEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req confirmEnrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Code == "" {
		writeError(w, r, http.StatusBadRequest, "code is required")
		return
	}
	if err := a.creds.ConfirmTOTP(r.Context(), claims.Subject, req.Code); err != nil {
		handleCredentialError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	session, err := a.creds.Refresh(r.Context(), req.RefreshToken, clientIP(r))
	if err != nil {
		handleCredentialError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.RefreshToken == "" {
		writeError(w, r, http.StatusBadRequest, "refresh_token is required")
		return
	}
	if err := a.creds.Logout(r.Context(), req.RefreshToken); err != nil {
		// Logout is idempotent from the client's view.
		if !errors.Is(err, credential.ErrNotFound) && !errors.Is(err, credential.ErrInvalidToken) {
			handleCredentialError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Current == "" || req.Next == "" {
		writeError(w, r, http.StatusBadRequest, "current_password and new_password are required")
		return
	}
	if err := a.creds.ChangePassword(r.Context(), claims.Subject, req.Current, req.Next); err != nil {
		handleCredentialError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleCredentialError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, credential.ErrInvalidCredentials),
		errors.Is(err, credential.ErrSecondFactorInvalid),
		errors.Is(err, credential.ErrInvalidToken),
		errors.Is(err, credential.ErrTokenExpired),
		errors.Is(err, credential.ErrTokenReused):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, credential.ErrAccountLocked):
		writeError(w, r, http.StatusLocked, err.Error())
	case errors.Is(err, credential.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, r, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, credential.ErrBlocked),
		errors.Is(err, credential.ErrAccountDisabled),
		errors.Is(err, credential.ErrPasswordExpired):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, credential.ErrPasswordPolicy),
		errors.Is(err, credential.ErrPasswordReused),
		errors.Is(err, credential.ErrTransition):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, credential.ErrEmailTaken):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, credential.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
