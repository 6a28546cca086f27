package credential

import "errors"

var (
	ErrNotFound             = errors.New("credential: identity not found")
	ErrEmailTaken           = errors.New("credential: email already registered")
	ErrInvalidCredentials   = errors.New("credential: invalid credentials")
	ErrAccountLocked        = errors.New("credential: account locked")
	ErrAccountDisabled      = errors.New("credential: account disabled")
	ErrBlocked              = errors.New("credential: source blocked")
	ErrRateLimited          = errors.New("credential: too many attempts")
	ErrSecondFactorRequired = errors.New("credential: second factor required")
	ErrSecondFactorInvalid  = errors.New("credential: second factor invalid")
	ErrInvalidToken         = errors.New("credential: invalid token")
	ErrTokenExpired         = errors.New("credential: token expired")
	ErrTokenReused          = errors.New("credential: refresh token reused")
	ErrPasswordExpired      = errors.New("credential: password expired")
	ErrPasswordPolicy       = errors.New("credential: password policy violation")
	ErrPasswordReused       = errors.New("credential: password recently used")
	ErrTransition           = errors.New("credential: illegal state transition")
)
