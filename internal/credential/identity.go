// Package credential manages identities and their authentication lifecycle:
// passwords, TOTP second factors, lockout, and access/refresh tokens.
package credential

import (
	"context"
	"fmt"
	"time"
)

// Status is the administrative state of an identity. Identities are never
// deleted, only disabled.
type Status string

const (
	StatusActive   Status = "active"
	StatusDisabled Status = "disabled"
)

// AuthState tracks progress through the authentication flow.
type AuthState string

const (
	StateAnonymous            AuthState = "anonymous"
	StatePasswordVerified     AuthState = "password_verified"
	StateSecondFactorRequired AuthState = "second_factor_required"
	StateSecondFactorVerified AuthState = "second_factor_verified"
	StateAuthenticated        AuthState = "authenticated"
)

var transitions = map[AuthState][]AuthState{
	StateAnonymous:            {StatePasswordVerified},
	StatePasswordVerified:     {StateSecondFactorRequired, StateAuthenticated},
	StateSecondFactorRequired: {StateSecondFactorVerified},
	StateSecondFactorVerified: {StateAuthenticated},
}

func canTransition(from, to AuthState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// advance moves the flow to the next state or fails on an illegal jump.
func advance(from, to AuthState) (AuthState, error) {
	if !canTransition(from, to) {
		return from, fmt.Errorf("%w: %s to %s", ErrTransition, from, to)
	}
	return to, nil
}

// Identity is one account record. PasswordHash and PasswordHistory hold
// argon2id PHC strings; TOTPSecret holds an encoded encryption envelope,
// never the raw secret.
type Identity struct {
	ID     string
	Email  string
	Tenant string
	Status Status

	PasswordHash    string
	PasswordSetAt   time.Time
	PasswordHistory []string

	TOTPSecret       string
	TOTPEnabled      bool
	LastTOTPStep     int64
	BackupCodeHashes []string

	FailedAttempts int
	WindowStart    time.Time
	LockedUntil    time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Locked reports whether the identity is inside a lockout period.
func (i *Identity) Locked(now time.Time) bool {
	return !i.LockedUntil.IsZero() && now.Before(i.LockedUntil)
}

// IdentityStore persists identities. Create fails with ErrEmailTaken on a
// duplicate email; Find and FindByEmail fail with ErrNotFound.
// ConsumeBackupCode removes the matching hash atomically and reports
// whether it was present, so a backup code can be spent exactly once.
type IdentityStore interface {
	Create(ctx context.Context, identity *Identity) error
	Find(ctx context.Context, id string) (*Identity, error)
	FindByEmail(ctx context.Context, email string) (*Identity, error)
	Update(ctx context.Context, identity *Identity) error
	ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error)
}

// BlockChecker is consulted before any password verification. The monitor
// provides the production implementation.
type BlockChecker interface {
	Blocked(ctx context.Context, subject string) (bool, error)
}

// PermissionSource supplies the permission snapshot embedded into access
// tokens.
type PermissionSource interface {
	PermissionSnapshot(ctx context.Context, identityID, tenant string) ([]string, error)
}
