package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/pquerna/otp/totp"
	"golang.org/x/time/rate"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/crypto"
	"clinicore.org/internal/ids"
	"clinicore.org/internal/obs"
)

const defaultPendingTTL = 5 * time.Minute

// Params carries the tunable policy of the service. Zero values fall back
// to the defaults below.
type Params struct {
	TokenSecret []byte
	Issuer      string
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	PendingTTL  time.Duration

	LockoutThreshold int
	LockoutWindow    time.Duration
	LockoutDuration  time.Duration

	TOTPIssuer      string
	TOTPSkew        uint
	BackupCodeCount int
	BackupCodeLen   int

	PasswordMinLength    int
	PasswordHistoryDepth int
	PasswordExpiry       time.Duration

	LoginRatePerMinute int
	LoginRateBurst     int
}

func (p *Params) setDefaults() {
	if p.Issuer == "" {
		p.Issuer = "clinicore"
	}
	if p.AccessTTL <= 0 {
		p.AccessTTL = 15 * time.Minute
	}
	if p.RefreshTTL <= 0 {
		p.RefreshTTL = 7 * 24 * time.Hour
	}
	if p.PendingTTL <= 0 {
		p.PendingTTL = defaultPendingTTL
	}
	if p.LockoutThreshold <= 0 {
		p.LockoutThreshold = 5
	}
	if p.LockoutWindow <= 0 {
		p.LockoutWindow = 15 * time.Minute
	}
	if p.LockoutDuration <= 0 {
		p.LockoutDuration = 30 * time.Minute
	}
	if p.TOTPIssuer == "" {
		p.TOTPIssuer = "Clinicore"
	}
	if p.TOTPSkew == 0 {
		p.TOTPSkew = 1
	}
	if p.BackupCodeCount <= 0 {
		p.BackupCodeCount = 10
	}
	if p.BackupCodeLen <= 0 {
		p.BackupCodeLen = 8
	}
	if p.PasswordMinLength <= 0 {
		p.PasswordMinLength = 12
	}
	if p.PasswordHistoryDepth <= 0 {
		p.PasswordHistoryDepth = 5
	}
	if p.LoginRatePerMinute <= 0 {
		p.LoginRatePerMinute = 10
	}
	if p.LoginRateBurst <= 0 {
		p.LoginRateBurst = 5
	}
}

// Service implements the authentication flow over pluggable stores.
type Service struct {
	identities IdentityStore
	tokens     TokenStore
	log        *audit.Log
	keyring    *crypto.Keyring
	perms      PermissionSource
	blocks     BlockChecker
	params     Params
	now        func() time.Time

	// Equalizes verification cost for unknown emails.
	dummyHash string

	locks sync.Map // identity ID -> *sync.Mutex

	limMu    sync.Mutex
	limiters map[string]*rate.Limiter
}

// ServiceOption configures optional collaborators.
type ServiceOption func(*Service)

// WithPermissionSource wires the authorization engine used to snapshot
// permissions into access tokens.
func WithPermissionSource(src PermissionSource) ServiceOption {
	return func(s *Service) { s.perms = src }
}

// WithBlockChecker wires the security monitor's block directives into the
// login path.
func WithBlockChecker(bc BlockChecker) ServiceOption {
	return func(s *Service) { s.blocks = bc }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs the credential service. The audit log and keyring
// are required collaborators.
func NewService(identities IdentityStore, tokens TokenStore, log *audit.Log, keyring *crypto.Keyring, params Params, opts ...ServiceOption) (*Service, error) {
	if identities == nil || tokens == nil {
		return nil, errors.New("credential: stores are required")
	}
	if log == nil {
		return nil, errors.New("credential: audit log is required")
	}
	if keyring == nil {
		return nil, errors.New("credential: keyring is required")
	}
	if len(params.TokenSecret) == 0 {
		return nil, errors.New("credential: token secret is required")
	}
	params.setDefaults()
	dummy, err := crypto.HashPassword("not-a-real-password")
	if err != nil {
		return nil, err
	}
	s := &Service{
		identities: identities,
		tokens:     tokens,
		log:        log,
		keyring:    keyring,
		params:     params,
		now:        time.Now,
		dummyHash:  dummy,
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Session is a completed authentication: an access token with its
// permission snapshot plus a refresh token.
type Session struct {
	IdentityID       string
	Email            string
	Tenant           string
	Permissions      []string
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AuthResult is the outcome of Authenticate: either a full session or a
// second-factor challenge carrying a short-lived pending token.
type AuthResult struct {
	State        AuthState
	PendingToken string
	Session      *Session
}

// Register creates a new identity after validating the password policy.
func (s *Service) Register(ctx context.Context, email, password, tenant string) (*Identity, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, errors.New("credential: valid email is required")
	}
	if err := s.validatePassword(password); err != nil {
		return nil, err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	identity := &Identity{
		ID:              ids.New(),
		Email:           email,
		Tenant:          tenant,
		Status:          StatusActive,
		PasswordHash:    hash,
		PasswordSetAt:   now,
		PasswordHistory: []string{hash},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.identities.Create(ctx, identity); err != nil {
		return nil, err
	}
	return identity, nil
}

// Authenticate verifies a password and drives the state machine up to
// either a full session or a second-factor challenge. Every failed attempt
// is recorded durably before the caller sees the error.
func (s *Service) Authenticate(ctx context.Context, email, password, source string) (AuthResult, error) {
	state := StateAnonymous
	email = strings.TrimSpace(strings.ToLower(email))

	if err := s.checkBlocked(ctx, source); err != nil {
		s.auditLoginFailure(ctx, "", source, "blocked")
		return AuthResult{State: state}, err
	}
	if !s.allowSource(source) {
		return AuthResult{State: state}, ErrRateLimited
	}

	identity, err := s.identities.FindByEmail(ctx, email)
	if err != nil {
		// Burn comparable time so unknown emails are not distinguishable
		// by response latency.
		_, _ = crypto.VerifyPassword(password, s.dummyHash)
		s.auditLoginFailure(ctx, "", source, "unknown_identity")
		return AuthResult{State: state}, ErrInvalidCredentials
	}

	unlock := s.lockIdentity(identity.ID)
	defer unlock()

	now := s.now().UTC()
	if identity.Status == StatusDisabled {
		s.auditLoginFailure(ctx, identity.ID, source, "disabled")
		return AuthResult{State: state}, ErrAccountDisabled
	}
	if identity.Locked(now) {
		s.auditLoginFailure(ctx, identity.ID, source, "locked")
		return AuthResult{State: state}, ErrAccountLocked
	}
	if !identity.LockedUntil.IsZero() {
		// Lockout period has lapsed.
		identity.LockedUntil = time.Time{}
		identity.FailedAttempts = 0
		s.record(ctx, audit.Event{
			Actor: identity.ID, Kind: audit.KindAccountUnlocked,
			Severity: audit.SeverityMedium, Source: source,
			Payload: map[string]string{"mode": "automatic"},
		})
	}

	ok, err := crypto.VerifyPassword(password, identity.PasswordHash)
	if err != nil {
		return AuthResult{State: state}, fmt.Errorf("credential: verify password: %w", err)
	}
	if !ok {
		s.registerFailure(ctx, identity, source, now)
		return AuthResult{State: state}, ErrInvalidCredentials
	}

	if s.params.PasswordExpiry > 0 && now.After(identity.PasswordSetAt.Add(s.params.PasswordExpiry)) {
		s.auditLoginFailure(ctx, identity.ID, source, "password_expired")
		return AuthResult{State: state}, ErrPasswordExpired
	}

	state, err = advance(state, StatePasswordVerified)
	if err != nil {
		return AuthResult{State: state}, err
	}
	identity.FailedAttempts = 0
	identity.WindowStart = time.Time{}
	identity.UpdatedAt = now
	if err := s.identities.Update(ctx, identity); err != nil {
		return AuthResult{State: state}, err
	}

	if identity.TOTPEnabled {
		state, err = advance(state, StateSecondFactorRequired)
		if err != nil {
			return AuthResult{State: state}, err
		}
		pending, _, err := s.signToken(identity.ID, identity.Tenant, tokenKindPendingSecond, s.params.PendingTTL, nil)
		if err != nil {
			return AuthResult{State: state}, err
		}
		return AuthResult{State: state, PendingToken: pending}, nil
	}

	state, err = advance(state, StateAuthenticated)
	if err != nil {
		return AuthResult{State: state}, err
	}
	session, err := s.mintSession(ctx, identity, source)
	if err != nil {
		return AuthResult{State: state}, err
	}
	return AuthResult{State: state, Session: session}, nil
}

// VerifySecondFactor exchanges a pending token plus a TOTP or backup code
// for a full session. An accepted TOTP step is persisted so the same code
// cannot be spent twice.
func (s *Service) VerifySecondFactor(ctx context.Context, pendingToken, code, source string) (*Session, error) {
	claims, err := s.parseToken(pendingToken, tokenKindPendingSecond)
	if err != nil {
		return nil, err
	}
	if err := s.checkBlocked(ctx, source); err != nil {
		return nil, err
	}

	identity, err := s.identities.Find(ctx, claims.Subject)
	if err != nil {
		return nil, ErrInvalidToken
	}

	unlock := s.lockIdentity(identity.ID)
	defer unlock()

	now := s.now().UTC()
	if identity.Status == StatusDisabled {
		return nil, ErrAccountDisabled
	}
	if identity.Locked(now) {
		return nil, ErrAccountLocked
	}
	if identity.TOTPSecret == "" {
		return nil, ErrSecondFactorInvalid
	}

	secret, err := s.totpSecret(identity)
	if err != nil {
		return nil, err
	}

	state := StateSecondFactorRequired
	if step, ok := s.verifyTOTP(secret, code, now); ok {
		if step <= identity.LastTOTPStep {
			s.record(ctx, audit.Event{
				Actor: identity.ID, Kind: audit.KindTwoFAFailure,
				Severity: audit.SeverityHigh, Source: source,
				Payload: map[string]string{"reason": "code_replay"},
			})
			return nil, ErrSecondFactorInvalid
		}
		identity.LastTOTPStep = step
	} else {
		hash := hashBackupCode(code)
		consumed, cerr := s.identities.ConsumeBackupCode(ctx, identity.ID, hash)
		if cerr != nil {
			return nil, cerr
		}
		if !consumed {
			s.registerFailure(ctx, identity, source, now)
			s.record(ctx, audit.Event{
				Actor: identity.ID, Kind: audit.KindTwoFAFailure,
				Severity: audit.SeverityMedium, Source: source,
			})
			return nil, ErrSecondFactorInvalid
		}
		// The store already dropped the hash. Drop it from our copy too, or
		// the Update below would write the spent code back.
		identity.BackupCodeHashes = withoutHash(identity.BackupCodeHashes, hash)
	}

	state, err = advance(state, StateSecondFactorVerified)
	if err != nil {
		return nil, err
	}
	identity.FailedAttempts = 0
	identity.WindowStart = time.Time{}
	identity.UpdatedAt = now
	if err := s.identities.Update(ctx, identity); err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{
		Actor: identity.ID, Kind: audit.KindTwoFAVerified,
		Severity: audit.SeverityLow, Source: source,
	})

	if _, err = advance(state, StateAuthenticated); err != nil {
		return nil, err
	}
	return s.mintSession(ctx, identity, source)
}

// Enrollment is everything the identity needs to set up a TOTP app: the
// raw secret, an otpauth provisioning URI, and one-time backup codes. None
// of it is retrievable later.
type Enrollment struct {
	Secret      string
	URI         string
	BackupCodes []string
}

// EnrollTOTP provisions a second factor. It stays inactive until
// ConfirmTOTP sees a valid code, so a lost provisioning screen cannot
// lock the account out.
func (s *Service) EnrollTOTP(ctx context.Context, identityID string) (*Enrollment, error) {
	identity, err := s.identities.Find(ctx, identityID)
	if err != nil {
		return nil, err
	}

	unlock := s.lockIdentity(identity.ID)
	defer unlock()

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.params.TOTPIssuer,
		AccountName: identity.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("credential: generate totp key: %w", err)
	}
	env, err := s.keyring.EncryptActive([]byte(key.Secret()))
	if err != nil {
		return nil, err
	}
	codes, err := crypto.GenerateBackupCodes(s.params.BackupCodeCount, s.params.BackupCodeLen)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = hashBackupCode(c)
	}

	identity.TOTPSecret = env.Encode()
	identity.TOTPEnabled = false
	identity.LastTOTPStep = 0
	identity.BackupCodeHashes = hashes
	identity.UpdatedAt = s.now().UTC()
	if err := s.identities.Update(ctx, identity); err != nil {
		return nil, err
	}
	return &Enrollment{Secret: key.Secret(), URI: key.URL(), BackupCodes: codes}, nil
}

// ConfirmTOTP activates an enrolled second factor after the identity
// proves possession with one valid code.
func (s *Service) ConfirmTOTP(ctx context.Context, identityID, code string) error {
	identity, err := s.identities.Find(ctx, identityID)
	if err != nil {
		return err
	}

	unlock := s.lockIdentity(identity.ID)
	defer unlock()

	if identity.TOTPSecret == "" {
		return ErrSecondFactorInvalid
	}
	secret, err := s.totpSecret(identity)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	step, ok := s.verifyTOTP(secret, code, now)
	if !ok {
		s.record(ctx, audit.Event{
			Actor: identity.ID, Kind: audit.KindTwoFAFailure,
			Severity: audit.SeverityLow,
			Payload:  map[string]string{"reason": "enrollment_confirm"},
		})
		return ErrSecondFactorInvalid
	}
	identity.TOTPEnabled = true
	identity.LastTOTPStep = step
	identity.UpdatedAt = now
	if err := s.identities.Update(ctx, identity); err != nil {
		return err
	}
	s.record(ctx, audit.Event{
		Actor: identity.ID, Kind: audit.KindTwoFAEnrolled,
		Severity: audit.SeverityMedium,
	})
	return nil
}

// Refresh exchanges a live refresh token for a new session and retires the
// old token. Presenting an already-rotated token revokes the whole chain:
// reuse means either the client or a thief holds a stale copy, and after
// rotation there is no way to tell which one is which.
func (s *Service) Refresh(ctx context.Context, refreshToken, source string) (*Session, error) {
	tokenID, secret, err := splitRefreshToken(refreshToken)
	if err != nil {
		return nil, err
	}
	rec, err := s.tokens.Find(ctx, tokenID)
	if err != nil {
		return nil, ErrInvalidToken
	}

	unlock := s.lockIdentity(rec.IdentityID)
	defer unlock()

	now := s.now().UTC()
	if rec.Revoked {
		return nil, s.handleReuse(ctx, rec, source)
	}
	if now.After(rec.ExpiresAt) {
		return nil, ErrTokenExpired
	}
	if !hashMatches(rec.TokenHash, secret) {
		_ = s.tokens.Revoke(ctx, rec.ID)
		return nil, ErrInvalidToken
	}

	identity, err := s.identities.Find(ctx, rec.IdentityID)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if identity.Status == StatusDisabled {
		return nil, ErrAccountDisabled
	}

	raw, replacement, err := s.newRefreshToken(identity.ID)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Rotate(ctx, rec.ID, replacement); err != nil {
		if errors.Is(err, ErrTokenReused) {
			return nil, s.handleReuse(ctx, rec, source)
		}
		return nil, err
	}

	session, err := s.buildSession(ctx, identity, raw, replacement)
	if err != nil {
		return nil, err
	}
	s.record(ctx, audit.Event{
		Actor: identity.ID, Kind: audit.KindTokenRefreshed,
		Severity: audit.SeverityLow, Source: source,
		Payload: map[string]string{"token_id": replacement.ID},
	})
	return session, nil
}

func (s *Service) handleReuse(ctx context.Context, rec *RefreshToken, source string) error {
	_ = s.tokens.RevokeChain(ctx, rec.ID)
	payload := map[string]string{"token_id": rec.ID}
	if issued := ids.Timestamp(rec.ID); !issued.IsZero() {
		payload["token_issued_at"] = issued.UTC().Format(time.RFC3339)
	}
	if _, err := s.log.Record(ctx, audit.Event{
		Actor: rec.IdentityID, Kind: audit.KindTokenReused,
		Severity: audit.SeverityCritical, Source: source,
		Payload: payload,
	}); err != nil {
		return fmt.Errorf("credential: record reuse: %w", err)
	}
	return ErrTokenReused
}

// Logout revokes the presented refresh token.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	tokenID, _, err := splitRefreshToken(refreshToken)
	if err != nil {
		return err
	}
	rec, err := s.tokens.Find(ctx, tokenID)
	if err != nil {
		return ErrInvalidToken
	}
	if err := s.tokens.Revoke(ctx, rec.ID); err != nil {
		return err
	}
	s.record(ctx, audit.Event{
		Actor: rec.IdentityID, Kind: audit.KindLogout,
		Severity: audit.SeverityLow,
	})
	return nil
}

// ChangePassword rotates the password after re-verifying the current one.
// Reuse against the history window is rejected.
func (s *Service) ChangePassword(ctx context.Context, identityID, current, next string) error {
	identity, err := s.identities.Find(ctx, identityID)
	if err != nil {
		return err
	}

	unlock := s.lockIdentity(identity.ID)
	defer unlock()

	ok, err := crypto.VerifyPassword(current, identity.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}
	if err := s.validatePassword(next); err != nil {
		return err
	}
	for _, old := range identity.PasswordHistory {
		reused, err := crypto.VerifyPassword(next, old)
		if err != nil {
			continue
		}
		if reused {
			return ErrPasswordReused
		}
	}

	hash, err := crypto.HashPassword(next)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	identity.PasswordHash = hash
	identity.PasswordSetAt = now
	identity.PasswordHistory = append(identity.PasswordHistory, hash)
	if depth := s.params.PasswordHistoryDepth; len(identity.PasswordHistory) > depth {
		identity.PasswordHistory = identity.PasswordHistory[len(identity.PasswordHistory)-depth:]
	}
	identity.UpdatedAt = now
	if err := s.identities.Update(ctx, identity); err != nil {
		return err
	}
	if _, err := s.log.Record(ctx, audit.Event{
		Actor: identity.ID, Kind: audit.KindPasswordChange,
		Severity: audit.SeverityMedium,
	}); err != nil {
		return fmt.Errorf("credential: record password change: %w", err)
	}
	return nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *Service) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	return s.parseToken(token, tokenKindAccess)
}

// Unlock clears a lockout ahead of schedule. Privileged.
func (s *Service) Unlock(ctx context.Context, identityID, actor string) error {
	identity, err := s.identities.Find(ctx, identityID)
	if err != nil {
		return err
	}
	unlock := s.lockIdentity(identity.ID)
	defer unlock()

	identity.LockedUntil = time.Time{}
	identity.FailedAttempts = 0
	identity.WindowStart = time.Time{}
	identity.UpdatedAt = s.now().UTC()
	if err := s.identities.Update(ctx, identity); err != nil {
		return err
	}
	s.record(ctx, audit.Event{
		Actor: actor, Kind: audit.KindAccountUnlocked,
		Severity: audit.SeverityMedium, Resource: identity.ID,
		Payload: map[string]string{"mode": "manual"},
	})
	return nil
}

// SetStatus enables or disables an identity. Privileged; disable is the
// only removal path.
func (s *Service) SetStatus(ctx context.Context, identityID string, status Status, actor string) error {
	if status != StatusActive && status != StatusDisabled {
		return fmt.Errorf("credential: unknown status %q", status)
	}
	identity, err := s.identities.Find(ctx, identityID)
	if err != nil {
		return err
	}
	unlock := s.lockIdentity(identity.ID)
	defer unlock()

	identity.Status = status
	identity.UpdatedAt = s.now().UTC()
	if err := s.identities.Update(ctx, identity); err != nil {
		return err
	}
	if _, err := s.log.Record(ctx, audit.Event{
		Actor: actor, Kind: audit.KindConfigChange,
		Severity: audit.SeverityHigh, Resource: identity.ID,
		Payload: map[string]string{"action": "set_status", "status": string(status)},
	}); err != nil {
		return fmt.Errorf("credential: record status change: %w", err)
	}
	return nil
}

func (s *Service) mintSession(ctx context.Context, identity *Identity, source string) (*Session, error) {
	raw, rec, err := s.newRefreshToken(identity.ID)
	if err != nil {
		return nil, err
	}
	if err := s.tokens.Create(ctx, rec); err != nil {
		return nil, err
	}
	session, err := s.buildSession(ctx, identity, raw, rec)
	if err != nil {
		return nil, err
	}
	obs.ObserveLogin("success")
	s.record(ctx, audit.Event{
		Actor: identity.ID, Kind: audit.KindLoginSuccess,
		Severity: audit.SeverityLow, Source: source,
	})
	return session, nil
}

func (s *Service) buildSession(ctx context.Context, identity *Identity, rawRefresh string, rec *RefreshToken) (*Session, error) {
	var perms []string
	if s.perms != nil {
		var err error
		perms, err = s.perms.PermissionSnapshot(ctx, identity.ID, identity.Tenant)
		if err != nil {
			return nil, err
		}
	}
	access, accessExp, err := s.signToken(identity.ID, identity.Tenant, tokenKindAccess, s.params.AccessTTL, perms)
	if err != nil {
		return nil, err
	}
	return &Session{
		IdentityID:       identity.ID,
		Email:            identity.Email,
		Tenant:           identity.Tenant,
		Permissions:      perms,
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     rawRefresh,
		RefreshExpiresAt: rec.ExpiresAt,
	}, nil
}

// registerFailure advances the sliding failure window and locks the
// account when the threshold is crossed. Caller holds the identity lock.
func (s *Service) registerFailure(ctx context.Context, identity *Identity, source string, now time.Time) {
	if identity.WindowStart.IsZero() || now.Sub(identity.WindowStart) > s.params.LockoutWindow {
		identity.WindowStart = now
		identity.FailedAttempts = 1
	} else {
		identity.FailedAttempts++
	}
	locked := identity.FailedAttempts >= s.params.LockoutThreshold
	if locked {
		identity.LockedUntil = now.Add(s.params.LockoutDuration)
	}
	identity.UpdatedAt = now
	if err := s.identities.Update(ctx, identity); err != nil {
		obs.LogError("persist failure counters", map[string]any{"identity": identity.ID})
	}
	s.auditLoginFailure(ctx, identity.ID, source, "bad_credentials")
	if locked {
		obs.ObserveLockout()
		if _, err := s.log.Record(ctx, audit.Event{
			Actor: identity.ID, Kind: audit.KindAccountLocked,
			Severity: audit.SeverityHigh, Source: source,
			Payload: map[string]string{"until": identity.LockedUntil.Format(time.RFC3339)},
		}); err != nil {
			obs.LogError("record lockout", map[string]any{"identity": identity.ID})
		}
	}
}

// auditLoginFailure records a failed attempt; the write is awaited so the
// failure is durable before the caller is told anything.
func (s *Service) auditLoginFailure(ctx context.Context, actor, source, reason string) {
	obs.ObserveLogin("failure")
	if _, err := s.log.Record(ctx, audit.Event{
		Actor: actor, Kind: audit.KindLoginFailure,
		Severity: audit.SeverityMedium, Source: source,
		Payload: map[string]string{"reason": reason},
	}); err != nil {
		obs.LogError("record login failure", map[string]any{"source": source})
	}
}

// record appends a routine (non-critical) event, logging rather than
// failing the caller's operation on audit trouble.
func (s *Service) record(ctx context.Context, e audit.Event) {
	if _, err := s.log.Record(ctx, e); err != nil {
		obs.LogError("record audit event", map[string]any{"kind": string(e.Kind)})
	}
}

func (s *Service) checkBlocked(ctx context.Context, source string) error {
	if s.blocks == nil || source == "" {
		return nil
	}
	blocked, err := s.blocks.Blocked(ctx, source)
	if err != nil {
		return fmt.Errorf("credential: block check: %w", err)
	}
	if blocked {
		return ErrBlocked
	}
	return nil
}

func (s *Service) allowSource(source string) bool {
	if source == "" {
		return true
	}
	s.limMu.Lock()
	lim, ok := s.limiters[source]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(s.params.LoginRatePerMinute)/60, s.params.LoginRateBurst)
		s.limiters[source] = lim
	}
	s.limMu.Unlock()
	return lim.Allow()
}

func (s *Service) lockIdentity(id string) func() {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) totpSecret(identity *Identity) (string, error) {
	env, err := crypto.DecodeEnvelope(identity.TOTPSecret)
	if err != nil {
		return "", err
	}
	plain, err := s.keyring.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// validatePassword enforces minimum length and all four character classes.
func (s *Service) validatePassword(password string) error {
	if len(password) < s.params.PasswordMinLength {
		return fmt.Errorf("%w: shorter than %d characters", ErrPasswordPolicy, s.params.PasswordMinLength)
	}
	var upper, lower, digit, special bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		default:
			special = true
		}
	}
	switch {
	case !upper:
		return fmt.Errorf("%w: no uppercase letter", ErrPasswordPolicy)
	case !lower:
		return fmt.Errorf("%w: no lowercase letter", ErrPasswordPolicy)
	case !digit:
		return fmt.Errorf("%w: no digit", ErrPasswordPolicy)
	case !special:
		return fmt.Errorf("%w: no special character", ErrPasswordPolicy)
	}
	return nil
}
