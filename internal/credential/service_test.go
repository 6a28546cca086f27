package credential_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/credential"
	"clinicore.org/internal/crypto"
	"clinicore.org/internal/store/memory"
)

const goodPassword = "Straw8erry!Field"

type fixture struct {
	svc   *credential.Service
	store *memory.Store
	log   *audit.Log

	mu  sync.Mutex
	now time.Time
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newFixture(t *testing.T, opts ...credential.ServiceOption) *fixture {
	t.Helper()
	store := memory.New()
	log, err := audit.New(context.Background(), store.Audit())
	if err != nil {
		t.Fatalf("audit.New: %v", err)
	}
	t.Cleanup(func() { _ = log.Close(context.Background()) })

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	keyring, err := crypto.NewKeyring(map[uint32][]byte{1: key}, 1)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	f := &fixture{store: store, log: log, now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts = append([]credential.ServiceOption{credential.WithClock(f.clock)}, opts...)
	svc, err := credential.NewService(store.Identities(), store.Tokens(), log, keyring,
		credential.Params{
			TokenSecret:    []byte("unit-test-secret"),
			PasswordExpiry: 90 * 24 * time.Hour,
		}, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *fixture) register(t *testing.T, email string) *credential.Identity {
	t.Helper()
	identity, err := f.svc.Register(context.Background(), email, goodPassword, "clinic_a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	return identity
}

func (f *fixture) auditEvents(t *testing.T, filter audit.Filter) []audit.Event {
	t.Helper()
	events, err := f.store.Audit().List(context.Background(), filter)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return events
}

func TestAuthenticateSuccess(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dr.silva@clinic.example")

	res, err := f.svc.Authenticate(context.Background(), "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.State != credential.StateAuthenticated {
		t.Fatalf("state = %s, want authenticated", res.State)
	}
	if res.Session == nil || res.Session.AccessToken == "" || res.Session.RefreshToken == "" {
		t.Fatalf("session = %+v, want tokens", res.Session)
	}

	claims, err := f.svc.VerifyAccess(context.Background(), res.Session.AccessToken)
	if err != nil {
		t.Fatalf("verify access: %v", err)
	}
	if claims.Subject != res.Session.IdentityID {
		t.Fatalf("subject = %q, want %q", claims.Subject, res.Session.IdentityID)
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "dr.silva@clinic.example")

	_, err := f.svc.Authenticate(context.Background(), "dr.silva@clinic.example", "Wrong8erry!Field", "10.0.0.1")
	if !errors.Is(err, credential.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	// Failure events are durable before the caller sees the error.
	events := f.auditEvents(t, audit.Filter{Actor: identity.ID, Kind: audit.KindLoginFailure})
	if len(events) != 1 {
		t.Fatalf("login_failure events = %d, want 1", len(events))
	}
	if events[0].Source != "10.0.0.1" {
		t.Fatalf("source = %q", events[0].Source)
	}
}

func TestAuthenticateUnknownEmail(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Authenticate(context.Background(), "ghost@clinic.example", goodPassword, "10.0.0.1")
	if !errors.Is(err, credential.ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLockoutAfterRepeatedFailures(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "dr.silva@clinic.example")
	ctx := context.Background()

	// Spread attempts over distinct sources so the per-source limiter does
	// not trip before the lockout does.
	for i := 0; i < 5; i++ {
		f.advance(time.Second)
		source := fmt.Sprintf("10.0.0.%d", i+1)
		if _, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", "Wrong8erry!Field", source); !errors.Is(err, credential.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}

	_, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.1.1")
	if !errors.Is(err, credential.ErrAccountLocked) {
		t.Fatalf("err = %v, want ErrAccountLocked", err)
	}
	if len(f.auditEvents(t, audit.Filter{Kind: audit.KindAccountLocked})) != 1 {
		t.Fatal("expected one account_locked event")
	}

	// Lockout lapses after its duration.
	f.advance(31 * time.Minute)
	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.1.2")
	if err != nil {
		t.Fatalf("after lockout: %v", err)
	}
	if res.State != credential.StateAuthenticated {
		t.Fatalf("state = %s", res.State)
	}
	if len(f.auditEvents(t, audit.Filter{Actor: identity.ID, Kind: audit.KindAccountUnlocked})) != 1 {
		t.Fatal("expected automatic account_unlocked event")
	}
}

func TestFailureWindowResets(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dr.silva@clinic.example")
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		f.advance(time.Second)
		source := fmt.Sprintf("10.0.0.%d", i+1)
		if _, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", "Wrong8erry!Field", source); !errors.Is(err, credential.ErrInvalidCredentials) {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
	}
	// Outside the window the counter starts over, so this fifth failure
	// must not lock the account.
	f.advance(16 * time.Minute)
	if _, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", "Wrong8erry!Field", "10.0.0.9"); !errors.Is(err, credential.ErrInvalidCredentials) {
		t.Fatalf("err = %v", err)
	}
	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.1.1")
	if err != nil || res.State != credential.StateAuthenticated {
		t.Fatalf("got %v / %v, account should not be locked", res.State, err)
	}
}

func TestLoginRateLimitPerSource(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dr.silva@clinic.example")
	ctx := context.Background()

	var limited bool
	for i := 0; i < 10; i++ {
		_, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", "Wrong8erry!Field", "10.9.9.9")
		if errors.Is(err, credential.ErrRateLimited) {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected the source to hit the rate limit")
	}
}

func TestPasswordExpirySurfacesAtLogin(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dr.silva@clinic.example")
	f.advance(91 * 24 * time.Hour)
	_, err := f.svc.Authenticate(context.Background(), "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if !errors.Is(err, credential.ErrPasswordExpired) {
		t.Fatalf("err = %v, want ErrPasswordExpired", err)
	}
}

func TestBlockedSourceRejected(t *testing.T) {
	f := newFixture(t, credential.WithBlockChecker(blockAll{}))
	f.register(t, "dr.silva@clinic.example")
	_, err := f.svc.Authenticate(context.Background(), "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if !errors.Is(err, credential.ErrBlocked) {
		t.Fatalf("err = %v, want ErrBlocked", err)
	}
}

type blockAll struct{}

func (blockAll) Blocked(ctx context.Context, subject string) (bool, error) { return true, nil }

func enrollAndConfirm(t *testing.T, f *fixture, identityID string) *credential.Enrollment {
	t.Helper()
	ctx := context.Background()
	enrollment, err := f.svc.EnrollTOTP(ctx, identityID)
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	code, err := totp.GenerateCode(enrollment.Secret, f.clock())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	if err := f.svc.ConfirmTOTP(ctx, identityID, code); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return enrollment
}

func TestSecondFactorFlow(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "dr.silva@clinic.example")
	enrollment := enrollAndConfirm(t, f, identity.ID)
	ctx := context.Background()

	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.State != credential.StateSecondFactorRequired || res.PendingToken == "" {
		t.Fatalf("res = %+v, want a second-factor challenge", res)
	}
	if res.Session != nil {
		t.Fatal("no session before the second factor")
	}

	// The confirmation code's step is spent; move to the next step.
	f.advance(31 * time.Second)
	code, err := totp.GenerateCode(enrollment.Secret, f.clock())
	if err != nil {
		t.Fatalf("generate code: %v", err)
	}
	session, err := f.svc.VerifySecondFactor(ctx, res.PendingToken, code, "10.0.0.1")
	if err != nil {
		t.Fatalf("verify second factor: %v", err)
	}
	if session.AccessToken == "" || session.RefreshToken == "" {
		t.Fatalf("session = %+v", session)
	}

	// The same code cannot be spent twice.
	res2, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.2")
	if err != nil {
		t.Fatalf("authenticate again: %v", err)
	}
	if _, err := f.svc.VerifySecondFactor(ctx, res2.PendingToken, code, "10.0.0.2"); !errors.Is(err, credential.ErrSecondFactorInvalid) {
		t.Fatalf("replayed code: err = %v, want ErrSecondFactorInvalid", err)
	}
}

func TestBackupCodeSingleUse(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "dr.silva@clinic.example")
	enrollment := enrollAndConfirm(t, f, identity.ID)
	ctx := context.Background()

	if len(enrollment.BackupCodes) != 10 {
		t.Fatalf("backup codes = %d, want 10", len(enrollment.BackupCodes))
	}
	backup := enrollment.BackupCodes[0]

	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := f.svc.VerifySecondFactor(ctx, res.PendingToken, backup, "10.0.0.1"); err != nil {
		t.Fatalf("backup code: %v", err)
	}

	// The verification path also persists counters on the identity; that
	// write must not restore the consumed code.
	stored, err := f.store.Identities().Find(ctx, identity.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(stored.BackupCodeHashes) != 9 {
		t.Fatalf("stored backup codes = %d, want 9", len(stored.BackupCodeHashes))
	}

	res2, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.2")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if _, err := f.svc.VerifySecondFactor(ctx, res2.PendingToken, backup, "10.0.0.2"); !errors.Is(err, credential.ErrSecondFactorInvalid) {
		t.Fatalf("spent backup code: err = %v, want ErrSecondFactorInvalid", err)
	}
}

func TestPendingTokenIsNotASession(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "dr.silva@clinic.example")
	enrollAndConfirm(t, f, identity.ID)
	ctx := context.Background()

	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if res.State != credential.StateSecondFactorRequired {
		t.Fatalf("state = %q, want second factor challenge", res.State)
	}
	if _, err := f.svc.VerifyAccess(ctx, res.PendingToken); !errors.Is(err, credential.ErrSecondFactorRequired) {
		t.Fatalf("err = %v, want ErrSecondFactorRequired", err)
	}
}

func TestPendingTokenExpires(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "dr.silva@clinic.example")
	enrollment := enrollAndConfirm(t, f, identity.ID)
	ctx := context.Background()

	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	f.advance(6 * time.Minute)
	code, _ := totp.GenerateCode(enrollment.Secret, f.clock())
	if _, err := f.svc.VerifySecondFactor(ctx, res.PendingToken, code, "10.0.0.1"); !errors.Is(err, credential.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestRefreshRotation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dr.silva@clinic.example")
	ctx := context.Background()

	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	first := res.Session.RefreshToken

	second, err := f.svc.Refresh(ctx, first, "10.0.0.1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first {
		t.Fatal("rotation must issue a new refresh token")
	}

	// Replaying the rotated token revokes the whole chain.
	if _, err := f.svc.Refresh(ctx, first, "6.6.6.6"); !errors.Is(err, credential.ErrTokenReused) {
		t.Fatalf("err = %v, want ErrTokenReused", err)
	}
	reused := f.auditEvents(t, audit.Filter{Kind: audit.KindTokenReused})
	if len(reused) != 1 {
		t.Fatal("expected a token_reused event")
	}
	if reused[0].Payload["token_issued_at"] == "" {
		t.Fatal("reuse event should carry the issue time of the stolen token")
	}
	if _, err := f.svc.Refresh(ctx, second.RefreshToken, "10.0.0.1"); !errors.Is(err, credential.ErrTokenReused) {
		t.Fatalf("descendant token should be revoked too, err = %v", err)
	}
}

func TestConcurrentRefreshSingleWinner(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dr.silva@clinic.example")
	ctx := context.Background()

	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	token := res.Session.RefreshToken

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Refresh(ctx, token, "10.0.0.1")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var wins, reuses int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, credential.ErrTokenReused):
			reuses++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("wins = %d, want exactly 1", wins)
	}
	if reuses != n-1 {
		t.Fatalf("reuses = %d, want %d", reuses, n-1)
	}
}

func TestRefreshExpired(t *testing.T) {
	f := newFixture(t)
	f.register(t, "dr.silva@clinic.example")
	ctx := context.Background()

	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.1")
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	f.advance(8 * 24 * time.Hour)
	if _, err := f.svc.Refresh(ctx, res.Session.RefreshToken, "10.0.0.1"); !errors.Is(err, credential.ErrTokenExpired) {
		t.Fatalf("err = %v, want ErrTokenExpired", err)
	}
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "dr.silva@clinic.example")
	ctx := context.Background()

	if err := f.svc.ChangePassword(ctx, identity.ID, "Wrong8erry!Field", "Blue8erry!Field"); !errors.Is(err, credential.ErrInvalidCredentials) {
		t.Fatalf("wrong current: err = %v", err)
	}
	if err := f.svc.ChangePassword(ctx, identity.ID, goodPassword, "short"); !errors.Is(err, credential.ErrPasswordPolicy) {
		t.Fatalf("weak next: err = %v", err)
	}
	if err := f.svc.ChangePassword(ctx, identity.ID, goodPassword, goodPassword); !errors.Is(err, credential.ErrPasswordReused) {
		t.Fatalf("reuse: err = %v", err)
	}
	if err := f.svc.ChangePassword(ctx, identity.ID, goodPassword, "Blue8erry!Field"); err != nil {
		t.Fatalf("change: %v", err)
	}
	if len(f.auditEvents(t, audit.Filter{Actor: identity.ID, Kind: audit.KindPasswordChange})) != 1 {
		t.Fatal("expected a password_change event")
	}
	// Rolling back to the previous password is still reuse.
	if err := f.svc.ChangePassword(ctx, identity.ID, "Blue8erry!Field", goodPassword); !errors.Is(err, credential.ErrPasswordReused) {
		t.Fatalf("history reuse: err = %v", err)
	}

	res, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", "Blue8erry!Field", "10.0.0.1")
	if err != nil || res.State != credential.StateAuthenticated {
		t.Fatalf("login with new password: %v / %v", res.State, err)
	}
}

func TestRegisterPolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []string{
		"short1!A",          // too short
		"alllowercase1!aa",  // no uppercase
		"ALLUPPERCASE1!AA",  // no lowercase
		"NoDigitsHere!aaa",  // no digit
		"NoSpecials12345aA", // no special character
	}
	for _, password := range cases {
		if _, err := f.svc.Register(ctx, "someone@clinic.example", password, ""); !errors.Is(err, credential.ErrPasswordPolicy) {
			t.Fatalf("password %q: err = %v, want ErrPasswordPolicy", password, err)
		}
	}

	f.register(t, "dr.silva@clinic.example")
	if _, err := f.svc.Register(ctx, "DR.SILVA@clinic.example", goodPassword, ""); !errors.Is(err, credential.ErrEmailTaken) {
		t.Fatalf("duplicate email: err = %v", err)
	}
}

func TestDisabledIdentityCannotLogin(t *testing.T) {
	f := newFixture(t)
	identity := f.register(t, "dr.silva@clinic.example")
	ctx := context.Background()

	if err := f.svc.SetStatus(ctx, identity.ID, credential.StatusDisabled, "admin"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := f.svc.Authenticate(ctx, "dr.silva@clinic.example", goodPassword, "10.0.0.1"); !errors.Is(err, credential.ErrAccountDisabled) {
		t.Fatalf("err = %v, want ErrAccountDisabled", err)
	}
}
