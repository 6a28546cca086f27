package pg

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/credential"
	"clinicore.org/internal/monitor"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestIdentityFindRoundTrip(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	history, _ := json.Marshal([]string{"$argon2id$old"})
	codes, _ := json.Marshal([]string{"hash1", "hash2"})

	rows := sqlmock.NewRows([]string{
		"id", "email", "tenant", "status", "password_hash", "password_set_at",
		"password_history", "totp_secret", "totp_enabled", "last_totp_step",
		"backup_code_hashes", "failed_attempts", "window_start", "locked_until",
		"created_at", "updated_at",
	}).AddRow("id-1", "dr.silva@clinic.example", "clinic_a", "active", "$argon2id$new", now,
		history, "v1:abc", true, int64(42), codes, 2, now, nil, now, now)
	mock.ExpectQuery("select .* from identities where id=").WithArgs("id-1").WillReturnRows(rows)

	identity, err := store.Identities().Find(context.Background(), "id-1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if identity.Email != "dr.silva@clinic.example" || identity.Status != credential.StatusActive {
		t.Fatalf("identity = %+v", identity)
	}
	if len(identity.PasswordHistory) != 1 || len(identity.BackupCodeHashes) != 2 {
		t.Fatalf("decoded lists = %v / %v", identity.PasswordHistory, identity.BackupCodeHashes)
	}
	if identity.LastTOTPStep != 42 || !identity.TOTPEnabled {
		t.Fatalf("totp state = %d / %v", identity.LastTOTPStep, identity.TOTPEnabled)
	}
	if !identity.LockedUntil.IsZero() {
		t.Fatalf("null locked_until should stay zero, got %v", identity.LockedUntil)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestIdentityFindNotFound(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select .* from identities where email=").WithArgs("ghost@clinic.example").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Identities().FindByEmail(context.Background(), "GHOST@clinic.example")
	if !errors.Is(err, credential.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRotateWinner(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()
	replacement := &credential.RefreshToken{
		ID: "new-id", IdentityID: "id-1", TokenHash: "hash",
		ExpiresAt: now.Add(time.Hour), CreatedAt: now,
	}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked=true, replaced_by=").
		WithArgs("old-id", "new-id").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into refresh_tokens").
		WithArgs("new-id", "id-1", "hash", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Tokens().Rotate(context.Background(), "old-id", replacement); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateLoserSeesReuse(t *testing.T) {
	store, mock := newMock(t)
	replacement := &credential.RefreshToken{ID: "new-id", IdentityID: "id-1"}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked=true, replaced_by=").
		WithArgs("old-id", "new-id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select revoked from refresh_tokens where id=").
		WithArgs("old-id").
		WillReturnRows(sqlmock.NewRows([]string{"revoked"}).AddRow(true))
	mock.ExpectRollback()

	err := store.Tokens().Rotate(context.Background(), "old-id", replacement)
	if !errors.Is(err, credential.ErrTokenReused) {
		t.Fatalf("err = %v, want ErrTokenReused", err)
	}
}

func TestRotateUnknownToken(t *testing.T) {
	store, mock := newMock(t)
	replacement := &credential.RefreshToken{ID: "new-id"}

	mock.ExpectBegin()
	mock.ExpectExec("update refresh_tokens set revoked=true, replaced_by=").
		WithArgs("old-id", "new-id").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select revoked from refresh_tokens where id=").
		WithArgs("old-id").WillReturnRows(sqlmock.NewRows([]string{"revoked"}))
	mock.ExpectRollback()

	err := store.Tokens().Rotate(context.Background(), "old-id", replacement)
	if !errors.Is(err, credential.ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestConsumeBackupCode(t *testing.T) {
	store, mock := newMock(t)
	stored, _ := json.Marshal([]string{"hash1", "hash2"})
	remaining, _ := json.Marshal([]string{"hash2"})

	mock.ExpectBegin()
	mock.ExpectQuery("select backup_code_hashes from identities where id=").
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"backup_code_hashes"}).AddRow(stored))
	mock.ExpectExec("update identities set backup_code_hashes=").
		WithArgs("id-1", remaining).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	consumed, err := store.Identities().ConsumeBackupCode(context.Background(), "id-1", "hash1")
	if err != nil {
		t.Fatalf("ConsumeBackupCode: %v", err)
	}
	if !consumed {
		t.Fatal("expected the code to be consumed")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestConsumeBackupCodeMissing(t *testing.T) {
	store, mock := newMock(t)
	stored, _ := json.Marshal([]string{"hash1"})

	mock.ExpectBegin()
	mock.ExpectQuery("select backup_code_hashes from identities where id=").
		WithArgs("id-1").
		WillReturnRows(sqlmock.NewRows([]string{"backup_code_hashes"}).AddRow(stored))
	mock.ExpectCommit()

	consumed, err := store.Identities().ConsumeBackupCode(context.Background(), "id-1", "nope")
	if err != nil {
		t.Fatalf("ConsumeBackupCode: %v", err)
	}
	if consumed {
		t.Fatal("unknown code must not consume anything")
	}
}

func TestAuditListBuildsFilter(t *testing.T) {
	store, mock := newMock(t)
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	payload, _ := json.Marshal(map[string]string{"reason": "bad_credentials"})

	rows := sqlmock.NewRows([]string{
		"seq", "occurred_at", "actor", "kind", "severity", "resource", "source", "payload",
	}).AddRow(uint64(7), now, "id-1", "login_failure", "medium", "", "10.0.0.1", payload)

	mock.ExpectQuery("select seq, occurred_at, actor, kind, severity, resource, source, payload.*from audit_events where seq > .* and actor=.* and kind=.* order by seq asc limit").
		WithArgs(uint64(0), "id-1", "login_failure", 10).
		WillReturnRows(rows)

	events, err := store.Audit().List(context.Background(), audit.Filter{
		Actor: "id-1", Kind: audit.KindLoginFailure, Limit: 10,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 1 || events[0].Seq != 7 {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Payload["reason"] != "bad_credentials" {
		t.Fatalf("payload = %v", events[0].Payload)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAuditLastSeqEmpty(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("select coalesce.max.seq., 0. from audit_events").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(uint64(0)))

	seq, err := store.Audit().LastSeq(context.Background())
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if seq != 0 {
		t.Fatalf("seq = %d, want 0", seq)
	}
}

func TestDirectiveActiveExpiredIgnored(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("select id, subject, reason, created_at, expires_at.*from block_directives.*where subject=.* and expires_at >").
		WithArgs("203.0.113.7", now).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Directives().Active(context.Background(), "203.0.113.7", now)
	if !errors.Is(err, monitor.ErrNoDirective) {
		t.Fatalf("err = %v, want ErrNoDirective", err)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into monitor_cursor.*on conflict").
		WithArgs(uint64(99)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("select seq from monitor_cursor where id=1").
		WillReturnRows(sqlmock.NewRows([]string{"seq"}).AddRow(uint64(99)))

	ctx := context.Background()
	if err := store.Cursors().SaveCursor(ctx, 99); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	seq, err := store.Cursors().Cursor(ctx)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if seq != 99 {
		t.Fatalf("seq = %d, want 99", seq)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
