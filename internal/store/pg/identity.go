package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"clinicore.org/internal/credential"
)

type identityStore struct {
	db *sql.DB
}

const identityColumns = `id, email, tenant, status, password_hash, password_set_at,
	password_history, totp_secret, totp_enabled, last_totp_step,
	backup_code_hashes, failed_attempts, window_start, locked_until,
	created_at, updated_at`

func (s identityStore) Create(ctx context.Context, identity *credential.Identity) error {
	history, codes, err := encodeStringLists(identity)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into identities(`+identityColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, identity.ID, strings.ToLower(identity.Email), identity.Tenant, string(identity.Status),
		identity.PasswordHash, identity.PasswordSetAt, history,
		identity.TOTPSecret, identity.TOTPEnabled, identity.LastTOTPStep,
		codes, identity.FailedAttempts,
		nullTime(identity.WindowStart), nullTime(identity.LockedUntil),
		identity.CreatedAt, identity.UpdatedAt)
	if err != nil && strings.Contains(err.Error(), "duplicate key") {
		return credential.ErrEmailTaken
	}
	return err
}

func (s identityStore) Find(ctx context.Context, id string) (*credential.Identity, error) {
	return s.findWhere(ctx, `id=$1`, id)
}

func (s identityStore) FindByEmail(ctx context.Context, email string) (*credential.Identity, error) {
	return s.findWhere(ctx, `email=$1`, strings.ToLower(email))
}

func (s identityStore) findWhere(ctx context.Context, cond string, arg any) (*credential.Identity, error) {
	row := s.db.QueryRowContext(ctx, `select `+identityColumns+` from identities where `+cond, arg)
	var (
		identity                credential.Identity
		status                  string
		history, codes          []byte
		windowStart, lockedDate sql.NullTime
	)
	err := row.Scan(&identity.ID, &identity.Email, &identity.Tenant, &status,
		&identity.PasswordHash, &identity.PasswordSetAt, &history,
		&identity.TOTPSecret, &identity.TOTPEnabled, &identity.LastTOTPStep,
		&codes, &identity.FailedAttempts, &windowStart, &lockedDate,
		&identity.CreatedAt, &identity.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	identity.Status = credential.Status(status)
	if windowStart.Valid {
		identity.WindowStart = windowStart.Time
	}
	if lockedDate.Valid {
		identity.LockedUntil = lockedDate.Time
	}
	if err := json.Unmarshal(history, &identity.PasswordHistory); err != nil {
		return nil, fmt.Errorf("decode password history: %w", err)
	}
	if err := json.Unmarshal(codes, &identity.BackupCodeHashes); err != nil {
		return nil, fmt.Errorf("decode backup codes: %w", err)
	}
	return &identity, nil
}

func (s identityStore) Update(ctx context.Context, identity *credential.Identity) error {
	history, codes, err := encodeStringLists(identity)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update identities set
			tenant=$2, status=$3, password_hash=$4, password_set_at=$5,
			password_history=$6, totp_secret=$7, totp_enabled=$8,
			last_totp_step=$9, backup_code_hashes=$10, failed_attempts=$11,
			window_start=$12, locked_until=$13, updated_at=$14
		where id=$1
	`, identity.ID, identity.Tenant, string(identity.Status),
		identity.PasswordHash, identity.PasswordSetAt, history,
		identity.TOTPSecret, identity.TOTPEnabled, identity.LastTOTPStep,
		codes, identity.FailedAttempts,
		nullTime(identity.WindowStart), nullTime(identity.LockedUntil),
		identity.UpdatedAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return credential.ErrNotFound
	}
	return nil
}

// ConsumeBackupCode removes the hash inside one transaction with the row
// locked, so a code is spent at most once across concurrent attempts.
func (s identityStore) ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		select backup_code_hashes from identities where id=$1 for update
	`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, credential.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	var hashes []string
	if err := json.Unmarshal(raw, &hashes); err != nil {
		return false, fmt.Errorf("decode backup codes: %w", err)
	}
	idx := -1
	for i, h := range hashes {
		if h == codeHash {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, tx.Commit()
	}
	hashes = append(hashes[:idx], hashes[idx+1:]...)
	updated, err := json.Marshal(hashes)
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `
		update identities set backup_code_hashes=$2 where id=$1
	`, id, updated); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func encodeStringLists(identity *credential.Identity) (history, codes []byte, err error) {
	history, err = json.Marshal(emptyNotNil(identity.PasswordHistory))
	if err != nil {
		return nil, nil, err
	}
	codes, err = json.Marshal(emptyNotNil(identity.BackupCodeHashes))
	if err != nil {
		return nil, nil, err
	}
	return history, codes, nil
}

func emptyNotNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
