package pg

import (
	"context"
	"database/sql"
	"errors"

	"clinicore.org/internal/credential"
)

type tokenStore struct {
	db *sql.DB
}

func (s tokenStore) Create(ctx context.Context, t *credential.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens(id, identity_id, token_hash, expires_at, revoked, replaced_by, created_at)
		values ($1,$2,$3,$4,$5,nullif($6,''),$7)
	`, t.ID, t.IdentityID, t.TokenHash, t.ExpiresAt, t.Revoked, t.ReplacedBy, t.CreatedAt)
	return err
}

func (s tokenStore) Find(ctx context.Context, id string) (*credential.RefreshToken, error) {
	var (
		t          credential.RefreshToken
		replacedBy sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, identity_id, token_hash, expires_at, revoked, replaced_by, created_at
		from refresh_tokens where id=$1
	`, id).Scan(&t.ID, &t.IdentityID, &t.TokenHash, &t.ExpiresAt, &t.Revoked, &replacedBy, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, credential.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if replacedBy.Valid {
		t.ReplacedBy = replacedBy.String
	}
	return &t, nil
}

// Rotate retires oldID and records its replacement in one transaction. The
// conditional update is the arbiter: whichever concurrent exchange flips
// revoked first wins, the rest observe ErrTokenReused.
func (s tokenStore) Rotate(ctx context.Context, oldID string, replacement *credential.RefreshToken) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		update refresh_tokens set revoked=true, replaced_by=$2
		where id=$1 and revoked=false
	`, oldID, replacement.ID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var revoked bool
		err := tx.QueryRowContext(ctx, `select revoked from refresh_tokens where id=$1`, oldID).Scan(&revoked)
		if errors.Is(err, sql.ErrNoRows) {
			return credential.ErrInvalidToken
		}
		if err != nil {
			return err
		}
		return credential.ErrTokenReused
	}

	if _, err := tx.ExecContext(ctx, `
		insert into refresh_tokens(id, identity_id, token_hash, expires_at, revoked, replaced_by, created_at)
		values ($1,$2,$3,$4,false,null,$5)
	`, replacement.ID, replacement.IdentityID, replacement.TokenHash, replacement.ExpiresAt, replacement.CreatedAt); err != nil {
		return err
	}
	return tx.Commit()
}

func (s tokenStore) Revoke(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `update refresh_tokens set revoked=true where id=$1`, id)
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

// RevokeChain follows replaced_by links with a recursive query and revokes
// every descendant in one statement.
func (s tokenStore) RevokeChain(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		with recursive chain as (
			select id, replaced_by from refresh_tokens where id=$1
			union all
			select rt.id, rt.replaced_by
			from refresh_tokens rt
			join chain c on rt.id = c.replaced_by
		)
		update refresh_tokens set revoked=true
		where id in (select id from chain)
	`, id)
	return err
}
