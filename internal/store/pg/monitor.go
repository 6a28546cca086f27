package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinicore.org/internal/monitor"
)

type directiveStore struct {
	db *sql.DB
}

func (s directiveStore) Put(ctx context.Context, d *monitor.BlockDirective) error {
	_, err := s.db.ExecContext(ctx, `
		insert into block_directives(id, subject, reason, created_at, expires_at)
		values ($1,$2,$3,$4,$5)
	`, d.ID, d.Subject, d.Reason, d.CreatedAt, d.ExpiresAt)
	return err
}

func (s directiveStore) Active(ctx context.Context, subject string, now time.Time) (*monitor.BlockDirective, error) {
	var d monitor.BlockDirective
	err := s.db.QueryRowContext(ctx, `
		select id, subject, reason, created_at, expires_at
		from block_directives
		where subject=$1 and expires_at > $2
		order by expires_at desc
		limit 1
	`, subject, now).Scan(&d.ID, &d.Subject, &d.Reason, &d.CreatedAt, &d.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, monitor.ErrNoDirective
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s directiveStore) ListActive(ctx context.Context, now time.Time) ([]monitor.BlockDirective, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, subject, reason, created_at, expires_at
		from block_directives
		where expires_at > $1
		order by created_at asc
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []monitor.BlockDirective
	for rows.Next() {
		var d monitor.BlockDirective
		if err := rows.Scan(&d.ID, &d.Subject, &d.Reason, &d.CreatedAt, &d.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s directiveStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `delete from block_directives where id=$1`, id)
	return err
}

type cursorStore struct {
	db *sql.DB
}

func (s cursorStore) Cursor(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `select seq from monitor_cursor where id=1`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (s cursorStore) SaveCursor(ctx context.Context, seq uint64) error {
	_, err := s.db.ExecContext(ctx, `
		insert into monitor_cursor(id, seq) values (1, $1)
		on conflict (id) do update set seq = greatest(monitor_cursor.seq, excluded.seq)
	`, seq)
	return err
}
