package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"clinicore.org/internal/audit"
)

type auditStore struct {
	db *sql.DB
}

func (s auditStore) Append(ctx context.Context, e audit.Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into audit_events(seq, occurred_at, actor, kind, severity, resource, source, payload)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, e.Seq, e.Time, e.Actor, string(e.Kind), string(e.Severity), e.Resource, e.Source, payload)
	return err
}

func (s auditStore) List(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	query := `
		select seq, occurred_at, actor, kind, severity, resource, source, payload
		from audit_events where seq > $1`
	args := []any{f.AfterSeq}
	if f.Actor != "" {
		args = append(args, f.Actor)
		query += fmt.Sprintf(" and actor=$%d", len(args))
	}
	if f.Kind != "" {
		args = append(args, string(f.Kind))
		query += fmt.Sprintf(" and kind=$%d", len(args))
	}
	if f.MinSeverity != "" {
		placeholders := ""
		for _, sev := range severitiesAtLeast(f.MinSeverity) {
			args = append(args, sev)
			if placeholders != "" {
				placeholders += ","
			}
			placeholders += fmt.Sprintf("$%d", len(args))
		}
		query += " and severity in (" + placeholders + ")"
	}
	if !f.From.IsZero() {
		args = append(args, f.From)
		query += fmt.Sprintf(" and occurred_at >= $%d", len(args))
	}
	if !f.To.IsZero() {
		args = append(args, f.To)
		query += fmt.Sprintf(" and occurred_at <= $%d", len(args))
	}
	query += " order by seq asc"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Event
	for rows.Next() {
		var (
			e       audit.Event
			kind    string
			sev     string
			payload []byte
		)
		if err := rows.Scan(&e.Seq, &e.Time, &e.Actor, &kind, &sev, &e.Resource, &e.Source, &payload); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(kind)
		e.Severity = audit.Severity(sev)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("decode payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// severitiesAtLeast expands a floor into the explicit value set, keeping
// the rank comparison out of SQL.
func severitiesAtLeast(min audit.Severity) []string {
	all := []audit.Severity{
		audit.SeverityLow, audit.SeverityMedium,
		audit.SeverityHigh, audit.SeverityCritical,
	}
	var out []string
	for _, s := range all {
		if s.Rank() >= min.Rank() {
			out = append(out, string(s))
		}
	}
	return out
}

func (s auditStore) LastSeq(ctx context.Context) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx, `select coalesce(max(seq), 0) from audit_events`).Scan(&seq)
	return seq, err
}

func (s auditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `delete from audit_events where occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
