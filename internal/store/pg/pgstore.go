// Package pg implements the store interfaces on Postgres through
// database/sql with the pgx stdlib driver.
package pg

import (
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/authz"
	"clinicore.org/internal/credential"
	"clinicore.org/internal/monitor"
)

// Store wraps the connection pool and hands out typed views for each
// consumer interface.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool (tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Identities returns the credential.IdentityStore view.
func (s *Store) Identities() credential.IdentityStore { return identityStore{s.db} }

// Tokens returns the credential.TokenStore view.
func (s *Store) Tokens() credential.TokenStore { return tokenStore{s.db} }

// Roles returns the authz.Store view.
func (s *Store) Roles() authz.Store { return roleStore{s.db} }

// Audit returns the audit.Store view.
func (s *Store) Audit() audit.Store { return auditStore{s.db} }

// Directives returns the monitor.DirectiveStore view.
func (s *Store) Directives() monitor.DirectiveStore { return directiveStore{s.db} }

// Cursors returns the monitor.CursorStore view.
func (s *Store) Cursors() monitor.CursorStore { return cursorStore{s.db} }
