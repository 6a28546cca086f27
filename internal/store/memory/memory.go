// Package memory provides mutex-guarded in-process implementations of all
// store interfaces. It backs tests and single-process deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/authz"
	"clinicore.org/internal/credential"
	"clinicore.org/internal/monitor"
)

// Store holds all state behind one lock and hands out typed views for each
// consumer interface.
type Store struct {
	mu         sync.RWMutex
	identities map[string]credential.Identity
	emails     map[string]string
	tokens     map[string]credential.RefreshToken
	roles      map[string]authz.Role
	bindings   []authz.Binding
	events     []audit.Event
	directives map[string]monitor.BlockDirective
	cursor     uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		identities: make(map[string]credential.Identity),
		emails:     make(map[string]string),
		tokens:     make(map[string]credential.RefreshToken),
		roles:      make(map[string]authz.Role),
		directives: make(map[string]monitor.BlockDirective),
	}
}

// Identities returns the credential.IdentityStore view.
func (s *Store) Identities() credential.IdentityStore { return identityStore{s} }

// Tokens returns the credential.TokenStore view.
func (s *Store) Tokens() credential.TokenStore { return tokenStore{s} }

// Roles returns the authz.Store view.
func (s *Store) Roles() authz.Store { return roleStore{s} }

// Audit returns the audit.Store view.
func (s *Store) Audit() audit.Store { return auditStore{s} }

// Directives returns the monitor.DirectiveStore view.
func (s *Store) Directives() monitor.DirectiveStore { return directiveStore{s} }

// Cursors returns the monitor.CursorStore view.
func (s *Store) Cursors() monitor.CursorStore { return cursorStore{s} }

type identityStore struct{ s *Store }

func (v identityStore) Create(ctx context.Context, identity *credential.Identity) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(identity.Email)
	if _, taken := s.emails[email]; taken {
		return credential.ErrEmailTaken
	}
	s.identities[identity.ID] = cloneIdentity(*identity)
	s.emails[email] = identity.ID
	return nil
}

func (v identityStore) Find(ctx context.Context, id string) (*credential.Identity, error) {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.identities[id]
	if !ok {
		return nil, credential.ErrNotFound
	}
	out := cloneIdentity(identity)
	return &out, nil
}

func (v identityStore) FindByEmail(ctx context.Context, email string) (*credential.Identity, error) {
	s := v.s
	s.mu.RLock()
	id, ok := s.emails[strings.ToLower(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, credential.ErrNotFound
	}
	return v.Find(ctx, id)
}

func (v identityStore) Update(ctx context.Context, identity *credential.Identity) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.identities[identity.ID]; !ok {
		return credential.ErrNotFound
	}
	s.identities[identity.ID] = cloneIdentity(*identity)
	return nil
}

func (v identityStore) ConsumeBackupCode(ctx context.Context, id, codeHash string) (bool, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.identities[id]
	if !ok {
		return false, credential.ErrNotFound
	}
	for i, h := range identity.BackupCodeHashes {
		if h == codeHash {
			identity.BackupCodeHashes = append(
				append([]string(nil), identity.BackupCodeHashes[:i]...),
				identity.BackupCodeHashes[i+1:]...)
			s.identities[id] = identity
			return true, nil
		}
	}
	return false, nil
}

func cloneIdentity(i credential.Identity) credential.Identity {
	i.PasswordHistory = append([]string(nil), i.PasswordHistory...)
	i.BackupCodeHashes = append([]string(nil), i.BackupCodeHashes...)
	return i
}

type tokenStore struct{ s *Store }

func (v tokenStore) Create(ctx context.Context, t *credential.RefreshToken) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.ID] = *t
	return nil
}

func (v tokenStore) Find(ctx context.Context, id string) (*credential.RefreshToken, error) {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return nil, credential.ErrNotFound
	}
	out := t
	return &out, nil
}

func (v tokenStore) Rotate(ctx context.Context, oldID string, replacement *credential.RefreshToken) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.tokens[oldID]
	if !ok {
		return credential.ErrInvalidToken
	}
	if old.Revoked {
		return credential.ErrTokenReused
	}
	old.Revoked = true
	old.ReplacedBy = replacement.ID
	s.tokens[oldID] = old
	s.tokens[replacement.ID] = *replacement
	return nil
}

func (v tokenStore) Revoke(ctx context.Context, id string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[id]
	if !ok {
		return credential.ErrNotFound
	}
	t.Revoked = true
	s.tokens[id] = t
	return nil
}

func (v tokenStore) RevokeChain(ctx context.Context, id string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for id != "" {
		t, ok := s.tokens[id]
		if !ok {
			return nil
		}
		t.Revoked = true
		s.tokens[id] = t
		id = t.ReplacedBy
	}
	return nil
}

type roleStore struct{ s *Store }

func (v roleStore) Role(ctx context.Context, name string) (authz.Role, error) {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[name]
	if !ok {
		return authz.Role{}, authz.ErrNotFound
	}
	role.Permissions = append([]string(nil), role.Permissions...)
	return role, nil
}

func (v roleStore) UpsertRole(ctx context.Context, role authz.Role) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	role.Permissions = append([]string(nil), role.Permissions...)
	s.roles[role.Name] = role
	return nil
}

func (v roleStore) Bind(ctx context.Context, b authz.Binding) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, have := range s.bindings {
		if have == b {
			return nil
		}
	}
	s.bindings = append(s.bindings, b)
	return nil
}

func (v roleStore) Unbind(ctx context.Context, b authz.Binding) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.bindings[:0]
	for _, have := range s.bindings {
		if have != b {
			out = append(out, have)
		}
	}
	s.bindings = out
	return nil
}

func (v roleStore) BindingsFor(ctx context.Context, identityID string) ([]authz.Binding, error) {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []authz.Binding
	for _, b := range s.bindings {
		if b.IdentityID == identityID {
			out = append(out, b)
		}
	}
	return out, nil
}

type auditStore struct{ s *Store }

func (v auditStore) Append(ctx context.Context, e audit.Event) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Payload != nil {
		p := make(map[string]string, len(e.Payload))
		for k, val := range e.Payload {
			p[k] = val
		}
		e.Payload = p
	}
	s.events = append(s.events, e)
	return nil
}

func (v auditStore) List(ctx context.Context, f audit.Filter) ([]audit.Event, error) {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []audit.Event
	for _, e := range s.events {
		if !f.Matches(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (v auditStore) LastSeq(ctx context.Context) (uint64, error) {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.events) == 0 {
		return 0, nil
	}
	return s.events[len(s.events)-1].Seq, nil
}

func (v auditStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []audit.Event
	var removed int64
	for _, e := range s.events {
		if e.Time.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return removed, nil
}

type directiveStore struct{ s *Store }

func (v directiveStore) Put(ctx context.Context, d *monitor.BlockDirective) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.directives[d.ID] = *d
	return nil
}

func (v directiveStore) Active(ctx context.Context, subject string, now time.Time) (*monitor.BlockDirective, error) {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *monitor.BlockDirective
	for _, d := range s.directives {
		if d.Subject != subject || !now.Before(d.ExpiresAt) {
			continue
		}
		if best == nil || d.ExpiresAt.After(best.ExpiresAt) {
			found := d
			best = &found
		}
	}
	if best == nil {
		return nil, monitor.ErrNoDirective
	}
	return best, nil
}

func (v directiveStore) ListActive(ctx context.Context, now time.Time) ([]monitor.BlockDirective, error) {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.BlockDirective
	for _, d := range s.directives {
		if now.Before(d.ExpiresAt) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v directiveStore) Delete(ctx context.Context, id string) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.directives, id)
	return nil
}

type cursorStore struct{ s *Store }

func (v cursorStore) Cursor(ctx context.Context) (uint64, error) {
	s := v.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursor, nil
}

func (v cursorStore) SaveCursor(ctx context.Context, seq uint64) error {
	s := v.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.cursor {
		s.cursor = seq
	}
	return nil
}
