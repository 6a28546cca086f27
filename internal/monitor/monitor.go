// Package monitor watches the audit stream for attack patterns: sliding
// window counters per (subject, threat kind), signal fan-out, and block
// directives enforced by the login path.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"clinicore.org/internal/audit"
	"clinicore.org/internal/ids"
	"clinicore.org/internal/obs"
)

const recentSignalCap = 100

// BlockDirective denies a subject (usually a source address) until it
// expires or is removed.
type BlockDirective struct {
	ID        string
	Subject   string
	Reason    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// DirectiveStore persists block directives.
type DirectiveStore interface {
	Put(ctx context.Context, d *BlockDirective) error
	Active(ctx context.Context, subject string, now time.Time) (*BlockDirective, error)
	ListActive(ctx context.Context, now time.Time) ([]BlockDirective, error)
	Delete(ctx context.Context, id string) error
}

// CursorStore remembers how far into the audit stream the monitor has
// processed, so a restart resumes instead of re-alerting on old events.
type CursorStore interface {
	Cursor(ctx context.Context) (uint64, error)
	SaveCursor(ctx context.Context, seq uint64) error
}

// ErrNoDirective is returned by DirectiveStore.Active when the subject is
// not blocked.
var ErrNoDirective = errors.New("monitor: no active directive")

// Signal is one threshold crossing.
type Signal struct {
	Time     time.Time      `json:"time"`
	Kind     ThreatKind     `json:"kind"`
	Severity audit.Severity `json:"severity"`
	Subject  string         `json:"subject"`
	Count    int            `json:"count"`
}

type windowKey struct {
	kind    ThreatKind
	subject string
}

// Monitor consumes the audit stream and turns event patterns into signals
// and block directives. Window counters are in memory only; a restart
// re-reads from the persisted cursor and at worst delays detection.
type Monitor struct {
	log        *audit.Log
	directives DirectiveStore
	cursor     CursorStore
	policies   map[ThreatKind]Policy
	now        func() time.Time

	mu      sync.Mutex
	windows map[windowKey][]time.Time
	// Distinct actors failing per source, for stuffing detection.
	actorsBySource map[string]map[string]time.Time
	// Sources each actor has logged in from.
	actorSources map[string]map[string]struct{}
	recent       []Signal

	subMu   sync.Mutex
	subs    map[int]chan Signal
	nextSub int
}

// Option configures the Monitor.
type Option func(*Monitor)

// WithPolicies replaces the default policy table.
func WithPolicies(p map[ThreatKind]Policy) Option {
	return func(m *Monitor) {
		if len(p) > 0 {
			m.policies = p
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) {
		if fn != nil {
			m.now = fn
		}
	}
}

// New constructs a Monitor.
func New(log *audit.Log, directives DirectiveStore, cursor CursorStore, opts ...Option) (*Monitor, error) {
	if log == nil {
		return nil, errors.New("monitor: audit log is required")
	}
	if directives == nil || cursor == nil {
		return nil, errors.New("monitor: stores are required")
	}
	m := &Monitor{
		log:            log,
		directives:     directives,
		cursor:         cursor,
		policies:       DefaultPolicies(),
		now:            time.Now,
		windows:        make(map[windowKey][]time.Time),
		actorsBySource: make(map[string]map[string]time.Time),
		actorSources:   make(map[string]map[string]struct{}),
		subs:           make(map[int]chan Signal),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run consumes the audit stream until ctx ends, resuming from the
// persisted cursor.
func (m *Monitor) Run(ctx context.Context) error {
	from, err := m.cursor.Cursor(ctx)
	if err != nil {
		return fmt.Errorf("monitor: load cursor: %w", err)
	}
	for e := range m.log.Follow(ctx, from) {
		m.Process(ctx, e)
		if err := m.cursor.SaveCursor(ctx, e.Seq); err != nil {
			obs.LogError("save monitor cursor", map[string]any{"seq": e.Seq})
		}
	}
	return ctx.Err()
}

// Process feeds one audit event through the detection rules.
func (m *Monitor) Process(ctx context.Context, e audit.Event) {
	switch e.Kind {
	case audit.KindLoginFailure:
		if e.Source != "" {
			m.observe(ctx, ThreatBruteForce, e.Source, e.Time)
			m.observeStuffing(ctx, e)
		}
	case audit.KindPermissionDenied:
		if e.Actor != "" {
			m.observe(ctx, ThreatPermissionProbing, e.Actor, e.Time)
		}
	case audit.KindTokenReused:
		if e.Source != "" {
			m.observe(ctx, ThreatTokenReplay, e.Source, e.Time)
		}
	case audit.KindLoginSuccess:
		m.observeLocation(ctx, e)
	}
}

// observe advances the sliding window for (kind, subject) and fires on
// threshold.
func (m *Monitor) observe(ctx context.Context, kind ThreatKind, subject string, at time.Time) {
	policy, ok := m.policies[kind]
	if !ok {
		return
	}
	m.mu.Lock()
	key := windowKey{kind: kind, subject: subject}
	times := append(m.windows[key], at)
	cutoff := at.Add(-policy.Window)
	pruned := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			pruned = append(pruned, t)
		}
	}
	fired := len(pruned) >= policy.Count
	count := len(pruned)
	if fired {
		// Reset so one sustained burst raises one signal per window.
		pruned = nil
	}
	m.windows[key] = pruned
	m.mu.Unlock()

	if fired {
		m.emit(ctx, Signal{Time: at, Kind: kind, Severity: policy.Severity, Subject: subject, Count: count}, policy)
	}
}

// observeStuffing counts distinct failing actors per source. Many accounts
// probed from one address is stuffing even when each account stays under
// the brute-force threshold.
func (m *Monitor) observeStuffing(ctx context.Context, e audit.Event) {
	policy, ok := m.policies[ThreatCredentialStuffing]
	if !ok || e.Actor == "" {
		return
	}
	m.mu.Lock()
	actors := m.actorsBySource[e.Source]
	if actors == nil {
		actors = make(map[string]time.Time)
		m.actorsBySource[e.Source] = actors
	}
	actors[e.Actor] = e.Time
	cutoff := e.Time.Add(-policy.Window)
	for actor, last := range actors {
		if last.Before(cutoff) {
			delete(actors, actor)
		}
	}
	fired := len(actors) >= policy.Count
	count := len(actors)
	if fired {
		delete(m.actorsBySource, e.Source)
	}
	m.mu.Unlock()

	if fired {
		m.emit(ctx, Signal{Time: e.Time, Kind: ThreatCredentialStuffing, Severity: policy.Severity, Subject: e.Source, Count: count}, policy)
	}
}

// observeLocation signals the first sighting of a known actor from a new
// source. The very first login of an actor never alerts.
func (m *Monitor) observeLocation(ctx context.Context, e audit.Event) {
	policy, ok := m.policies[ThreatUnusualLocation]
	if !ok || e.Actor == "" || e.Source == "" {
		return
	}
	m.mu.Lock()
	sources := m.actorSources[e.Actor]
	if sources == nil {
		sources = make(map[string]struct{})
		m.actorSources[e.Actor] = sources
	}
	_, known := sources[e.Source]
	firstEver := len(sources) == 0
	sources[e.Source] = struct{}{}
	m.mu.Unlock()

	if known || firstEver {
		return
	}
	m.emit(ctx, Signal{Time: e.Time, Kind: ThreatUnusualLocation, Severity: policy.Severity, Subject: e.Actor, Count: 1}, policy)
}

func (m *Monitor) emit(ctx context.Context, sig Signal, policy Policy) {
	obs.ObserveThreatSignal(string(sig.Kind), string(sig.Severity))

	m.mu.Lock()
	m.recent = append(m.recent, sig)
	if len(m.recent) > recentSignalCap {
		m.recent = m.recent[len(m.recent)-recentSignalCap:]
	}
	m.mu.Unlock()

	m.publish(sig)

	if !policy.AutoBlock {
		return
	}
	now := m.now().UTC()
	d := &BlockDirective{
		ID:        ids.New(),
		Subject:   sig.Subject,
		Reason:    string(sig.Kind),
		CreatedAt: now,
		ExpiresAt: now.Add(policy.BlockFor),
	}
	if err := m.directives.Put(ctx, d); err != nil {
		obs.LogError("persist block directive", map[string]any{"subject": sig.Subject})
		return
	}
	m.refreshBlockGauge(ctx)
	if _, err := m.log.Record(ctx, audit.Event{
		Actor: "monitor", Kind: audit.KindBlockCreated,
		Severity: audit.SeverityHigh, Resource: sig.Subject,
		Payload: map[string]string{
			"reason":  string(sig.Kind),
			"expires": d.ExpiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		obs.LogError("record block", map[string]any{"subject": sig.Subject})
	}
}

// Blocked reports whether the subject has an unexpired directive.
func (m *Monitor) Blocked(ctx context.Context, subject string) (bool, error) {
	_, err := m.directives.Active(ctx, subject, m.now().UTC())
	if errors.Is(err, ErrNoDirective) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ActiveBlocks lists directives currently in force.
func (m *Monitor) ActiveBlocks(ctx context.Context) ([]BlockDirective, error) {
	return m.directives.ListActive(ctx, m.now().UTC())
}

// Unblock removes an active directive. Privileged.
func (m *Monitor) Unblock(ctx context.Context, subject, actor string) error {
	d, err := m.directives.Active(ctx, subject, m.now().UTC())
	if err != nil {
		return err
	}
	if err := m.directives.Delete(ctx, d.ID); err != nil {
		return err
	}
	m.refreshBlockGauge(ctx)
	if _, err := m.log.Record(ctx, audit.Event{
		Actor: actor, Kind: audit.KindBlockRemoved,
		Severity: audit.SeverityMedium, Resource: subject,
		Payload: map[string]string{"reason": d.Reason},
	}); err != nil {
		return fmt.Errorf("monitor: record unblock: %w", err)
	}
	return nil
}

// Subscribe returns a live signal stream. Delivery is best-effort; a slow
// dashboard drops signals rather than stalling detection.
func (m *Monitor) Subscribe() (<-chan Signal, func()) {
	ch := make(chan Signal, 16)
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Monitor) publish(sig Signal) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- sig:
		default:
		}
	}
}

func (m *Monitor) refreshBlockGauge(ctx context.Context) {
	active, err := m.directives.ListActive(ctx, m.now().UTC())
	if err != nil {
		return
	}
	obs.SetActiveBlocks(len(active))
}
