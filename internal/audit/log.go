// Package audit maintains the append-only, tamper-evident record of
// security-relevant events and hands it out as an ordered stream.
package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"clinicore.org/internal/fieldcrypt"
	"clinicore.org/internal/obs"
)

// Store persists events. Append must be durable on return. List returns
// events ascending by sequence number and honors Filter.Limit. No store
// operation ever mutates a past entry.
type Store interface {
	Append(ctx context.Context, e Event) error
	List(ctx context.Context, f Filter) ([]Event, error)
	LastSeq(ctx context.Context) (uint64, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("audit: log closed")

const (
	defaultQueueDepth = 256
	defaultRetries    = 5
	queryBatch        = 200
	followPoll        = 500 * time.Millisecond
)

type pending struct {
	event Event
	done  chan error // non-nil when the caller awaits durability
}

// Log assigns sequence numbers linearizably with call order and guarantees
// eventual durability of every accepted event. The append path does not wait
// for the store unless the event kind is security-critical.
type Log struct {
	store      Store
	maskFields []string
	now        func() time.Time
	retries    int

	mu  sync.Mutex
	seq uint64

	queue  chan pending
	closed chan struct{}
	done   chan struct{}
	once   sync.Once

	subMu   sync.Mutex
	subs    map[int]chan struct{}
	nextSub int
}

// Option configures the Log.
type Option func(*Log)

// WithMaskFields sets the payload keys masked before an event is written.
func WithMaskFields(fields []string) Option {
	return func(l *Log) { l.maskFields = fields }
}

// WithClock overrides the time source (tests).
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithQueueDepth overrides the async writer buffer size.
func WithQueueDepth(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.queue = make(chan pending, n)
		}
	}
}

// New constructs a Log resuming sequence numbers from the store and starts
// the background writer.
func New(ctx context.Context, store Store, opts ...Option) (*Log, error) {
	last, err := store.LastSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: read last sequence: %w", err)
	}
	l := &Log{
		store:   store,
		now:     time.Now,
		retries: defaultRetries,
		seq:     last,
		queue:   make(chan pending, defaultQueueDepth),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
		subs:    make(map[int]chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.writer()
	return l, nil
}

// Record appends an event. The sequence number is assigned atomically in
// call order. Payload keys configured as PII are masked before the event
// leaves this call, so raw values never reach the store. Security-critical
// kinds wait for durable commit; everything else returns immediately after
// enqueueing.
func (l *Log) Record(ctx context.Context, e Event) (uint64, error) {
	if !e.Kind.Valid() {
		return 0, fmt.Errorf("audit: unknown event kind %q", e.Kind)
	}
	if e.Severity == "" {
		e.Severity = SeverityLow
	}
	if e.Time.IsZero() {
		e.Time = l.now().UTC()
	}
	if len(e.Payload) > 0 {
		e.Payload = fieldcrypt.MaskRecord(e.Payload, l.maskFields)
	}

	p := pending{event: e}
	if e.Kind.Critical() {
		p.done = make(chan error, 1)
	}

	// Sequence assignment and enqueue happen under one lock so queue order
	// always equals sequence order.
	l.mu.Lock()
	select {
	case <-l.closed:
		l.mu.Unlock()
		return 0, ErrClosed
	default:
	}
	l.seq++
	p.event.Seq = l.seq
	l.queue <- p
	seq := p.event.Seq
	l.mu.Unlock()

	if p.done == nil {
		return seq, nil
	}
	select {
	case err := <-p.done:
		return seq, err
	case <-ctx.Done():
		// The event stays queued and will still be written; only the wait
		// is abandoned.
		return seq, ctx.Err()
	}
}

func (l *Log) writer() {
	defer close(l.done)
	for {
		select {
		case p := <-l.queue:
			l.flush(p)
		case <-l.closed:
			for {
				select {
				case p := <-l.queue:
					l.flush(p)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) flush(p pending) {
	var err error
	backoff := 50 * time.Millisecond
	for attempt := 0; attempt < l.retries; attempt++ {
		err = l.store.Append(context.Background(), p.event)
		if err == nil {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	if err != nil {
		obs.LogError("audit append failed", map[string]any{
			"seq":  p.event.Seq,
			"kind": string(p.event.Kind),
		})
	} else {
		// Mirror to the structured log. The payload was masked in Record,
		// but only identifiers go here.
		obs.LogInfo("audit_event", map[string]any{
			"seq":      p.event.Seq,
			"kind":     string(p.event.Kind),
			"severity": string(p.event.Severity),
			"actor":    p.event.Actor,
			"resource": p.event.Resource,
		})
		obs.ObserveAuditEvent(string(p.event.Kind), string(p.event.Severity))
		l.wake()
	}
	if p.done != nil {
		p.done <- err
	}
}

// Query returns a lazy, restartable, read-only sequence of events matching
// the filter, ascending by sequence number. Iteration may be abandoned at
// any point and restarted with Filter.AfterSeq.
func (l *Log) Query(ctx context.Context, f Filter) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		after := f.AfterSeq
		emitted := 0
		for {
			batch := f
			batch.AfterSeq = after
			batch.Limit = queryBatch
			if f.Limit > 0 && f.Limit-emitted < queryBatch {
				batch.Limit = f.Limit - emitted
			}
			events, err := l.store.List(ctx, batch)
			if err != nil {
				yield(Event{}, err)
				return
			}
			for _, e := range events {
				if !yield(e, nil) {
					return
				}
				after = e.Seq
				emitted++
				if f.Limit > 0 && emitted >= f.Limit {
					return
				}
			}
			if len(events) < batch.Limit || len(events) == 0 {
				return
			}
		}
	}
}

// Follow streams events with Seq > fromSeq in order, first from the store
// and then live as they are committed. The channel closes when ctx ends.
// Delivery is lossless: a slow consumer delays the stream instead of
// dropping events, which lets consumers resume from their last processed
// sequence number after a restart.
func (l *Log) Follow(ctx context.Context, fromSeq uint64) <-chan Event {
	out := make(chan Event, 16)
	wakeCh, unsubscribe := l.subscribe()
	go func() {
		defer close(out)
		defer unsubscribe()
		ticker := time.NewTicker(followPoll)
		defer ticker.Stop()
		last := fromSeq
		for {
			events, err := l.store.List(ctx, Filter{AfterSeq: last, Limit: queryBatch})
			if err == nil {
				for _, e := range events {
					select {
					case out <- e:
						last = e.Seq
					case <-ctx.Done():
						return
					}
				}
				if len(events) == queryBatch {
					continue // more already committed
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-wakeCh:
			case <-ticker.C:
			}
		}
	}()
	return out
}

// PruneExpired removes events older than the retention period. This is the
// only deletion path and is itself audited as a privileged action.
func (l *Log) PruneExpired(ctx context.Context, retention time.Duration, actor string) (int64, error) {
	cutoff := l.now().UTC().Add(-retention)
	removed, err := l.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	_, err = l.Record(ctx, Event{
		Actor:    actor,
		Kind:     KindConfigChange,
		Severity: SeverityHigh,
		Resource: "audit_log",
		Payload: map[string]string{
			"action":  "retention_prune",
			"removed": fmt.Sprintf("%d", removed),
			"cutoff":  cutoff.Format(time.RFC3339),
		},
	})
	return removed, err
}

// Close stops accepting events and drains the queue.
func (l *Log) Close(ctx context.Context) error {
	l.once.Do(func() {
		l.mu.Lock()
		close(l.closed)
		l.mu.Unlock()
	})
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fan-out wakeups for followers. Signals are best-effort; the poll ticker
// covers missed wakeups.
func (l *Log) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()
	return ch, func() {
		l.subMu.Lock()
		delete(l.subs, id)
		l.subMu.Unlock()
	}
}

func (l *Log) wake() {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
