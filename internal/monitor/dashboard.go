package monitor

import (
	"context"
	"sort"
	"time"

	"clinicore.org/internal/audit"
)

const topSourceCount = 5

// SourceCount is one entry of the dashboard's noisiest-sources list.
type SourceCount struct {
	Source string `json:"source"`
	Count  int    `json:"count"`
}

// Dashboard is a point-in-time security overview.
type Dashboard struct {
	GeneratedAt      time.Time              `json:"generated_at"`
	Window           string                 `json:"window"`
	EventsBySeverity map[audit.Severity]int `json:"events_by_severity"`
	TopSources       []SourceCount          `json:"top_sources"`
	ActiveBlocks     []BlockDirective       `json:"active_blocks"`
	RecentSignals    []Signal               `json:"recent_signals"`
}

// Dashboard summarizes audit activity over the window plus the monitor's
// live state.
func (m *Monitor) Dashboard(ctx context.Context, window time.Duration) (*Dashboard, error) {
	now := m.now().UTC()
	bySeverity := make(map[audit.Severity]int)
	bySource := make(map[string]int)
	for e, err := range m.log.Query(ctx, audit.Filter{From: now.Add(-window)}) {
		if err != nil {
			return nil, err
		}
		bySeverity[e.Severity]++
		if e.Source != "" {
			bySource[e.Source]++
		}
	}

	top := make([]SourceCount, 0, len(bySource))
	for src, n := range bySource {
		top = append(top, SourceCount{Source: src, Count: n})
	}
	sort.Slice(top, func(i, j int) bool {
		if top[i].Count != top[j].Count {
			return top[i].Count > top[j].Count
		}
		return top[i].Source < top[j].Source
	})
	if len(top) > topSourceCount {
		top = top[:topSourceCount]
	}

	blocks, err := m.directives.ListActive(ctx, now)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	signals := append([]Signal(nil), m.recent...)
	m.mu.Unlock()

	return &Dashboard{
		GeneratedAt:      now,
		Window:           window.String(),
		EventsBySeverity: bySeverity,
		TopSources:       top,
		ActiveBlocks:     blocks,
		RecentSignals:    signals,
	}, nil
}
