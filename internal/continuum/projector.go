// Package continuum maintains episode projections: an idempotent,
// monotonic view of agent episodes fed by projection events, with a
// dead-letter queue and windowed backfill.
package continuum

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/storage"
)

// Backend is the projector persistence contract. The Postgres storage
// backend satisfies it; MemoryProjector is the in-process fallback.
type Backend interface {
	ProjectEvent(ctx context.Context, ev storage.ProjectionEvent) (string, error)
	ProjectorStatus(ctx context.Context) (storage.ProjectorStatus, error)
	ProjectorGet(ctx context.Context, tenantID, agentID, episodeID string) (map[string]interface{}, bool, error)
	ProjectorList(ctx context.Context, tenantID, agentID string, limit int) ([]map[string]interface{}, error)
	ProjectorDLQPush(ctx context.Context, reason string, ev storage.ProjectionEvent) (string, error)
	ProjectorDLQList(ctx context.Context, limit int) ([]map[string]interface{}, error)
	ProjectorDLQGet(ctx context.Context, dlqID string) (storage.ProjectionEvent, bool, error)
	ProjectorDLQRemove(ctx context.Context, dlqID string) error
	ProjectorEventsBetween(ctx context.Context, from, to time.Time, tenantID, agentID string) ([]storage.ProjectionEvent, error)
}

// Projection statuses returned by ProjectEvent.
const (
	StatusProjected     = "projected"
	StatusDuplicate     = "duplicate"
	StatusStaleRejected = "stale_rejected"
	StatusDLQQueued     = "dlq_queued"
)

type projectionRow struct {
	TenantID    string
	AgentID     string
	EpisodeID   string
	EventType   string
	ContentRef  string
	Summary     string
	Metadata    map[string]interface{}
	LastEventID string
	LastEventTS time.Time
	UpdatedAt   time.Time
	Deleted     bool
}

func (r projectionRow) toMap() map[string]interface{} {
	return map[string]interface{}{
		"tenant_id":     r.TenantID,
		"agent_id":      r.AgentID,
		"episode_id":    r.EpisodeID,
		"event_type":    r.EventType,
		"content_ref":   r.ContentRef,
		"summary":       r.Summary,
		"metadata":      r.Metadata,
		"last_event_id": r.LastEventID,
		"last_event_ts": r.LastEventTS.UTC().Format(time.RFC3339),
		"updated_at":    r.UpdatedAt.UTC().Format(time.RFC3339),
		"deleted":       r.Deleted,
	}
}

type dlqEntry struct {
	DLQID    string
	Reason   string
	Event    storage.ProjectionEvent
	QueuedAt time.Time
}

// MemoryProjector keeps the projection state in process. Used whenever
// the storage backend does not carry projection tables.
type MemoryProjector struct {
	mu          sync.Mutex
	projections map[string]*projectionRow
	seen        map[string]struct{}
	eventLog    []storage.ProjectionEvent
	dlq         []dlqEntry
}

// NewMemoryProjector creates an empty projector.
func NewMemoryProjector() *MemoryProjector {
	return &MemoryProjector{
		projections: make(map[string]*projectionRow),
		seen:        make(map[string]struct{}),
	}
}

func episodeKey(tenantID, agentID, episodeID string) string {
	return tenantID + "\x00" + agentID + "\x00" + episodeID
}

func eventKey(tenantID, agentID, eventID string) string {
	return tenantID + "\x00" + agentID + "\x00" + eventID
}

// ProjectEvent applies one event. Duplicate event ids report
// "duplicate"; events older than the projected episode report
// "stale_rejected"; otherwise the projection row is upserted.
func (m *MemoryProjector) ProjectEvent(_ context.Context, ev storage.ProjectionEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ek := eventKey(ev.TenantID, ev.AgentID, ev.EventID)
	if _, dup := m.seen[ek]; dup {
		return StatusDuplicate, nil
	}
	m.seen[ek] = struct{}{}
	m.eventLog = append(m.eventLog, ev)

	pk := episodeKey(ev.TenantID, ev.AgentID, ev.EpisodeID)
	if row, ok := m.projections[pk]; ok && ev.SourceTS.Before(row.LastEventTS) {
		return StatusStaleRejected, nil
	}

	contentRef, _ := ev.Payload["content_ref"].(string)
	summary, _ := ev.Payload["summary"].(string)
	meta, _ := ev.Payload["metadata"].(map[string]interface{})
	m.projections[pk] = &projectionRow{
		TenantID:    ev.TenantID,
		AgentID:     ev.AgentID,
		EpisodeID:   ev.EpisodeID,
		EventType:   ev.EventType,
		ContentRef:  contentRef,
		Summary:     summary,
		Metadata:    meta,
		LastEventID: ev.EventID,
		LastEventTS: ev.SourceTS,
		UpdatedAt:   time.Now().UTC(),
		Deleted:     ev.EventType == "episode.deleted",
	}
	return StatusProjected, nil
}

func (m *MemoryProjector) ProjectorStatus(context.Context) (storage.ProjectorStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return storage.ProjectorStatus{
		ProjectionCount: int64(len(m.projections)),
		SeenEventCount:  int64(len(m.seen)),
		DLQCount:        int64(len(m.dlq)),
	}, nil
}

func (m *MemoryProjector) ProjectorGet(_ context.Context, tenantID, agentID, episodeID string) (map[string]interface{}, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.projections[episodeKey(tenantID, agentID, episodeID)]
	if !ok {
		return nil, false, nil
	}
	return row.toMap(), true, nil
}

func (m *MemoryProjector) ProjectorList(_ context.Context, tenantID, agentID string, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	rows := make([]*projectionRow, 0, len(m.projections))
	for _, row := range m.projections {
		if tenantID != "" && row.TenantID != tenantID {
			continue
		}
		if agentID != "" && row.AgentID != agentID {
			continue
		}
		rows = append(rows, row)
	}
	m.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool { return rows[i].UpdatedAt.After(rows[j].UpdatedAt) })
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]map[string]interface{}, len(rows))
	for i, row := range rows {
		out[i] = row.toMap()
	}
	return out, nil
}

func (m *MemoryProjector) ProjectorDLQPush(_ context.Context, reason string, ev storage.ProjectionEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := dlqEntry{
		DLQID:    fmt.Sprintf("dlq_%s_%d", ev.EventID, time.Now().UnixNano()),
		Reason:   reason,
		Event:    ev,
		QueuedAt: time.Now().UTC(),
	}
	m.dlq = append(m.dlq, entry)
	return entry.DLQID, nil
}

func (m *MemoryProjector) ProjectorDLQList(_ context.Context, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	start := 0
	if len(m.dlq) > limit {
		start = len(m.dlq) - limit
	}
	var out []map[string]interface{}
	for i := len(m.dlq) - 1; i >= start; i-- {
		entry := m.dlq[i]
		out = append(out, map[string]interface{}{
			"dlq_id":    entry.DLQID,
			"reason":    entry.Reason,
			"event":     entry.Event,
			"queued_at": entry.QueuedAt.Format(time.RFC3339),
		})
	}
	return out, nil
}

func (m *MemoryProjector) ProjectorDLQGet(_ context.Context, dlqID string) (storage.ProjectionEvent, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.dlq {
		if entry.DLQID == dlqID {
			return entry.Event, true, nil
		}
	}
	return storage.ProjectionEvent{}, false, nil
}

func (m *MemoryProjector) ProjectorDLQRemove(_ context.Context, dlqID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.dlq[:0]
	for _, entry := range m.dlq {
		if entry.DLQID != dlqID {
			kept = append(kept, entry)
		}
	}
	m.dlq = kept
	return nil
}

func (m *MemoryProjector) ProjectorEventsBetween(_ context.Context, from, to time.Time, tenantID, agentID string) ([]storage.ProjectionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ProjectionEvent
	for _, ev := range m.eventLog {
		if ev.SourceTS.Before(from) || ev.SourceTS.After(to) {
			continue
		}
		if tenantID != "" && ev.TenantID != tenantID {
			continue
		}
		if agentID != "" && ev.AgentID != agentID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
