package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	_ "github.com/lib/pq"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS arqonbus_message_history (
    id BIGSERIAL PRIMARY KEY,
    message_id TEXT UNIQUE NOT NULL,
    room TEXT NOT NULL,
    channel TEXT NOT NULL,
    sender TEXT,
    sequence BIGINT,
    stored_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    envelope JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_arqonbus_room_channel_stored_at
  ON arqonbus_message_history (room, channel, stored_at DESC);

CREATE TABLE IF NOT EXISTS arqonbus_continuum_projection (
    tenant_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    episode_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    content_ref TEXT NOT NULL,
    summary TEXT,
    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
    last_event_id TEXT NOT NULL,
    last_event_ts TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    deleted BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (tenant_id, agent_id, episode_id)
);

CREATE TABLE IF NOT EXISTS arqonbus_continuum_projection_events (
    tenant_id TEXT NOT NULL,
    agent_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    episode_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    source_ts TIMESTAMPTZ NOT NULL,
    event JSONB NOT NULL,
    projected_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    PRIMARY KEY (tenant_id, agent_id, event_id)
);

CREATE TABLE IF NOT EXISTS arqonbus_continuum_projection_dlq (
    dlq_id TEXT PRIMARY KEY,
    reason TEXT NOT NULL,
    event JSONB NOT NULL,
    queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PostgresBackend persists envelopes as JSONB rows with denormalized
// routing columns for efficient replay, and carries the continuum
// projection tables used by the op.continuum.projector commands.
type PostgresBackend struct {
	db       *sql.DB
	fallback *MemoryBackend
	strict   bool
	logger   *log.Logger
}

// NewPostgresBackend opens and pings the database, then ensures the
// schema. Strict mode fails closed; degraded mode runs on the memory
// fallback.
func NewPostgresBackend(ctx context.Context, cfg Config) (*PostgresBackend, error) {
	b := &PostgresBackend{
		fallback: NewMemoryBackend(cfg.MaxSize),
		strict:   cfg.Mode == ModeStrict,
		logger:   log.New(log.Writer(), "[PostgresStorage] ", log.LstdFlags),
	}

	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
	}
	if err != nil {
		if db != nil {
			db.Close()
		}
		if b.strict {
			return nil, fmt.Errorf("postgres connection failed in strict storage mode: %w", err)
		}
		slog.Warn("postgres unreachable, using memory fallback", "error", err)
		return b, nil
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		if b.strict {
			return nil, fmt.Errorf("postgres schema: %w", err)
		}
		slog.Warn("postgres schema setup failed, using memory fallback", "error", err)
		return b, nil
	}

	b.db = db
	b.logger.Printf("connected to postgres")
	return b, nil
}

func (p *PostgresBackend) Append(ctx context.Context, env *protocol.Envelope) (Result, error) {
	if p.db == nil {
		return p.fallback.Append(ctx, env)
	}
	data, err := env.ToJSON()
	if err != nil {
		return Result{}, err
	}
	var seq sql.NullInt64
	if s, ok := env.Sequence(); ok {
		seq = sql.NullInt64{Int64: s, Valid: true}
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO arqonbus_message_history (message_id, room, channel, sender, sequence, envelope)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		ON CONFLICT (message_id) DO NOTHING`,
		env.ID, orDefault(env.Room), orDefault(env.Channel), env.Sender, seq, string(data))
	if err != nil {
		if p.strict {
			return Result{}, fmt.Errorf("postgres append failed in strict storage mode: %w", err)
		}
		slog.Warn("postgres append failed, writing to memory fallback", "error", err)
		return p.fallback.Append(ctx, env)
	}
	return Result{Success: true, MessageID: env.ID, StoredAt: time.Now().UTC()}, nil
}

func (p *PostgresBackend) GetHistory(ctx context.Context, q Query) ([]HistoryEntry, error) {
	if p.db == nil {
		return p.fallback.GetHistory(ctx, q)
	}

	query := `SELECT envelope, stored_at FROM arqonbus_message_history`
	var conds []string
	var args []interface{}
	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.Room != "" {
		add("room = $%d", q.Room)
	}
	if q.Channel != "" {
		add("channel = $%d", q.Channel)
	}
	if !q.Since.IsZero() {
		add("stored_at >= $%d", q.Since)
	}
	if !q.Until.IsZero() {
		add("stored_at <= $%d", q.Until)
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY stored_at DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		if p.strict {
			return nil, fmt.Errorf("postgres history failed in strict storage mode: %w", err)
		}
		slog.Warn("postgres history failed, serving memory fallback", "error", err)
		return p.fallback.GetHistory(ctx, q)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var raw []byte
		var storedAt time.Time
		if err := rows.Scan(&raw, &storedAt); err != nil {
			return nil, err
		}
		env, err := protocol.FromJSON(raw)
		if err != nil {
			slog.Warn("skipping unparseable history row", "error", err)
			continue
		}
		entries = append(entries, HistoryEntry{Envelope: env, StoredAt: storedAt})
	}
	return entries, rows.Err()
}

func (p *PostgresBackend) GetHistoryReplay(ctx context.Context, q ReplayQuery) ([]HistoryEntry, error) {
	if p.db == nil {
		return p.fallback.GetHistoryReplay(ctx, q)
	}
	hq := Query{Room: q.Room, Channel: q.Channel, Since: q.From, Until: q.To, Limit: 0}
	// Reuse the history query without the DESC limit, then apply the
	// shared replay ordering and strict-sequence check.
	hq.Limit = 1 << 20
	entries, err := p.GetHistory(ctx, hq)
	if err != nil {
		return nil, err
	}
	return sortAndCheckReplay(entries, q)
}

func (p *PostgresBackend) DeleteMessage(ctx context.Context, messageID string) error {
	if p.db == nil {
		return p.fallback.DeleteMessage(ctx, messageID)
	}
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM arqonbus_message_history WHERE message_id = $1`, messageID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message not found: %s", messageID)
	}
	return nil
}

func (p *PostgresBackend) ClearHistory(ctx context.Context, q Query) (int, error) {
	if p.db == nil {
		return p.fallback.ClearHistory(ctx, q)
	}
	query := `DELETE FROM arqonbus_message_history`
	var conds []string
	var args []interface{}
	if q.Room != "" {
		args = append(args, q.Room)
		conds = append(conds, fmt.Sprintf("room = $%d", len(args)))
	}
	if q.Channel != "" {
		args = append(args, q.Channel)
		conds = append(conds, fmt.Sprintf("channel = $%d", len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until)
		conds = append(conds, fmt.Sprintf("stored_at < $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresBackend) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"storage_backend":    "postgres",
		"postgres_available": p.db != nil,
	}
	if p.db == nil {
		fb, err := p.fallback.Stats(ctx)
		if err == nil {
			stats["fallback"] = fb
		}
		return stats, nil
	}
	var count int64
	if err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM arqonbus_message_history`).Scan(&count); err == nil {
		stats["total_messages"] = count
	}
	return stats, nil
}

func (p *PostgresBackend) HealthCheck(ctx context.Context) bool {
	if p.db == nil {
		return p.fallback.HealthCheck(ctx)
	}
	return p.db.PingContext(ctx) == nil
}

func (p *PostgresBackend) Close() error {
	if p.db != nil {
		return p.db.Close()
	}
	return p.fallback.Close()
}

// ----- Continuum projector -----

// ProjectionEvent is one continuum episode event to be projected.
type ProjectionEvent struct {
	TenantID  string                 `json:"tenant_id"`
	AgentID   string                 `json:"agent_id"`
	EpisodeID string                 `json:"episode_id"`
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	SourceTS  time.Time              `json:"source_ts"`
	Payload   map[string]interface{} `json:"payload"`
}

// ProjectorStatus summarizes the projection tables.
type ProjectorStatus struct {
	ProjectionCount int64 `json:"projection_count"`
	SeenEventCount  int64 `json:"seen_event_count"`
	DLQCount        int64 `json:"dlq_count"`
}

var errProjectorUnavailable = fmt.Errorf("postgres projector backend unavailable")

// ProjectorAvailable reports whether the projection tables are backed
// by a live database rather than the degraded-mode fallback.
func (p *PostgresBackend) ProjectorAvailable() bool {
	return p.db != nil
}

// ProjectEvent applies an episode event idempotently: duplicate event
// ids are reported as duplicates, stale timestamps are rejected without
// touching the projection.
func (p *PostgresBackend) ProjectEvent(ctx context.Context, ev ProjectionEvent) (string, error) {
	if p.db == nil {
		return "", errProjectorUnavailable
	}
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	var inserted sql.NullString
	err = tx.QueryRowContext(ctx, `
		INSERT INTO arqonbus_continuum_projection_events
			(tenant_id, agent_id, event_id, episode_id, event_type, source_ts, event)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb)
		ON CONFLICT (tenant_id, agent_id, event_id) DO NOTHING
		RETURNING event_id`,
		ev.TenantID, ev.AgentID, ev.EventID, ev.EpisodeID, ev.EventType, ev.SourceTS, string(raw)).
		Scan(&inserted)
	if err == sql.ErrNoRows {
		return "duplicate", tx.Commit()
	}
	if err != nil {
		return "", err
	}

	var lastTS time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT last_event_ts FROM arqonbus_continuum_projection
		WHERE tenant_id = $1 AND agent_id = $2 AND episode_id = $3`,
		ev.TenantID, ev.AgentID, ev.EpisodeID).Scan(&lastTS)
	if err != nil && err != sql.ErrNoRows {
		return "", err
	}
	if err == nil && ev.SourceTS.Before(lastTS) {
		return "stale_rejected", tx.Commit()
	}

	contentRef, _ := ev.Payload["content_ref"].(string)
	summary, _ := ev.Payload["summary"].(string)
	meta, _ := json.Marshal(ev.Payload["metadata"])
	if meta == nil || string(meta) == "null" {
		meta = []byte("{}")
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO arqonbus_continuum_projection
			(tenant_id, agent_id, episode_id, event_type, content_ref, summary,
			 metadata, last_event_id, last_event_ts, updated_at, deleted)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, NOW(), $10)
		ON CONFLICT (tenant_id, agent_id, episode_id) DO UPDATE SET
			event_type = EXCLUDED.event_type,
			content_ref = EXCLUDED.content_ref,
			summary = EXCLUDED.summary,
			metadata = EXCLUDED.metadata,
			last_event_id = EXCLUDED.last_event_id,
			last_event_ts = EXCLUDED.last_event_ts,
			updated_at = NOW(),
			deleted = EXCLUDED.deleted`,
		ev.TenantID, ev.AgentID, ev.EpisodeID, ev.EventType, contentRef, summary,
		string(meta), ev.EventID, ev.SourceTS, ev.EventType == "episode.deleted")
	if err != nil {
		return "", err
	}
	return "projected", tx.Commit()
}

// ProjectorStatus returns row counts for the projection tables.
func (p *PostgresBackend) ProjectorStatus(ctx context.Context) (ProjectorStatus, error) {
	var st ProjectorStatus
	if p.db == nil {
		return st, errProjectorUnavailable
	}
	row := p.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM arqonbus_continuum_projection),
			(SELECT COUNT(*) FROM arqonbus_continuum_projection_events),
			(SELECT COUNT(*) FROM arqonbus_continuum_projection_dlq)`)
	if err := row.Scan(&st.ProjectionCount, &st.SeenEventCount, &st.DLQCount); err != nil {
		return st, err
	}
	return st, nil
}

// ProjectorDLQPush queues a rejected event with its reason.
func (p *PostgresBackend) ProjectorDLQPush(ctx context.Context, reason string, ev ProjectionEvent) (string, error) {
	if p.db == nil {
		return "", errProjectorUnavailable
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	dlqID := fmt.Sprintf("dlq_%s_%d", ev.EventID, time.Now().UnixNano())
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO arqonbus_continuum_projection_dlq (dlq_id, reason, event)
		VALUES ($1, $2, $3::jsonb)`, dlqID, reason, string(raw))
	return dlqID, err
}

// ProjectorGet returns one projection row keyed by its episode.
func (p *PostgresBackend) ProjectorGet(ctx context.Context, tenantID, agentID, episodeID string) (map[string]interface{}, bool, error) {
	if p.db == nil {
		return nil, false, errProjectorUnavailable
	}
	row := p.db.QueryRowContext(ctx, `
		SELECT event_type, content_ref, summary, metadata, last_event_id, last_event_ts, updated_at, deleted
		FROM arqonbus_continuum_projection
		WHERE tenant_id = $1 AND agent_id = $2 AND episode_id = $3`,
		tenantID, agentID, episodeID)

	var eventType, contentRef, summary, lastEventID string
	var metaRaw []byte
	var lastEventTS, updatedAt time.Time
	var deleted bool
	err := row.Scan(&eventType, &contentRef, &summary, &metaRaw, &lastEventID, &lastEventTS, &updatedAt, &deleted)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var meta map[string]interface{}
	_ = json.Unmarshal(metaRaw, &meta)
	return map[string]interface{}{
		"tenant_id":     tenantID,
		"agent_id":      agentID,
		"episode_id":    episodeID,
		"event_type":    eventType,
		"content_ref":   contentRef,
		"summary":       summary,
		"metadata":      meta,
		"last_event_id": lastEventID,
		"last_event_ts": lastEventTS.UTC().Format(time.RFC3339),
		"updated_at":    updatedAt.UTC().Format(time.RFC3339),
		"deleted":       deleted,
	}, true, nil
}

// ProjectorList returns projection rows, most recently updated first.
func (p *PostgresBackend) ProjectorList(ctx context.Context, tenantID, agentID string, limit int) ([]map[string]interface{}, error) {
	if p.db == nil {
		return nil, errProjectorUnavailable
	}
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT tenant_id, agent_id, episode_id, event_type, summary, last_event_ts, updated_at, deleted
		FROM arqonbus_continuum_projection WHERE 1=1`
	args := []interface{}{}
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if agentID != "" {
		args = append(args, agentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY updated_at DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var tenant, agent, episode, eventType, summary string
		var lastEventTS, updatedAt time.Time
		var deleted bool
		if err := rows.Scan(&tenant, &agent, &episode, &eventType, &summary, &lastEventTS, &updatedAt, &deleted); err != nil {
			return nil, err
		}
		out = append(out, map[string]interface{}{
			"tenant_id":     tenant,
			"agent_id":      agent,
			"episode_id":    episode,
			"event_type":    eventType,
			"summary":       summary,
			"last_event_ts": lastEventTS.UTC().Format(time.RFC3339),
			"updated_at":    updatedAt.UTC().Format(time.RFC3339),
			"deleted":       deleted,
		})
	}
	return out, rows.Err()
}

// ProjectorDLQGet fetches one queued event for replay.
func (p *PostgresBackend) ProjectorDLQGet(ctx context.Context, dlqID string) (ProjectionEvent, bool, error) {
	var ev ProjectionEvent
	if p.db == nil {
		return ev, false, errProjectorUnavailable
	}
	var raw []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT event FROM arqonbus_continuum_projection_dlq WHERE dlq_id = $1`, dlqID).Scan(&raw)
	if err == sql.ErrNoRows {
		return ev, false, nil
	}
	if err != nil {
		return ev, false, err
	}
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, false, err
	}
	return ev, true, nil
}

// ProjectorDLQRemove drops a queued event after a successful replay.
func (p *PostgresBackend) ProjectorDLQRemove(ctx context.Context, dlqID string) error {
	if p.db == nil {
		return errProjectorUnavailable
	}
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM arqonbus_continuum_projection_dlq WHERE dlq_id = $1`, dlqID)
	return err
}

// ProjectorEventsBetween selects seen events inside a window for
// backfill, oldest first.
func (p *PostgresBackend) ProjectorEventsBetween(ctx context.Context, from, to time.Time, tenantID, agentID string) ([]ProjectionEvent, error) {
	if p.db == nil {
		return nil, errProjectorUnavailable
	}
	query := `
		SELECT event FROM arqonbus_continuum_projection_events
		WHERE source_ts >= $1 AND source_ts <= $2`
	args := []interface{}{from, to}
	if tenantID != "" {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	if agentID != "" {
		args = append(args, agentID)
		query += fmt.Sprintf(" AND agent_id = $%d", len(args))
	}
	query += " ORDER BY source_ts ASC"

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectionEvent
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var ev ProjectionEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ProjectorDLQList returns queued entries, most recent first.
func (p *PostgresBackend) ProjectorDLQList(ctx context.Context, limit int) ([]map[string]interface{}, error) {
	if p.db == nil {
		return nil, errProjectorUnavailable
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT dlq_id, reason, event, queued_at
		FROM arqonbus_continuum_projection_dlq
		ORDER BY queued_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var dlqID, reason string
		var raw []byte
		var queuedAt time.Time
		if err := rows.Scan(&dlqID, &reason, &raw, &queuedAt); err != nil {
			return nil, err
		}
		var ev map[string]interface{}
		_ = json.Unmarshal(raw, &ev)
		out = append(out, map[string]interface{}{
			"dlq_id":    dlqID,
			"reason":    reason,
			"event":     ev,
			"queued_at": queuedAt.UTC().Format(time.RFC3339),
		})
	}
	return out, rows.Err()
}
