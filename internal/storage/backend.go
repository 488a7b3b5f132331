// Package storage provides the message history contract and its three
// backends: in-memory, Redis/Valkey streams, and Postgres.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// ErrSequenceRegression is returned by strict replay when
// metadata.sequence decreases inside the returned window.
var ErrSequenceRegression = errors.New("Sequence regression detected in replay window")

// Storage modes. Strict fails closed when the backend is unreachable;
// degraded falls back to memory.
const (
	ModeStrict   = "strict"
	ModeDegraded = "degraded"
)

// Result reports the outcome of an append.
type Result struct {
	Success   bool
	MessageID string
	StoredAt  time.Time
}

// HistoryEntry is one persisted envelope with its storage timestamp.
type HistoryEntry struct {
	Envelope *protocol.Envelope
	StoredAt time.Time
}

// Query selects history entries. Zero values mean "no filter".
type Query struct {
	Room    string
	Channel string
	Limit   int
	Since   time.Time
	Until   time.Time
}

// ReplayQuery selects a replay window ordered by timestamp.
type ReplayQuery struct {
	Room           string
	Channel        string
	From           time.Time
	To             time.Time
	Limit          int
	StrictSequence bool
}

// Backend is the pluggable persistence contract.
type Backend interface {
	Append(ctx context.Context, env *protocol.Envelope) (Result, error)
	GetHistory(ctx context.Context, q Query) ([]HistoryEntry, error)
	GetHistoryReplay(ctx context.Context, q ReplayQuery) ([]HistoryEntry, error)
	DeleteMessage(ctx context.Context, messageID string) error
	ClearHistory(ctx context.Context, q Query) (int, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
	HealthCheck(ctx context.Context) bool
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend      string // memory | redis | postgres
	Mode         string // strict | degraded
	MaxSize      int
	RedisURL     string
	StreamPrefix string
	HistoryLimit int
	KeyTTL       time.Duration
	PostgresURL  string
}

// New builds the configured backend. In strict mode an unreachable
// backend is a startup failure; in degraded mode the memory backend
// takes over.
func New(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeDegraded
	}
	if cfg.Mode != ModeStrict && cfg.Mode != ModeDegraded {
		return nil, fmt.Errorf("unsupported storage mode: %s", cfg.Mode)
	}

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryBackend(cfg.MaxSize), nil
	case "redis", "valkey", "redis_streams":
		return NewRedisBackend(ctx, cfg)
	case "postgres":
		return NewPostgresBackend(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q (available: memory, redis, postgres)", cfg.Backend)
	}
}

// sortAndCheckReplay orders entries by timestamp ascending, truncates to
// the limit, and enforces strict sequence monotonicity when requested.
// Shared by all backends so the replay contract is identical everywhere.
func sortAndCheckReplay(entries []HistoryEntry, q ReplayQuery) ([]HistoryEntry, error) {
	sort.SliceStable(entries, func(i, j int) bool {
		ti, _ := protocol.ParseTimestamp(entries[i].Envelope.Timestamp)
		tj, _ := protocol.ParseTimestamp(entries[j].Envelope.Timestamp)
		return ti.Before(tj)
	})
	if q.Limit > 0 && len(entries) > q.Limit {
		entries = entries[:q.Limit]
	}
	if q.StrictSequence {
		last := int64(-1)
		for _, entry := range entries {
			seq, ok := entry.Envelope.Sequence()
			if !ok {
				continue
			}
			if last >= 0 && seq < last {
				return nil, fmt.Errorf("%w: sequence %d after %d in (%s, %s)",
					ErrSequenceRegression, seq, last, q.Room, q.Channel)
			}
			last = seq
		}
	}
	return entries, nil
}

func inWindow(ts time.Time, from, to time.Time) bool {
	if !from.IsZero() && ts.Before(from) {
		return false
	}
	if !to.IsZero() && ts.After(to) {
		return false
	}
	return true
}
