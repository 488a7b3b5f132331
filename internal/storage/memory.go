package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

const defaultMaxSize = 10000

// MemoryBackend keeps history in per-(room, channel) rings. Messages
// are lost on restart; used for development and as the degraded-mode
// fallback for the other backends.
type MemoryBackend struct {
	mu      sync.RWMutex
	maxSize int
	// room -> channel -> entries in arrival order
	messages map[string]map[string][]HistoryEntry
	index    map[string]struct{ room, channel string }
	total    int64
}

// NewMemoryBackend creates a memory backend bounded per channel.
func NewMemoryBackend(maxSize int) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &MemoryBackend{
		maxSize:  maxSize,
		messages: make(map[string]map[string][]HistoryEntry),
		index:    make(map[string]struct{ room, channel string }),
	}
}

func (m *MemoryBackend) Append(_ context.Context, env *protocol.Envelope) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	room := orDefault(env.Room)
	channel := orDefault(env.Channel)
	entry := HistoryEntry{Envelope: env, StoredAt: time.Now().UTC()}

	if m.messages[room] == nil {
		m.messages[room] = make(map[string][]HistoryEntry)
	}
	entries := append(m.messages[room][channel], entry)
	for len(entries) > m.maxSize {
		delete(m.index, entries[0].Envelope.ID)
		entries = entries[1:]
		m.total--
	}
	m.messages[room][channel] = entries
	m.index[env.ID] = struct{ room, channel string }{room, channel}
	m.total++

	return Result{Success: true, MessageID: env.ID, StoredAt: entry.StoredAt}, nil
}

func (m *MemoryBackend) GetHistory(_ context.Context, q Query) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var results []HistoryEntry
	for room, channels := range m.messages {
		if q.Room != "" && room != q.Room {
			continue
		}
		for channel, entries := range channels {
			if q.Channel != "" && channel != q.Channel {
				continue
			}
			// Most recent first.
			for i := len(entries) - 1; i >= 0; i-- {
				entry := entries[i]
				if !q.Since.IsZero() && !entry.StoredAt.After(q.Since) {
					continue
				}
				if !q.Until.IsZero() && !entry.StoredAt.Before(q.Until) {
					continue
				}
				results = append(results, entry)
				if len(results) >= limit {
					return results, nil
				}
			}
		}
	}
	return results, nil
}

func (m *MemoryBackend) GetHistoryReplay(_ context.Context, q ReplayQuery) ([]HistoryEntry, error) {
	m.mu.RLock()
	var window []HistoryEntry
	for room, channels := range m.messages {
		if q.Room != "" && room != q.Room {
			continue
		}
		for channel, entries := range channels {
			if q.Channel != "" && channel != q.Channel {
				continue
			}
			for _, entry := range entries {
				ts, err := protocol.ParseTimestamp(entry.Envelope.Timestamp)
				if err != nil {
					ts = entry.StoredAt
				}
				if inWindow(ts, q.From, q.To) {
					window = append(window, entry)
				}
			}
		}
	}
	m.mu.RUnlock()

	return sortAndCheckReplay(window, q)
}

func (m *MemoryBackend) DeleteMessage(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	loc, ok := m.index[messageID]
	if !ok {
		return fmt.Errorf("message not found: %s", messageID)
	}
	entries := m.messages[loc.room][loc.channel]
	for i, entry := range entries {
		if entry.Envelope.ID == messageID {
			m.messages[loc.room][loc.channel] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	delete(m.index, messageID)
	m.total--
	return nil
}

func (m *MemoryBackend) ClearHistory(_ context.Context, q Query) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := 0
	for room, channels := range m.messages {
		if q.Room != "" && room != q.Room {
			continue
		}
		for channel, entries := range channels {
			if q.Channel != "" && channel != q.Channel {
				continue
			}
			var kept []HistoryEntry
			for _, entry := range entries {
				if !q.Until.IsZero() && entry.StoredAt.After(q.Until) {
					kept = append(kept, entry)
					continue
				}
				delete(m.index, entry.Envelope.ID)
				cleared++
			}
			if len(kept) == 0 {
				delete(channels, channel)
			} else {
				channels[channel] = kept
			}
		}
		if len(channels) == 0 {
			delete(m.messages, room)
		}
	}
	m.total -= int64(cleared)
	return cleared, nil
}

func (m *MemoryBackend) Stats(_ context.Context) (map[string]interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := 0
	for _, c := range m.messages {
		channels += len(c)
	}
	return map[string]interface{}{
		"storage_backend": "memory",
		"total_messages":  m.total,
		"rooms":           len(m.messages),
		"channels":        channels,
		"max_size":        m.maxSize,
	}, nil
}

func (m *MemoryBackend) HealthCheck(_ context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total >= 0
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = make(map[string]map[string][]HistoryEntry)
	m.index = make(map[string]struct{ room, channel string })
	m.total = 0
	return nil
}

func orDefault(s string) string {
	if s == "" {
		return "default"
	}
	return s
}
