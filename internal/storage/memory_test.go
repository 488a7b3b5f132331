package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

func storedMessage(t *testing.T, b Backend, room, channel string, seq int64, ts time.Time) *protocol.Envelope {
	t.Helper()
	env := protocol.NewMessage("sender-1", room, channel, map[string]interface{}{"n": seq})
	env.Timestamp = ts.UTC().Format(time.RFC3339)
	env.SetMeta(protocol.MetaSequence, seq)
	res, err := b.Append(context.Background(), env)
	require.NoError(t, err)
	require.True(t, res.Success)
	return env
}

func TestMemoryAppendAndHistory(t *testing.T) {
	b := NewMemoryBackend(0)
	base := time.Now().UTC()
	for i := int64(1); i <= 3; i++ {
		storedMessage(t, b, "ops", "general", i, base.Add(time.Duration(i)*time.Second))
	}

	entries, err := b.GetHistory(context.Background(), Query{Room: "ops", Channel: "general"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	// Most recent first.
	seq, ok := entries[0].Envelope.Sequence()
	require.True(t, ok)
	assert.Equal(t, int64(3), seq)
}

func TestMemoryHistoryFiltersByRoomAndChannel(t *testing.T) {
	b := NewMemoryBackend(0)
	base := time.Now().UTC()
	storedMessage(t, b, "ops", "general", 1, base)
	storedMessage(t, b, "ops", "alerts", 2, base)
	storedMessage(t, b, "eng", "general", 3, base)

	entries, err := b.GetHistory(context.Background(), Query{Room: "ops", Channel: "alerts"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alerts", entries[0].Envelope.Channel)
}

func TestMemoryRingEviction(t *testing.T) {
	b := NewMemoryBackend(2)
	base := time.Now().UTC()
	first := storedMessage(t, b, "ops", "general", 1, base)
	storedMessage(t, b, "ops", "general", 2, base.Add(time.Second))
	storedMessage(t, b, "ops", "general", 3, base.Add(2*time.Second))

	entries, err := b.GetHistory(context.Background(), Query{Room: "ops", Channel: "general"})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	err = b.DeleteMessage(context.Background(), first.ID)
	assert.Error(t, err, "evicted message should be gone from the index")
}

func TestReplayOrdersByTimestampAscending(t *testing.T) {
	b := NewMemoryBackend(0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Append out of order.
	storedMessage(t, b, "ops", "general", 2, base.Add(2*time.Second))
	storedMessage(t, b, "ops", "general", 1, base.Add(time.Second))
	storedMessage(t, b, "ops", "general", 3, base.Add(3*time.Second))

	entries, err := b.GetHistoryReplay(context.Background(), ReplayQuery{Room: "ops", Channel: "general"})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, want := range []int64{1, 2, 3} {
		seq, ok := entries[i].Envelope.Sequence()
		require.True(t, ok)
		assert.Equal(t, want, seq)
	}
}

func TestReplayWindowBounds(t *testing.T) {
	b := NewMemoryBackend(0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		storedMessage(t, b, "ops", "general", i, base.Add(time.Duration(i)*time.Minute))
	}

	entries, err := b.GetHistoryReplay(context.Background(), ReplayQuery{
		Room:    "ops",
		Channel: "general",
		From:    base.Add(2 * time.Minute),
		To:      base.Add(4 * time.Minute),
	})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	seq, _ := entries[0].Envelope.Sequence()
	assert.Equal(t, int64(2), seq)
}

func TestStrictReplayDetectsSequenceRegression(t *testing.T) {
	b := NewMemoryBackend(0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	// Later timestamp carries a lower sequence.
	storedMessage(t, b, "ops", "general", 5, base.Add(time.Second))
	storedMessage(t, b, "ops", "general", 2, base.Add(2*time.Second))

	_, err := b.GetHistoryReplay(context.Background(), ReplayQuery{
		Room: "ops", Channel: "general", StrictSequence: true,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSequenceRegression)
	assert.Contains(t, err.Error(), "Sequence regression")
}

func TestStrictReplaySkipsEntriesWithoutSequence(t *testing.T) {
	b := NewMemoryBackend(0)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	storedMessage(t, b, "ops", "general", 1, base)

	plain := protocol.NewMessage("sender-1", "ops", "general", map[string]interface{}{"n": "none"})
	plain.Timestamp = base.Add(time.Second).Format(time.RFC3339)
	_, err := b.Append(context.Background(), plain)
	require.NoError(t, err)

	storedMessage(t, b, "ops", "general", 2, base.Add(2*time.Second))

	entries, err := b.GetHistoryReplay(context.Background(), ReplayQuery{
		Room: "ops", Channel: "general", StrictSequence: true,
	})
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestClearHistoryReturnsCount(t *testing.T) {
	b := NewMemoryBackend(0)
	base := time.Now().UTC()
	for i := int64(1); i <= 4; i++ {
		storedMessage(t, b, "ops", "general", i, base)
	}
	storedMessage(t, b, "eng", "general", 9, base)

	cleared, err := b.ClearHistory(context.Background(), Query{Room: "ops"})
	require.NoError(t, err)
	assert.Equal(t, 4, cleared)

	entries, err := b.GetHistory(context.Background(), Query{Room: "eng"})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDeleteMessage(t *testing.T) {
	b := NewMemoryBackend(0)
	env := storedMessage(t, b, "ops", "general", 1, time.Now().UTC())

	require.NoError(t, b.DeleteMessage(context.Background(), env.ID))
	err := b.DeleteMessage(context.Background(), env.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message not found")
}

func TestFactoryDefaultsToMemory(t *testing.T) {
	b, err := New(context.Background(), Config{})
	require.NoError(t, err)
	defer b.Close()

	stats, err := b.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", stats["storage_backend"])
}

func TestFactoryRejectsUnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "cassandra"})
	require.Error(t, err)
}

func TestFactoryRejectsUnknownMode(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "memory", Mode: "paranoid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage mode")
}

func TestRedisDegradedModeFallsBackToMemory(t *testing.T) {
	b, err := NewRedisBackend(context.Background(), Config{
		Mode:     ModeDegraded,
		RedisURL: "redis://127.0.0.1:1/0",
	})
	require.NoError(t, err)
	defer b.Close()

	env := protocol.NewMessage("sender-1", "ops", "general", map[string]interface{}{"n": 1})
	res, err := b.Append(context.Background(), env)
	require.NoError(t, err)
	assert.True(t, res.Success)

	stats, err := b.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, false, stats["redis_available"])
}

func TestRedisStrictModeFailsOnUnreachable(t *testing.T) {
	_, err := NewRedisBackend(context.Background(), Config{
		Mode:     ModeStrict,
		RedisURL: "redis://127.0.0.1:1/0",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict storage mode")
}

func TestHistoryDefaultLimit(t *testing.T) {
	b := NewMemoryBackend(0)
	base := time.Now().UTC()
	for i := int64(1); i <= 150; i++ {
		env := protocol.NewMessage("s", "ops", "general", map[string]interface{}{"i": i})
		env.Timestamp = base.Add(time.Duration(i) * time.Millisecond).Format(time.RFC3339)
		_, err := b.Append(context.Background(), env)
		require.NoError(t, err)
	}
	entries, err := b.GetHistory(context.Background(), Query{Room: "ops"})
	require.NoError(t, err)
	assert.Len(t, entries, 100)
}

func TestStatsShape(t *testing.T) {
	b := NewMemoryBackend(0)
	for i := 0; i < 3; i++ {
		env := protocol.NewMessage("s", fmt.Sprintf("room-%d", i), "general", nil)
		_, err := b.Append(context.Background(), env)
		require.NoError(t, err)
	}
	stats, err := b.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats["total_messages"])
	assert.Equal(t, 3, stats["rooms"])
}
