package storage

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

const (
	defaultStreamPrefix = "arqonbus"
	defaultHistoryLimit = 1000
	defaultKeyTTL       = time.Hour
)

// RedisBackend persists envelopes into Redis/Valkey streams: one main
// stream plus per-room and per-channel streams for targeted history. In
// degraded mode failed operations fall through to a memory backend.
type RedisBackend struct {
	client       *redis.Client
	fallback     *MemoryBackend
	strict       bool
	streamPrefix string
	historyLimit int
	keyTTL       time.Duration
	logger       *log.Logger
}

// NewRedisBackend connects and verifies with a ping. Strict mode fails
// on an unreachable server; degraded mode returns a backend that serves
// from the memory fallback.
func NewRedisBackend(ctx context.Context, cfg Config) (*RedisBackend, error) {
	b := &RedisBackend{
		fallback:     NewMemoryBackend(cfg.MaxSize),
		strict:       cfg.Mode == ModeStrict,
		streamPrefix: cfg.StreamPrefix,
		historyLimit: cfg.HistoryLimit,
		keyTTL:       cfg.KeyTTL,
		logger:       log.New(log.Writer(), "[RedisStorage] ", log.LstdFlags),
	}
	if b.streamPrefix == "" {
		b.streamPrefix = defaultStreamPrefix
	}
	if b.historyLimit <= 0 {
		b.historyLimit = defaultHistoryLimit
	}
	if b.keyTTL <= 0 {
		b.keyTTL = defaultKeyTTL
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		if b.strict {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		slog.Warn("invalid redis url, using memory fallback", "error", err)
		return b, nil
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		if b.strict {
			return nil, fmt.Errorf("redis connection failed in strict storage mode: %w", err)
		}
		slog.Warn("redis unreachable, using memory fallback", "error", err)
		return b, nil
	}

	b.client = client
	b.logger.Printf("connected to redis at %s", opts.Addr)
	return b, nil
}

func (r *RedisBackend) mainStream() string { return r.streamPrefix + ":messages" }

func (r *RedisBackend) roomStream(room string) string {
	return r.streamPrefix + ":room_" + room
}

func (r *RedisBackend) channelStream(channel string) string {
	return r.streamPrefix + ":channel_" + channel
}

func (r *RedisBackend) Append(ctx context.Context, env *protocol.Envelope) (Result, error) {
	if r.client == nil {
		return r.fallback.Append(ctx, env)
	}

	data, err := env.ToJSON()
	if err != nil {
		return Result{}, err
	}
	seq, _ := env.Sequence()
	values := map[string]interface{}{
		"id":        env.ID,
		"type":      env.Type,
		"timestamp": env.Timestamp,
		"room":      env.Room,
		"channel":   env.Channel,
		"sequence":  seq,
		"envelope":  string(data),
	}

	streams := []string{r.mainStream()}
	if env.Room != "" {
		streams = append(streams, r.roomStream(env.Room))
	}
	if env.Channel != "" {
		streams = append(streams, r.channelStream(env.Channel))
	}

	for _, stream := range streams {
		if err := r.client.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			MaxLen: int64(r.historyLimit),
			Approx: true,
			Values: values,
		}).Err(); err != nil {
			return r.failover(ctx, env, err)
		}
		r.client.Expire(ctx, stream, r.keyTTL)
	}
	return Result{Success: true, MessageID: env.ID, StoredAt: time.Now().UTC()}, nil
}

func (r *RedisBackend) failover(ctx context.Context, env *protocol.Envelope, err error) (Result, error) {
	if r.strict {
		return Result{}, fmt.Errorf("redis append failed in strict storage mode: %w", err)
	}
	slog.Warn("redis append failed, writing to memory fallback", "error", err)
	return r.fallback.Append(ctx, env)
}

func (r *RedisBackend) GetHistory(ctx context.Context, q Query) ([]HistoryEntry, error) {
	if r.client == nil {
		return r.fallback.GetHistory(ctx, q)
	}

	stream := r.mainStream()
	switch {
	case q.Room != "":
		stream = r.roomStream(q.Room)
	case q.Channel != "":
		stream = r.channelStream(q.Channel)
	}

	limit := q.Limit
	if limit <= 0 || limit > r.historyLimit {
		limit = r.historyLimit
	}

	msgs, err := r.client.XRevRangeN(ctx, stream, "+", "-", int64(limit)).Result()
	if err != nil {
		if r.strict {
			return nil, fmt.Errorf("redis history failed in strict storage mode: %w", err)
		}
		slog.Warn("redis history failed, serving memory fallback", "error", err)
		return r.fallback.GetHistory(ctx, q)
	}

	entries := make([]HistoryEntry, 0, len(msgs))
	for _, msg := range msgs {
		entry, ok := r.decodeMessage(msg)
		if !ok {
			continue
		}
		if q.Channel != "" && entry.Envelope.Channel != q.Channel {
			continue
		}
		if !q.Since.IsZero() && !entry.StoredAt.After(q.Since) {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *RedisBackend) GetHistoryReplay(ctx context.Context, q ReplayQuery) ([]HistoryEntry, error) {
	if r.client == nil {
		return r.fallback.GetHistoryReplay(ctx, q)
	}

	// Pull the room (or main) stream and filter by the replay window;
	// ordering and the strict-sequence check are shared with the other
	// backends.
	stream := r.mainStream()
	if q.Room != "" {
		stream = r.roomStream(q.Room)
	}
	msgs, err := r.client.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		if r.strict {
			return nil, fmt.Errorf("redis replay failed in strict storage mode: %w", err)
		}
		return r.fallback.GetHistoryReplay(ctx, q)
	}

	var window []HistoryEntry
	for _, msg := range msgs {
		entry, ok := r.decodeMessage(msg)
		if !ok {
			continue
		}
		if q.Channel != "" && entry.Envelope.Channel != q.Channel {
			continue
		}
		ts, err := protocol.ParseTimestamp(entry.Envelope.Timestamp)
		if err != nil {
			ts = entry.StoredAt
		}
		if inWindow(ts, q.From, q.To) {
			window = append(window, entry)
		}
	}
	return sortAndCheckReplay(window, q)
}

func (r *RedisBackend) decodeMessage(msg redis.XMessage) (HistoryEntry, bool) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		return HistoryEntry{}, false
	}
	env, err := protocol.FromJSON([]byte(raw))
	if err != nil {
		slog.Warn("skipping unparseable stream entry", "stream_id", msg.ID, "error", err)
		return HistoryEntry{}, false
	}
	stored := time.Now().UTC()
	if ts, err := protocol.ParseTimestamp(env.Timestamp); err == nil {
		stored = ts
	}
	return HistoryEntry{Envelope: env, StoredAt: stored}, true
}

func (r *RedisBackend) DeleteMessage(ctx context.Context, messageID string) error {
	if r.client == nil {
		return r.fallback.DeleteMessage(ctx, messageID)
	}
	// Streams are append-only; deletion scans the main stream for the
	// matching envelope id.
	msgs, err := r.client.XRange(ctx, r.mainStream(), "-", "+").Result()
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if id, _ := msg.Values["id"].(string); id == messageID {
			return r.client.XDel(ctx, r.mainStream(), msg.ID).Err()
		}
	}
	return fmt.Errorf("message not found: %s", messageID)
}

func (r *RedisBackend) ClearHistory(ctx context.Context, q Query) (int, error) {
	if r.client == nil {
		return r.fallback.ClearHistory(ctx, q)
	}
	stream := r.mainStream()
	if q.Room != "" {
		stream = r.roomStream(q.Room)
	}
	length, err := r.client.XLen(ctx, stream).Result()
	if err != nil {
		return 0, err
	}
	if err := r.client.Del(ctx, stream).Err(); err != nil {
		return 0, err
	}
	return int(length), nil
}

func (r *RedisBackend) Stats(ctx context.Context) (map[string]interface{}, error) {
	stats := map[string]interface{}{
		"storage_backend": "redis_streams",
		"redis_available": r.client != nil,
		"stream_prefix":   r.streamPrefix,
		"history_limit":   r.historyLimit,
	}
	if r.client == nil {
		fb, err := r.fallback.Stats(ctx)
		if err == nil {
			stats["fallback"] = fb
		}
		return stats, nil
	}
	if length, err := r.client.XLen(ctx, r.mainStream()).Result(); err == nil {
		stats["main_stream_length"] = length
	}
	return stats, nil
}

func (r *RedisBackend) HealthCheck(ctx context.Context) bool {
	if r.client == nil {
		return r.fallback.HealthCheck(ctx)
	}
	return r.client.Ping(ctx).Err() == nil
}

func (r *RedisBackend) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return r.fallback.Close()
}
