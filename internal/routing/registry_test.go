package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	frames [][]byte
	closed bool
}

func (s *captureSink) send(data []byte) bool {
	if s.closed {
		return false
	}
	s.frames = append(s.frames, data)
	return true
}

func registerClient(t *testing.T, r *Registry, id string, meta map[string]interface{}) *captureSink {
	t.Helper()
	sink := &captureSink{}
	_, err := r.Register(id, meta, sink.send)
	require.NoError(t, err)
	return sink
}

func TestRegisterAndDuplicateRejected(t *testing.T) {
	r := NewRegistry()
	registerClient(t, r, "client_aaa", nil)

	_, err := r.Register("client_aaa", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, r.ClientCount())
}

func TestSubscribeAndFanOut(t *testing.T) {
	r := NewRegistry()
	a := registerClient(t, r, "client_a", nil)
	b := registerClient(t, r, "client_b", nil)
	c := registerClient(t, r, "client_c", nil)

	require.NoError(t, r.Subscribe("client_a", "ops", "general"))
	require.NoError(t, r.Subscribe("client_b", "ops", "general"))
	require.NoError(t, r.Subscribe("client_c", "ops", "alerts"))

	sent := r.BroadcastToRoomChannel("ops", "general", []byte("hello"), "client_a")
	assert.Equal(t, 1, sent, "sender excluded, alerts subscriber not addressed")
	assert.Empty(t, a.frames)
	assert.Len(t, b.frames, 1)
	assert.Empty(t, c.frames)
}

func TestBroadcastCountsOnlySuccessfulDeliveries(t *testing.T) {
	r := NewRegistry()
	healthy := registerClient(t, r, "client_ok", nil)
	stalled := registerClient(t, r, "client_stall", nil)
	stalled.closed = true

	require.NoError(t, r.Subscribe("client_ok", "ops", "general"))
	require.NoError(t, r.Subscribe("client_stall", "ops", "general"))

	sent := r.BroadcastToRoomChannel("ops", "general", []byte("x"), "")
	assert.Equal(t, 1, sent)
	assert.Len(t, healthy.frames, 1)
	assert.Equal(t, int64(1), r.Metrics().DeliveryFailures.Load())
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	r := NewRegistry()
	sink := registerClient(t, r, "client_a", nil)
	require.NoError(t, r.Subscribe("client_a", "ops", "general"))
	require.NoError(t, r.Unsubscribe("client_a", "ops", "general"))

	sent := r.BroadcastToRoomChannel("ops", "general", []byte("x"), "")
	assert.Zero(t, sent)
	assert.Empty(t, sink.frames)
	assert.Empty(t, r.Rooms())
}

func TestUnregisterCleansMembership(t *testing.T) {
	r := NewRegistry()
	registerClient(t, r, "client_a", nil)
	require.NoError(t, r.Subscribe("client_a", "ops", "general"))
	require.NoError(t, r.Subscribe("client_a", "eng", "general"))

	require.NoError(t, r.Unregister("client_a"))
	assert.Empty(t, r.Rooms())
	assert.Zero(t, r.ClientCount())

	require.Error(t, r.Unregister("client_a"))
}

func TestSendToClient(t *testing.T) {
	r := NewRegistry()
	sink := registerClient(t, r, "client_a", nil)

	assert.True(t, r.SendToClient("client_a", []byte("direct")))
	assert.Len(t, sink.frames, 1)
	assert.False(t, r.SendToClient("client_missing", []byte("direct")))
}

func TestPermissionsShapes(t *testing.T) {
	r := NewRegistry()
	registerClient(t, r, "client_none", nil)
	registerClient(t, r, "client_list", map[string]interface{}{
		"permissions": []interface{}{"op.store.set", "op.store.get"},
	})
	registerClient(t, r, "client_bad", map[string]interface{}{
		"permissions": "everything",
	})

	c, _ := r.GetClient("client_none")
	_, present := c.Permissions()
	assert.False(t, present)

	c, _ = r.GetClient("client_list")
	perms, present := c.Permissions()
	assert.True(t, present)
	assert.Contains(t, perms, "op.store.set")

	c, _ = r.GetClient("client_bad")
	perms, present = c.Permissions()
	assert.True(t, present)
	assert.Empty(t, perms)
}

func TestSubscriptionsSnapshot(t *testing.T) {
	r := NewRegistry()
	registerClient(t, r, "client_a", nil)
	require.NoError(t, r.Subscribe("client_a", "ops", "general"))
	require.NoError(t, r.Subscribe("client_a", "eng", "alerts"))

	c, _ := r.GetClient("client_a")
	assert.Equal(t, []string{"eng:alerts", "ops:general"}, c.Subscriptions())
}

func TestSubscribeRequiresRoomAndChannel(t *testing.T) {
	r := NewRegistry()
	registerClient(t, r, "client_a", nil)
	require.Error(t, r.Subscribe("client_a", "", "general"))
	require.Error(t, r.Subscribe("client_a", "ops", ""))
	require.Error(t, r.Subscribe("client_missing", "ops", "general"))
}

func TestStatsShape(t *testing.T) {
	r := NewRegistry()
	registerClient(t, r, "client_a", nil)
	registerClient(t, r, "client_b", nil)
	require.NoError(t, r.Subscribe("client_a", "ops", "general"))
	require.NoError(t, r.Subscribe("client_b", "ops", "general"))

	stats := r.Stats()
	assert.Equal(t, 2, stats["clients_connected"])
	rooms := stats["rooms"].(map[string]interface{})
	assert.Equal(t, map[string]int{"general": 2}, rooms["ops"])
}
