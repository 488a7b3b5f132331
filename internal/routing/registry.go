// Package routing implements the client registry and the room/channel
// fan-out fabric. Rooms partition clients, channels partition traffic
// inside a room; a subscription is always a (room, channel) pair.
package routing

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SendFunc delivers an already-encoded frame to one client. It must not
// block: implementations report false when the client's buffer is full
// or the connection is gone.
type SendFunc func(data []byte) bool

// ClientInfo is the registry's view of one connected client.
type ClientInfo struct {
	ID          string
	Metadata    map[string]interface{}
	ConnectedAt time.Time
	LastSeen    atomic.Value // time.Time

	send SendFunc

	mu            sync.RWMutex
	subscriptions map[string]struct{} // "room:channel"
}

// Touch records activity from the client's read loop.
func (c *ClientInfo) Touch() {
	c.LastSeen.Store(time.Now())
}

// Role returns the client's role claim, empty when absent.
func (c *ClientInfo) Role() string {
	s, _ := c.Metadata["role"].(string)
	return s
}

// TenantID returns the client's tenant claim, empty when absent.
func (c *ClientInfo) TenantID() string {
	s, _ := c.Metadata["tenant_id"].(string)
	return s
}

// Permissions returns the client's permission list and whether the
// metadata carries one at all. A present non-list value reports
// (nil, true) so callers can deny rather than fall back to legacy mode.
func (c *ClientInfo) Permissions() ([]string, bool) {
	raw, present := c.Metadata["permissions"]
	if !present {
		return nil, false
	}
	switch v := raw.(type) {
	case []string:
		return v, true
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	default:
		return nil, true
	}
}

// Subscriptions returns a sorted snapshot of the client's
// "room:channel" subscription keys.
func (c *ClientInfo) Subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subscriptions))
	for key := range c.subscriptions {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// Send delivers a frame to this client without blocking.
func (c *ClientInfo) Send(data []byte) bool {
	if c.send == nil {
		return false
	}
	return c.send(data)
}

func subscriptionKey(room, channel string) string {
	return room + ":" + channel
}

// RegistryMetrics tracks registry activity. All fields are atomic so
// they can be read without the registry lock.
type RegistryMetrics struct {
	ClientsConnected  atomic.Int32
	MessagesDelivered atomic.Int64
	DeliveryFailures  atomic.Int64
}

// Registry tracks connected clients and their room/channel memberships.
type Registry struct {
	mu sync.RWMutex

	clients map[string]*ClientInfo

	// room -> channel -> client ids
	membership map[string]map[string]map[string]struct{}

	metrics *RegistryMetrics
	logger  *log.Logger
}

// NewRegistry creates an empty client registry.
func NewRegistry() *Registry {
	return &Registry{
		clients:    make(map[string]*ClientInfo),
		membership: make(map[string]map[string]map[string]struct{}),
		metrics:    &RegistryMetrics{},
		logger:     log.New(log.Writer(), "[Registry] ", log.LstdFlags),
	}
}

// Register adds a client with its transport send function.
func (r *Registry) Register(clientID string, metadata map[string]interface{}, send SendFunc) (*ClientInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[clientID]; exists {
		return nil, fmt.Errorf("client %s already registered", clientID)
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}

	client := &ClientInfo{
		ID:            clientID,
		Metadata:      metadata,
		ConnectedAt:   time.Now(),
		send:          send,
		subscriptions: make(map[string]struct{}),
	}
	client.LastSeen.Store(time.Now())

	r.clients[clientID] = client
	r.metrics.ClientsConnected.Add(1)
	r.logger.Printf("Registered client: %s (tenant=%s, role=%s)",
		clientID, client.TenantID(), client.Role())
	return client, nil
}

// Unregister removes a client and all of its memberships.
func (r *Registry) Unregister(clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[clientID]
	if !exists {
		return fmt.Errorf("client %s not found", clientID)
	}

	client.mu.RLock()
	keys := make([]string, 0, len(client.subscriptions))
	for key := range client.subscriptions {
		keys = append(keys, key)
	}
	client.mu.RUnlock()

	for _, key := range keys {
		room, channel := splitSubscriptionKey(key)
		r.removeMembership(room, channel, clientID)
	}

	delete(r.clients, clientID)
	r.metrics.ClientsConnected.Add(-1)
	r.logger.Printf("Unregistered client: %s", clientID)
	return nil
}

// GetClient returns a client by id.
func (r *Registry) GetClient(clientID string) (*ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

// Clients returns a snapshot of all connected clients.
func (r *Registry) Clients() []*ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}

// ClientCount returns the number of connected clients.
func (r *Registry) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Subscribe joins a client to a (room, channel) pair. Subscribing twice
// is a no-op.
func (r *Registry) Subscribe(clientID, room, channel string) error {
	if room == "" || channel == "" {
		return fmt.Errorf("room and channel are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[clientID]
	if !exists {
		return fmt.Errorf("client %s not found", clientID)
	}

	client.mu.Lock()
	client.subscriptions[subscriptionKey(room, channel)] = struct{}{}
	client.mu.Unlock()

	if r.membership[room] == nil {
		r.membership[room] = make(map[string]map[string]struct{})
	}
	if r.membership[room][channel] == nil {
		r.membership[room][channel] = make(map[string]struct{})
	}
	r.membership[room][channel][clientID] = struct{}{}

	r.logger.Printf("Client %s subscribed to %s:%s", clientID, room, channel)
	return nil
}

// Unsubscribe removes one membership.
func (r *Registry) Unsubscribe(clientID, room, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	client, exists := r.clients[clientID]
	if !exists {
		return fmt.Errorf("client %s not found", clientID)
	}

	client.mu.Lock()
	delete(client.subscriptions, subscriptionKey(room, channel))
	client.mu.Unlock()

	r.removeMembership(room, channel, clientID)
	return nil
}

// removeMembership must be called with r.mu held.
func (r *Registry) removeMembership(room, channel, clientID string) {
	channels, ok := r.membership[room]
	if !ok {
		return
	}
	members, ok := channels[channel]
	if !ok {
		return
	}
	delete(members, clientID)
	if len(members) == 0 {
		delete(channels, channel)
	}
	if len(channels) == 0 {
		delete(r.membership, room)
	}
}

// ClientsInRoomChannel returns the ids subscribed to a pair, sorted.
func (r *Registry) ClientsInRoomChannel(room, channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.membership[room][channel]
	out := make([]string, 0, len(members))
	for id := range members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Rooms returns every room that currently has at least one member.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.membership))
	for room := range r.membership {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// ChannelsInRoom returns the active channels of a room, sorted.
func (r *Registry) ChannelsInRoom(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channels := r.membership[room]
	out := make([]string, 0, len(channels))
	for channel := range channels {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}

// BroadcastToRoomChannel fans a frame out to every subscriber of the
// pair except excludeClientID, returning how many deliveries succeeded.
func (r *Registry) BroadcastToRoomChannel(room, channel string, data []byte, excludeClientID string) int {
	r.mu.RLock()
	members := r.membership[room][channel]
	targets := make([]*ClientInfo, 0, len(members))
	for id := range members {
		if id == excludeClientID {
			continue
		}
		if client, ok := r.clients[id]; ok {
			targets = append(targets, client)
		}
	}
	r.mu.RUnlock()

	sent := 0
	for _, client := range targets {
		if client.Send(data) {
			sent++
			r.metrics.MessagesDelivered.Add(1)
		} else {
			r.metrics.DeliveryFailures.Add(1)
			r.logger.Printf("Dropped frame for slow client %s on %s:%s", client.ID, room, channel)
		}
	}
	return sent
}

// SendToClient delivers a frame to one client by id.
func (r *Registry) SendToClient(clientID string, data []byte) bool {
	r.mu.RLock()
	client, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if client.Send(data) {
		r.metrics.MessagesDelivered.Add(1)
		return true
	}
	r.metrics.DeliveryFailures.Add(1)
	return false
}

// Metrics returns the registry counters.
func (r *Registry) Metrics() *RegistryMetrics {
	return r.metrics
}

// Stats returns a JSON-friendly snapshot for the status surfaces.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make(map[string]interface{}, len(r.membership))
	for room, channels := range r.membership {
		chStats := make(map[string]int, len(channels))
		for channel, members := range channels {
			chStats[channel] = len(members)
		}
		rooms[room] = chStats
	}
	return map[string]interface{}{
		"clients_connected":  len(r.clients),
		"rooms":              rooms,
		"messages_delivered": r.metrics.MessagesDelivered.Load(),
		"delivery_failures":  r.metrics.DeliveryFailures.Load(),
	}
}

func splitSubscriptionKey(key string) (room, channel string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
