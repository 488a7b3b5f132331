package ops

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/commands"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Webhook rule payload version carried in every delivery body.
const webhookRuleVersion = "v1"

// Webhook delivery timeout.
const webhookTimeout = 5 * time.Second

// WebhookRule forwards matching room/channel traffic to an HTTP
// endpoint. Room and channel accept the "*" wildcard.
type WebhookRule struct {
	ID      string `json:"rule_id"`
	Owner   string `json:"owner_client_id"`
	Room    string `json:"room"`
	Channel string `json:"channel"`
	URL     string `json:"url"`
}

func (r *WebhookRule) matches(room, channel string) bool {
	if r.Room != "*" && r.Room != room {
		return false
	}
	if r.Channel != "*" && r.Channel != channel {
		return false
	}
	return true
}

type webhookDelivery struct {
	rule     *WebhookRule
	senderID string
	envelope *protocol.Envelope
}

// WebhookManager owns the rule table and a worker pool that performs
// deliveries off the hot path. Delivery failures are logged and never
// fail the triggering message.
type WebhookManager struct {
	mu    sync.RWMutex
	rules map[string]*WebhookRule

	httpClient *http.Client
	queue      chan *webhookDelivery
	wg         sync.WaitGroup
	closeOnce  sync.Once
	logger     *log.Logger
}

// NewWebhookManager starts the manager with a background worker pool.
func NewWebhookManager(workers int) *WebhookManager {
	if workers <= 0 {
		workers = 4
	}
	m := &WebhookManager{
		rules:      make(map[string]*WebhookRule),
		httpClient: &http.Client{Timeout: webhookTimeout},
		queue:      make(chan *webhookDelivery, 1000),
		logger:     log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m
}

// Register adds a rule and returns its generated id.
func (m *WebhookManager) Register(owner, room, channel, url string) *WebhookRule {
	rule := &WebhookRule{
		ID:      randomID("wh"),
		Owner:   owner,
		Room:    room,
		Channel: channel,
		URL:     url,
	}
	m.mu.Lock()
	m.rules[rule.ID] = rule
	m.mu.Unlock()
	m.logger.Printf("Registered rule %s: %s:%s -> %s (owner=%s)", rule.ID, room, channel, url, owner)
	return rule
}

// Unregister removes a rule. Only the owner may remove it.
func (m *WebhookManager) Unregister(ruleID, requesterID string) (bool, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rule, found := m.rules[ruleID]
	if !found {
		return false, false
	}
	if rule.Owner != requesterID {
		return true, false
	}
	delete(m.rules, ruleID)
	m.logger.Printf("Unregistered rule %s", ruleID)
	return true, true
}

// ListByOwner returns the requester's rules sorted by id.
func (m *WebhookManager) ListByOwner(owner string) []*WebhookRule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WebhookRule
	for _, rule := range m.rules {
		if rule.Owner == owner {
			out = append(out, rule)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RemoveByOwner drops all rules of a disconnecting client, returning
// how many were removed.
func (m *WebhookManager) RemoveByOwner(owner string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, rule := range m.rules {
		if rule.Owner == owner {
			delete(m.rules, id)
			removed++
		}
	}
	return removed
}

// OnMessage enqueues deliveries for every rule matching the envelope's
// room and channel.
func (m *WebhookManager) OnMessage(env *protocol.Envelope, senderID string) {
	m.mu.RLock()
	var matched []*WebhookRule
	for _, rule := range m.rules {
		if rule.matches(env.Room, env.Channel) {
			matched = append(matched, rule)
		}
	}
	m.mu.RUnlock()

	for _, rule := range matched {
		select {
		case m.queue <- &webhookDelivery{rule: rule, senderID: senderID, envelope: env}:
		default:
			m.logger.Printf("Delivery queue full, dropping %s for rule %s", env.ID, rule.ID)
		}
	}
}

func (m *WebhookManager) worker() {
	defer m.wg.Done()
	for job := range m.queue {
		m.deliver(job)
	}
}

func (m *WebhookManager) deliver(job *webhookDelivery) {
	body, err := json.Marshal(map[string]interface{}{
		"rule_version":     webhookRuleVersion,
		"sender_client_id": job.senderID,
		"envelope":         job.envelope,
	})
	if err != nil {
		m.logger.Printf("Failed to encode delivery for rule %s: %v", job.rule.ID, err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.rule.URL, bytes.NewReader(body))
	if err != nil {
		m.logger.Printf("Failed to build request for rule %s: %v", job.rule.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Printf("Delivery failed for rule %s -> %s: %v", job.rule.ID, job.rule.URL, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		m.logger.Printf("Delivery for rule %s returned %d", job.rule.ID, resp.StatusCode)
	}
}

// Shutdown drains the worker pool.
func (m *WebhookManager) Shutdown() {
	m.closeOnce.Do(func() { close(m.queue) })
	m.wg.Wait()
}

// RegisterWebhookCommands installs the op.webhook.* commands.
func RegisterWebhookCommands(registry *commands.Registry, manager *WebhookManager) {
	registry.Register(&commands.Spec{
		Name:         "op.webhook.register",
		Capability:   "op.webhook.register",
		RequiredArgs: []string{"room", "channel", "url"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			room, cmdErr := inv.StringArg("room")
			if cmdErr != nil {
				return nil, cmdErr
			}
			channel, cmdErr := inv.StringArg("channel")
			if cmdErr != nil {
				return nil, cmdErr
			}
			url, cmdErr := inv.StringArg("url")
			if cmdErr != nil {
				return nil, cmdErr
			}
			rule := manager.Register(inv.Client.ID, room, channel, url)
			return map[string]interface{}{"rule_id": rule.ID, "rule_version": webhookRuleVersion}, nil
		},
	})
	registry.Register(&commands.Spec{
		Name:       "op.webhook.list",
		Capability: "op.webhook.list",
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			rules := manager.ListByOwner(inv.Client.ID)
			return map[string]interface{}{"rules": rules, "count": len(rules)}, nil
		},
	})
	registry.Register(&commands.Spec{
		Name:         "op.webhook.unregister",
		Capability:   "op.webhook.unregister",
		RequiredArgs: []string{"rule_id"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			ruleID, cmdErr := inv.StringArg("rule_id")
			if cmdErr != nil {
				return nil, cmdErr
			}
			found, removed := manager.Unregister(ruleID, inv.Client.ID)
			if !found {
				return nil, commands.Validationf("unknown rule: %s", ruleID)
			}
			if !removed {
				return nil, commands.Authorizationf("rule %s belongs to another client", ruleID)
			}
			return map[string]interface{}{"unregistered": true, "rule_id": ruleID}, nil
		},
	})
}
