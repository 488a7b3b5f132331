package ops

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/commands"
	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/routing"
)

func opsClient(t *testing.T, tenantID string) *routing.ClientInfo {
	t.Helper()
	r := routing.NewRegistry()
	meta := map[string]interface{}{}
	if tenantID != "" {
		meta["tenant_id"] = tenantID
	}
	client, err := r.Register(protocol.GenerateClientID(), meta, nil)
	require.NoError(t, err)
	return client
}

func execute(t *testing.T, registry *commands.Registry, client *routing.ClientInfo,
	name string, args map[string]interface{}) map[string]interface{} {
	t.Helper()
	env := protocol.NewEnvelope(protocol.TypeCommand, client.ID)
	env.Command = name
	env.Args = args
	payload, cmdErr := registry.Execute(context.Background(), client, env)
	require.Nil(t, cmdErr)
	return payload
}

func TestStoreCommandsRoundTrip(t *testing.T) {
	registry := commands.NewRegistry()
	RegisterStoreCommands(registry, NewKVStore())
	client := opsClient(t, "tenant-a")

	out := execute(t, registry, client, "op.store.set",
		map[string]interface{}{"key": "color", "value": "teal"})
	assert.Equal(t, true, out["updated"])

	out = execute(t, registry, client, "op.store.get", map[string]interface{}{"key": "color"})
	assert.Equal(t, true, out["found"])
	assert.Equal(t, "teal", out["value"])

	out = execute(t, registry, client, "op.store.list", nil)
	assert.Equal(t, []string{"color"}, out["keys"])

	out = execute(t, registry, client, "op.store.delete", map[string]interface{}{"key": "color"})
	assert.Equal(t, true, out["deleted"])

	out = execute(t, registry, client, "op.store.get", map[string]interface{}{"key": "color"})
	assert.Equal(t, false, out["found"])
	_, hasValue := out["value"]
	assert.False(t, hasValue)
}

func TestStoreTenantIsolation(t *testing.T) {
	registry := commands.NewRegistry()
	RegisterStoreCommands(registry, NewKVStore())
	tenantA := opsClient(t, "tenant-a")
	tenantB := opsClient(t, "tenant-b")

	execute(t, registry, tenantA, "op.store.set",
		map[string]interface{}{"key": "secret-plan", "value": 42})

	out := execute(t, registry, tenantB, "op.store.get",
		map[string]interface{}{"key": "secret-plan"})
	assert.Equal(t, false, out["found"])

	out = execute(t, registry, tenantB, "op.store.list", nil)
	assert.Equal(t, 0, out["count"])
}

func TestDefaultNamespaceShape(t *testing.T) {
	assert.Equal(t, "tenant:tenant-a", DefaultNamespace("tenant-a"))
	assert.Equal(t, "tenant:default", DefaultNamespace(""))
}

func TestWebhookRuleIDShape(t *testing.T) {
	m := NewWebhookManager(1)
	defer m.Shutdown()
	rule := m.Register("client_a", "ops", "general", "http://example.invalid/hook")
	assert.Regexp(t, regexp.MustCompile(`^wh_[0-9a-f]{12}$`), rule.ID)
}

func TestWebhookDeliveryBody(t *testing.T) {
	var mu sync.Mutex
	var bodies []map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
	}))
	defer srv.Close()

	m := NewWebhookManager(1)
	m.Register("client_a", "ops", "general", srv.URL)

	env := protocol.NewMessage("client_b", "ops", "general", map[string]interface{}{"hello": "world"})
	m.OnMessage(env, "client_b")
	m.Shutdown()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, bodies, 1)
	assert.Equal(t, "v1", bodies[0]["rule_version"])
	assert.Equal(t, "client_b", bodies[0]["sender_client_id"])
	delivered := bodies[0]["envelope"].(map[string]interface{})
	assert.Equal(t, env.ID, delivered["id"])
}

func TestWebhookWildcardMatching(t *testing.T) {
	rule := &WebhookRule{Room: "*", Channel: "alerts"}
	assert.True(t, rule.matches("ops", "alerts"))
	assert.True(t, rule.matches("eng", "alerts"))
	assert.False(t, rule.matches("ops", "general"))

	all := &WebhookRule{Room: "*", Channel: "*"}
	assert.True(t, all.matches("anything", "anywhere"))
}

func TestWebhookOwnershipAndVisibility(t *testing.T) {
	registry := commands.NewRegistry()
	m := NewWebhookManager(1)
	defer m.Shutdown()
	RegisterWebhookCommands(registry, m)

	owner := opsClient(t, "tenant-a")
	other := opsClient(t, "tenant-a")

	out := execute(t, registry, owner, "op.webhook.register",
		map[string]interface{}{"room": "ops", "channel": "*", "url": "http://example.invalid/h"})
	ruleID := out["rule_id"].(string)

	out = execute(t, registry, other, "op.webhook.list", nil)
	assert.Equal(t, 0, out["count"], "rules are visible to their owner only")

	env := protocol.NewEnvelope(protocol.TypeCommand, other.ID)
	env.Command = "op.webhook.unregister"
	env.Args = map[string]interface{}{"rule_id": ruleID}
	_, cmdErr := registry.Execute(context.Background(), other, env)
	require.NotNil(t, cmdErr)
	assert.Equal(t, commands.CodeAuthorization, cmdErr.Code)

	out = execute(t, registry, owner, "op.webhook.unregister",
		map[string]interface{}{"rule_id": ruleID})
	assert.Equal(t, true, out["unregistered"])
}

func TestWebhookRemoveByOwner(t *testing.T) {
	m := NewWebhookManager(1)
	defer m.Shutdown()
	m.Register("client_a", "ops", "*", "http://example.invalid/1")
	m.Register("client_a", "eng", "*", "http://example.invalid/2")
	m.Register("client_b", "ops", "*", "http://example.invalid/3")

	assert.Equal(t, 2, m.RemoveByOwner("client_a"))
	assert.Len(t, m.ListByOwner("client_b"), 1)
}

func collectEmitted() (EmitFunc, func() []*protocol.Envelope) {
	var mu sync.Mutex
	var emitted []*protocol.Envelope
	emit := func(env *protocol.Envelope) {
		mu.Lock()
		emitted = append(emitted, env)
		mu.Unlock()
	}
	snapshot := func() []*protocol.Envelope {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*protocol.Envelope, len(emitted))
		copy(out, emitted)
		return out
	}
	return emit, snapshot
}

func TestCronOneShotEmission(t *testing.T) {
	emit, snapshot := collectEmitted()
	m := NewCronManager(emit)

	job := m.Schedule(&CronJob{
		Owner:        "client_a",
		Room:         "ops",
		Channel:      "general",
		Payload:      map[string]interface{}{"tick": true},
		DelaySeconds: 0.02,
	})
	assert.Regexp(t, regexp.MustCompile(`^cron_[0-9a-f]{12}$`), job.ID)

	require.Eventually(t, func() bool { return len(snapshot()) == 1 },
		time.Second, 10*time.Millisecond)

	env := snapshot()[0]
	assert.Equal(t, "op-cron", env.Sender)
	assert.Equal(t, protocol.TypeMessage, env.Type)
	assert.Equal(t, job.ID, env.Metadata["cron_job_id"])
	assert.Equal(t, 1, env.Metadata["iteration"])

	// One-shot jobs are removed after firing.
	assert.Empty(t, m.ListByOwner("client_a"))
}

func TestCronIntervalWithRepeatCount(t *testing.T) {
	emit, snapshot := collectEmitted()
	m := NewCronManager(emit)

	m.Schedule(&CronJob{
		Owner:           "client_a",
		Room:            "ops",
		Channel:         "general",
		IntervalSeconds: 0.02,
		RepeatCount:     3,
	})

	require.Eventually(t, func() bool { return len(snapshot()) == 3 },
		2*time.Second, 10*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, snapshot(), 3, "job stops after repeat_count iterations")

	iters := []interface{}{}
	for _, env := range snapshot() {
		iters = append(iters, env.Metadata["iteration"])
	}
	assert.Equal(t, []interface{}{1, 2, 3}, iters)
}

func TestCronCancel(t *testing.T) {
	emit, snapshot := collectEmitted()
	m := NewCronManager(emit)

	job := m.Schedule(&CronJob{
		Owner:        "client_a",
		Room:         "ops",
		Channel:      "general",
		DelaySeconds: 5,
	})

	found, cancelled := m.Cancel(job.ID, "client_b")
	assert.True(t, found)
	assert.False(t, cancelled, "only the owner may cancel")

	found, cancelled = m.Cancel(job.ID, "client_a")
	assert.True(t, found)
	assert.True(t, cancelled)

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	m.Shutdown(ctx)
	assert.Empty(t, snapshot())
}

func TestCronCancelByOwnerOnDisconnect(t *testing.T) {
	emit, _ := collectEmitted()
	m := NewCronManager(emit)
	m.Schedule(&CronJob{Owner: "client_a", Room: "r", Channel: "c", DelaySeconds: 5})
	m.Schedule(&CronJob{Owner: "client_a", Room: "r", Channel: "c", DelaySeconds: 5})
	m.Schedule(&CronJob{Owner: "client_b", Room: "r", Channel: "c", DelaySeconds: 5})

	assert.Equal(t, 2, m.CancelByOwner("client_a"))

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	m.CancelByOwner("client_b")
	m.Shutdown(ctx)
}

func TestCronScheduleCommandValidation(t *testing.T) {
	registry := commands.NewRegistry()
	emit, _ := collectEmitted()
	m := NewCronManager(emit)
	RegisterCronCommands(registry, m)
	client := opsClient(t, "tenant-a")

	env := protocol.NewEnvelope(protocol.TypeCommand, client.ID)
	env.Command = "op.cron.schedule"
	env.Args = map[string]interface{}{"room": "ops", "channel": "general", "delay_seconds": -1.0}
	_, cmdErr := registry.Execute(context.Background(), client, env)
	require.NotNil(t, cmdErr)
	assert.Equal(t, commands.CodeValidation, cmdErr.Code)
}
