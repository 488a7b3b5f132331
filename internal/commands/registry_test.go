package commands

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/routing"
)

func testClient(t *testing.T, meta map[string]interface{}) *routing.ClientInfo {
	t.Helper()
	r := routing.NewRegistry()
	client, err := r.Register(protocol.GenerateClientID(), meta, nil)
	require.NoError(t, err)
	return client
}

func commandEnvelope(name string, args map[string]interface{}) *protocol.Envelope {
	env := protocol.NewEnvelope(protocol.TypeCommand, "client_test")
	env.Command = name
	env.Args = args
	return env
}

func echoSpec(name string) *Spec {
	return &Spec{
		Name: name,
		Handler: func(_ context.Context, inv *Invocation) (map[string]interface{}, error) {
			return map[string]interface{}{"echo": inv.Args}, nil
		},
	}
}

func TestUnknownCommandIsValidationError(t *testing.T) {
	r := NewRegistry()
	_, cmdErr := r.Execute(context.Background(), testClient(t, nil), commandEnvelope("op.nope", nil))
	require.NotNil(t, cmdErr)
	assert.Equal(t, CodeValidation, cmdErr.Code)
}

func TestCheckPermissionMatrix(t *testing.T) {
	cases := []struct {
		name string
		meta map[string]interface{}
		want bool
	}{
		{"admin role allows", map[string]interface{}{"role": "admin"}, true},
		{"listed permission allows", map[string]interface{}{"permissions": []interface{}{"op.store.set"}}, true},
		{"unlisted permission denies", map[string]interface{}{"permissions": []interface{}{"op.ping"}}, false},
		{"malformed permissions denies", map[string]interface{}{"permissions": "all"}, false},
		{"no permissions metadata allows (legacy)", nil, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := testClient(t, tc.meta)
			assert.Equal(t, tc.want, CheckPermission(client, "op.store.set"))
		})
	}
	assert.False(t, CheckPermission(nil, "op.store.set"), "absent client denies")
}

func TestExecuteDeniesWithoutCapability(t *testing.T) {
	r := NewRegistry()
	spec := echoSpec("op.store.set")
	spec.Capability = "op.store.set"
	r.Register(spec)

	client := testClient(t, map[string]interface{}{"permissions": []interface{}{"op.ping"}})
	_, cmdErr := r.Execute(context.Background(), client, commandEnvelope("op.store.set", nil))
	require.NotNil(t, cmdErr)
	assert.Equal(t, CodeAuthorization, cmdErr.Code)
}

func TestExecuteValidatesRequiredArgs(t *testing.T) {
	r := NewRegistry()
	spec := echoSpec("op.store.set")
	spec.RequiredArgs = []string{"key", "value"}
	r.Register(spec)

	client := testClient(t, nil)
	_, cmdErr := r.Execute(context.Background(), client, commandEnvelope("op.store.set",
		map[string]interface{}{"key": "k"}))
	require.NotNil(t, cmdErr)
	assert.Equal(t, CodeValidation, cmdErr.Code)
	assert.Contains(t, cmdErr.Message, "value")

	payload, cmdErr := r.Execute(context.Background(), client, commandEnvelope("op.store.set",
		map[string]interface{}{"key": "k", "value": "v"}))
	require.Nil(t, cmdErr)
	assert.NotNil(t, payload["echo"])
}

func TestHandlerErrorMapping(t *testing.T) {
	r := NewRegistry()
	r.Register(&Spec{
		Name: "op.fails.plain",
		Handler: func(context.Context, *Invocation) (map[string]interface{}, error) {
			return nil, errors.New("boom")
		},
	})
	r.Register(&Spec{
		Name: "op.fails.coded",
		Handler: func(context.Context, *Invocation) (map[string]interface{}, error) {
			return nil, FeatureDisabledf("omega lab is disabled")
		},
	})

	client := testClient(t, nil)
	_, cmdErr := r.Execute(context.Background(), client, commandEnvelope("op.fails.plain", nil))
	require.NotNil(t, cmdErr)
	assert.Equal(t, CodeExecution, cmdErr.Code)

	_, cmdErr = r.Execute(context.Background(), client, commandEnvelope("op.fails.coded", nil))
	require.NotNil(t, cmdErr)
	assert.Equal(t, CodeFeatureDisabled, cmdErr.Code)
}

func TestRateLimitBuckets(t *testing.T) {
	rl := NewRateLimiter()
	base := time.Now()
	rl.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("client_a:op.ping", 10))
	}
	assert.False(t, rl.Allow("client_a:op.ping", 10))
	// Other clients and commands have their own buckets.
	assert.True(t, rl.Allow("client_b:op.ping", 10))
	assert.True(t, rl.Allow("client_a:op.status", 10))

	// Window rolls over after a minute.
	rl.now = func() time.Time { return base.Add(61 * time.Second) }
	assert.True(t, rl.Allow("client_a:op.ping", 10))
}

func TestExecuteRateLimited(t *testing.T) {
	r := NewRegistry()
	spec := echoSpec("op.ping")
	spec.RatePerMin = 2
	r.Register(spec)

	client := testClient(t, nil)
	env := commandEnvelope("op.ping", nil)
	for i := 0; i < 2; i++ {
		_, cmdErr := r.Execute(context.Background(), client, env)
		require.Nil(t, cmdErr)
	}
	_, cmdErr := r.Execute(context.Background(), client, env)
	require.NotNil(t, cmdErr)
	assert.Equal(t, CodeExecution, cmdErr.Code)

	// Disconnect resets the budget.
	r.ForgetClient(client.ID)
	_, cmdErr = r.Execute(context.Background(), client, env)
	assert.Nil(t, cmdErr)
}

func TestRegisterOverride(t *testing.T) {
	r := NewRegistry()
	r.Register(echoSpec("op.ping"))
	r.Register(&Spec{
		Name: "op.ping",
		Handler: func(context.Context, *Invocation) (map[string]interface{}, error) {
			return map[string]interface{}{"pong": true}, nil
		},
	})
	payload, cmdErr := r.Execute(context.Background(), testClient(t, nil), commandEnvelope("op.ping", nil))
	require.Nil(t, cmdErr)
	assert.Equal(t, true, payload["pong"])
	assert.Equal(t, []string{"op.ping"}, r.Names())
}
