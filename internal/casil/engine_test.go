package casil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

func enforcingConfig() *Config {
	return &Config{
		Enabled:         true,
		Mode:            ModeEnforce,
		DefaultDecision: "allow",
		Scope:           Scope{Include: []string{"secure-*"}},
		Policies: Policies{
			MaxPayloadBytes:       256,
			BlockOnProbableSecret: true,
		},
	}
}

func TestDisabledEngineAllowsEverything(t *testing.T) {
	e := NewEngine(nil)
	env := protocol.NewMessage("c", "secure-ops", "general", map[string]interface{}{
		"password": "hunter2",
	})
	out := e.Process(env)
	assert.Equal(t, DecisionAllow, out.Decision)
	assert.Equal(t, ReasonDisabled, out.ReasonCode)
}

func TestOutOfScopeAllows(t *testing.T) {
	e := NewEngine(enforcingConfig())
	env := protocol.NewMessage("c", "public", "general", map[string]interface{}{
		"password": "hunter2",
	})
	out := e.Process(env)
	assert.Equal(t, DecisionAllow, out.Decision)
	assert.Equal(t, ReasonOutOfScope, out.ReasonCode)
}

func TestExcludeWinsOverInclude(t *testing.T) {
	cfg := enforcingConfig()
	cfg.Scope.Exclude = []string{"secure-sandbox"}
	e := NewEngine(cfg)
	env := protocol.NewMessage("c", "secure-sandbox", "general", map[string]interface{}{
		"password": "hunter2",
	})
	out := e.Process(env)
	assert.Equal(t, ReasonOutOfScope, out.ReasonCode)
}

func TestSecretBlockedInEnforceMode(t *testing.T) {
	e := NewEngine(enforcingConfig())
	env := protocol.NewMessage("c", "secure-ops", "general", map[string]interface{}{
		"note": "my api_key is abc123",
	})
	out := e.Process(env)
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, ReasonBlockedSecret, out.ReasonCode)
	assert.False(t, out.Allowed())
}

func TestMonitorModeNeverBlocks(t *testing.T) {
	cfg := enforcingConfig()
	cfg.Mode = ModeMonitor
	e := NewEngine(cfg)
	env := protocol.NewMessage("c", "secure-ops", "general", map[string]interface{}{
		"note": "password=hunter2", "filler": strings.Repeat("x", 1024),
	})
	out := e.Process(env)
	assert.Equal(t, DecisionAllow, out.Decision)
	assert.NotEmpty(t, out.Flags)
}

func TestOversizeBlockedInEnforceMode(t *testing.T) {
	e := NewEngine(enforcingConfig())
	env := protocol.NewMessage("c", "secure-ops", "general", map[string]interface{}{
		"filler": strings.Repeat("x", 1024),
	})
	out := e.Process(env)
	assert.Equal(t, DecisionBlock, out.Decision)
	assert.Equal(t, ReasonOversize, out.ReasonCode)
}

func TestTransportRedactionMutatesCopyOnly(t *testing.T) {
	cfg := &Config{
		Enabled: true,
		Mode:    ModeEnforce,
		Policies: Policies{
			Redaction: Redaction{
				Paths:              []string{"ssn"},
				TransportRedaction: true,
			},
		},
	}
	e := NewEngine(cfg)
	env := protocol.NewMessage("c", "secure-ops", "general", map[string]interface{}{
		"ssn": "123-45-6789", "ok": "visible",
	})
	out := e.Process(env)
	require.Equal(t, DecisionAllowWithRedaction, out.Decision)
	assert.Equal(t, ReasonRedacted, out.ReasonCode)
	assert.Equal(t, RedactToken, out.Envelope.Payload["ssn"])
	assert.Equal(t, "visible", out.Envelope.Payload["ok"])
	// Original envelope untouched.
	assert.Equal(t, "123-45-6789", env.Payload["ssn"])
}

func TestReloadKeepsPriorConfigOnError(t *testing.T) {
	e := NewEngine(enforcingConfig())

	bad := enforcingConfig()
	bad.Mode = "invalid-mode"
	err := e.Reload(bad)
	require.Error(t, err)
	assert.Equal(t, ModeEnforce, e.Snapshot().Mode)

	good := enforcingConfig()
	good.Mode = ModeMonitor
	require.NoError(t, e.Reload(good))
	assert.Equal(t, ModeMonitor, e.Snapshot().Mode)
}

func TestEnforceNeverRelaxesRedaction(t *testing.T) {
	// An envelope that redacts in monitor mode must not become ALLOW
	// under enforce with the same policy.
	cfg := &Config{
		Enabled: true,
		Mode:    ModeMonitor,
		Policies: Policies{
			Redaction: Redaction{Paths: []string{"card"}, TransportRedaction: true},
		},
	}
	env := protocol.NewMessage("c", "r", "ch", map[string]interface{}{"card": "4111"})

	monitor := NewEngine(cfg).Process(env)
	require.Equal(t, DecisionAllowWithRedaction, monitor.Decision)

	enforced := *cfg
	enforced.Mode = ModeEnforce
	out := NewEngine(&enforced).Process(env)
	assert.NotEqual(t, DecisionAllow, out.Decision)
}

func TestTelemetryEmittedOnNonAllow(t *testing.T) {
	e := NewEngine(enforcingConfig())
	var events []map[string]interface{}
	e.SetTelemetry(func(ev map[string]interface{}) { events = append(events, ev) })

	env := protocol.NewMessage("c", "secure-ops", "general", map[string]interface{}{
		"note": "token abc",
	})
	e.Process(env)
	require.Len(t, events, 1)
	assert.Equal(t, DecisionBlock, events[0]["decision"])
	assert.Equal(t, ReasonBlockedSecret, events[0]["reason_code"])
	assert.Equal(t, "secure-ops", events[0]["room"])
}

func TestNeverLogPayloadFor(t *testing.T) {
	cfg := enforcingConfig()
	cfg.Policies.BlockOnProbableSecret = false
	cfg.Policies.Redaction.NeverLogPayloadFor = []string{"secure-*"}
	e := NewEngine(cfg)

	env := protocol.NewMessage("c", "secure-vault", "general", map[string]interface{}{"k": "v"})
	assert.Equal(t, RedactToken, e.LogProjection(env))

	open := protocol.NewMessage("c", "public", "general", map[string]interface{}{"k": "v"})
	assert.NotEqual(t, RedactToken, e.LogProjection(open))
}

func TestConfigFromArgsValidation(t *testing.T) {
	_, err := ConfigFromArgs(map[string]interface{}{"enabled": true, "mode": "invalid-mode"})
	require.Error(t, err)

	cfg, err := ConfigFromArgs(map[string]interface{}{"enabled": true, "mode": "enforce"})
	require.NoError(t, err)
	assert.Equal(t, ModeEnforce, cfg.Mode)
	assert.True(t, cfg.Enabled)
}
