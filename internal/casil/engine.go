package casil

import (
	"encoding/json"
	"log"
	"sync/atomic"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Decisions produced by Process.
const (
	DecisionAllow              = "ALLOW"
	DecisionAllowWithRedaction = "ALLOW_WITH_REDACTION"
	DecisionBlock              = "BLOCK"
)

// Reason codes attached to outcomes.
const (
	ReasonAllowed       = "CASIL_POLICY_ALLOWED"
	ReasonBlockedSecret = "CASIL_POLICY_BLOCKED_SECRET"
	ReasonOversize      = "CASIL_POLICY_OVERSIZE"
	ReasonRedacted      = "CASIL_POLICY_REDACTED"
	ReasonInternalError = "CASIL_INTERNAL_ERROR"
	ReasonOutOfScope    = "CASIL_OUT_OF_SCOPE"
	ReasonDisabled      = "CASIL_DISABLED"
	ReasonMonitorMode   = "CASIL_MONITOR_MODE"
)

// Outcome is the result of running an envelope through the engine.
type Outcome struct {
	Decision      string
	ReasonCode    string
	Flags         []string
	Envelope      *protocol.Envelope // possibly redacted copy when transport redaction is on
	InternalError string
}

// Allowed reports whether the envelope may continue down the pipeline.
func (o Outcome) Allowed() bool {
	return o.Decision != DecisionBlock
}

// TelemetryFunc receives one event per non-ALLOW outcome.
type TelemetryFunc func(event map[string]interface{})

// Engine evaluates envelopes against the live policy. The config is an
// immutable record behind an atomic pointer; readers take the reference
// once per call and never see a partial reload.
type Engine struct {
	cfg       atomic.Pointer[Config]
	telemetry atomic.Pointer[TelemetryFunc]
	logger    *log.Logger
}

// NewEngine builds an engine with the given initial config. A nil
// config starts the engine disabled.
func NewEngine(cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	e := &Engine{logger: log.New(log.Writer(), "[CASIL] ", log.LstdFlags)}
	e.cfg.Store(cfg)
	return e
}

// SetTelemetry installs the telemetry sink.
func (e *Engine) SetTelemetry(fn TelemetryFunc) {
	e.telemetry.Store(&fn)
}

// Snapshot returns the live config.
func (e *Engine) Snapshot() *Config {
	return e.cfg.Load()
}

// Reload validates and atomically swaps the live config. On validation
// failure the prior config is preserved and the error returned.
func (e *Engine) Reload(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg.Store(cfg)
	e.logger.Printf("policy reloaded: mode=%s enabled=%t", cfg.Mode, cfg.Enabled)
	return nil
}

// Process runs the decision pipeline on the envelope. The input is not
// mutated; when transport redaction applies, Outcome.Envelope is a
// redacted copy, otherwise it is the input envelope.
func (e *Engine) Process(env *protocol.Envelope) Outcome {
	cfg := e.cfg.Load()

	if !cfg.Enabled || cfg.Mode == ModeDisabled {
		return Outcome{Decision: DecisionAllow, ReasonCode: ReasonDisabled, Envelope: env}
	}

	if !cfg.Scope.InScope(env.Room, env.Channel) {
		return Outcome{Decision: DecisionAllow, ReasonCode: ReasonOutOfScope, Envelope: env}
	}

	outcome := e.evaluate(cfg, env)
	if outcome.Decision != DecisionAllow {
		e.emit(env, outcome)
	}
	return outcome
}

func (e *Engine) evaluate(cfg *Config, env *protocol.Envelope) Outcome {
	var flags []string
	enforce := cfg.Mode == ModeEnforce

	payloadBytes, err := json.Marshal(env.Payload)
	if err != nil {
		// Fail open: a payload the engine cannot serialize is flagged,
		// not dropped.
		return Outcome{
			Decision:      DecisionAllow,
			ReasonCode:    ReasonInternalError,
			Flags:         []string{"serialization_failed"},
			Envelope:      env,
			InternalError: err.Error(),
		}
	}

	if max := cfg.Policies.MaxPayloadBytes; max > 0 && len(payloadBytes) > max {
		flags = append(flags, "oversize_payload")
		if enforce {
			return Outcome{Decision: DecisionBlock, ReasonCode: ReasonOversize, Flags: flags, Envelope: env}
		}
		return Outcome{Decision: DecisionAllow, ReasonCode: ReasonMonitorMode, Flags: flags, Envelope: env}
	}

	if cfg.Policies.BlockOnProbableSecret && env.Payload != nil {
		patterns := compilePatterns(cfg.secretPatterns())
		if anyStringMatches(env.Payload, patterns) {
			flags = append(flags, "probable_secret")
			if enforce {
				return Outcome{Decision: DecisionBlock, ReasonCode: ReasonBlockedSecret, Flags: flags, Envelope: env}
			}
			return Outcome{Decision: DecisionAllow, ReasonCode: ReasonMonitorMode, Flags: flags, Envelope: env}
		}
	}

	red := cfg.Policies.Redaction
	if env.Payload != nil && (len(red.Paths) > 0 || len(red.Patterns) > 0) {
		target := env
		if red.TransportRedaction {
			target = env.Clone()
		}
		changedPaths := false
		changedPatterns := false
		if red.TransportRedaction {
			changedPaths = redactPaths(target.Payload, red.Paths)
			changedPatterns = redactPatterns(target.Payload, compilePatterns(red.Patterns))
		} else {
			// Logging-projection only: detect on a copy, leave the
			// transported envelope untouched.
			probe := env.Clone()
			changedPaths = redactPaths(probe.Payload, red.Paths)
			changedPatterns = redactPatterns(probe.Payload, compilePatterns(red.Patterns))
		}
		if changedPaths || changedPatterns {
			flags = append(flags, "redacted")
			return Outcome{
				Decision:   DecisionAllowWithRedaction,
				ReasonCode: ReasonRedacted,
				Flags:      flags,
				Envelope:   target,
			}
		}
	}

	return Outcome{Decision: DecisionAllow, ReasonCode: ReasonAllowed, Flags: flags, Envelope: env}
}

// LogProjection returns the payload safe for logging: rooms listed in
// never_log_payload_for have the whole payload replaced by RedactToken.
func (e *Engine) LogProjection(env *protocol.Envelope) interface{} {
	cfg := e.cfg.Load()
	for _, pattern := range cfg.Policies.Redaction.NeverLogPayloadFor {
		if globMatch(pattern, env.Room) {
			return RedactToken
		}
	}
	return env.Payload
}

func (e *Engine) emit(env *protocol.Envelope, o Outcome) {
	fn := e.telemetry.Load()
	if fn == nil {
		return
	}
	(*fn)(map[string]interface{}{
		"decision":       o.Decision,
		"reason_code":    o.ReasonCode,
		"room":           env.Room,
		"channel":        env.Channel,
		"flags":          o.Flags,
		"internal_error": o.InternalError,
	})
}
