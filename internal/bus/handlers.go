package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/arqonbus/arqonbus/internal/commands"
	"github.com/arqonbus/arqonbus/internal/config"
	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Error code for JSON frames arriving while the infra protocol is
// binary-only.
const codeInfraProtocol = "INFRA_PROTOCOL_ERROR"

// handleFrame runs one inbound frame through the pipeline: decode,
// infra gate, validation, policy, then dispatch by envelope type.
// Recoverable errors answer the client and return; the connection
// stays up.
func (s *Server) handleFrame(c *connection, data []byte) {
	env, validationErrs, wire := protocol.ValidateAndParseWire(data)
	s.metrics.EnvelopeBytes.WithLabelValues(wire).Observe(float64(len(data)))

	if wire == protocol.WireJSON && s.cfg.Infra.Protocol == config.InfraProtobuf && !s.cfg.Infra.AllowJSONInfra {
		s.sendError(c.id, env, codeInfraProtocol, "JSON framing is not accepted on this infra protocol")
		return
	}

	if env == nil {
		s.sendError(c.id, nil, commands.CodeValidation, "Message validation failed")
		return
	}
	s.metrics.EnvelopesReceived.WithLabelValues(env.Type, wire).Inc()

	if len(validationErrs) > 0 {
		errEnv := s.errorEnvelope(env, commands.CodeValidation, "Message validation failed")
		errEnv.Payload["errors"] = validationErrs
		s.sendEnvelope(c.id, errEnv)
		return
	}

	env.Sender = c.id
	if client, ok := s.registry.GetClient(c.id); ok {
		client.Touch()
		if tenant := client.TenantID(); tenant != "" && env.TenantID() == "" {
			env.SetMeta(protocol.MetaTenantID, tenant)
		}
	}

	if env.Type == protocol.TypeMessage || env.Type == protocol.TypeCommand {
		outcome := s.casil.Process(env)
		if !outcome.Allowed() {
			s.sendError(c.id, env, outcome.ReasonCode, "CASIL blocked message")
			return
		}
		env = outcome.Envelope
	}

	switch env.Type {
	case protocol.TypeMessage:
		s.handleMessage(c, env)
	case protocol.TypeTelemetry:
		s.handleTelemetry(c, env)
	case protocol.TypeCommand:
		s.handleCommand(c, env)
	case protocol.TypeResponse, protocol.TypeOperatorResult:
		s.tasks.HandleResponse(env)
	case protocol.TypeOperatorJoin:
		s.handleOperatorJoin(c, env)
	default:
		slog.Warn("unknown envelope type", "type", env.Type, "client_id", c.id)
	}
}

// handleMessage persists and fans out a routed message. The sender
// never receives its own frame back.
func (s *Server) handleMessage(c *connection, env *protocol.Envelope) {
	if env.Room == "" || env.Channel == "" {
		slog.Warn("message missing room or channel", "client_id", c.id)
		return
	}

	s.stampSequence(env)
	if err := s.persist(env); err != nil {
		s.sendError(c.id, env, commands.CodeExecution, err.Error())
		return
	}

	data, err := s.encodeWire(env)
	if err != nil {
		slog.Warn("message encode failed", "envelope_id", env.ID, "error", err)
		return
	}
	sent := s.registry.BroadcastToRoomChannel(env.Room, env.Channel, data, c.id)
	s.metrics.EnvelopesFanout.WithLabelValues(env.Room).Add(float64(sent))
	s.webhooks.OnMessage(env, c.id)
}

// handleTelemetry persists telemetry and fans it out only when routing
// hints are present.
func (s *Server) handleTelemetry(c *connection, env *protocol.Envelope) {
	if err := s.persist(env); err != nil {
		s.sendError(c.id, env, commands.CodeExecution, err.Error())
		return
	}
	if env.Room != "" && env.Channel != "" {
		data, err := s.encodeWire(env)
		if err != nil {
			return
		}
		sent := s.registry.BroadcastToRoomChannel(env.Room, env.Channel, data, c.id)
		s.metrics.EnvelopesFanout.WithLabelValues(env.Room).Add(float64(sent))
	}
}

// handleCommand executes the command and answers with a correlated
// response envelope.
func (s *Server) handleCommand(c *connection, env *protocol.Envelope) {
	client, ok := s.registry.GetClient(c.id)
	if !ok {
		return
	}

	started := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, cmdErr := s.commands.Execute(ctx, client, env)
	s.metrics.CommandDuration.WithLabelValues(env.Command).Observe(time.Since(started).Seconds())

	if cmdErr != nil {
		s.metrics.CommandsTotal.WithLabelValues(env.Command, "error").Inc()
		s.metrics.CommandFailures.WithLabelValues(env.Command, cmdErr.Code).Inc()
		s.sendError(c.id, env, cmdErr.Code, cmdErr.Message)
		return
	}
	s.metrics.CommandsTotal.WithLabelValues(env.Command, "success").Inc()

	resp := protocol.NewResponse(env, "success", result)
	resp.Sender = serverSender
	s.sendEnvelope(c.id, resp)
}

// handleOperatorJoin registers the client into a capability group.
// Registration failures answer with OPERATOR_AUTH_FAILED and leave the
// connection up.
func (s *Server) handleOperatorJoin(c *connection, env *protocol.Envelope) {
	group, _ := env.Payload["group"].(string)
	if group == "" {
		s.sendError(c.id, env, commands.CodeValidation, "operator.join requires a group")
		return
	}
	token, _ := env.Payload["auth_token"].(string)

	if err := s.operators.Register(c.id, group, token); err != nil {
		s.sendError(c.id, env, "OPERATOR_AUTH_FAILED", "Operator registration denied")
		return
	}

	resp := protocol.NewResponse(env, "success", map[string]interface{}{
		"registered": true,
		"group":      group,
	})
	resp.Sender = serverSender
	s.sendEnvelope(c.id, resp)
	s.logger.Printf("operator %s registered for group %s", c.id, group)
}

// errorEnvelope builds a response-typed error frame correlated to the
// request when one decoded.
func (s *Server) errorEnvelope(req *protocol.Envelope, code, message string) *protocol.Envelope {
	var errEnv *protocol.Envelope
	if req != nil {
		errEnv = protocol.NewErrorResponse(req, code, message)
		errEnv.RequestID = req.ID
	} else {
		errEnv = protocol.NewEnvelope(protocol.TypeResponse, "")
		errEnv.Status = "error"
		errEnv.Error = message
		errEnv.ErrorCode = code
		errEnv.Payload = map[string]interface{}{"message": message}
	}
	errEnv.Sender = serverSender
	return errEnv
}

func (s *Server) sendError(clientID string, req *protocol.Envelope, code, message string) {
	s.sendEnvelope(clientID, s.errorEnvelope(req, code, message))
}
