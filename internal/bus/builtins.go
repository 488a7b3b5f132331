package bus

import (
	"context"
	"time"

	"github.com/arqonbus/arqonbus/internal/casil"
	"github.com/arqonbus/arqonbus/internal/commands"
	"github.com/arqonbus/arqonbus/internal/dispatch"
	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/storage"
)

func requireAdmin(inv *commands.Invocation, action string) *commands.Error {
	if inv.Client == nil || inv.Client.Role() != "admin" {
		return commands.Authorizationf("only admin clients can %s", action)
	}
	return nil
}

// registerBuiltins installs the connectivity, routing, history, policy,
// and task-dispatch commands that belong to the bus itself.
func (s *Server) registerBuiltins() {
	s.commands.Register(&commands.Spec{
		Name:       "ping",
		RatePerMin: 10,
		Handler: func(_ context.Context, _ *commands.Invocation) (map[string]interface{}, error) {
			return map[string]interface{}{
				"pong":        true,
				"server_time": protocol.Now(),
			}, nil
		},
	})

	s.commands.Register(&commands.Spec{
		Name: "status",
		Handler: func(ctx context.Context, _ *commands.Invocation) (map[string]interface{}, error) {
			out := map[string]interface{}{
				"service":            serverSender,
				"status":             "healthy",
				"uptime_seconds":     time.Since(s.startedAt).Seconds(),
				"registry":           s.registry.Stats(),
				"operators":          s.operators.Stats(),
				"pending_selections": s.collector.Pending(),
			}
			if s.store != nil {
				if stats, err := s.store.Stats(ctx); err == nil {
					out["storage"] = stats
				}
			}
			return out, nil
		},
	})

	s.commands.Register(&commands.Spec{
		Name:         "subscribe",
		RequiredArgs: []string{"room", "channel"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			room, cmdErr := inv.StringArg("room")
			if cmdErr != nil {
				return nil, cmdErr
			}
			channel, cmdErr := inv.StringArg("channel")
			if cmdErr != nil {
				return nil, cmdErr
			}
			if err := s.registry.Subscribe(inv.Client.ID, room, channel); err != nil {
				return nil, commands.Validationf("%s", err.Error())
			}
			return map[string]interface{}{
				"subscribed": true,
				"room":       room,
				"channel":    channel,
			}, nil
		},
	})

	s.commands.Register(&commands.Spec{
		Name:         "unsubscribe",
		RequiredArgs: []string{"room", "channel"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			room, cmdErr := inv.StringArg("room")
			if cmdErr != nil {
				return nil, cmdErr
			}
			channel, cmdErr := inv.StringArg("channel")
			if cmdErr != nil {
				return nil, cmdErr
			}
			if err := s.registry.Unsubscribe(inv.Client.ID, room, channel); err != nil {
				return nil, commands.Validationf("%s", err.Error())
			}
			return map[string]interface{}{
				"subscribed": false,
				"room":       room,
				"channel":    channel,
			}, nil
		},
	})

	historyGet := func(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
		room := inv.OptionalString("room")
		if room == "" && inv.Client.Role() != "admin" {
			return nil, commands.Validationf("non-admin history queries must specify a room")
		}
		limit := 100
		if raw, ok := inv.Args["limit"].(float64); ok && raw > 0 {
			limit = int(raw)
		}
		entries, err := s.store.GetHistory(ctx, storage.Query{
			Room:    room,
			Channel: inv.OptionalString("channel"),
			Limit:   limit,
		})
		if err != nil {
			return nil, commands.Executionf("%s", err.Error())
		}
		return map[string]interface{}{
			"messages": historyPayload(entries),
			"count":    len(entries),
		}, nil
	}
	s.commands.Register(&commands.Spec{Name: "op.history.get", Handler: historyGet})
	// Legacy alias kept for older clients.
	s.commands.Register(&commands.Spec{Name: "history.get", Handler: historyGet})

	s.commands.Register(&commands.Spec{
		Name: "op.history.replay",
		Handler: func(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			room := inv.OptionalString("room")
			if room == "" && inv.Client.Role() != "admin" {
				return nil, commands.Validationf("non-admin history queries must specify a room")
			}
			q := storage.ReplayQuery{
				Room:           room,
				Channel:        inv.OptionalString("channel"),
				StrictSequence: true,
			}
			if raw, ok := inv.Args["strict"].(bool); ok {
				q.StrictSequence = raw
			}
			if raw := inv.OptionalString("from_ts"); raw != "" {
				ts, err := protocol.ParseTimestamp(raw)
				if err != nil {
					return nil, commands.Validationf("%s", err.Error())
				}
				q.From = ts
			}
			if raw := inv.OptionalString("to_ts"); raw != "" {
				ts, err := protocol.ParseTimestamp(raw)
				if err != nil {
					return nil, commands.Validationf("%s", err.Error())
				}
				q.To = ts
			}
			if raw, ok := inv.Args["limit"].(float64); ok && raw > 0 {
				q.Limit = int(raw)
			}
			entries, err := s.store.GetHistoryReplay(ctx, q)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			return map[string]interface{}{
				"messages": historyPayload(entries),
				"count":    len(entries),
				"strict":   q.StrictSequence,
			}, nil
		},
	})

	s.commands.Register(&commands.Spec{
		Name: "op.casil.get",
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "read the CASIL policy"); cmdErr != nil {
				return nil, cmdErr
			}
			cfg := s.casil.Snapshot()
			return map[string]interface{}{
				"enabled":          cfg.Enabled,
				"mode":             cfg.Mode,
				"default_decision": cfg.DefaultDecision,
				"scope":            cfg.Scope,
				"policies":         cfg.Policies,
			}, nil
		},
	})

	s.commands.Register(&commands.Spec{
		Name: "op.casil.reload",
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "reload the CASIL policy"); cmdErr != nil {
				return nil, cmdErr
			}
			cfg, err := casil.ConfigFromArgs(inv.Args)
			if err != nil {
				return nil, commands.Validationf("%s", err.Error())
			}
			if err := s.casil.Reload(cfg); err != nil {
				return nil, commands.Validationf("%s", err.Error())
			}
			return map[string]interface{}{
				"reloaded": true,
				"mode":     cfg.Mode,
				"enabled":  cfg.Enabled,
			}, nil
		},
	})

	s.commands.Register(&commands.Spec{
		Name:         "op.task.dispatch",
		RequiredArgs: []string{"group"},
		Handler:      s.handleTaskDispatch,
	})
}

// handleTaskDispatch builds a task envelope from the command arguments
// and routes it through the dispatcher. Competing dispatches with
// return_selection_future=true block on the selection window.
func (s *Server) handleTaskDispatch(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
	group, cmdErr := inv.StringArg("group")
	if cmdErr != nil {
		return nil, cmdErr
	}
	strategy := inv.OptionalString("strategy")

	timeout := dispatch.DefaultSelectionTimeout
	if raw, ok := inv.Args["timeout_seconds"].(float64); ok && raw > 0 {
		timeout = time.Duration(raw * float64(time.Second))
	}

	task := protocol.NewEnvelope(protocol.TypeCommand, serverSender)
	task.Command = inv.OptionalString("command")
	if task.Command == "" {
		task.Command = "task.execute"
	}
	task.RequestID = inv.Envelope.ID
	task.FromClient = inv.Client.ID
	task.Payload, _ = inv.Args["task"].(map[string]interface{})

	outcome, err := s.tasks.Dispatch(task, group, strategy, timeout)
	if err != nil {
		return nil, commands.Validationf("%s", err.Error())
	}

	out := map[string]interface{}{
		"task_id":   task.RequestID,
		"strategy":  outcome.Strategy,
		"delivered": outcome.Delivered,
		"count":     len(outcome.Delivered),
	}

	returnFuture, _ := inv.Args["return_selection_future"].(bool)
	if returnFuture && outcome.Future != nil {
		selection, err := outcome.Future.Await(ctx)
		if err != nil {
			return nil, commands.Executionf("selection wait: %s", err.Error())
		}
		out["selection"] = selection.Map()
	}
	return out, nil
}

func historyPayload(entries []storage.HistoryEntry) []interface{} {
	out := make([]interface{}, 0, len(entries))
	for _, entry := range entries {
		out = append(out, map[string]interface{}{
			"envelope":  entry.Envelope,
			"stored_at": entry.StoredAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}
