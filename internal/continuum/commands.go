package continuum

import (
	"context"
	"fmt"
	"time"

	"github.com/arqonbus/arqonbus/internal/commands"
	"github.com/arqonbus/arqonbus/internal/storage"
)

func requireAdmin(inv *commands.Invocation, action string) *commands.Error {
	if inv.Client == nil || inv.Client.Role() != "admin" {
		return commands.Authorizationf("only admin clients can %s", action)
	}
	return nil
}

// parseEvent decodes the `event` argument into a projection event.
func parseEvent(raw interface{}) (storage.ProjectionEvent, error) {
	var ev storage.ProjectionEvent
	m, ok := raw.(map[string]interface{})
	if !ok {
		return ev, fmt.Errorf("'event' is required and must be an object")
	}
	for _, field := range []struct {
		name   string
		target *string
	}{
		{"tenant_id", &ev.TenantID},
		{"agent_id", &ev.AgentID},
		{"episode_id", &ev.EpisodeID},
		{"event_id", &ev.EventID},
		{"event_type", &ev.EventType},
	} {
		s, ok := m[field.name].(string)
		if !ok || s == "" {
			return ev, fmt.Errorf("event.%s is required", field.name)
		}
		*field.target = s
	}
	rawTS, _ := m["source_ts"].(string)
	ts, err := time.Parse(time.RFC3339, rawTS)
	if err != nil {
		return ev, fmt.Errorf("event.source_ts must be RFC3339: %v", err)
	}
	ev.SourceTS = ts.UTC()
	ev.Payload, _ = m["payload"].(map[string]interface{})
	return ev, nil
}

func intArg(args map[string]interface{}, name string, fallback int) (int, error) {
	raw, present := args[name]
	if !present {
		return fallback, nil
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, fmt.Errorf("'%s' must be a number", name)
	}
	n := int(f)
	if n < 1 {
		return 0, fmt.Errorf("'%s' must be >= 1", name)
	}
	return n, nil
}

// projectWithDLQ applies one event; a projection failure lands the
// event in the DLQ instead of failing the command.
func projectWithDLQ(ctx context.Context, backend Backend, ev storage.ProjectionEvent) (map[string]interface{}, error) {
	status, err := backend.ProjectEvent(ctx, ev)
	if err != nil {
		dlqID, dlqErr := backend.ProjectorDLQPush(ctx, fmt.Sprintf("projection_failed:%v", err), ev)
		if dlqErr != nil {
			return nil, dlqErr
		}
		return map[string]interface{}{
			"status": StatusDLQQueued,
			"error":  err.Error(),
			"dlq_id": dlqID,
		}, nil
	}
	return map[string]interface{}{
		"status":     status,
		"tenant_id":  ev.TenantID,
		"agent_id":   ev.AgentID,
		"episode_id": ev.EpisodeID,
		"event_id":   ev.EventID,
	}, nil
}

// RegisterCommands installs the op.continuum.projector.* commands, all
// admin-only.
func RegisterCommands(registry *commands.Registry, backend Backend) {
	registry.Register(&commands.Spec{
		Name: "op.continuum.projector.status",
		Handler: func(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "read Continuum projector status"); cmdErr != nil {
				return nil, cmdErr
			}
			st, err := backend.ProjectorStatus(ctx)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			return map[string]interface{}{
				"projection_count": st.ProjectionCount,
				"seen_event_count": st.SeenEventCount,
				"dlq_count":        st.DLQCount,
			}, nil
		},
	})

	registry.Register(&commands.Spec{
		Name:         "op.continuum.projector.project_event",
		RequiredArgs: []string{"event"},
		Handler: func(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "project Continuum events"); cmdErr != nil {
				return nil, cmdErr
			}
			ev, err := parseEvent(inv.Args["event"])
			if err != nil {
				return nil, commands.Validationf("%s", err.Error())
			}
			out, err := projectWithDLQ(ctx, backend, ev)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			return out, nil
		},
	})

	registry.Register(&commands.Spec{
		Name:         "op.continuum.projector.get",
		RequiredArgs: []string{"tenant_id", "agent_id", "episode_id"},
		Handler: func(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "read Continuum projector state"); cmdErr != nil {
				return nil, cmdErr
			}
			tenantID := inv.OptionalString("tenant_id")
			agentID := inv.OptionalString("agent_id")
			episodeID := inv.OptionalString("episode_id")
			projection, found, err := backend.ProjectorGet(ctx, tenantID, agentID, episodeID)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			if !found {
				return map[string]interface{}{
					"found":      false,
					"tenant_id":  tenantID,
					"agent_id":   agentID,
					"episode_id": episodeID,
				}, nil
			}
			return map[string]interface{}{"found": true, "projection": projection}, nil
		},
	})

	registry.Register(&commands.Spec{
		Name: "op.continuum.projector.list",
		Handler: func(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "list Continuum projector state"); cmdErr != nil {
				return nil, cmdErr
			}
			limit, err := intArg(inv.Args, "limit", 100)
			if err != nil {
				return nil, commands.Validationf("%s", err.Error())
			}
			items, err := backend.ProjectorList(ctx, inv.OptionalString("tenant_id"), inv.OptionalString("agent_id"), limit)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			return map[string]interface{}{"count": len(items), "items": items, "limit": limit}, nil
		},
	})

	registry.Register(&commands.Spec{
		Name: "op.continuum.projector.dlq.list",
		Handler: func(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "list Continuum DLQ"); cmdErr != nil {
				return nil, cmdErr
			}
			limit, err := intArg(inv.Args, "limit", 100)
			if err != nil {
				return nil, commands.Validationf("%s", err.Error())
			}
			items, err := backend.ProjectorDLQList(ctx, limit)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			return map[string]interface{}{"count": len(items), "items": items, "limit": limit}, nil
		},
	})

	registry.Register(&commands.Spec{
		Name:         "op.continuum.projector.dlq.replay",
		RequiredArgs: []string{"dlq_id"},
		Handler: func(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "replay Continuum DLQ items"); cmdErr != nil {
				return nil, cmdErr
			}
			dlqID := inv.OptionalString("dlq_id")
			ev, found, err := backend.ProjectorDLQGet(ctx, dlqID)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			if !found {
				return map[string]interface{}{"replayed": false, "dlq_id": dlqID, "reason": "not_found"}, nil
			}
			status, err := backend.ProjectEvent(ctx, ev)
			if err != nil {
				return map[string]interface{}{
					"replayed": false,
					"dlq_id":   dlqID,
					"result":   map[string]interface{}{"status": StatusDLQQueued, "error": err.Error()},
				}, nil
			}
			if err := backend.ProjectorDLQRemove(ctx, dlqID); err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			return map[string]interface{}{
				"replayed": true,
				"dlq_id":   dlqID,
				"result":   map[string]interface{}{"status": status},
			}, nil
		},
	})

	registry.Register(&commands.Spec{
		Name:         "op.continuum.projector.backfill",
		RequiredArgs: []string{"from_ts", "to_ts"},
		Handler: func(ctx context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "run Continuum projector backfill"); cmdErr != nil {
				return nil, cmdErr
			}
			fromRaw := inv.OptionalString("from_ts")
			toRaw := inv.OptionalString("to_ts")
			from, err := time.Parse(time.RFC3339, fromRaw)
			if err != nil {
				return nil, commands.Validationf("'from_ts' must be RFC3339: %v", err)
			}
			to, err := time.Parse(time.RFC3339, toRaw)
			if err != nil {
				return nil, commands.Validationf("'to_ts' must be RFC3339: %v", err)
			}
			if to.Before(from) {
				return nil, commands.Validationf("'to_ts' must be >= 'from_ts'")
			}
			tenantID := inv.OptionalString("tenant_id")
			agentID := inv.OptionalString("agent_id")
			dryRun, _ := inv.Args["dry_run"].(bool)

			selected, err := backend.ProjectorEventsBetween(ctx, from.UTC(), to.UTC(), tenantID, agentID)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			out := map[string]interface{}{
				"dry_run":        dryRun,
				"selected_count": len(selected),
				"from_ts":        fromRaw,
				"to_ts":          toRaw,
				"tenant_id":      tenantID,
				"agent_id":       agentID,
			}
			if dryRun {
				return out, nil
			}

			var projected, duplicates, staleRejected, dlqQueued int
			for _, ev := range selected {
				status, err := backend.ProjectEvent(ctx, ev)
				if err != nil {
					backend.ProjectorDLQPush(ctx, fmt.Sprintf("backfill_failed:%v", err), ev)
					dlqQueued++
					continue
				}
				switch status {
				case StatusProjected:
					projected++
				case StatusDuplicate:
					duplicates++
				case StatusStaleRejected:
					staleRejected++
				}
			}
			out["projected"] = projected
			out["duplicates"] = duplicates
			out["stale_rejected"] = staleRejected
			out["dlq_queued"] = dlqQueued
			return out, nil
		},
	})
}
