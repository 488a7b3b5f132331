package omega

import (
	"context"
	"errors"

	"github.com/arqonbus/arqonbus/internal/commands"
)

// mapLabError converts lab errors onto command lane codes: the feature
// gate becomes FEATURE_DISABLED, everything else VALIDATION_ERROR.
func mapLabError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDisabled) {
		return commands.FeatureDisabledf("%s", err.Error())
	}
	return commands.Validationf("%s", err.Error())
}

func requireAdmin(inv *commands.Invocation, action string) *commands.Error {
	if inv.Client == nil || inv.Client.Role() != "admin" {
		return commands.Authorizationf("only admin clients can %s", action)
	}
	return nil
}

// RegisterCommands installs the op.omega.* commands.
func RegisterCommands(registry *commands.Registry, lab *Lab) {
	registry.Register(&commands.Spec{
		Name: "op.omega.status",
		Handler: func(_ context.Context, _ *commands.Invocation) (map[string]interface{}, error) {
			return lab.Status(), nil
		},
	})

	registry.Register(&commands.Spec{
		Name:         "op.omega.register_substrate",
		RequiredArgs: []string{"name", "kind"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "register substrates"); cmdErr != nil {
				return nil, cmdErr
			}
			name, cmdErr := inv.StringArg("name")
			if cmdErr != nil {
				return nil, cmdErr
			}
			kind, cmdErr := inv.StringArg("kind")
			if cmdErr != nil {
				return nil, cmdErr
			}
			metadata, _ := inv.Args["metadata"].(map[string]interface{})
			substrate, err := lab.RegisterSubstrate(inv.Client.ID, name, kind, metadata)
			if err != nil {
				return nil, mapLabError(err)
			}
			return map[string]interface{}{
				"substrate_id": substrate.SubstrateID,
				"name":         substrate.Name,
				"kind":         substrate.Kind,
				"created_at":   substrate.CreatedAt,
			}, nil
		},
	})

	registry.Register(&commands.Spec{
		Name:         "op.omega.unregister_substrate",
		RequiredArgs: []string{"substrate_id"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "unregister substrates"); cmdErr != nil {
				return nil, cmdErr
			}
			substrateID, cmdErr := inv.StringArg("substrate_id")
			if cmdErr != nil {
				return nil, cmdErr
			}
			out, err := lab.UnregisterSubstrate(substrateID)
			if err != nil {
				return nil, mapLabError(err)
			}
			return out, nil
		},
	})

	registry.Register(&commands.Spec{
		Name: "op.omega.list_substrates",
		Handler: func(_ context.Context, _ *commands.Invocation) (map[string]interface{}, error) {
			out, err := lab.ListSubstrates()
			if err != nil {
				return nil, mapLabError(err)
			}
			return out, nil
		},
	})

	registry.Register(&commands.Spec{
		Name:         "op.omega.emit_event",
		RequiredArgs: []string{"substrate_id", "signal"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "emit events"); cmdErr != nil {
				return nil, cmdErr
			}
			substrateID, cmdErr := inv.StringArg("substrate_id")
			if cmdErr != nil {
				return nil, cmdErr
			}
			signal, cmdErr := inv.StringArg("signal")
			if cmdErr != nil {
				return nil, cmdErr
			}
			payload, _ := inv.Args["payload"].(map[string]interface{})
			event, err := lab.EmitEvent(inv.Client.ID, substrateID, signal, payload)
			if err != nil {
				return nil, mapLabError(err)
			}
			return map[string]interface{}{
				"event_id":     event.EventID,
				"substrate_id": event.SubstrateID,
				"signal":       event.Signal,
				"timestamp":    event.Timestamp,
			}, nil
		},
	})

	registry.Register(&commands.Spec{
		Name: "op.omega.list_events",
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			limit := 50
			if raw, ok := inv.Args["limit"].(float64); ok {
				limit = int(raw)
			}
			out, err := lab.ListEvents(inv.OptionalString("substrate_id"), inv.OptionalString("signal"), limit)
			if err != nil {
				return nil, mapLabError(err)
			}
			return out, nil
		},
	})

	registry.Register(&commands.Spec{
		Name: "op.omega.clear_events",
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "clear events"); cmdErr != nil {
				return nil, cmdErr
			}
			out, err := lab.ClearEvents(inv.OptionalString("substrate_id"), inv.OptionalString("signal"))
			if err != nil {
				return nil, mapLabError(err)
			}
			return out, nil
		},
	})

	registry.Register(&commands.Spec{
		Name: "op.omega.vm.probe",
		Handler: func(_ context.Context, _ *commands.Invocation) (map[string]interface{}, error) {
			runtime, err := lab.Runtime()
			if err != nil {
				return nil, mapLabError(err)
			}
			return runtime.Snapshot(), nil
		},
	})

	registry.Register(&commands.Spec{
		Name: "op.omega.vm.list",
		Handler: func(_ context.Context, _ *commands.Invocation) (map[string]interface{}, error) {
			runtime, err := lab.Runtime()
			if err != nil {
				return nil, mapLabError(err)
			}
			return runtime.ListVMs(), nil
		},
	})

	registry.Register(&commands.Spec{
		Name:         "op.omega.vm.launch",
		RequiredArgs: []string{"substrate_id"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "launch VMs"); cmdErr != nil {
				return nil, cmdErr
			}
			substrateID, cmdErr := inv.StringArg("substrate_id")
			if cmdErr != nil {
				return nil, cmdErr
			}
			runtime, err := lab.Runtime()
			if err != nil {
				return nil, mapLabError(err)
			}
			substrate, known := lab.Substrate(substrateID)
			if !known {
				return nil, commands.Validationf("unknown substrate_id: %s", substrateID)
			}
			info, err := runtime.LaunchVM(substrateID, substrate.Metadata)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			return info, nil
		},
	})

	registry.Register(&commands.Spec{
		Name:         "op.omega.vm.stop",
		RequiredArgs: []string{"vm_id"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			if cmdErr := requireAdmin(inv, "stop VMs"); cmdErr != nil {
				return nil, cmdErr
			}
			vmID, cmdErr := inv.StringArg("vm_id")
			if cmdErr != nil {
				return nil, cmdErr
			}
			runtime, err := lab.Runtime()
			if err != nil {
				return nil, mapLabError(err)
			}
			out, err := runtime.StopVM(vmID)
			if err != nil {
				return nil, commands.Executionf("%s", err.Error())
			}
			return out, nil
		},
	})
}
