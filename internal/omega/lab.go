// Package omega implements the feature-gated Tier-Omega experimental
// lane: substrate registration, a bounded event ring, and an optional
// firecracker microVM runtime.
package omega

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// Sender identity of lab telemetry.
const omegaSender = "op-omega"

// Runtime selection.
const (
	RuntimeMemory      = "memory"
	RuntimeFirecracker = "firecracker"
)

// Config gates and bounds the lab.
type Config struct {
	Enabled       bool
	LabRoom       string
	LabChannel    string
	MaxEvents     int
	MaxSubstrates int
	Runtime       string
	Firecracker   FirecrackerConfig
}

// DefaultConfig is a disabled lab with the standard bounds.
func DefaultConfig() Config {
	return Config{
		LabRoom:       "omega-lab",
		LabChannel:    "events",
		MaxEvents:     500,
		MaxSubstrates: 16,
		Runtime:       RuntimeMemory,
	}
}

// Substrate is one registered experimental substrate.
type Substrate struct {
	SubstrateID   string                 `json:"substrate_id"`
	Name          string                 `json:"name"`
	Kind          string                 `json:"kind"`
	OwnerClientID string                 `json:"owner_client_id"`
	Metadata      map[string]interface{} `json:"metadata"`
	CreatedAt     string                 `json:"created_at"`
}

// Event is one lab event in the ring buffer.
type Event struct {
	EventID     string                 `json:"event_id"`
	SubstrateID string                 `json:"substrate_id"`
	Signal      string                 `json:"signal"`
	Payload     map[string]interface{} `json:"payload"`
	EmittedBy   string                 `json:"emitted_by"`
	Timestamp   string                 `json:"timestamp"`
}

// BroadcastFunc publishes lab telemetry to the bus fabric.
type BroadcastFunc func(env *protocol.Envelope) int

// ErrDisabled is surfaced as FEATURE_DISABLED by the command layer.
var ErrDisabled = fmt.Errorf("Tier-Omega experimental lane is disabled")

// Lab owns the substrate table and the event ring. Every mutation
// checks the feature gate first; admin enforcement happens in the
// command bindings.
type Lab struct {
	cfg       Config
	runtime   *FirecrackerRuntime
	broadcast BroadcastFunc

	mu         sync.Mutex
	substrates map[string]*Substrate
	events     []*Event

	logger *log.Logger
}

// NewLab builds the lab. The firecracker runtime is constructed even in
// memory mode so vm.probe can report readiness.
func NewLab(cfg Config, broadcast BroadcastFunc) *Lab {
	if cfg.MaxEvents < 1 {
		cfg.MaxEvents = 1
	}
	if cfg.MaxSubstrates < 1 {
		cfg.MaxSubstrates = 1
	}
	return &Lab{
		cfg:        cfg,
		runtime:    NewFirecrackerRuntime(cfg.Firecracker),
		broadcast:  broadcast,
		substrates: make(map[string]*Substrate),
		logger:     log.New(log.Writer(), "[Omega] ", log.LstdFlags),
	}
}

// Enabled reports the feature gate.
func (l *Lab) Enabled() bool { return l.cfg.Enabled }

func (l *Lab) gate() error {
	if !l.cfg.Enabled {
		return ErrDisabled
	}
	return nil
}

// ValidateStartup fails fast when firecracker mode is configured but
// its images are missing.
func (l *Lab) ValidateStartup() error {
	if !l.cfg.Enabled || l.cfg.Runtime != RuntimeFirecracker {
		return nil
	}
	return l.runtime.assertReady()
}

// Status is the op.omega.status payload; it works even when disabled so
// operators can see the gate.
func (l *Lab) Status() map[string]interface{} {
	l.mu.Lock()
	substrateCount := len(l.substrates)
	eventCount := len(l.events)
	l.mu.Unlock()

	return map[string]interface{}{
		"enabled":         l.cfg.Enabled,
		"lab_room":        l.cfg.LabRoom,
		"lab_channel":     l.cfg.LabChannel,
		"max_events":      l.cfg.MaxEvents,
		"max_substrates":  l.cfg.MaxSubstrates,
		"substrate_count": substrateCount,
		"event_count":     eventCount,
		"runtime":         l.cfg.Runtime,
		"firecracker":     l.runtime.Snapshot(),
	}
}

func (l *Lab) requiresFirecracker(kind string, metadata map[string]interface{}) bool {
	normalized := strings.ToLower(strings.TrimSpace(kind))
	runtime, _ := metadata["runtime"].(string)
	switch {
	case l.cfg.Runtime == RuntimeFirecracker:
		return true
	case normalized == "firecracker" || normalized == "microvm" || normalized == "vm":
		return true
	case strings.ToLower(strings.TrimSpace(runtime)) == RuntimeFirecracker:
		return true
	}
	return false
}

// RegisterSubstrate adds a substrate, launching a microVM when the
// substrate kind or runtime asks for one.
func (l *Lab) RegisterSubstrate(ownerID, name, kind string, metadata map[string]interface{}) (*Substrate, error) {
	if err := l.gate(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("'name' is required")
	}
	if kind == "" {
		return nil, fmt.Errorf("'kind' is required")
	}
	if metadata == nil {
		metadata = map[string]interface{}{}
	}

	substrate := &Substrate{
		SubstrateID:   randomID("omega"),
		Name:          name,
		Kind:          kind,
		OwnerClientID: ownerID,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339),
	}

	l.mu.Lock()
	if len(l.substrates) >= l.cfg.MaxSubstrates {
		l.mu.Unlock()
		return nil, fmt.Errorf("substrate limit reached (%d)", l.cfg.MaxSubstrates)
	}
	l.substrates[substrate.SubstrateID] = substrate
	l.mu.Unlock()

	if l.requiresFirecracker(kind, metadata) {
		vmInfo, err := l.runtime.LaunchVM(substrate.SubstrateID, metadata)
		if err != nil {
			l.mu.Lock()
			delete(l.substrates, substrate.SubstrateID)
			l.mu.Unlock()
			return nil, err
		}
		l.mu.Lock()
		substrate.Metadata["runtime"] = RuntimeFirecracker
		substrate.Metadata["firecracker_vm"] = vmInfo
		l.mu.Unlock()
	}

	l.logger.Printf("Registered substrate %s (%s/%s)", substrate.SubstrateID, name, kind)
	return substrate, nil
}

// UnregisterSubstrate removes a substrate, its events, and its VM.
func (l *Lab) UnregisterSubstrate(substrateID string) (map[string]interface{}, error) {
	if err := l.gate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	substrate, found := l.substrates[substrateID]
	if !found {
		l.mu.Unlock()
		return map[string]interface{}{"removed": false, "substrate_id": substrateID, "removed_events": 0}, nil
	}
	delete(l.substrates, substrateID)

	kept := l.events[:0]
	removedEvents := 0
	for _, ev := range l.events {
		if ev.SubstrateID == substrateID {
			removedEvents++
			continue
		}
		kept = append(kept, ev)
	}
	l.events = kept
	l.mu.Unlock()

	if vmRaw, ok := substrate.Metadata["firecracker_vm"].(map[string]interface{}); ok {
		if vmID, ok := vmRaw["vm_id"].(string); ok && vmID != "" {
			_, _ = l.runtime.StopVM(vmID)
		}
	}

	return map[string]interface{}{
		"removed":        true,
		"substrate_id":   substrateID,
		"name":           substrate.Name,
		"kind":           substrate.Kind,
		"removed_events": removedEvents,
	}, nil
}

// ListSubstrates returns all substrates.
func (l *Lab) ListSubstrates() (map[string]interface{}, error) {
	if err := l.gate(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Substrate, 0, len(l.substrates))
	for _, s := range l.substrates {
		out = append(out, s)
	}
	return map[string]interface{}{"substrates": out, "count": len(out)}, nil
}

// EmitEvent appends to the ring and broadcasts telemetry to the lab
// room/channel.
func (l *Lab) EmitEvent(emitterID, substrateID, signal string, payload map[string]interface{}) (*Event, error) {
	if err := l.gate(); err != nil {
		return nil, err
	}
	if substrateID == "" {
		return nil, fmt.Errorf("'substrate_id' is required")
	}
	if signal == "" {
		return nil, fmt.Errorf("'signal' is required")
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	l.mu.Lock()
	if _, known := l.substrates[substrateID]; !known {
		l.mu.Unlock()
		return nil, fmt.Errorf("unknown substrate_id: %s", substrateID)
	}
	event := &Event{
		EventID:     randomID("omega_evt"),
		SubstrateID: substrateID,
		Signal:      signal,
		Payload:     payload,
		EmittedBy:   emitterID,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	l.events = append(l.events, event)
	if len(l.events) > l.cfg.MaxEvents {
		l.events = l.events[len(l.events)-l.cfg.MaxEvents:]
	}
	l.mu.Unlock()

	if l.broadcast != nil {
		env := protocol.NewEnvelope(protocol.TypeTelemetry, omegaSender)
		env.Room = l.cfg.LabRoom
		env.Channel = l.cfg.LabChannel
		env.Payload = map[string]interface{}{"omega_event": event}
		l.broadcast(env)
	}
	return event, nil
}

// ListEvents filters the ring by substrate and signal, newest-bounded
// by limit.
func (l *Lab) ListEvents(substrateID, signal string, limit int) (map[string]interface{}, error) {
	if err := l.gate(); err != nil {
		return nil, err
	}
	if limit < 1 {
		return nil, fmt.Errorf("'limit' must be >= 1")
	}

	l.mu.Lock()
	events := make([]*Event, len(l.events))
	copy(events, l.events)
	l.mu.Unlock()

	filtered := events[:0]
	for _, ev := range events {
		if substrateID != "" && ev.SubstrateID != substrateID {
			continue
		}
		if signal != "" && ev.Signal != signal {
			continue
		}
		filtered = append(filtered, ev)
	}
	if len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	out := map[string]interface{}{
		"events": filtered,
		"count":  len(filtered),
		"limit":  limit,
	}
	if substrateID != "" {
		out["substrate_id"] = substrateID
	}
	if signal != "" {
		out["signal"] = signal
	}
	return out, nil
}

// ClearEvents removes ring entries matching the filters.
func (l *Lab) ClearEvents(substrateID, signal string) (map[string]interface{}, error) {
	if err := l.gate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	previous := len(l.events)
	kept := l.events[:0]
	for _, ev := range l.events {
		substrateMatch := substrateID == "" || ev.SubstrateID == substrateID
		signalMatch := signal == "" || ev.Signal == signal
		if substrateMatch && signalMatch {
			continue
		}
		kept = append(kept, ev)
	}
	l.events = kept
	remaining := len(l.events)
	l.mu.Unlock()

	return map[string]interface{}{
		"removed_count":   previous - remaining,
		"remaining_count": remaining,
	}, nil
}

// Runtime exposes the firecracker runtime for the vm.* commands.
func (l *Lab) Runtime() (*FirecrackerRuntime, error) {
	if err := l.gate(); err != nil {
		return nil, err
	}
	return l.runtime, nil
}

// Substrate looks up one substrate by id.
func (l *Lab) Substrate(substrateID string) (*Substrate, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.substrates[substrateID]
	return s, ok
}

// Close stops all VMs.
func (l *Lab) Close() {
	l.runtime.Close()
}

// randomID builds ids like "omega_3f9a1c0d52be".
func randomID(prefix string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s_%012x", prefix, time.Now().UnixNano()&0xffffffffffff)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
