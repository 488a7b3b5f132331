package dispatch

import (
	"fmt"
	"log"
	"time"

	"github.com/arqonbus/arqonbus/internal/protocol"
)

// SendFunc delivers an encoded frame to one client by id.
type SendFunc func(clientID string, data []byte) bool

// Dispatcher routes tasks to operator groups using one of the delivery
// strategies. Competing dispatches open a response window on the
// collector and hand back its future.
type Dispatcher struct {
	operators *OperatorRegistry
	collector *ResultCollector
	send      SendFunc
	logger    *log.Logger
}

// NewDispatcher wires the dispatcher to its registry, collector, and
// transport send function.
func NewDispatcher(operators *OperatorRegistry, collector *ResultCollector, send SendFunc) *Dispatcher {
	return &Dispatcher{
		operators: operators,
		collector: collector,
		send:      send,
		logger:    log.New(log.Writer(), "[Dispatcher] ", log.LstdFlags),
	}
}

// Outcome reports where a task went.
type Outcome struct {
	Strategy  string
	Delivered []string
	Future    *SelectionFuture
}

// Dispatch delivers a task envelope to a group. The task id is the
// envelope's request id, falling back to its message id.
func (d *Dispatcher) Dispatch(env *protocol.Envelope, group, strategy string, timeout time.Duration) (*Outcome, error) {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}

	data, err := env.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("encode task: %w", err)
	}

	switch strategy {
	case StrategyRoundRobin:
		return d.dispatchRoundRobin(env, group, data)
	case StrategyCompeting:
		return d.dispatchCompeting(env, group, data, timeout)
	case StrategyBroadcast:
		return d.dispatchBroadcast(group, data)
	default:
		return nil, fmt.Errorf("unknown dispatch strategy: %s", strategy)
	}
}

func (d *Dispatcher) dispatchRoundRobin(env *protocol.Envelope, group string, data []byte) (*Outcome, error) {
	// Walk the rotation until a member accepts the frame; a full lap
	// with no takers fails the dispatch.
	members := d.operators.Members(group)
	if len(members) == 0 {
		return nil, fmt.Errorf("no operators registered for group %s", group)
	}
	for range members {
		target, err := d.operators.NextRoundRobin(group)
		if err != nil {
			return nil, err
		}
		if d.send(target, data) {
			d.logger.Printf("Task %s -> %s (round robin, group=%s)", taskID(env), target, group)
			return &Outcome{Strategy: StrategyRoundRobin, Delivered: []string{target}}, nil
		}
		d.logger.Printf("Operator %s unreachable, rotating", target)
	}
	return nil, fmt.Errorf("no reachable operators in group %s", group)
}

func (d *Dispatcher) dispatchCompeting(env *protocol.Envelope, group string, data []byte, timeout time.Duration) (*Outcome, error) {
	members := d.operators.Members(group)
	if len(members) == 0 {
		return nil, fmt.Errorf("no operators registered for group %s", group)
	}

	var delivered []string
	for _, target := range members {
		if d.send(target, data) {
			delivered = append(delivered, target)
		}
	}
	if len(delivered) == 0 {
		return nil, fmt.Errorf("no reachable operators in group %s", group)
	}

	future := d.collector.OpenWindow(taskID(env), len(delivered), timeout)
	d.logger.Printf("Task %s -> %d operators (competing, group=%s)", taskID(env), len(delivered), group)
	return &Outcome{Strategy: StrategyCompeting, Delivered: delivered, Future: future}, nil
}

func (d *Dispatcher) dispatchBroadcast(group string, data []byte) (*Outcome, error) {
	members := d.operators.Members(group)
	if len(members) == 0 {
		return nil, fmt.Errorf("no operators registered for group %s", group)
	}
	var delivered []string
	for _, target := range members {
		if d.send(target, data) {
			delivered = append(delivered, target)
		}
	}
	return &Outcome{Strategy: StrategyBroadcast, Delivered: delivered}, nil
}

// HandleResponse feeds an operator response into the collector, keyed
// by the response's request id.
func (d *Dispatcher) HandleResponse(env *protocol.Envelope) bool {
	if env.RequestID == "" {
		return false
	}
	return d.collector.Deliver(env.RequestID, env.Sender, env)
}

func taskID(env *protocol.Envelope) string {
	if env.RequestID != "" {
		return env.RequestID
	}
	return env.ID
}
