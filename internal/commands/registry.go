package commands

import (
	"context"
	"log"
	"sort"
	"sync"

	"github.com/arqonbus/arqonbus/internal/protocol"
	"github.com/arqonbus/arqonbus/internal/routing"
)

// Invocation carries one command execution's inputs.
type Invocation struct {
	Client   *routing.ClientInfo
	Envelope *protocol.Envelope
	Args     map[string]interface{}
}

// StringArg fetches a required string argument.
func (inv *Invocation) StringArg(name string) (string, *Error) {
	v, ok := inv.Args[name].(string)
	if !ok || v == "" {
		return "", Validationf("argument %q must be a non-empty string", name)
	}
	return v, nil
}

// OptionalString fetches an optional string argument.
func (inv *Invocation) OptionalString(name string) string {
	v, _ := inv.Args[name].(string)
	return v
}

// HandlerFunc executes one command and returns its response payload.
type HandlerFunc func(ctx context.Context, inv *Invocation) (map[string]interface{}, error)

// Spec declares one registered command.
type Spec struct {
	Name         string
	Capability   string // permission required; empty means open
	RequiredArgs []string
	RatePerMin   int // 0 means unlimited
	Handler      HandlerFunc
}

// Registry is the static command table. Commands are registered at
// startup; execution applies permission, rate, and argument checks
// before the handler runs.
type Registry struct {
	mu       sync.RWMutex
	commands map[string]*Spec
	limiter  *RateLimiter
	logger   *log.Logger
}

// NewRegistry creates an empty command registry.
func NewRegistry() *Registry {
	return &Registry{
		commands: make(map[string]*Spec),
		limiter:  NewRateLimiter(),
		logger:   log.New(log.Writer(), "[Commands] ", log.LstdFlags),
	}
}

// Register installs a command. Later registrations replace earlier ones
// so feature packs can override builtins.
func (r *Registry) Register(spec *Spec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[spec.Name] = spec
}

// Names returns the registered command names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.commands))
	for name := range r.commands {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// CheckPermission decides whether a client may use a capability:
// no client denies; the admin role allows; a permissions list grants by
// membership; a malformed permissions value denies; a client without
// any permissions metadata falls back to legacy allow.
func CheckPermission(client *routing.ClientInfo, capability string) bool {
	if client == nil {
		return false
	}
	if client.Role() == "admin" {
		return true
	}
	perms, present := client.Permissions()
	if present {
		for _, p := range perms {
			if p == capability {
				return true
			}
		}
		return false
	}
	return true
}

// Execute runs a command envelope through the lane and returns its
// response payload, or a coded Error.
func (r *Registry) Execute(ctx context.Context, client *routing.ClientInfo, env *protocol.Envelope) (map[string]interface{}, *Error) {
	r.mu.RLock()
	spec, ok := r.commands[env.Command]
	r.mu.RUnlock()
	if !ok {
		return nil, Validationf("unknown command: %s", env.Command)
	}

	if spec.Capability != "" && !CheckPermission(client, spec.Capability) {
		clientID := ""
		if client != nil {
			clientID = client.ID
		}
		r.logger.Printf("Denied %s for client %s", env.Command, clientID)
		return nil, Authorizationf("permission denied for %s", env.Command)
	}

	if client != nil && spec.RatePerMin > 0 {
		if !r.limiter.Allow(client.ID+":"+spec.Name, spec.RatePerMin) {
			return nil, Executionf("rate limit exceeded for %s", env.Command)
		}
	}

	args := env.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	for _, name := range spec.RequiredArgs {
		if _, present := args[name]; !present {
			return nil, Validationf("missing required argument: %s", name)
		}
	}

	payload, err := spec.Handler(ctx, &Invocation{Client: client, Envelope: env, Args: args})
	if err != nil {
		return nil, AsError(err)
	}
	return payload, nil
}

// ForgetClient drops per-client rate limit state. Called on disconnect.
func (r *Registry) ForgetClient(clientID string) {
	r.limiter.Forget(clientID + ":")
}
