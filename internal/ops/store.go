package ops

import (
	"context"
	"sort"
	"sync"

	"github.com/arqonbus/arqonbus/internal/commands"
)

// KVStore is the namespaced tenant key/value store behind the
// op.store.* commands. Each tenant's default namespace is
// "tenant:<tenant_id>", so tenants never observe each other's keys.
type KVStore struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]interface{}
}

// NewKVStore creates an empty store.
func NewKVStore() *KVStore {
	return &KVStore{namespaces: make(map[string]map[string]interface{})}
}

// DefaultNamespace derives the namespace for a tenant.
func DefaultNamespace(tenantID string) string {
	if tenantID == "" {
		tenantID = "default"
	}
	return "tenant:" + tenantID
}

// Set writes a key, reporting whether it replaced an existing value.
func (s *KVStore) Set(namespace, key string, value interface{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.namespaces[namespace]
	if ns == nil {
		ns = make(map[string]interface{})
		s.namespaces[namespace] = ns
	}
	_, existed := ns[key]
	ns[key] = value
	return existed
}

// Get reads a key.
func (s *KVStore) Get(namespace, key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.namespaces[namespace][key]
	return value, ok
}

// List returns the namespace's keys, sorted.
func (s *KVStore) List(namespace string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns := s.namespaces[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Delete removes a key, reporting whether it existed.
func (s *KVStore) Delete(namespace, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.namespaces[namespace]
	_, existed := ns[key]
	if existed {
		delete(ns, key)
		if len(ns) == 0 {
			delete(s.namespaces, namespace)
		}
	}
	return existed
}

// namespaceFor resolves the namespace argument, defaulting to the
// calling client's tenant namespace.
func namespaceFor(inv *commands.Invocation) string {
	if ns := inv.OptionalString("namespace"); ns != "" {
		return ns
	}
	tenant := ""
	if inv.Client != nil {
		tenant = inv.Client.TenantID()
	}
	return DefaultNamespace(tenant)
}

// RegisterStoreCommands installs the op.store.* commands.
func RegisterStoreCommands(registry *commands.Registry, store *KVStore) {
	registry.Register(&commands.Spec{
		Name:         "op.store.set",
		Capability:   "op.store.set",
		RequiredArgs: []string{"key", "value"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			key, cmdErr := inv.StringArg("key")
			if cmdErr != nil {
				return nil, cmdErr
			}
			store.Set(namespaceFor(inv), key, inv.Args["value"])
			return map[string]interface{}{"updated": true, "key": key}, nil
		},
	})
	registry.Register(&commands.Spec{
		Name:         "op.store.get",
		Capability:   "op.store.get",
		RequiredArgs: []string{"key"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			key, cmdErr := inv.StringArg("key")
			if cmdErr != nil {
				return nil, cmdErr
			}
			value, found := store.Get(namespaceFor(inv), key)
			out := map[string]interface{}{"found": found, "key": key}
			if found {
				out["value"] = value
			}
			return out, nil
		},
	})
	registry.Register(&commands.Spec{
		Name:       "op.store.list",
		Capability: "op.store.list",
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			keys := store.List(namespaceFor(inv))
			return map[string]interface{}{"keys": keys, "count": len(keys)}, nil
		},
	})
	registry.Register(&commands.Spec{
		Name:         "op.store.delete",
		Capability:   "op.store.delete",
		RequiredArgs: []string{"key"},
		Handler: func(_ context.Context, inv *commands.Invocation) (map[string]interface{}, error) {
			key, cmdErr := inv.StringArg("key")
			if cmdErr != nil {
				return nil, cmdErr
			}
			deleted := store.Delete(namespaceFor(inv), key)
			return map[string]interface{}{"deleted": deleted, "key": key}, nil
		},
	})
}
