// Package dispatch implements the operator registry, the task
// dispatcher with its delivery strategies, and the result collector
// that turns operator responses into selection outcomes.
package dispatch

import (
	"crypto/subtle"
	"fmt"
	"log"
	"sort"
	"sync"
)

// Delivery strategies for a dispatched task.
const (
	StrategyRoundRobin = "ROUND_ROBIN"
	StrategyCompeting  = "COMPETING"
	StrategyBroadcast  = "BROADCAST"
)

// OperatorAuth gates operator registration. When Required is set,
// registrations must present the shared token.
type OperatorAuth struct {
	Required bool
	Token    string
}

// OperatorRegistry tracks which clients serve which operator groups.
type OperatorRegistry struct {
	mu sync.RWMutex

	auth OperatorAuth

	// group -> ordered member client ids
	groups map[string][]string
	// client id -> groups it serves
	byClient map[string]map[string]struct{}
	// group -> round-robin cursor
	cursors map[string]int

	logger *log.Logger
}

// NewOperatorRegistry creates an empty operator registry.
func NewOperatorRegistry(auth OperatorAuth) *OperatorRegistry {
	return &OperatorRegistry{
		auth:     auth,
		groups:   make(map[string][]string),
		byClient: make(map[string]map[string]struct{}),
		cursors:  make(map[string]int),
		logger:   log.New(log.Writer(), "[Operators] ", log.LstdFlags),
	}
}

// Register adds a client as a member of an operator group. When auth is
// required the presented token must match; the error message never
// echoes the token.
func (r *OperatorRegistry) Register(clientID, group, token string) error {
	if group == "" {
		return fmt.Errorf("operator group is required")
	}
	if r.auth.Required {
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.auth.Token)) != 1 {
			return fmt.Errorf("operator registration rejected: invalid token")
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if clientGroups := r.byClient[clientID]; clientGroups != nil {
		if _, already := clientGroups[group]; already {
			return nil
		}
	}
	r.groups[group] = append(r.groups[group], clientID)
	if r.byClient[clientID] == nil {
		r.byClient[clientID] = make(map[string]struct{})
	}
	r.byClient[clientID][group] = struct{}{}

	r.logger.Printf("Operator %s joined group %s (%d members)", clientID, group, len(r.groups[group]))
	return nil
}

// Unregister removes a client from one group.
func (r *OperatorRegistry) Unregister(clientID, group string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(clientID, group)
}

// UnregisterAll removes a client from every group it serves, returning
// the groups it left. Called on disconnect.
func (r *OperatorRegistry) UnregisterAll(clientID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for group := range r.byClient[clientID] {
		if err := r.removeLocked(clientID, group); err == nil {
			left = append(left, group)
		}
	}
	sort.Strings(left)
	return left
}

func (r *OperatorRegistry) removeLocked(clientID, group string) error {
	members := r.groups[group]
	idx := -1
	for i, id := range members {
		if id == clientID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("client %s is not in group %s", clientID, group)
	}
	r.groups[group] = append(members[:idx:idx], members[idx+1:]...)
	if len(r.groups[group]) == 0 {
		delete(r.groups, group)
		delete(r.cursors, group)
	} else if r.cursors[group] > idx {
		r.cursors[group]--
	}

	delete(r.byClient[clientID], group)
	if len(r.byClient[clientID]) == 0 {
		delete(r.byClient, clientID)
	}
	r.logger.Printf("Operator %s left group %s", clientID, group)
	return nil
}

// Members returns the group's member ids in registration order.
func (r *OperatorRegistry) Members(group string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.groups[group]
	out := make([]string, len(members))
	copy(out, members)
	return out
}

// Groups returns all active group names, sorted.
func (r *OperatorRegistry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.groups))
	for g := range r.groups {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// GroupsOf returns the groups a client serves, sorted.
func (r *OperatorRegistry) GroupsOf(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byClient[clientID]))
	for g := range r.byClient[clientID] {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// NextRoundRobin advances the group cursor and returns the next member.
func (r *OperatorRegistry) NextRoundRobin(group string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members := r.groups[group]
	if len(members) == 0 {
		return "", fmt.Errorf("no operators registered for group %s", group)
	}
	cursor := r.cursors[group] % len(members)
	r.cursors[group] = cursor + 1
	return members[cursor], nil
}

// Stats returns a JSON-friendly view of group membership.
func (r *OperatorRegistry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := make(map[string]interface{}, len(r.groups))
	for g, members := range r.groups {
		groups[g] = len(members)
	}
	return map[string]interface{}{
		"groups":        groups,
		"auth_required": r.auth.Required,
	}
}
