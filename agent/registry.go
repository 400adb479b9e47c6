package agent

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	kerrors "github.com/vinayprograms/taskkernel/errors"
)

// Registry errors.
var (
	ErrDuplicateKey = errors.New("task already registered")
	ErrAmbiguousKey = errors.New("task key overlaps a registered key")
	ErrInvalidKey   = errors.New("invalid task key")
	ErrNotSystem    = errors.New("task is not on the system allow-list")
	ErrUnknownAlias = errors.New("alias target not registered")
)

// Factory builds a fresh agent instance for one dispatch.
type Factory func() Agent

// Registration binds a task key to its handler and execution traits.
type Registration struct {
	Key TaskName
	New Factory

	// System tasks skip tenant configuration and ownership checks.
	System bool

	// Heavy tasks run in the background and report through a context.
	Heavy bool

	// RequiresContext tasks get a context_id injected before running.
	RequiresContext bool

	Description string
}

// Registry maps task names to registrations. It is populated at process
// start and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	entries map[TaskName]Registration
	order   []TaskName
	aliases map[string]TaskName
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[TaskName]Registration),
		aliases: make(map[string]TaskName),
	}
}

// Register adds a registration. A key that contains, or is contained in, an
// existing key is rejected so that substring resolution stays unambiguous.
func (r *Registry) Register(reg Registration) error {
	key := strings.TrimSpace(string(reg.Key))
	if key == "" || key != string(reg.Key) || reg.New == nil {
		return fmt.Errorf("%w: %q", ErrInvalidKey, reg.Key)
	}
	if reg.System && !IsSystemTask(reg.Key) {
		return fmt.Errorf("%w: %s", ErrNotSystem, reg.Key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[reg.Key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, reg.Key)
	}
	for _, existing := range r.order {
		if strings.Contains(string(existing), key) || strings.Contains(key, string(existing)) {
			return fmt.Errorf("%w: %s overlaps %s", ErrAmbiguousKey, reg.Key, existing)
		}
	}
	if target, ok := r.aliases[key]; ok {
		return fmt.Errorf("%w: %s is an alias of %s", ErrDuplicateKey, key, target)
	}

	r.entries[reg.Key] = reg
	r.order = append(r.order, reg.Key)
	return nil
}

// Alias maps an alternate task string to a registered key.
func (r *Registry) Alias(alias string, key TaskName) error {
	if alias == "" {
		return ErrInvalidKey
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAlias, key)
	}
	if _, ok := r.entries[TaskName(alias)]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, alias)
	}
	if prev, ok := r.aliases[alias]; ok && prev != key {
		return fmt.Errorf("%w: %s already aliases %s", ErrDuplicateKey, alias, prev)
	}
	r.aliases[alias] = key
	return nil
}

// Resolve finds the registration for a task string: exact key, then alias,
// then the single registered key contained in task. Several contained keys
// make the task ambiguous and unresolved.
func (r *Registry) Resolve(task string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if reg, ok := r.entries[TaskName(task)]; ok {
		return reg, nil
	}
	if key, ok := r.aliases[task]; ok {
		return r.entries[key], nil
	}

	var matches []TaskName
	if task != "" {
		for _, key := range r.order {
			if strings.Contains(task, string(key)) {
				matches = append(matches, key)
			}
		}
	}
	switch len(matches) {
	case 1:
		return r.entries[matches[0]], nil
	case 0:
		return Registration{}, kerrors.UnresolvedTask(task)
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = string(m)
		}
		return Registration{}, kerrors.UnresolvedTask(task,
			kerrors.WithMetadata("candidates", strings.Join(names, ",")))
	}
}

// Lookup returns the registration for an exact key.
func (r *Registry) Lookup(key TaskName) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[key]
	return reg, ok
}

// Keys returns registered keys in sorted order.
func (r *Registry) Keys() []TaskName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]TaskName, len(r.order))
	copy(keys, r.order)
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Aliases returns a copy of the alias table.
func (r *Registry) Aliases() map[string]TaskName {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]TaskName, len(r.aliases))
	for k, v := range r.aliases {
		out[k] = v
	}
	return out
}
