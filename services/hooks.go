package services

import (
	"fmt"
	"log/slog"
	"reflect"
	"runtime"
	"sort"
	"sync"
)

// HookFunc handles one event. A returned error is logged; it never stops the
// remaining hooks.
type HookFunc[T any] func(event T) error

type hookEntry[T any] struct {
	name     string
	fn       HookFunc[T]
	priority int64
}

// HookRegistry runs the hooks registered for one event type in priority
// order, lower values first.
type HookRegistry[T any] struct {
	mu    sync.RWMutex
	hooks []hookEntry[T]
	log   *slog.Logger
}

// NewHookRegistry creates an empty registry.
func NewHookRegistry[T any](logger *slog.Logger) *HookRegistry[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &HookRegistry[T]{log: logger}
}

// Register adds fn with priority 0.
func (r *HookRegistry[T]) Register(fn HookFunc[T]) {
	r.RegisterWithPriority(fn, 0)
}

// RegisterWithPriority adds fn with the given priority.
func (r *HookRegistry[T]) RegisterWithPriority(fn HookFunc[T], priority int64) {
	name := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()).Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hookEntry[T]{name: name, fn: fn, priority: priority})
	sort.SliceStable(r.hooks, func(i, j int) bool {
		return r.hooks[i].priority < r.hooks[j].priority
	})
}

// Run calls every hook with event. Panics are recovered and reported as
// errors; the result maps hook names to their failures, or is nil.
func (r *HookRegistry[T]) Run(event T) map[string]error {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	hooks := make([]hookEntry[T], len(r.hooks))
	copy(hooks, r.hooks)
	r.mu.RUnlock()

	var failed map[string]error
	for _, h := range hooks {
		err := func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic in hook %s: %v", h.name, p)
				}
			}()
			return h.fn(event)
		}()
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[h.name] = err
			r.log.Error("hook failed", "hook", h.name, "error", err)
		}
	}
	return failed
}

// Count returns the number of registered hooks.
func (r *HookRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks)
}

// Hooks groups the notifications the engine emits.
type Hooks struct {
	// AccessChanged fires after an access entry is set; removed entries carry
	// Level 0.
	AccessChanged *HookRegistry[AccessEntry]
	// PolicyChanged fires after a channel is registered or its policy edited.
	PolicyChanged *HookRegistry[*ChannelPolicy]
	// PolicyDropped fires with the channel name after a registration is dropped.
	PolicyDropped *HookRegistry[string]
	// EntityRegistered fires after an account entity is created.
	EntityRegistered *HookRegistry[Entity]
	// EntityDropped fires after an account entity and its entries are gone.
	EntityDropped *HookRegistry[EntityID]
}

// NewHooks creates empty registries.
func NewHooks(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "hooks")
	return &Hooks{
		AccessChanged:    NewHookRegistry[AccessEntry](logger),
		PolicyChanged:    NewHookRegistry[*ChannelPolicy](logger),
		PolicyDropped:    NewHookRegistry[string](logger),
		EntityRegistered: NewHookRegistry[Entity](logger),
		EntityDropped:    NewHookRegistry[EntityID](logger),
	}
}
