// Package hook implements the named extension points wrapped around every
// directory operation. A hook is either chained (handlers run in
// registration order, each transforming the event) or fan-out (handlers run
// concurrently for side effects only).
package hook

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/isometry/dirmand/internal/direrr"
	"github.com/isometry/dirmand/internal/request"
)

// Name identifies a hook.
type Name string

// Base-layer hook names. Entity instances derive additional prefixed names
// via Prefixed.
const (
	LDAPSearchOpts    Name = "ldapSearchOpts"
	LDAPSearchRequest Name = "ldapSearchRequest"
	LDAPSearchResult  Name = "ldapSearchResult"
	LDAPAddRequest    Name = "ldapAddRequest"
	LDAPAddDone       Name = "ldapAddDone"
	LDAPModifyRequest Name = "ldapModifyRequest"
	LDAPModifyDone    Name = "ldapModifyDone"
	LDAPRenameRequest Name = "ldapRenameRequest"
	LDAPRenameDone    Name = "ldapRenameDone"
	LDAPMoveDone      Name = "ldapMoveDone"
	LDAPDeleteRequest Name = "ldapDeleteRequest"
	LDAPDeleteDone    Name = "ldapDeleteDone"
)

// Prefixed builds a per-entity hook name, e.g. Prefixed("user", "AddRequest")
// yields "userAddRequest".
func Prefixed(prefix, suffix string) Name {
	return Name(prefix + suffix)
}

// Chained transforms an event. Returning an error aborts the chain and the
// originating operation.
type Chained func(ctx context.Context, v any) (any, error)

// Fanout observes an event. Errors are logged and surfaced as request
// warnings, never as operation failures.
type Fanout func(ctx context.Context, v any) error

// Registry holds all registered handlers. It is mutable during plugin load
// and sealed before serving; registration after Seal panics.
type Registry struct {
	log zerolog.Logger

	mu      sync.RWMutex
	sealed  bool
	chained map[Name][]Chained
	fanout  map[Name][]Fanout
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:     log.With().Str("component", "hooks").Logger(),
		chained: make(map[Name][]Chained),
		fanout:  make(map[Name][]Fanout),
	}
}

// RegisterChained appends a handler to the chain for name.
func (r *Registry) RegisterChained(name Name, h Chained) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic(fmt.Sprintf("hook: RegisterChained(%q) after Seal", name))
	}
	r.chained[name] = append(r.chained[name], h)
}

// RegisterFanout appends a fan-out handler for name.
func (r *Registry) RegisterFanout(name Name, h Fanout) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		panic(fmt.Sprintf("hook: RegisterFanout(%q) after Seal", name))
	}
	r.fanout[name] = append(r.fanout[name], h)
}

// Seal freezes the registry. Called by the plugin host once all plugins
// have registered.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Counts returns the number of registered chained and fan-out handlers.
func (r *Registry) Counts() (chained, fanout int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, hs := range r.chained {
		chained += len(hs)
	}
	for _, hs := range r.fanout {
		fanout += len(hs)
	}
	return chained, fanout
}

// RunChained feeds v through every handler registered for name, in
// registration order. Each handler receives the previous handler's output.
// A handler error aborts the chain; the error is returned wrapped as
// HOOK_REJECTED together with the last accepted value.
func (r *Registry) RunChained(ctx context.Context, name Name, v any) (any, error) {
	r.mu.RLock()
	handlers := r.chained[name]
	r.mu.RUnlock()

	for _, h := range handlers {
		out, err := h(ctx, v)
		if err != nil {
			return v, direrr.Wrapf(direrr.KindHookRejected, "hook."+string(name), "", err,
				"chained handler rejected the operation")
		}
		v = out
	}
	return v, nil
}

// RunFanout runs every fan-out handler for name concurrently and waits for
// completion. Handler errors and panics are logged and recorded as request
// warnings. The handlers receive a context detached from request
// cancellation: a cancelled request must not abort bookkeeping for a write
// that already happened.
func (r *Registry) RunFanout(ctx context.Context, name Name, v any) {
	r.mu.RLock()
	handlers := r.fanout[name]
	r.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}

	// Handlers run as internal operations: detached from request
	// cancellation and stripped of the caller identity, so bookkeeping for
	// a write that already happened is neither aborted nor gated on the
	// caller's permissions. The identity survives only for warnings.
	info := request.InfoOf(ctx)
	detached := request.Internal(context.WithoutCancel(ctx))

	var wg sync.WaitGroup
	for _, h := range handlers {
		wg.Add(1)
		go func(h Fanout) {
			defer wg.Done()
			if err := r.runOne(detached, h, v); err != nil {
				r.log.Warn().Str("hook", string(name)).Err(err).Msg("post-hook failed")
				info.AddWarning(fmt.Sprintf("%s: %v", name, err))
			}
		}(h)
	}
	wg.Wait()
}

func (r *Registry) runOne(ctx context.Context, h Fanout, v any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h(ctx, v)
}

// ChainOf adapts a typed transform into a Chained handler. A payload of the
// wrong type is a wiring bug and aborts the chain.
func ChainOf[T any](fn func(ctx context.Context, ev T) (T, error)) Chained {
	return func(ctx context.Context, v any) (any, error) {
		ev, ok := v.(T)
		if !ok {
			return v, fmt.Errorf("hook: unexpected event type %T", v)
		}
		out, err := fn(ctx, ev)
		if err != nil {
			return v, err
		}
		return out, nil
	}
}

// FanoutOf adapts a typed observer into a Fanout handler.
func FanoutOf[T any](fn func(ctx context.Context, ev T) error) Fanout {
	return func(ctx context.Context, v any) error {
		ev, ok := v.(T)
		if !ok {
			return fmt.Errorf("hook: unexpected event type %T", v)
		}
		return fn(ctx, ev)
	}
}
