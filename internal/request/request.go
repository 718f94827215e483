// Package request carries per-request identity through the hook pipeline.
// The HTTP layer attaches an Info to the context; authorization hooks read
// the user from it, and post-hook failures accumulate as warnings that the
// response surfaces without failing the operation.
package request

import (
	"context"
	"sync"
)

// Info describes the authenticated caller of an operation. A nil Info marks
// an internal operation (consistency cascades, trash bookkeeping) which is
// not subject to per-branch authorization.
type Info struct {
	// User is the authenticated identifier, e.g. a uid.
	User string
	// ID is the request correlation id.
	ID string

	mu       sync.Mutex
	warnings []string
}

// AddWarning records a non-fatal degradation, typically a failed post-hook
// propagation. Safe for concurrent use.
func (i *Info) AddWarning(msg string) {
	if i == nil || msg == "" {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.warnings = append(i.warnings, msg)
}

// Warnings returns a copy of the accumulated warnings.
func (i *Info) Warnings() []string {
	if i == nil {
		return nil
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if len(i.warnings) == 0 {
		return nil
	}
	out := make([]string, len(i.warnings))
	copy(out, i.warnings)
	return out
}

type ctxKey struct{}

// WithInfo returns a context carrying the given request info.
func WithInfo(ctx context.Context, info *Info) context.Context {
	return context.WithValue(ctx, ctxKey{}, info)
}

// Internal strips the request identity from a context. Operations running
// under it count as internal: not subject to per-branch authorization.
func Internal(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, (*Info)(nil))
}

// InfoOf extracts the request info from a context, or nil for internal
// operations.
func InfoOf(ctx context.Context) *Info {
	if ctx == nil {
		return nil
	}
	info, _ := ctx.Value(ctxKey{}).(*Info)
	return info
}
