// Package trigger implements the registered-callback abstraction that
// replaces the source's evaluated trigger code strings (spec §9 "Trigger
// code strings"): clients register named callbacks out-of-band, and a
// bucket descriptor's pre/post lists carry only the names.
package trigger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pgkv/pgkv/pkg/kverrors"
	"github.com/pgkv/pgkv/pkg/logging"
)

// Cookie is handed to every trigger invocation (spec §4.F "Trigger
// cookie"). RequestID identifies the pipeline request that fired the
// trigger; the executor's own log lines do not carry it.
type Cookie struct {
	Bucket    string
	ID        int64
	Key       string
	RequestID string
	Log       logging.Logger
	Session   *sql.Tx
	Schema    interface{}
	Value     map[string]interface{}
	Headers   map[string]string
	Update    bool
}

// Func is a registered trigger callback. It runs inside the write
// transaction and may abort the write by returning an error.
type Func func(ctx context.Context, cookie *Cookie) error

// Registry holds the process-wide set of named triggers a bucket
// descriptor's pre/post lists can reference.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds or replaces a named trigger.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Resolve returns the callback for name, or NotFunction if no trigger with
// that name was registered (spec §4.C "Rejects with NotFunction when any
// element of pre/post fails to compile to a callable").
func (r *Registry) Resolve(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	if !ok {
		return nil, kverrors.Wrap(kverrors.CodeNotFunction,
			fmt.Sprintf("trigger %q is not registered", name), nil)
	}
	return fn, nil
}

// ResolveAll resolves every name in order, failing on the first unknown
// one.
func (r *Registry) ResolveAll(names []string) ([]Func, error) {
	fns := make([]Func, 0, len(names))
	for _, name := range names {
		fn, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		fns = append(fns, fn)
	}
	return fns, nil
}

// Run invokes fns in order against cookie, stopping at the first error.
func Run(ctx context.Context, fns []Func, cookie *Cookie) error {
	for _, fn := range fns {
		if err := fn(ctx, cookie); err != nil {
			return err
		}
	}
	return nil
}
