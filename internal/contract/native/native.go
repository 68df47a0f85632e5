// Package native runs contracts written in Go, selected by a "native:<name>" source.
package native

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/pfrazee/vitra-sub000/internal/actions"
	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

// Prefix marks native contract sources.
const Prefix = "native:"

// Method implements a contract method.
type Method func(env contract.Env, params json.RawMessage) (*contract.CallResult, error)

// Definition is a native contract.
type Definition struct {
	Methods map[string]Method
	Process func(env contract.Env, op json.RawMessage) (json.RawMessage, error)
	Apply   func(env contract.Env, op json.RawMessage, ack *schema.Ack) (actions.ActionSet, error)
}

// Registry resolves contract names to definitions.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a contract.
func (r *Registry) Register(name string, def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defs[name] = def
}

// Source returns the source text selecting name.
func Source(name string) []byte {
	return []byte(Prefix + name)
}

// Open implements contract.Opener.
func (r *Registry) Open(_ context.Context, source []byte, env contract.Env) (contract.Runtime, error) {
	name, ok := strings.CutPrefix(strings.TrimSpace(string(source)), Prefix)
	if !ok {
		return nil, &contract.ParseError{Err: fmt.Errorf("source is not %s<name>", Prefix)}
	}

	r.mu.RLock()
	def, found := r.defs[name]
	r.mu.RUnlock()

	if !found {
		return nil, &contract.ParseError{Err: fmt.Errorf("native contract %q not registered", name)}
	}

	return &runtime{def: def, env: env, gate: contract.NewGate()}, nil
}

// runtime runs a Definition.
type runtime struct {
	def  Definition
	env  contract.Env
	gate *contract.Gate

	mu     sync.Mutex
	closed bool
}

// Call runs a method once the runtime is unrestricted.
func (rt *runtime) Call(ctx context.Context, method string, params json.RawMessage) (res *contract.CallResult, err error) {
	if err := rt.gate.Enter(ctx); err != nil {
		return nil, err
	}

	if rt.isClosed() {
		return nil, contract.ErrClosed
	}

	fn, ok := rt.def.Methods[method]
	if !ok {
		return nil, fmt.Errorf("%s:\n%w", method, contract.ErrMethodNotFound)
	}

	defer rt.recover(method, &err)

	return fn(rt.env, params)
}

// Process derives operation metadata.
func (rt *runtime) Process(_ context.Context, op json.RawMessage) (meta json.RawMessage, err error) {
	if rt.isClosed() {
		return nil, contract.ErrClosed
	}

	if rt.def.Process == nil {
		return nil, fmt.Errorf("process:\n%w", contract.ErrMethodNotFound)
	}

	defer rt.recover("process", &err)

	return rt.def.Process(rt.env, op)
}

// Apply maps an operation to actions.
func (rt *runtime) Apply(_ context.Context, op json.RawMessage, ack *schema.Ack) (set actions.ActionSet, err error) {
	if rt.isClosed() {
		return nil, contract.ErrClosed
	}

	if rt.def.Apply == nil {
		return nil, fmt.Errorf("apply:\n%w", contract.ErrMethodNotFound)
	}

	defer rt.recover("apply", &err)

	return rt.def.Apply(rt.env, op, ack)
}

// Restrict blocks new calls.
func (rt *runtime) Restrict() {
	rt.gate.Restrict()
}

// Unrestrict allows calls again.
func (rt *runtime) Unrestrict() {
	rt.gate.Unrestrict()
}

// Close marks the runtime closed.
func (rt *runtime) Close(context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.closed = true

	return nil
}

// isClosed reports whether Close was called.
func (rt *runtime) isClosed() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return rt.closed
}

// recover converts a panic in contract code into a RuntimeError.
func (rt *runtime) recover(method string, err *error) {
	r := recover()
	if r == nil {
		return
	}

	rerr := &contract.RuntimeError{Method: method, Err: fmt.Errorf("panic: %v", r)}
	rt.env.ReportError(rerr)
	*err = rerr
}
