// Package contract defines the boundary between the ledger and the
// sandboxed runtime executing contract code.
package contract

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pfrazee/vitra-sub000/internal/actions"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

var (
	// ErrMethodNotFound is returned when the contract does not define a method.
	ErrMethodNotFound = errors.New("method not found")

	// ErrRestricted is returned when a call gives up waiting for restricted mode to end.
	ErrRestricted = errors.New("runtime is restricted")

	// ErrClosed is returned by a closed runtime.
	ErrClosed = errors.New("runtime closed")

	// ErrUnknownSource is returned when no opener handles a source.
	ErrUnknownSource = errors.New("unknown contract source")
)

// ParseError reports contract source that failed to load.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return "contract parse error: " + e.Err.Error()
}

// Unwrap returns the underlying error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// RuntimeError reports a fault inside the sandbox, as opposed to an
// error the contract raised on purpose.
type RuntimeError struct {
	Method string
	Err    error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("contract runtime error in %s: %v", e.Method, e.Err)
}

// Unwrap returns the underlying error.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// CallResult is the outcome of a contract method call.
type CallResult struct {
	Response json.RawMessage   `json:"response,omitempty"`
	Ops      []json.RawMessage `json:"ops,omitempty"` // Ops are appended to the caller's log
}

// Runtime executes one loaded contract.
type Runtime interface {
	// Call runs a top-level method. It waits while the runtime is restricted.
	Call(ctx context.Context, method string, params json.RawMessage) (*CallResult, error)

	// Process derives metadata for an operation. ErrMethodNotFound when undefined.
	Process(ctx context.Context, op json.RawMessage) (json.RawMessage, error)

	// Apply returns the actions an operation produces.
	Apply(ctx context.Context, op json.RawMessage, ack *schema.Ack) (actions.ActionSet, error)

	// Restrict blocks new calls until Unrestrict.
	Restrict()
	Unrestrict()

	Close(ctx context.Context) error
}

// Env is what a runtime can see of the ledger.
type Env struct {
	Index   indexlog.Reader // Index is read-only ledger state
	Caller  hlog.PublicKey  // Caller is the local participant identity
	OnError func(error)     // OnError receives runtime errors for operators
}

// ReportError forwards a runtime error to OnError if set.
func (e Env) ReportError(err error) {
	var rerr *RuntimeError
	if e.OnError != nil && errors.As(err, &rerr) {
		e.OnError(err)
	}
}

// Opener loads contract source into a runtime.
type Opener func(ctx context.Context, source []byte, env Env) (Runtime, error)

// Mux routes sources to openers by prefix.
type Mux struct {
	routes []route
}

// route binds a source prefix to an opener.
type route struct {
	prefix []byte
	open   Opener
}

// Handle registers open for sources starting with prefix.
func (m *Mux) Handle(prefix []byte, open Opener) {
	m.routes = append(m.routes, route{prefix: prefix, open: open})
}

// Len returns the number of registered routes.
func (m *Mux) Len() int {
	return len(m.routes)
}

// Open loads source with the first matching opener.
func (m *Mux) Open(ctx context.Context, source []byte, env Env) (Runtime, error) {
	for _, r := range m.routes {
		if bytes.HasPrefix(source, r.prefix) {
			return r.open(ctx, source, env)
		}
	}

	return nil, &ParseError{Err: ErrUnknownSource}
}
