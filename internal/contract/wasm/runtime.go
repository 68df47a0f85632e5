package wasm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"

	"github.com/pfrazee/vitra-sub000/internal/actions"
	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

// request is the JSON input of every invocation.
type request struct {
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Caller string          `json:"caller,omitempty"`
	Op     json.RawMessage `json:"op,omitempty"`
	Ack    *schema.Ack     `json:"ack,omitempty"`
}

// reply is the JSON output written by the guest.
type reply struct {
	Response json.RawMessage   `json:"response,omitempty"`
	Ops      []json.RawMessage `json:"ops,omitempty"`
	Metadata json.RawMessage   `json:"metadata,omitempty"`
	Actions  actions.ActionSet `json:"actions,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// runtime is a contract.Runtime backed by a compiled module.
type runtime struct {
	pool    *Pool
	id      [32]byte
	exports map[string]api.FunctionDefinition
	env     contract.Env
	gate    *contract.Gate

	mu     sync.Mutex
	closed bool
}

// Call runs the export named after method.
func (rt *runtime) Call(ctx context.Context, method string, params json.RawMessage) (*contract.CallResult, error) {
	if err := rt.gate.Enter(ctx); err != nil {
		return nil, err
	}

	if method == "process" || method == "apply" {
		return nil, fmt.Errorf("%s:\n%w", method, contract.ErrMethodNotFound)
	}

	out, err := rt.run(ctx, method, request{Method: method, Params: params, Caller: rt.env.Caller.Hex()})
	if err != nil {
		return nil, err
	}

	return &contract.CallResult{Response: out.Response, Ops: out.Ops}, nil
}

// Process runs the optional "process" export.
func (rt *runtime) Process(ctx context.Context, op json.RawMessage) (json.RawMessage, error) {
	out, err := rt.run(ctx, "process", request{Op: op})
	if err != nil {
		return nil, err
	}

	return out.Metadata, nil
}

// Apply runs the "apply" export.
func (rt *runtime) Apply(ctx context.Context, op json.RawMessage, ack *schema.Ack) (actions.ActionSet, error) {
	out, err := rt.run(ctx, "apply", request{Op: op, Ack: ack})
	if err != nil {
		return nil, err
	}

	if out.Actions == nil {
		return actions.ActionSet{}, nil
	}

	return out.Actions, nil
}

// Restrict blocks new calls.
func (rt *runtime) Restrict() {
	rt.gate.Restrict()
}

// Unrestrict allows calls again.
func (rt *runtime) Unrestrict() {
	rt.gate.Unrestrict()
}

// Close marks the runtime closed. The compiled module stays cached in the pool.
func (rt *runtime) Close(context.Context) error {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	rt.closed = true

	return nil
}

// run invokes an export with a JSON request and decodes the reply.
// Contract errors come back as plain errors; traps become RuntimeErrors.
func (rt *runtime) run(ctx context.Context, fn string, req request) (*reply, error) {
	rt.mu.Lock()
	closed := rt.closed
	rt.mu.Unlock()

	if closed {
		return nil, contract.ErrClosed
	}

	if _, ok := rt.exports[fn]; !ok {
		return nil, fmt.Errorf("%s:\n%w", fn, contract.ErrMethodNotFound)
	}

	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s input:\n%w", fn, err)
	}

	output, err := rt.pool.invoke(ctx, rt.id, fn, input, rt.env)
	if err != nil {
		if errors.Is(err, contract.ErrMethodNotFound) {
			return nil, err
		}

		rerr := &contract.RuntimeError{Method: fn, Err: err}
		rt.env.ReportError(rerr)

		return nil, rerr
	}

	var out reply
	if len(output) > 0 {
		if err := json.Unmarshal(output, &out); err != nil {
			rerr := &contract.RuntimeError{Method: fn, Err: fmt.Errorf("decode output: %w", err)}
			rt.env.ReportError(rerr)

			return nil, rerr
		}
	}

	if out.Error != "" {
		return nil, errors.New(out.Error)
	}

	return &out, nil
}
