package native

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/actions"
	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

// openKV opens the kv contract over an in-memory state.
func openKV(t *testing.T, env contract.Env) contract.Runtime {
	t.Helper()

	r := NewRegistry()
	RegisterBuiltins(r)

	if env.Index == nil {
		env.Index = indexlog.NewMemState()
	}

	rt, err := r.Open(context.Background(), Source("kv"), env)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { rt.Close(context.Background()) })

	return rt
}

// TestCallApplyRoundTrip tests that a put call yields an op that applies to a put action.
func TestCallApplyRoundTrip(t *testing.T) {
	rt := openKV(t, contract.Env{})
	ctx := context.Background()

	res, err := rt.Call(ctx, "put", json.RawMessage(`{"path":"/foo","value":"v1"}`))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if len(res.Ops) != 1 {
		t.Fatalf("got %d ops, want 1", len(res.Ops))
	}

	meta, err := rt.Process(ctx, res.Ops[0])
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if string(meta) != `{"kind":"put"}` {
		t.Errorf("metadata = %s", meta)
	}

	set, err := rt.Apply(ctx, res.Ops[0], &schema.Ack{})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	a, ok := set["/foo"]
	if !ok || a.Type != actions.Put || string(a.Value) != `"v1"` {
		t.Errorf("actions = %+v", set)
	}
}

// TestGetReadsIndex tests that methods see ledger state.
func TestGetReadsIndex(t *testing.T) {
	state := indexlog.NewMemState()
	state.Apply(indexlog.Entry{Seq: 4, Mutation: indexlog.Mutation{Type: indexlog.OpPut, Path: "/foo", Value: json.RawMessage(`"v1"`)}})

	rt := openKV(t, contract.Env{Index: state})

	res, err := rt.Call(context.Background(), "get", json.RawMessage(`{"path":"/foo"}`))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	if string(res.Response) != `"v1"` {
		t.Errorf("response = %s, want \"v1\"", res.Response)
	}
}

// TestUnknownMethod tests the method-not-found error.
func TestUnknownMethod(t *testing.T) {
	rt := openKV(t, contract.Env{})

	_, err := rt.Call(context.Background(), "append", json.RawMessage(`{}`))
	if !errors.Is(err, contract.ErrMethodNotFound) {
		t.Errorf("error = %v, want ErrMethodNotFound", err)
	}
}

// TestPanicBecomesRuntimeError tests that contract panics are reported as runtime errors.
func TestPanicBecomesRuntimeError(t *testing.T) {
	r := NewRegistry()
	r.Register("boom", Definition{
		Methods: map[string]Method{
			"explode": func(contract.Env, json.RawMessage) (*contract.CallResult, error) {
				var m map[string]int
				m["x"] = 1
				return nil, nil
			},
		},
	})

	var reported []error
	env := contract.Env{OnError: func(err error) { reported = append(reported, err) }}

	rt, err := r.Open(context.Background(), Source("boom"), env)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	_, err = rt.Call(context.Background(), "explode", nil)

	var rerr *contract.RuntimeError
	if !errors.As(err, &rerr) || rerr.Method != "explode" {
		t.Fatalf("error = %v, want RuntimeError in explode", err)
	}

	if len(reported) != 1 {
		t.Errorf("OnError called %d times, want 1", len(reported))
	}

	if _, err := rt.Process(context.Background(), nil); !errors.Is(err, contract.ErrMethodNotFound) {
		t.Errorf("Process error = %v, want ErrMethodNotFound", err)
	}
}

// TestRestrictBlocksCalls tests that calls wait for Unrestrict.
func TestRestrictBlocksCalls(t *testing.T) {
	rt := openKV(t, contract.Env{})
	rt.Restrict()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := rt.Call(ctx, "version", nil); !errors.Is(err, contract.ErrRestricted) {
		t.Fatalf("restricted call error = %v, want ErrRestricted", err)
	}

	if _, err := rt.Apply(context.Background(), json.RawMessage(`{"op":"del","path":"/a"}`), &schema.Ack{}); err != nil {
		t.Errorf("Apply while restricted failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := rt.Call(context.Background(), "version", nil)
		done <- err
	}()

	rt.Unrestrict()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("call after unrestrict failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("call still blocked after Unrestrict")
	}
}

// TestOpenErrors tests parse errors for unknown sources.
func TestOpenErrors(t *testing.T) {
	r := NewRegistry()

	var perr *contract.ParseError

	if _, err := r.Open(context.Background(), Source("missing"), contract.Env{}); !errors.As(err, &perr) {
		t.Errorf("unregistered contract error = %v, want ParseError", err)
	}

	mux := &contract.Mux{}
	mux.Handle([]byte(Prefix), r.Open)

	if _, err := mux.Open(context.Background(), []byte("\x00asm"), contract.Env{}); !errors.Is(err, contract.ErrUnknownSource) {
		t.Errorf("mux error = %v, want ErrUnknownSource", err)
	}
}

// TestAppendUsesState tests that the append contract extends the stored list.
func TestAppendUsesState(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	state := indexlog.NewMemState()
	state.Apply(indexlog.Entry{Seq: 1, Mutation: indexlog.Mutation{Type: indexlog.OpPut, Path: "/l", Value: json.RawMessage(`[1]`)}})

	rt, err := r.Open(context.Background(), Source("kv-append"), contract.Env{Index: state})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	set, err := rt.Apply(context.Background(), json.RawMessage(`{"op":"append","path":"/l","value":2}`), &schema.Ack{})
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if got := string(set["/l"].Value); got != `[1,2]` {
		t.Errorf("value = %s, want [1,2]", got)
	}
}
