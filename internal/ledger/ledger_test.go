package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/contract/native"
	"github.com/pfrazee/vitra-sub000/internal/storage"
)

// newLedgerT creates an in-memory kv ledger.
func newLedgerT(t *testing.T, opts ...Option) *Ledger {
	t.Helper()

	opts = append([]Option{WithRetryDelay(10 * time.Millisecond), WithFetchTimeout(time.Second)}, opts...)

	l, err := Create(context.Background(), native.Source("kv"), opts...)
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	t.Cleanup(func() { l.Close(context.Background()) })

	return l
}

// call runs a method and waits for it to be processed.
func call(t *testing.T, l *Ledger, method string, params any) *Transaction {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := l.Call(ctx, method, params)
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}

	if err := tx.WhenProcessed(ctx, 5*time.Second); err != nil {
		t.Fatalf("%s not processed: %v", method, err)
	}

	return tx
}

// TestPutGet tests a put followed by a get through the contract.
func TestPutGet(t *testing.T) {
	l := newLedgerT(t)

	tx := call(t, l, "put", map[string]any{"path": "/foo", "value": "v1"})
	if len(tx.Operations) != 1 {
		t.Fatalf("put produced %d operations, want 1", len(tx.Operations))
	}

	get := call(t, l, "get", map[string]any{"path": "/foo"})
	if string(get.Response) != `"v1"` {
		t.Fatalf("get = %s, want \"v1\"", get.Response)
	}

	if len(get.Operations) != 0 {
		t.Errorf("get produced %d operations", len(get.Operations))
	}

	if err := l.Verify(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestFetchResults tests that results carry the ack and committed changes.
func TestFetchResults(t *testing.T) {
	l := newLedgerT(t)

	tx := call(t, l, "put", map[string]any{"path": "/a", "value": 42})

	if err := tx.FetchResults(); err != nil {
		t.Fatalf("fetch results: %v", err)
	}

	res := tx.Operations[0].Result()
	if res == nil || !res.Ack.Success {
		t.Fatalf("result = %+v, want a successful ack", res)
	}

	if len(res.Changes) != 1 || res.Changes[0].Path != "/a" || string(res.Changes[0].Value) != "42" {
		t.Errorf("changes = %+v", res.Changes)
	}
}

// TestTransactionJSON tests that a serialized transaction keeps its identity and proofs.
func TestTransactionJSON(t *testing.T) {
	l := newLedgerT(t)

	tx := call(t, l, "put", map[string]any{"path": "/a", "value": 1})
	if err := tx.FetchResults(); err != nil {
		t.Fatalf("fetch results: %v", err)
	}

	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("decode fields: %v", err)
	}
	if string(fields["v"]) != "1" {
		t.Errorf("v = %s, want 1", fields["v"])
	}

	back, err := l.ParseTransaction(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if back.ID() != tx.ID() {
		t.Errorf("id = %s, want %s", back.ID(), tx.ID())
	}

	if back.Operations[0].Result() == nil || back.Operations[0].Result().Ack.Seq != tx.Operations[0].Seq {
		t.Errorf("result lost in round trip")
	}

	if err := l.VerifyOperation(back.Operations[0]); err != nil {
		t.Errorf("verify operation: %v", err)
	}

	processed, err := back.IsProcessed()
	if err != nil || !processed {
		t.Errorf("parsed transaction processed = %v, %v", processed, err)
	}
}

// TestSourceChange tests that calls route to a new source once it is applied.
func TestSourceChange(t *testing.T) {
	l := newLedgerT(t)

	if v := call(t, l, "version", nil); string(v.Response) != "1" {
		t.Fatalf("version = %s, want 1", v.Response)
	}

	call(t, l, "setSource", map[string]any{"code": "native:kv-append"})

	if v := call(t, l, "version", nil); string(v.Response) != "2" {
		t.Fatalf("version after change = %s, want 2", v.Response)
	}

	call(t, l, "append", map[string]any{"path": "/list", "value": "x"})
	call(t, l, "append", map[string]any{"path": "/list", "value": "y"})

	e, err := l.Get("/list")
	if err != nil || e == nil {
		t.Fatalf("get /list: %v %v", e, err)
	}
	if string(e.Value) != `["x","y"]` {
		t.Errorf("/list = %s", e.Value)
	}

	if err := l.Verify(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestLoadResumes tests that a reopened ledger keeps executing.
func TestLoadResumes(t *testing.T) {
	db, err := storage.New(t.TempDir())
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer db.Close()

	l, err := Create(context.Background(), native.Source("kv"), WithStorage(db))
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	call(t, l, "put", map[string]any{"path": "/a", "value": 1})
	key := l.IndexKey()

	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	l2, err := Load(context.Background(), key, WithStorage(db))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer l2.Close(context.Background())

	if !l2.IsExecutor() {
		t.Fatal("reloaded ledger is not the executor")
	}
	if _, ok := l2.LocalKey(); !ok {
		t.Fatal("reloaded ledger lost its local log")
	}

	call(t, l2, "put", map[string]any{"path": "/b", "value": 2})

	if err := l2.Verify(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestWhenProcessedTimeout tests that waiting on an operation that is never acked times out.
func TestWhenProcessedTimeout(t *testing.T) {
	l := newLedgerT(t)
	local, _ := l.LocalKey()

	tx := &Transaction{Method: "put", ledger: l, Operations: []*Operation{{Log: local, Seq: 99}}}

	err := tx.WhenProcessed(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

// TestCallAfterClose tests that a closed ledger rejects calls.
func TestCallAfterClose(t *testing.T) {
	l := newLedgerT(t)

	if err := l.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := l.Call(context.Background(), "get", map[string]any{"path": "/a"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
