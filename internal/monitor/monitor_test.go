package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/contract/native"
	"github.com/pfrazee/vitra-sub000/internal/executor"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/lock"
	"github.com/pfrazee/vitra-sub000/internal/metrics"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
	"github.com/pfrazee/vitra-sub000/internal/schema"
	"github.com/pfrazee/vitra-sub000/internal/storage"
)

// fixture is a ledger written by hand or by a real executor.
type fixture struct {
	store *hlog.Store
	index *indexlog.Index
	part  *hlog.Log
	reg   *native.Registry
	locks *lock.Manager
}

// staticRuntimes serves one runtime to the executor.
type staticRuntimes struct {
	rt contract.Runtime
}

func (s staticRuntimes) Acquire(context.Context) (contract.Runtime, func(), error) {
	return s.rt, func() {}, nil
}

// newFixture creates an index and one participant. With genesis set the
// genesis entries are written.
func newFixture(t *testing.T, genesis bool) *fixture {
	t.Helper()

	db, err := storage.NewMemory()
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := hlog.NewStore(db)

	ixLog, err := store.Create()
	if err != nil {
		t.Fatalf("create index log: %v", err)
	}

	index, err := indexlog.Open(db, ixLog)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}

	part, err := store.Create()
	if err != nil {
		t.Fatalf("create participant: %v", err)
	}

	reg := native.NewRegistry()
	native.RegisterBuiltins(reg)

	f := &fixture{store: store, index: index, part: part, reg: reg, locks: lock.NewManager()}

	if genesis {
		f.batch(t, schema.GenesisBatch(native.Source("kv"), part.PublicKey().Hex())...)
	}

	return f
}

// monitor creates a monitor over the fixture index.
func (f *fixture) monitor(t *testing.T, opts ...Option) *Monitor {
	t.Helper()

	opts = append([]Option{WithFetchTimeout(50 * time.Millisecond)}, opts...)
	m := New(f.index, f.store, f.reg.Open, f.locks, opts...)

	t.Cleanup(func() { m.Close(context.Background()) })

	return m
}

// execute runs an honest executor until every appended op is acked.
func (f *fixture) execute(t *testing.T) {
	t.Helper()

	rt, err := f.reg.Open(context.Background(), native.Source("kv"), contract.Env{Index: f.index})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}

	e, err := executor.New(f.index, f.store, staticRuntimes{rt}, f.locks)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	defer e.Close()

	if err := e.Start(); err != nil {
		t.Fatalf("start executor: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := e.Sync(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

// op appends one operation to the participant log.
func (f *fixture) op(t *testing.T, op string) {
	t.Helper()

	if _, err := f.part.Append([]byte(op)); err != nil {
		t.Fatalf("append op: %v", err)
	}
}

// batch commits entries as a misbehaving executor would.
func (f *fixture) batch(t *testing.T, muts ...indexlog.Mutation) {
	t.Helper()

	if _, err := f.index.Batch(muts); err != nil {
		t.Fatalf("batch: %v", err)
	}
}

// ack builds an ack entry for the participant.
func (f *fixture) ack(seq uint64, success bool, changes uint64) indexlog.Mutation {
	origin := f.part.PublicKey().Hex()

	raw, _ := json.Marshal(schema.Ack{Success: success, Origin: origin, Seq: seq, Ts: 1, NumChanges: changes})

	return indexlog.Mutation{Type: indexlog.OpPut, Path: schema.AckPath(origin, seq), Value: raw}
}

func put(path, value string) indexlog.Mutation {
	return indexlog.Mutation{Type: indexlog.OpPut, Path: path, Value: json.RawMessage(value)}
}

// violation runs Verify and extracts the violation of the fraud proof.
func violation(t *testing.T, m *Monitor) proofs.Violation {
	t.Helper()

	err := m.Verify(context.Background())
	if err == nil {
		t.Fatal("verify passed, expected a fraud proof")
	}

	var fraud *proofs.ContractFraudProof
	if !errors.As(err, &fraud) {
		t.Fatalf("err = %v, want a contract fraud proof", err)
	}

	if fraud.IndexStateProof == nil {
		t.Error("fraud proof has no index state proof")
	}

	return fraud.Details
}

// TestVerifyHonestHistory tests that an honestly executed ledger verifies.
func TestVerifyHonestHistory(t *testing.T) {
	f := newFixture(t, true)

	f.op(t, `{"op":"put","path":"/foo","value":"v1"}`)
	f.op(t, `{"op":"put","path":"/.sys/nope","value":1}`)
	f.op(t, `{"op":"del","path":"/foo"}`)
	f.execute(t)

	m := f.monitor(t)

	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if m.VerifiedLength() != f.index.Length() {
		t.Errorf("verified length = %d, want %d", m.VerifiedLength(), f.index.Length())
	}

	if m.State() != AwaitingTx {
		t.Errorf("state = %v, want %v", m.State(), AwaitingTx)
	}
}

// TestVerifyIncremental tests that a second Verify continues where the first stopped.
func TestVerifyIncremental(t *testing.T) {
	f := newFixture(t, true)
	reg := metrics.NewRegistry()
	m := f.monitor(t, WithMetrics(reg.NewMonitor()))

	f.op(t, `{"op":"put","path":"/a","value":1}`)
	f.execute(t)

	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	first := m.VerifiedLength()

	f.op(t, `{"op":"put","path":"/b","value":2}`)
	f.execute(t)

	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("second verify: %v", err)
	}

	if m.VerifiedLength() <= first || m.VerifiedLength() != f.index.Length() {
		t.Errorf("verified length = %d after %d, index length %d", m.VerifiedLength(), first, f.index.Length())
	}
}

// TestVerifySourceChange tests that replay follows a contract source change.
func TestVerifySourceChange(t *testing.T) {
	f := newFixture(t, true)

	f.op(t, `{"op":"setSource","code":"native:kv-append"}`)
	f.execute(t)

	// The executor fixture keeps its runtime, so hand-write what a
	// kv-append executor commits for an append op.
	f.op(t, `{"op":"append","path":"/list","value":1}`)
	f.batch(t, f.ack(1, true, 1), put("/list", `[1]`))

	m := f.monitor(t)

	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// TestBadGenesis tests that the first entry must be the contract source.
func TestBadGenesis(t *testing.T) {
	f := newFixture(t, false)
	f.batch(t, put("/foo", `1`))

	v := violation(t, f.monitor(t))

	var perr *proofs.UnexpectedPathError
	if !errors.As(v, &perr) || perr.Expected != schema.SourcePath {
		t.Fatalf("violation = %v, want UnexpectedPath for the source", v)
	}
}

// TestGenesisWithoutInputs tests that genesis must declare an input.
func TestGenesisWithoutInputs(t *testing.T) {
	f := newFixture(t, false)
	f.batch(t, schema.GenesisBatch(native.Source("kv"))...)

	v := violation(t, f.monitor(t))

	var serr *proofs.InvalidSchemaError
	if !errors.As(v, &serr) || serr.Path != schema.GenesisCompletePath {
		t.Fatalf("violation = %v, want InvalidSchema at the genesis marker", v)
	}
}

// TestSkippedSeq tests that skipping an operation is reported with the skipped seq.
func TestSkippedSeq(t *testing.T) {
	f := newFixture(t, true)

	f.op(t, `{"op":"put","path":"/a","value":1}`)
	f.op(t, `{"op":"put","path":"/b","value":2}`)
	f.batch(t, f.ack(1, true, 1), put("/b", `2`))

	v := violation(t, f.monitor(t))

	var oerr *proofs.ProcessedOutOfOrderError
	if !errors.As(v, &oerr) {
		t.Fatalf("violation = %v, want ProcessedOutOfOrder", v)
	}

	if oerr.ExpectedSeq != 0 || oerr.ActualSeq != 1 {
		t.Errorf("expected/actual = %d/%d, want 0/1", oerr.ExpectedSeq, oerr.ActualSeq)
	}
}

// TestChangeMismatch tests that a mutation differing from replay is reported.
func TestChangeMismatch(t *testing.T) {
	f := newFixture(t, true)

	f.op(t, `{"op":"put","path":"/foo","value":"v1"}`)
	f.batch(t, f.ack(0, true, 1), put("/foo", `"v2"`))

	v := violation(t, f.monitor(t))

	var merr *proofs.ChangeMismatchError
	if !errors.As(v, &merr) {
		t.Fatalf("violation = %v, want ChangeMismatch", v)
	}

	if merr.Expected.Path != "/foo" || string(merr.Actual.Value) != `"v2"` {
		t.Errorf("mismatch = %+v", merr)
	}
}

// TestMissingChange tests that an ack arriving before the expected mutations is reported.
func TestMissingChange(t *testing.T) {
	f := newFixture(t, true)

	f.op(t, `{"op":"put","path":"/a","value":1}`)
	f.op(t, `{"op":"put","path":"/b","value":2}`)
	f.batch(t, f.ack(0, true, 1))
	f.batch(t, f.ack(1, true, 1), put("/b", `2`))

	v := violation(t, f.monitor(t))

	var merr *proofs.ChangeNotProducedByExecutorError
	if !errors.As(v, &merr) || merr.Expected.Path != "/a" {
		t.Fatalf("violation = %v, want ChangeNotProducedByExecutor for /a", v)
	}
}

// TestExtraChange tests that a mutation replay did not produce is reported.
func TestExtraChange(t *testing.T) {
	f := newFixture(t, true)

	f.op(t, `{"op":"del","path":"/a"}`)
	f.batch(t, f.ack(0, true, 1), indexlog.Mutation{Type: indexlog.OpDel, Path: "/a"}, put("/b", `1`))

	v := violation(t, f.monitor(t))

	var merr *proofs.ChangeNotProducedByMonitorError
	if !errors.As(v, &merr) || merr.Actual.Path != "/b" {
		t.Fatalf("violation = %v, want ChangeNotProducedByMonitor for /b", v)
	}
}

// TestApplyOutcomeDisagrees tests that an ack claiming failure for a valid op is reported.
func TestApplyOutcomeDisagrees(t *testing.T) {
	f := newFixture(t, true)

	f.op(t, `{"op":"put","path":"/a","value":1}`)
	f.batch(t, f.ack(0, false, 0))

	v := violation(t, f.monitor(t))

	var aerr *proofs.MonitorApplyFailedError
	if !errors.As(v, &aerr) || aerr.AckSuccess {
		t.Fatalf("violation = %v, want MonitorApplyFailed with a failed ack", v)
	}
}

// TestCannotFetchOp tests that an ack for an operation that does not exist is reported.
func TestCannotFetchOp(t *testing.T) {
	f := newFixture(t, true)

	f.batch(t, f.ack(0, true, 0))

	v := violation(t, f.monitor(t))

	var ferr *proofs.CannotFetchOpError
	if !errors.As(v, &ferr) || ferr.Seq != 0 {
		t.Fatalf("violation = %v, want CannotFetchOp for seq 0", v)
	}
}

// TestFraudIsSticky tests that Verify keeps returning the first fraud proof.
func TestFraudIsSticky(t *testing.T) {
	f := newFixture(t, false)
	f.batch(t, put("/foo", `1`))

	m := f.monitor(t)

	first := m.Verify(context.Background())
	second := m.Verify(context.Background())

	if first == nil || first != second {
		t.Fatalf("verify results differ: %v / %v", first, second)
	}

	if m.VerifiedLength() != 1 {
		t.Errorf("verified length = %d, want 1", m.VerifiedLength())
	}
}

// TestIndexForkIsFraud tests that a truncated index log yields a LogFork proof.
func TestIndexForkIsFraud(t *testing.T) {
	f := newFixture(t, true)

	if err := f.index.Log().Truncate(2); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	err := f.monitor(t).Verify(context.Background())

	var fork *proofs.LogForkProof
	if !errors.As(err, &fork) || fork.ForkNumber != 1 {
		t.Fatalf("err = %v, want LogFork at fork 1", err)
	}
}

// TestWatch tests that a live watch reports entries and stops on a violation.
func TestWatch(t *testing.T) {
	f := newFixture(t, true)
	m := f.monitor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events := m.Watch(ctx)

	f.op(t, `{"op":"put","path":"/foo","value":"v1"}`)
	f.batch(t, f.ack(0, true, 1), put("/foo", `"bad"`))

	var last Event
	validated := 0

	for ev := range events {
		if ev.Fraud == nil && ev.Err == nil {
			validated++
			continue
		}
		last = ev
	}

	if last.Fraud == nil {
		t.Fatalf("watch ended without fraud: %+v", last)
	}

	var merr *proofs.ChangeMismatchError
	if !errors.As(last.Fraud, &merr) {
		t.Fatalf("fraud = %v, want ChangeMismatch", last.Fraud)
	}

	// Source, input, genesis marker and the ack validate before the mismatch.
	if validated != 4 {
		t.Errorf("validated %d entries, want 4", validated)
	}
}

// closeFails is a runtime whose Close fails while failures remain.
type closeFails struct {
	contract.Runtime
	failures *atomic.Int32
}

func (c *closeFails) Close(ctx context.Context) error {
	if c.failures.Add(-1) >= 0 {
		return errors.New("close failed")
	}

	return c.Runtime.Close(ctx)
}

// TestSourceSwapErrorIsRetried tests that a failed runtime swap leaves the
// source change to be validated again instead of skipping it.
func TestSourceSwapErrorIsRetried(t *testing.T) {
	f := newFixture(t, true)

	f.op(t, `{"op":"setSource","code":"native:kv-append"}`)
	f.execute(t)

	var failures atomic.Int32
	failures.Store(1)

	open := func(ctx context.Context, source []byte, env contract.Env) (contract.Runtime, error) {
		rt, err := f.reg.Open(ctx, source, env)
		if err != nil {
			return nil, err
		}

		return &closeFails{Runtime: rt, failures: &failures}, nil
	}

	m := New(f.index, f.store, open, f.locks, WithFetchTimeout(50*time.Millisecond))
	t.Cleanup(func() { m.Close(context.Background()) })

	err := m.Verify(context.Background())
	if err == nil {
		t.Fatal("verify passed although the runtime swap failed")
	}

	var fraud proofs.FraudProof
	if errors.As(err, &fraud) {
		t.Fatalf("swap failure reported as fraud: %v", err)
	}

	if m.State() != ValidatingTx {
		t.Errorf("state after failed swap = %v, want %v", m.State(), ValidatingTx)
	}

	if err := m.Verify(context.Background()); err != nil {
		t.Fatalf("verify after the swap recovered: %v", err)
	}

	if m.VerifiedLength() != f.index.Length() {
		t.Errorf("verified length = %d, want %d", m.VerifiedLength(), f.index.Length())
	}
}
