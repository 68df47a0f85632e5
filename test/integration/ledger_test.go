package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

// TestHonestLedgerVerifies tests that a replica verifies an honest
// executor's history and reads the same state.
func TestHonestLedgerVerifies(t *testing.T) {
	exec := newHost(t)
	la := exec.create(t)

	tx := call(t, la, "put", map[string]any{"path": "/greeting", "value": "hello"})

	replica := newHost(t)
	replica.connect(t, exec)
	lb := replica.load(t, la.IndexKey())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := lb.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if got, want := lb.Monitor().VerifiedLength(), la.Index().Length(); got != want {
		t.Errorf("verified length = %d, want %d", got, want)
	}

	e, err := lb.Get("/greeting")
	if err != nil || e == nil {
		t.Fatalf("replica get: %v %v", e, err)
	}
	if string(e.Value) != `"hello"` {
		t.Errorf("replica value = %s", e.Value)
	}

	// The caller's transaction checks out against the replica's logs.
	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}

	bound, err := lb.ParseTransaction(data)
	if err != nil {
		t.Fatalf("parse tx: %v", err)
	}

	if err := lb.VerifyOperation(bound.Operations[0]); err != nil {
		t.Errorf("verify operation on replica: %v", err)
	}

	// The replica proves index entries from the roots it imported.
	proof, err := lb.IndexProof(1)
	if err != nil {
		t.Fatalf("replica index proof: %v", err)
	}

	if err := proofs.Verify(la.Index().Log(), proof); err != nil {
		t.Errorf("replica index proof rejected by the executor: %v", err)
	}

	// A second round continues from where the first stopped.
	first := lb.Monitor().VerifiedLength()
	call(t, la, "del", map[string]any{"path": "/greeting"})

	if err := lb.Verify(ctx); err != nil {
		t.Fatalf("second verify: %v", err)
	}

	if lb.Monitor().VerifiedLength() <= first {
		t.Errorf("verified length did not advance past %d", first)
	}

	if e, _ := lb.Get("/greeting"); e != nil {
		t.Errorf("deleted path still present on replica: %s", e.Value)
	}
}

// TestSourceChangeVerifies tests that a replica follows a contract change.
func TestSourceChangeVerifies(t *testing.T) {
	exec := newHost(t)
	la := exec.create(t)

	call(t, la, "setSource", map[string]any{"code": "native:kv-append"})
	call(t, la, "append", map[string]any{"path": "/list", "value": 1})
	call(t, la, "append", map[string]any{"path": "/list", "value": 2})

	replica := newHost(t)
	replica.connect(t, exec)
	lb := replica.load(t, la.IndexKey())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := lb.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}

	e, err := lb.Get("/list")
	if err != nil || e == nil || string(e.Value) != `[1,2]` {
		t.Fatalf("/list on replica = %v, %v", e, err)
	}
}

// TestLiveWatch tests that a watching replica validates entries as they land.
func TestLiveWatch(t *testing.T) {
	exec := newHost(t)
	la := exec.create(t)

	replica := newHost(t)
	replica.connect(t, exec)
	lb := replica.load(t, la.IndexKey())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	events := lb.Watch(ctx)

	call(t, la, "put", map[string]any{"path": "/a", "value": 1})
	target := la.Index().Length() - 1

	for ev := range events {
		if ev.Fraud != nil || ev.Err != nil {
			t.Fatalf("watch stopped: fraud=%v err=%v", ev.Fraud, ev.Err)
		}

		if ev.Seq >= target {
			return
		}
	}

	t.Fatal("watch ended before the put was validated")
}

// TestReplayedSeq tests that acking the same operation twice is fraud.
func TestReplayedSeq(t *testing.T) {
	f := newForger(t)

	f.op(t, `{"op":"put","path":"/a","value":1}`)
	f.op(t, `{"op":"put","path":"/b","value":2}`)
	f.batch(t, f.ack(0, 1), put("/a", `1`))
	f.batch(t, f.ack(0, 1), put("/a", `1`))

	v := contractFraud(t, f.verifier(t))

	var oerr *proofs.ProcessedOutOfOrderError
	if !errors.As(v, &oerr) {
		t.Fatalf("violation = %v, want ProcessedOutOfOrder", v)
	}

	if oerr.ExpectedSeq != 1 || oerr.ActualSeq != 0 {
		t.Errorf("expected/actual = %d/%d, want 1/0", oerr.ExpectedSeq, oerr.ActualSeq)
	}
}

// TestSkippedSeq tests that skipping an operation is fraud.
func TestSkippedSeq(t *testing.T) {
	f := newForger(t)

	f.op(t, `{"op":"put","path":"/a","value":1}`)
	f.op(t, `{"op":"put","path":"/b","value":2}`)
	f.batch(t, f.ack(1, 1), put("/b", `2`))

	v := contractFraud(t, f.verifier(t))

	var oerr *proofs.ProcessedOutOfOrderError
	if !errors.As(v, &oerr) || oerr.ExpectedSeq != 0 || oerr.ActualSeq != 1 {
		t.Fatalf("violation = %v, want ProcessedOutOfOrder 0/1", v)
	}
}

// TestChangeMismatch tests that committing a different value than the
// contract produces is fraud.
func TestChangeMismatch(t *testing.T) {
	f := newForger(t)

	f.op(t, `{"op":"put","path":"/balance","value":10}`)
	f.batch(t, f.ack(0, 1), put("/balance", `1000`))

	v := contractFraud(t, f.verifier(t))

	var merr *proofs.ChangeMismatchError
	if !errors.As(v, &merr) {
		t.Fatalf("violation = %v, want ChangeMismatch", v)
	}

	if string(merr.Expected.Value) != `10` || string(merr.Actual.Value) != `1000` {
		t.Errorf("mismatch = %s vs %s", merr.Expected.Value, merr.Actual.Value)
	}
}

// TestUnprovidedOperation tests that acking an operation no participant
// published is fraud.
func TestUnprovidedOperation(t *testing.T) {
	f := newForger(t)

	f.batch(t, f.ack(0, 1), put("/a", `1`))

	v := contractFraud(t, f.verifier(t))

	var ferr *proofs.CannotFetchOpError
	if !errors.As(v, &ferr) || ferr.Seq != 0 {
		t.Fatalf("violation = %v, want CannotFetchOp for seq 0", v)
	}
}

// TestUnackedChange tests that a mutation outside any transaction is fraud.
func TestUnackedChange(t *testing.T) {
	f := newForger(t)

	f.batch(t, put("/free-money", `1000000`))

	v := contractFraud(t, f.verifier(t))

	var merr *proofs.ChangeNotProducedByMonitorError
	if !errors.As(v, &merr) || merr.Actual.Path != "/free-money" {
		t.Fatalf("violation = %v, want ChangeNotProducedByMonitor for /free-money", v)
	}
}

// TestAckFromOutsider tests that executing an operation from a log that
// is not a participant is fraud.
func TestAckFromOutsider(t *testing.T) {
	f := newForger(t)

	outsider, err := f.logs.Create()
	if err != nil {
		t.Fatalf("create outsider: %v", err)
	}
	if _, err := outsider.Append([]byte(`{"op":"put","path":"/a","value":1}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.rep.Serve(outsider)

	origin := outsider.PublicKey().Hex()
	raw, _ := json.Marshal(schema.Ack{Success: true, Origin: origin, Seq: 0, Ts: 1, NumChanges: 1})
	f.batch(t, indexlog.Mutation{Type: indexlog.OpPut, Path: schema.AckPath(origin, 0), Value: raw}, put("/a", `1`))

	v := contractFraud(t, f.verifier(t))

	var perr *proofs.UnexpectedPathError
	if !errors.As(v, &perr) {
		t.Fatalf("violation = %v, want UnexpectedPath", v)
	}
}

// TestParticipantLogFork tests that truncating a participant log after
// handing out a proof is caught by the holder of the proof.
func TestParticipantLogFork(t *testing.T) {
	exec := newHost(t)
	la := exec.create(t)

	tx := call(t, la, "put", map[string]any{"path": "/a", "value": 1})
	op := tx.Operations[0]

	replica := newHost(t)
	replica.connect(t, exec)
	lb := replica.load(t, la.IndexKey())

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := lb.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}

	if err := lb.VerifyOperation(op); err != nil {
		t.Fatalf("proof rejected before the fork: %v", err)
	}

	local := exec.open(t, op.Log)
	if err := local.Truncate(op.Seq); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if _, err := local.Append([]byte(`{"op":"put","path":"/a","value":2}`)); err != nil {
		t.Fatalf("append after truncate: %v", err)
	}

	if err := replica.rep.Update(ctx, replica.open(t, op.Log)); err != nil {
		t.Fatalf("update after fork: %v", err)
	}

	err := lb.VerifyOperation(op)

	var fork *proofs.LogForkProof
	if !errors.As(err, &fork) {
		t.Fatalf("verify operation = %v, want LogForkProof", err)
	}

	if fork.LogPubkey != op.Log || fork.ForkNumber != 1 {
		t.Errorf("fork proof = %+v", fork)
	}

	if !replica.open(t, op.Log).VerifyRoot(fork.RootHashAtBlock, fork.BlockSeq+1, fork.ForkNumber, fork.RootHashSignature) {
		t.Error("fork proof carries a root the log owner did not sign")
	}
}

// TestBlockRewrite tests that a writer serving different content under an
// already proven root is caught.
func TestBlockRewrite(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	// The writer proves one history...
	honest := newHost(t)
	original, err := honest.logs.Import(priv)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := original.Append([]byte(`{"op":"put","path":"/a","value":1}`)); err != nil {
		t.Fatalf("append: %v", err)
	}

	given, err := proofs.Generate(original, 0)
	if err != nil {
		t.Fatalf("generate proof: %v", err)
	}

	// ...then serves another under the same key from other storage.
	rewriter := newHost(t)
	rewritten, err := rewriter.logs.Import(priv)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if _, err := rewritten.Append([]byte(`{"op":"put","path":"/a","value":2}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	rewriter.rep.Serve(rewritten)

	replica := newHost(t)
	replica.connect(t, rewriter)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	copyOf := replica.open(t, original.PublicKey())
	if err := replica.rep.Update(ctx, copyOf); err != nil {
		t.Fatalf("update: %v", err)
	}

	err = proofs.Verify(copyOf, given)

	var rewrite *proofs.BlockRewriteProof
	if !errors.As(err, &rewrite) {
		t.Fatalf("verify = %v, want BlockRewriteProof", err)
	}

	if rewrite.GivenProof.RootHashAtBlock == rewrite.ViolatingProof.RootHashAtBlock {
		t.Error("rewrite proof carries identical roots")
	}
}
