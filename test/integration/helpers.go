// Package integration runs ledgers across hosts that replicate over QUIC.
package integration

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/contract/native"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/ledger"
	"github.com/pfrazee/vitra-sub000/internal/network"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
	"github.com/pfrazee/vitra-sub000/internal/replicate"
	"github.com/pfrazee/vitra-sub000/internal/schema"
	"github.com/pfrazee/vitra-sub000/internal/storage"
)

const (
	// testTimeout bounds every blocking step of a scenario.
	testTimeout = 10 * time.Second

	// fetchTimeout is how long a monitor waits for a missing operation.
	fetchTimeout = 500 * time.Millisecond
)

// host is one process: storage, a QUIC node and replication.
type host struct {
	db   *storage.Storage
	logs *hlog.Store
	node *network.Node
	rep  *replicate.Replicator
}

// newHost starts a host on a random local port.
func newHost(t *testing.T) *host {
	t.Helper()

	db, err := storage.NewMemory()
	if err != nil {
		t.Fatalf("storage: %v", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	node, err := network.NewNode(network.Config{PrivateKey: priv, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}

	h := &host{db: db, logs: hlog.NewStore(db), node: node}
	h.rep = replicate.New(node, h.logs, replicate.WithPullTimeout(testTimeout))

	t.Cleanup(func() {
		h.rep.Close()
		h.node.Close()
		h.db.Close()
	})

	return h
}

// connect dials other and waits until both sides see the connection.
func (h *host) connect(t *testing.T, other *host) {
	t.Helper()

	if _, err := h.node.Connect(other.node.Addr()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "peer registration", func() bool {
		return other.node.GetPeer(h.node.PublicKey()) != nil
	})
}

// options wires a ledger to the host's logs and replication.
func (h *host) options() []ledger.Option {
	return []ledger.Option{
		ledger.WithLogs(h.logs),
		ledger.WithFetcher(h.rep.Update),
		ledger.WithFetchTimeout(fetchTimeout),
		ledger.WithRetryDelay(10 * time.Millisecond),
	}
}

// create starts an honest executor ledger and serves its logs.
func (h *host) create(t *testing.T) *ledger.Ledger {
	t.Helper()

	l, err := ledger.Create(context.Background(), native.Source("kv"), h.options()...)
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	t.Cleanup(func() { l.Close(context.Background()) })

	h.rep.Serve(l.Index().Log())

	pub, _ := l.LocalKey()
	h.rep.Serve(h.open(t, pub))

	return l
}

// load opens a read-only replica of the ledger with index key key.
func (h *host) load(t *testing.T, key hlog.PublicKey) *ledger.Ledger {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	l, err := ledger.Load(ctx, key, h.options()...)
	if err != nil {
		t.Fatalf("load ledger: %v", err)
	}
	t.Cleanup(func() { l.Close(context.Background()) })

	if l.IsExecutor() {
		t.Fatal("replica opened as executor")
	}

	return l
}

// open returns the host's copy of log pub.
func (h *host) open(t *testing.T, pub hlog.PublicKey) *hlog.Log {
	t.Helper()

	log, err := h.logs.Open(pub)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}

	return log
}

// forger writes an index by hand, as a misbehaving executor would, and
// serves it with one participant log.
type forger struct {
	*host
	index *indexlog.Index
	part  *hlog.Log
}

// newForger writes genesis for a kv ledger with one participant.
func newForger(t *testing.T) *forger {
	t.Helper()

	h := newHost(t)

	ixLog, err := h.logs.Create()
	if err != nil {
		t.Fatalf("create index log: %v", err)
	}

	index, err := indexlog.Open(h.db, ixLog)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}

	part, err := h.logs.Create()
	if err != nil {
		t.Fatalf("create participant: %v", err)
	}

	f := &forger{host: h, index: index, part: part}
	f.batch(t, schema.GenesisBatch(native.Source("kv"), part.PublicKey().Hex())...)

	h.rep.Serve(ixLog)
	h.rep.Serve(part)

	return f
}

// op appends one operation to the participant log.
func (f *forger) op(t *testing.T, op string) {
	t.Helper()

	if _, err := f.part.Append([]byte(op)); err != nil {
		t.Fatalf("append op: %v", err)
	}
}

// batch commits index entries.
func (f *forger) batch(t *testing.T, muts ...indexlog.Mutation) {
	t.Helper()

	if _, err := f.index.Batch(muts); err != nil {
		t.Fatalf("batch: %v", err)
	}
}

// ack builds an ack entry for the participant.
func (f *forger) ack(seq uint64, changes uint64) indexlog.Mutation {
	origin := f.part.PublicKey().Hex()

	raw, _ := json.Marshal(schema.Ack{Success: true, Origin: origin, Seq: seq, Ts: time.Now().UnixMilli(), NumChanges: changes})

	return indexlog.Mutation{Type: indexlog.OpPut, Path: schema.AckPath(origin, seq), Value: raw}
}

func put(path, value string) indexlog.Mutation {
	return indexlog.Mutation{Type: indexlog.OpPut, Path: path, Value: json.RawMessage(value)}
}

// verifier replicates the forger's ledger on a fresh host.
func (f *forger) verifier(t *testing.T) *ledger.Ledger {
	t.Helper()

	v := newHost(t)
	v.connect(t, f.host)

	return v.load(t, f.index.PublicKey())
}

// contractFraud runs Verify and returns the violation it reports.
func contractFraud(t *testing.T, l *ledger.Ledger) proofs.Violation {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	err := l.Verify(ctx)

	var fraud *proofs.ContractFraudProof
	if !errors.As(err, &fraud) {
		t.Fatalf("verify err = %v, want a contract fraud proof", err)
	}

	if err := proofs.Verify(l.Index().Log(), fraud.IndexStateProof); err != nil {
		t.Errorf("fraud proof does not verify against the replica: %v", err)
	}

	if l.Monitor().Fraud() == nil {
		t.Error("monitor did not record the fraud proof")
	}

	return fraud.Details
}

// call runs method on l and waits for the executor to process it.
func call(t *testing.T, l *ledger.Ledger, method string, params any) *ledger.Transaction {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	tx, err := l.Call(ctx, method, params)
	if err != nil {
		t.Fatalf("call %s: %v", method, err)
	}

	if err := tx.WhenProcessed(ctx, testTimeout); err != nil {
		t.Fatalf("call %s not processed: %v", method, err)
	}

	return tx
}

// waitFor polls cond until it holds or the test times out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(testTimeout)

	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}

		time.Sleep(10 * time.Millisecond)
	}
}
