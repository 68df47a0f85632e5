package proofs

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/storage"
)

// newTestStore creates a log store over in-memory storage.
func newTestStore(t *testing.T) *hlog.Store {
	t.Helper()

	db, err := storage.NewMemory()
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return hlog.NewStore(db)
}

// newKeyedLog imports priv into a fresh store and appends records.
func newKeyedLog(t *testing.T, priv ed25519.PrivateKey, records ...string) *hlog.Log {
	t.Helper()

	l, err := newTestStore(t).Import(priv)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}

	for _, r := range records {
		if _, err := l.Append([]byte(r)); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	return l
}

// newKey generates an ed25519 private key.
func newKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	return priv
}

func TestGenerateAndVerify(t *testing.T) {
	l := newKeyedLog(t, newKey(t), "op0", "op1", "op2")

	proof, err := Generate(l, 1)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if proof.BlockSeq != 1 {
		t.Errorf("BlockSeq = %d, want 1", proof.BlockSeq)
	}

	if err := Verify(l, proof); err != nil {
		t.Errorf("Verify failed on honest log: %v", err)
	}
}

func TestVerifyBlocksNotAvailable(t *testing.T) {
	priv := newKey(t)
	full := newKeyedLog(t, priv, "a", "b", "c")

	proof, err := Generate(full, 2)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	replica, err := newTestStore(t).Open(full.PublicKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	if err := Verify(replica, proof); !errors.Is(err, ErrBlocksNotAvailable) {
		t.Errorf("Verify error = %v, want ErrBlocksNotAvailable", err)
	}
}

func TestTruncateRaisesLogFork(t *testing.T) {
	l := newKeyedLog(t, newKey(t), "a", "b", "c")

	proof, err := Generate(l, 2)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if err := l.Truncate(2); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}

	err = Verify(l, proof)

	var fork *LogForkProof
	if !errors.As(err, &fork) {
		t.Fatalf("Verify error = %v, want *LogForkProof", err)
	}

	if fork.ForkNumber != 1 || fork.BlockSeq != 1 {
		t.Errorf("fork=%d seq=%d, want fork 1 at seq 1", fork.ForkNumber, fork.BlockSeq)
	}

	if !hlog.VerifyRoot(fork.LogPubkey, fork.RootHashAtBlock, 2, 1, fork.RootHashSignature) {
		t.Error("fork proof signature does not verify under fork 1")
	}

	if _, err := Generate(l, 0); !errors.As(err, &fork) {
		t.Errorf("Generate on forked log error = %v, want *LogForkProof", err)
	}
}

func TestRewriteRaisesBlockRewrite(t *testing.T) {
	priv := newKey(t)
	original := newKeyedLog(t, priv, "a", "b")

	proof, err := Generate(original, 1)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	// Same identity, unsynced storage, different history.
	rewritten := newKeyedLog(t, priv, "a", "evil")

	err = Verify(rewritten, proof)

	var rewrite *BlockRewriteProof
	if !errors.As(err, &rewrite) {
		t.Fatalf("Verify error = %v, want *BlockRewriteProof", err)
	}

	if rewrite.GivenProof.RootHashAtBlock == rewrite.ViolatingProof.RootHashAtBlock {
		t.Error("rewrite proof roots are equal")
	}

	pub := rewrite.GivenProof.LogPubkey
	for _, p := range []*InclusionProof{rewrite.GivenProof, rewrite.ViolatingProof} {
		if !hlog.VerifyRoot(pub, p.RootHashAtBlock, p.CoveredLength(), 0, p.RootHashSignature) {
			t.Errorf("signature of proof at %d does not verify", p.BlockSeq)
		}
	}
}

func TestVerifyRejectsForgedSignature(t *testing.T) {
	l := newKeyedLog(t, newKey(t), "a")

	proof, _ := Generate(l, 0)
	proof.RootHashSignature = make([]byte, ed25519.SignatureSize)

	if err := Verify(l, proof); !errors.Is(err, hlog.ErrBadSignature) {
		t.Errorf("Verify error = %v, want ErrBadSignature", err)
	}
}

func TestFraudProofJSON(t *testing.T) {
	priv := newKey(t)
	l := newKeyedLog(t, priv, "a", "b")

	given, _ := Generate(l, 1)
	other, _ := Generate(newKeyedLog(t, priv, "a", "c"), 1)

	variants := []FraudProof{
		&LogForkProof{LogPubkey: l.PublicKey(), ForkNumber: 2, BlockSeq: 5, RootHashSignature: []byte{1, 2}},
		&BlockRewriteProof{Description: "rewrite", GivenProof: given, ViolatingProof: other},
		&ContractFraudProof{
			IndexStateProof: given,
			Details:         &ProcessedOutOfOrderError{Origin: l.PublicKey().Hex(), ExpectedSeq: 3, ActualSeq: 4},
		},
		&ContractFraudProof{
			IndexStateProof: given,
			Details: &ChangeMismatchError{
				Expected: indexlog.Mutation{Type: indexlog.OpPut, Path: "/a", Value: json.RawMessage(`1`)},
				Actual:   indexlog.Mutation{Type: indexlog.OpPut, Path: "/a", Value: json.RawMessage(`2`)},
			},
		},
	}

	for _, want := range variants {
		data, err := MarshalFraudProof(want)
		if err != nil {
			t.Fatalf("MarshalFraudProof(%s) failed: %v", want.Kind(), err)
		}

		got, err := UnmarshalFraudProof(data)
		if err != nil {
			t.Fatalf("UnmarshalFraudProof(%s) failed: %v", want.Kind(), err)
		}

		if got.Kind() != want.Kind() || got.Error() != want.Error() {
			t.Errorf("round trip: got %q, want %q", got.Error(), want.Error())
		}
	}

	if _, err := UnmarshalFraudProof([]byte(`{"v":9,"fraudProof":"LogFork"}`)); err == nil {
		t.Error("expected error for unknown version")
	}
}

func TestContractFraudUnwraps(t *testing.T) {
	var err error = &ContractFraudProof{Details: &UnexpectedSeqError{Expected: 4, Actual: 6}}

	var seq *UnexpectedSeqError
	if !errors.As(err, &seq) || seq.Expected != 4 {
		t.Errorf("errors.As did not reach the violation: %v", err)
	}
}

// TestReplicaProvesWithCoveringRoot tests that a replica holding only the
// signature of a whole batch can still prove each record in it.
func TestReplicaProvesWithCoveringRoot(t *testing.T) {
	priv := newKey(t)
	writer := newKeyedLog(t, priv)

	if _, err := writer.Append([]byte("a"), []byte("b"), []byte("c")); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	replica, err := newTestStore(t).Open(writer.PublicKey())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	sig, _ := writer.Signature()
	records := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	if err := replica.PutSigned(0, records, 3, 0, sig); err != nil {
		t.Fatalf("PutSigned failed: %v", err)
	}

	proof, err := Generate(replica, 0)
	if err != nil {
		t.Fatalf("Generate on replica failed: %v", err)
	}

	if proof.BlockSeq != 0 || proof.CoveredLength() != 3 {
		t.Fatalf("proof covers seq %d over %d records, want seq 0 over 3", proof.BlockSeq, proof.CoveredLength())
	}

	// The writer, or anyone holding the records, accepts it.
	if err := Verify(writer, proof); err != nil {
		t.Errorf("writer rejected replica proof: %v", err)
	}

	data, err := json.Marshal(proof)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded InclusionProof
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded.RootLength != 3 {
		t.Errorf("decoded rootLength = %d, want 3", decoded.RootLength)
	}

	// A root that does not reach the record proves nothing about it.
	short := *proof
	short.BlockSeq = 5
	if err := Verify(writer, &short); err == nil {
		t.Error("proof whose root does not contain the record was accepted")
	}
}
