package attest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
	"github.com/pfrazee/vitra-sub000/internal/storage"
)

// monitors creates n attestation keys and their ordered public key set.
func monitors(t *testing.T, n int) ([]*KeyPair, [][]byte) {
	t.Helper()

	keys := make([]*KeyPair, n)
	set := make([][]byte, n)

	for i := range keys {
		k, err := GenerateKey()
		if err != nil {
			t.Fatalf("generate key %d: %v", i, err)
		}

		keys[i] = k
		set[i] = k.PublicKey()
	}

	return keys, set
}

// statement returns a fixed statement for tests.
func statement(length uint64) Statement {
	var s Statement
	s.Index[0] = 0xaa
	s.Root[0] = 0xbb
	s.Length = length

	return s
}

// fakeMonitor is a Verifier with fixed answers.
type fakeMonitor struct {
	length uint64
	fraud  proofs.FraudProof
}

func (f fakeMonitor) VerifiedLength() uint64    { return f.length }
func (f fakeMonitor) Fraud() proofs.FraudProof { return f.fraud }

// TestSignVerify tests a single attestation.
func TestSignVerify(t *testing.T) {
	keys, _ := monitors(t, 2)

	a := Sign(keys[0], statement(10))
	if len(a.Signature) != SignatureSize {
		t.Errorf("signature size = %d, want %d", len(a.Signature), SignatureSize)
	}

	if !a.Verify() {
		t.Fatal("valid attestation does not verify")
	}

	other := *a
	other.Length = 11
	if other.Verify() {
		t.Error("attestation verifies for a different length")
	}

	other = *a
	other.Signer = keys[1].PublicKey()
	if other.Verify() {
		t.Error("attestation verifies under another key")
	}
}

// TestDeriveFromED25519 tests that the derived key is stable per identity.
func TestDeriveFromED25519(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}

	k1, err := DeriveFromED25519(priv)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, _ := DeriveFromED25519(priv)

	if !bytes.Equal(k1.PublicKey(), k2.PublicKey()) {
		t.Error("same identity derived different keys")
	}

	_, other, _ := ed25519.GenerateKey(rand.Reader)
	k3, _ := DeriveFromED25519(other)

	if bytes.Equal(k1.PublicKey(), k3.PublicKey()) {
		t.Error("different identities derived the same key")
	}

	if _, err := KeyFromSeed(make([]byte, 16)); err == nil {
		t.Error("short seed accepted")
	}
}

// TestCombine tests aggregating a subset of monitors and checking quorum.
func TestCombine(t *testing.T) {
	keys, set := monitors(t, 5)
	s := statement(42)

	atts := []*Attestation{Sign(keys[0], s), Sign(keys[2], s), Sign(keys[4], s), Sign(keys[2], s)}

	agg, err := Combine(set, atts)
	if err != nil {
		t.Fatalf("combine: %v", err)
	}

	if agg.Count() != 3 {
		t.Errorf("count = %d, want 3", agg.Count())
	}

	if !agg.Verify(set, 3) {
		t.Error("aggregate with quorum 3 does not verify")
	}

	if agg.Verify(set, 4) {
		t.Error("aggregate of 3 signers met a quorum of 4")
	}

	tampered := *agg
	tampered.Length = 43
	if tampered.Verify(set, 1) {
		t.Error("aggregate verifies for a different statement")
	}

	tampered = *agg
	tampered.Signers = signerBitmap([]int{0, 1, 2}, len(set))
	if tampered.Verify(set, 1) {
		t.Error("aggregate verifies with the wrong signer bitmap")
	}
}

// TestCombineRejects tests mixed statements, outsiders and forged signatures.
func TestCombineRejects(t *testing.T) {
	keys, set := monitors(t, 3)
	outsider, _ := GenerateKey()

	if _, err := Combine(set, nil); !errors.Is(err, ErrNoSignatures) {
		t.Errorf("empty combine err = %v", err)
	}

	mixed := []*Attestation{Sign(keys[0], statement(1)), Sign(keys[1], statement(2))}
	if _, err := Combine(set, mixed); !errors.Is(err, ErrMixedStatements) {
		t.Errorf("mixed err = %v, want ErrMixedStatements", err)
	}

	if _, err := Combine(set, []*Attestation{Sign(outsider, statement(1))}); !errors.Is(err, ErrUnknownSigner) {
		t.Errorf("outsider err = %v, want ErrUnknownSigner", err)
	}

	forged := Sign(keys[0], statement(1))
	forged.Signer = keys[1].PublicKey()
	if _, err := Combine(set, []*Attestation{forged}); err == nil {
		t.Error("forged attestation accepted")
	}
}

// TestCurrent tests building a statement from a monitor view.
func TestCurrent(t *testing.T) {
	db, err := storage.NewMemory()
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer db.Close()

	index, err := hlog.NewStore(db).Create()
	if err != nil {
		t.Fatalf("create log: %v", err)
	}

	if _, err := index.Append([]byte("header"), []byte("a"), []byte("b")); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := Current(fakeMonitor{length: 1}, index); !errors.Is(err, ErrNothingVerified) {
		t.Errorf("header-only err = %v, want ErrNothingVerified", err)
	}

	fraud := &proofs.LogForkProof{LogPubkey: index.PublicKey(), ForkNumber: 1}
	if _, err := Current(fakeMonitor{length: 3, fraud: fraud}, index); !errors.Is(err, ErrFraud) {
		t.Errorf("fraud err = %v, want ErrFraud", err)
	}

	s, err := Current(fakeMonitor{length: 2}, index)
	if err != nil {
		t.Fatalf("current: %v", err)
	}

	root, _ := index.RootHash(2)
	if s.Length != 2 || s.Root != root || s.Index != index.PublicKey() {
		t.Errorf("statement = %+v", s)
	}
}

// TestAttestationJSON tests that a decoded attestation still verifies.
func TestAttestationJSON(t *testing.T) {
	keys, _ := monitors(t, 1)
	a := Sign(keys[0], statement(7))

	data, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back Attestation
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if back.Statement != a.Statement || !back.Verify() {
		t.Errorf("decoded attestation %+v does not match or verify", back)
	}
}

// TestSignerBitmap tests bitmap building, parsing and out-of-range indices.
func TestSignerBitmap(t *testing.T) {
	bitmap := signerBitmap([]int{-1, 0, 8, 15, 16}, 16)

	if len(bitmap) != 2 {
		t.Fatalf("bitmap size = %d, want 2", len(bitmap))
	}

	got := parseSignerBitmap(bitmap)
	want := []int{0, 8, 15}

	if len(got) != len(want) {
		t.Fatalf("parsed %v, want %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Errorf("parsed[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
