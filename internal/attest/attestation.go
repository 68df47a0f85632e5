// Package attest lets monitors vouch, with aggregatable BLS signatures,
// for the index prefix they replayed without finding fraud.
package attest

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
)

var (
	// ErrFraud is returned when asked to attest a ledger with a recorded fraud proof.
	ErrFraud = errors.New("ledger has a fraud proof")

	// ErrNothingVerified is returned before any entry past the header is validated.
	ErrNothingVerified = errors.New("nothing verified yet")

	// ErrMixedStatements is returned when aggregating attestations of different statements.
	ErrMixedStatements = errors.New("attestations cover different statements")

	// ErrUnknownSigner is returned for a signer outside the monitor set.
	ErrUnknownSigner = errors.New("signer is not in the monitor set")
)

// Statement is what a monitor vouches for: the index log prefix of
// Length entries with Merkle root Root replays without violations.
type Statement struct {
	Index  hlog.PublicKey
	Length uint64
	Root   hlog.Hash
}

// Message returns the bytes signed for s.
func (s Statement) Message() []byte {
	h := blake3.New()
	h.Write([]byte("vitra-attestation-v1"))
	h.Write(s.Index[:])

	var n [8]byte
	binary.BigEndian.PutUint64(n[:], s.Length)
	h.Write(n[:])
	h.Write(s.Root[:])

	return h.Sum(nil)
}

// Attestation is one monitor's signed statement.
type Attestation struct {
	Statement
	Signer    []byte
	Signature []byte
}

// Sign attests s with k.
func Sign(k *KeyPair, s Statement) *Attestation {
	return &Attestation{
		Statement: s,
		Signer:    k.PublicKey(),
		Signature: k.Sign(s.Message()),
	}
}

// Verify checks the attestation signature.
func (a *Attestation) Verify() bool {
	return verify(a.Signature, a.Message(), a.Signer)
}

// Verifier is the view of a monitor an attestation is built from.
type Verifier interface {
	VerifiedLength() uint64
	Fraud() proofs.FraudProof
}

// Current builds the statement for what v has verified of index.
func Current(v Verifier, index *hlog.Log) (Statement, error) {
	if v.Fraud() != nil {
		return Statement{}, ErrFraud
	}

	length := v.VerifiedLength()
	if length <= 1 {
		return Statement{}, ErrNothingVerified
	}

	root, err := index.RootHash(length)
	if err != nil {
		return Statement{}, fmt.Errorf("index root at %d:\n%w", length, err)
	}

	return Statement{Index: index.PublicKey(), Length: length, Root: root}, nil
}

// Aggregate is a statement signed by a subset of a monitor set.
// Signers marks positions in the set the aggregate was built against.
type Aggregate struct {
	Statement
	Signers   []byte
	Signature []byte
}

// Combine aggregates attestations of one statement by members of set.
// Duplicate signers count once; invalid attestations are rejected.
func Combine(set [][]byte, atts []*Attestation) (*Aggregate, error) {
	if len(atts) == 0 {
		return nil, ErrNoSignatures
	}

	stmt := atts[0].Statement
	seen := make(map[int]bool, len(atts))

	var (
		indices []int
		sigs    [][]byte
	)

	for i, a := range atts {
		if a.Statement != stmt {
			return nil, fmt.Errorf("attestation %d:\n%w", i, ErrMixedStatements)
		}

		idx := indexOf(set, a.Signer)
		if idx < 0 {
			return nil, fmt.Errorf("attestation %d:\n%w", i, ErrUnknownSigner)
		}

		if !a.Verify() {
			return nil, fmt.Errorf("attestation %d has an invalid signature", i)
		}

		if seen[idx] {
			continue
		}
		seen[idx] = true

		indices = append(indices, idx)
		sigs = append(sigs, a.Signature)
	}

	sig, err := aggregateSignatures(sigs)
	if err != nil {
		return nil, err
	}

	return &Aggregate{
		Statement: stmt,
		Signers:   signerBitmap(indices, len(set)),
		Signature: sig,
	}, nil
}

// Count returns how many monitors signed.
func (g *Aggregate) Count() int {
	return len(parseSignerBitmap(g.Signers))
}

// Verify checks the aggregate against set and requires at least quorum signers.
func (g *Aggregate) Verify(set [][]byte, quorum int) bool {
	indices := parseSignerBitmap(g.Signers)
	if len(indices) == 0 || len(indices) < quorum {
		return false
	}

	keys := make([][]byte, 0, len(indices))

	for _, idx := range indices {
		if idx >= len(set) {
			return false
		}

		keys = append(keys, set[idx])
	}

	return verifyAggregated(g.Signature, g.Message(), keys)
}

// indexOf returns the position of key in set, or -1.
func indexOf(set [][]byte, key []byte) int {
	for i, k := range set {
		if bytes.Equal(k, key) {
			return i
		}
	}

	return -1
}

// attestationJSON is the interchange form of an attestation.
type attestationJSON struct {
	V         int    `json:"v"`
	Index     string `json:"index"`
	Length    uint64 `json:"length"`
	Root      string `json:"root"`
	Signer    string `json:"signer"`
	Signature string `json:"signature"`
}

// MarshalJSON encodes the attestation with hex byte fields.
func (a *Attestation) MarshalJSON() ([]byte, error) {
	return json.Marshal(attestationJSON{
		V:         proofs.SchemaVersion,
		Index:     a.Index.Hex(),
		Length:    a.Length,
		Root:      a.Root.Hex(),
		Signer:    hex.EncodeToString(a.Signer),
		Signature: hex.EncodeToString(a.Signature),
	})
}

// UnmarshalJSON decodes an attestation produced by MarshalJSON.
func (a *Attestation) UnmarshalJSON(data []byte) error {
	var raw attestationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.V != proofs.SchemaVersion {
		return fmt.Errorf("unsupported attestation version %d", raw.V)
	}

	index, err := hlog.ParsePublicKey(raw.Index)
	if err != nil {
		return fmt.Errorf("index:\n%w", err)
	}

	root, err := hex.DecodeString(raw.Root)
	if err != nil || len(root) != len(hlog.Hash{}) {
		return fmt.Errorf("root %q is not a hash", raw.Root)
	}

	signer, err := hex.DecodeString(raw.Signer)
	if err != nil {
		return fmt.Errorf("signer:\n%w", err)
	}

	sig, err := hex.DecodeString(raw.Signature)
	if err != nil {
		return fmt.Errorf("signature:\n%w", err)
	}

	a.Index = index
	a.Length = raw.Length
	copy(a.Root[:], root)
	a.Signer = signer
	a.Signature = sig

	return nil
}
