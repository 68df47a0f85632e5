// Package proofs generates and verifies inclusion proofs and defines
// the fraud proofs raised when a log or an executor misbehaves.
package proofs

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
)

// SchemaVersion tags every serialized proof.
const SchemaVersion = 1

// ErrBlocksNotAvailable is returned when the local replica has not reached the proven record.
var ErrBlocksNotAvailable = hlog.ErrBlocksNotAvailable

// InclusionProof shows that the record at BlockSeq is covered by a signed root.
// RootHashAtBlock is the root over the first RootLength records, a prefix
// that contains BlockSeq. A zero RootLength means BlockSeq+1.
type InclusionProof struct {
	LogPubkey         hlog.PublicKey
	BlockSeq          uint64
	RootLength        uint64
	RootHashAtBlock   hlog.Hash
	RootHashSignature []byte
}

// CoveredLength returns the length of the prefix the signed root covers.
func (p *InclusionProof) CoveredLength() uint64 {
	if p.RootLength == 0 {
		return p.BlockSeq + 1
	}

	return p.RootLength
}

// Generate builds the inclusion proof for seq.
// The writer proves the prefix ending at seq; a replica proves the shortest
// prefix it holds a signature for. A forked log cannot prove inclusion and
// returns a *LogForkProof instead.
func Generate(log *hlog.Log, seq uint64) (*InclusionProof, error) {
	if fork := log.Fork(); fork != 0 {
		return nil, newLogForkProof(log, fork)
	}

	length, sig, err := log.SignedCover(seq + 1)
	if err != nil {
		return nil, fmt.Errorf("signed root covering %d:\n%w", seq, err)
	}

	root, err := log.RootHash(length)
	if err != nil {
		return nil, err
	}

	return &InclusionProof{
		LogPubkey:         log.PublicKey(),
		BlockSeq:          seq,
		RootLength:        length,
		RootHashAtBlock:   root,
		RootHashSignature: sig,
	}, nil
}

// Verify checks proof against the local copy of log.
// Returns *LogForkProof if the local log has forked, ErrBlocksNotAvailable
// if it is too short, and *BlockRewriteProof if the signed root differs
// from the locally recomputed one.
func Verify(log *hlog.Log, proof *InclusionProof) error {
	if proof.LogPubkey != log.PublicKey() {
		return fmt.Errorf("proof is for log %s, not %s", proof.LogPubkey.Hex(), log.PublicKey().Hex())
	}

	if fork := log.Fork(); fork != 0 {
		return newLogForkProof(log, fork)
	}

	length := proof.CoveredLength()
	if length <= proof.BlockSeq {
		return fmt.Errorf("proof root over %d records does not contain record %d", length, proof.BlockSeq)
	}

	if log.Length() < length {
		return fmt.Errorf("record %d:\n%w", length-1, ErrBlocksNotAvailable)
	}

	if !log.VerifyRoot(proof.RootHashAtBlock, length, 0, proof.RootHashSignature) {
		return fmt.Errorf("proof for record %d:\n%w", proof.BlockSeq, hlog.ErrBadSignature)
	}

	root, err := log.RootHash(length)
	if err != nil {
		return err
	}

	if root == proof.RootHashAtBlock {
		return nil
	}

	local, err := Generate(log, length-1)
	if err != nil {
		return fmt.Errorf("generate local proof:\n%w", err)
	}

	return &BlockRewriteProof{
		Description:    fmt.Sprintf("root at record %d differs from a previously signed root", proof.BlockSeq),
		GivenProof:     proof,
		ViolatingProof: local,
	}
}

// inclusionJSON is the interchange form of an inclusion proof.
type inclusionJSON struct {
	V                 int    `json:"v"`
	LogPubkey         string `json:"logPubkey"`
	BlockSeq          uint64 `json:"blockSeq"`
	RootLength        uint64 `json:"rootLength,omitempty"`
	RootHashAtBlock   string `json:"rootHashAtBlock"`
	RootHashSignature string `json:"rootHashSignature"`
}

// MarshalJSON encodes the proof with hex byte fields.
func (p *InclusionProof) MarshalJSON() ([]byte, error) {
	return json.Marshal(inclusionJSON{
		V:                 SchemaVersion,
		LogPubkey:         p.LogPubkey.Hex(),
		BlockSeq:          p.BlockSeq,
		RootLength:        p.RootLength,
		RootHashAtBlock:   p.RootHashAtBlock.Hex(),
		RootHashSignature: hex.EncodeToString(p.RootHashSignature),
	})
}

// UnmarshalJSON decodes a proof produced by MarshalJSON.
func (p *InclusionProof) UnmarshalJSON(data []byte) error {
	var raw inclusionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if raw.V != SchemaVersion {
		return fmt.Errorf("unsupported inclusion proof version %d", raw.V)
	}

	pub, err := hlog.ParsePublicKey(raw.LogPubkey)
	if err != nil {
		return err
	}

	root, err := parseHash(raw.RootHashAtBlock)
	if err != nil {
		return fmt.Errorf("rootHashAtBlock:\n%w", err)
	}

	sig, err := hex.DecodeString(raw.RootHashSignature)
	if err != nil {
		return fmt.Errorf("rootHashSignature:\n%w", err)
	}

	*p = InclusionProof{
		LogPubkey:         pub,
		BlockSeq:          raw.BlockSeq,
		RootLength:        raw.RootLength,
		RootHashAtBlock:   root,
		RootHashSignature: sig,
	}

	return nil
}

// parseHash decodes a 32-byte hex hash.
func parseHash(s string) (hlog.Hash, error) {
	var h hlog.Hash

	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}

	if len(b) != len(h) {
		return h, errors.New("hash must be 32 bytes")
	}

	copy(h[:], b)

	return h, nil
}
