package proofs

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
)

// Kind tags a fraud proof variant.
type Kind string

const (
	KindLogFork       Kind = "LogFork"
	KindBlockRewrite  Kind = "BlockRewrite"
	KindContractFraud Kind = "ContractFraud"
)

// FraudProof is evidence that a log or an executor misbehaved.
// Implemented only by *LogForkProof, *BlockRewriteProof and *ContractFraudProof.
type FraudProof interface {
	error
	Kind() Kind
	fraudProof()
}

// LogForkProof shows that a log was truncated, which invalidates earlier inclusion proofs.
// It carries the signed root of the current fork.
type LogForkProof struct {
	LogPubkey         hlog.PublicKey
	ForkNumber        uint64
	BlockSeq          uint64
	RootHashAtBlock   hlog.Hash
	RootHashSignature []byte
}

// newLogForkProof captures the current signed head of a forked log.
func newLogForkProof(log *hlog.Log, fork uint64) *LogForkProof {
	length := log.Length()

	p := &LogForkProof{
		LogPubkey:  log.PublicKey(),
		ForkNumber: fork,
	}

	if length > 0 {
		p.BlockSeq = length - 1
	}

	// The fork is reported even when the head cannot be signed.
	if root, err := log.RootHash(length); err == nil {
		p.RootHashAtBlock = root
	}
	if sig, err := log.SignatureAt(length); err == nil {
		p.RootHashSignature = sig
	}

	return p
}

func (p *LogForkProof) Error() string {
	return fmt.Sprintf("log %s has forked (fork %d at record %d)", p.LogPubkey.Hex()[:8], p.ForkNumber, p.BlockSeq)
}

// Kind returns KindLogFork.
func (p *LogForkProof) Kind() Kind { return KindLogFork }

func (p *LogForkProof) fraudProof() {}

// BlockRewriteProof pairs two valid signatures by the same log over different
// roots at the same position.
type BlockRewriteProof struct {
	Description    string
	GivenProof     *InclusionProof
	ViolatingProof *InclusionProof
}

func (p *BlockRewriteProof) Error() string {
	return fmt.Sprintf("log %s rewrote history: %s", p.GivenProof.LogPubkey.Hex()[:8], p.Description)
}

// Kind returns KindBlockRewrite.
func (p *BlockRewriteProof) Kind() Kind { return KindBlockRewrite }

func (p *BlockRewriteProof) fraudProof() {}

// ContractFraudProof shows that the index log diverges from deterministic
// replay of the contract. IndexStateProof pins the index log state checked.
type ContractFraudProof struct {
	IndexStateProof *InclusionProof
	Details         Violation
}

func (p *ContractFraudProof) Error() string {
	return "contract fraud: " + p.Details.Error()
}

// Unwrap exposes the violation to errors.As.
func (p *ContractFraudProof) Unwrap() error {
	return p.Details
}

// Kind returns KindContractFraud.
func (p *ContractFraudProof) Kind() Kind { return KindContractFraud }

func (p *ContractFraudProof) fraudProof() {}

// fraudJSON is the union of all serialized fraud proof fields.
type fraudJSON struct {
	V    int  `json:"v"`
	Kind Kind `json:"fraudProof"`

	LogPubkey         string `json:"logPubkey,omitempty"`
	ForkNumber        uint64 `json:"forkNumber,omitempty"`
	BlockSeq          uint64 `json:"blockSeq,omitempty"`
	RootHashAtBlock   string `json:"rootHashAtBlock,omitempty"`
	RootHashSignature string `json:"rootHashSignature,omitempty"`

	Description    string          `json:"description,omitempty"`
	GivenProof     *InclusionProof `json:"givenProof,omitempty"`
	ViolatingProof *InclusionProof `json:"violatingProof,omitempty"`

	IndexStateProof *InclusionProof `json:"indexStateProof,omitempty"`
	Details         json.RawMessage `json:"details,omitempty"`
}

// MarshalJSON encodes the proof with hex byte fields.
func (p *LogForkProof) MarshalJSON() ([]byte, error) {
	return json.Marshal(fraudJSON{
		V:                 SchemaVersion,
		Kind:              KindLogFork,
		LogPubkey:         p.LogPubkey.Hex(),
		ForkNumber:        p.ForkNumber,
		BlockSeq:          p.BlockSeq,
		RootHashAtBlock:   p.RootHashAtBlock.Hex(),
		RootHashSignature: hex.EncodeToString(p.RootHashSignature),
	})
}

// MarshalJSON encodes both inclusion proofs.
func (p *BlockRewriteProof) MarshalJSON() ([]byte, error) {
	return json.Marshal(fraudJSON{
		V:              SchemaVersion,
		Kind:           KindBlockRewrite,
		Description:    p.Description,
		GivenProof:     p.GivenProof,
		ViolatingProof: p.ViolatingProof,
	})
}

// MarshalJSON encodes the index proof and the tagged violation.
func (p *ContractFraudProof) MarshalJSON() ([]byte, error) {
	details, err := marshalViolation(p.Details)
	if err != nil {
		return nil, err
	}

	return json.Marshal(fraudJSON{
		V:               SchemaVersion,
		Kind:            KindContractFraud,
		IndexStateProof: p.IndexStateProof,
		Details:         details,
	})
}

// MarshalFraudProof serializes any fraud proof variant.
func MarshalFraudProof(p FraudProof) ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalFraudProof decodes a proof produced by MarshalFraudProof.
func UnmarshalFraudProof(data []byte) (FraudProof, error) {
	var raw fraudJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode fraud proof:\n%w", err)
	}

	if raw.V != SchemaVersion {
		return nil, fmt.Errorf("unsupported fraud proof version %d", raw.V)
	}

	switch raw.Kind {
	case KindLogFork:
		pub, err := hlog.ParsePublicKey(raw.LogPubkey)
		if err != nil {
			return nil, err
		}

		root, err := parseHash(raw.RootHashAtBlock)
		if err != nil {
			return nil, fmt.Errorf("rootHashAtBlock:\n%w", err)
		}

		sig, err := hex.DecodeString(raw.RootHashSignature)
		if err != nil {
			return nil, fmt.Errorf("rootHashSignature:\n%w", err)
		}

		return &LogForkProof{
			LogPubkey:         pub,
			ForkNumber:        raw.ForkNumber,
			BlockSeq:          raw.BlockSeq,
			RootHashAtBlock:   root,
			RootHashSignature: sig,
		}, nil

	case KindBlockRewrite:
		if raw.GivenProof == nil || raw.ViolatingProof == nil {
			return nil, fmt.Errorf("block rewrite proof missing inclusion proofs")
		}

		return &BlockRewriteProof{
			Description:    raw.Description,
			GivenProof:     raw.GivenProof,
			ViolatingProof: raw.ViolatingProof,
		}, nil

	case KindContractFraud:
		details, err := unmarshalViolation(raw.Details)
		if err != nil {
			return nil, err
		}

		return &ContractFraudProof{
			IndexStateProof: raw.IndexStateProof,
			Details:         details,
		}, nil

	default:
		return nil, fmt.Errorf("unknown fraud proof kind %q", raw.Kind)
	}
}
