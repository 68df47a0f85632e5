package ledger

import (
	"github.com/pfrazee/vitra-sub000/internal/attest"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
)

// Status is a point-in-time summary of the ledger.
type Status struct {
	IndexKey       string            `json:"indexKey"`
	LocalKey       string            `json:"localKey,omitempty"`
	Executor       bool              `json:"executor"`
	Length         uint64            `json:"length"`
	Fork           uint64            `json:"fork"`
	VerifiedLength uint64            `json:"verifiedLength"`
	Watermarks     map[string]uint64 `json:"watermarks,omitempty"`
	Fraud          proofs.FraudProof `json:"fraud,omitempty"`
}

// Status summarizes the index, the monitor and, on the executor, the
// next op seq expected from each participant.
func (l *Ledger) Status() Status {
	log := l.index.Log()

	s := Status{
		IndexKey:       log.PublicKey().Hex(),
		Executor:       l.exec != nil,
		Length:         log.Length(),
		Fork:           log.Fork(),
		VerifiedLength: l.mon.VerifiedLength(),
		Fraud:          l.mon.Fraud(),
	}

	if pub, ok := l.LocalKey(); ok {
		s.LocalKey = pub.Hex()
	}

	if l.exec != nil {
		s.Watermarks = make(map[string]uint64)

		for _, origin := range l.exec.Participants() {
			pub, err := hlog.ParsePublicKey(origin)
			if err != nil {
				continue
			}

			s.Watermarks[origin] = l.exec.Watermark(pub)
		}
	}

	return s
}

// IndexProof proves the index entry at seq.
func (l *Ledger) IndexProof(seq uint64) (*proofs.InclusionProof, error) {
	return proofs.Generate(l.index.Log(), seq)
}

// Attest signs what the monitor has verified so far with k.
func (l *Ledger) Attest(k *attest.KeyPair) (*attest.Attestation, error) {
	s, err := attest.Current(l.mon, l.index.Log())
	if err != nil {
		return nil, err
	}

	return attest.Sign(k, s), nil
}
