package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pfrazee/vitra-sub000/internal/actions"
	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

// State is a replay state.
type State int

const (
	// ValidatingGenesisSource expects the contract source entry.
	ValidatingGenesisSource State = iota

	// ValidatingGenesisInputs expects input entries or the genesis marker.
	ValidatingGenesisInputs

	// AwaitingTx expects the ack of the next operation.
	AwaitingTx

	// ValidatingTx expects the mutations of the last acked operation.
	ValidatingTx
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case ValidatingGenesisSource:
		return "validating-genesis-source"
	case ValidatingGenesisInputs:
		return "validating-genesis-inputs"
	case AwaitingTx:
		return "awaiting-tx"
	case ValidatingTx:
		return "validating-tx"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// effect is a state change deferred until the enclosing batch validates.
type effect struct {
	source []byte // source is set for a contract source change
	input  *schema.InputEntry
}

// replay is the monitor's reconstruction of ledger state.
type replay struct {
	m *Monitor

	state    State
	expected uint64            // expected is the next index seq
	origins  map[string]uint64 // origins holds the next op seq per participant
	inputs   map[string]bool   // inputs are the active participants
	mem      *indexlog.MemState
	rt       contract.Runtime
	loadErr  error // loadErr is why the current source failed to load

	pending []indexlog.Mutation // pending are mutations still expected from the last op
	effects []effect
}

// newReplay starts a replay at the first entry after the header.
func newReplay(m *Monitor) *replay {
	return &replay{
		m:        m,
		state:    ValidatingGenesisSource,
		expected: 1,
		origins:  make(map[string]uint64),
		inputs:   make(map[string]bool),
		mem:      indexlog.NewMemState(),
	}
}

// validate checks one entry against the replay state.
func (r *replay) validate(ctx context.Context, e indexlog.Entry) error {
	if e.Seq != r.expected {
		return &proofs.UnexpectedSeqError{Expected: r.expected, Actual: e.Seq}
	}

	var err error

	switch r.state {
	case ValidatingGenesisSource:
		err = r.genesisSource(e)
	case ValidatingGenesisInputs:
		err = r.genesisInput(ctx, e)
	case AwaitingTx:
		err = r.ack(ctx, e)
	case ValidatingTx:
		err = r.change(ctx, e)
	}

	if err != nil {
		return err
	}

	r.expected++

	return nil
}

// genesisSource expects the contract source as the first entry.
func (r *replay) genesisSource(e indexlog.Entry) error {
	if e.Type != indexlog.OpPut || e.Path != schema.SourcePath {
		return &proofs.UnexpectedPathError{Expected: schema.SourcePath, Actual: e.Path}
	}

	src, err := schema.ValidateSource(e.Path, e.Value)
	if err != nil {
		return err
	}

	r.effects = append(r.effects, effect{source: src.Code})
	r.mem.Apply(e)
	r.state = ValidatingGenesisInputs

	return nil
}

// genesisInput expects input entries until the genesis marker.
func (r *replay) genesisInput(ctx context.Context, e indexlog.Entry) error {
	if e.Type == indexlog.OpPut && e.Path == schema.GenesisCompletePath {
		declared := 0
		for _, ef := range r.effects {
			if ef.input != nil && ef.input.Active {
				declared++
			}
		}

		if declared == 0 {
			return &proofs.InvalidSchemaError{Path: e.Path, Reason: "genesis declares no inputs"}
		}

		if err := r.applyEffects(ctx); err != nil {
			return err
		}

		r.mem.Apply(e)
		r.state = AwaitingTx

		return nil
	}

	if e.Type != indexlog.OpPut || !strings.HasPrefix(e.Path, schema.InputsPrefix) {
		return &proofs.UnexpectedPathError{Expected: schema.InputsPrefix + "*", Actual: e.Path}
	}

	in, err := schema.ValidateInput(e.Path, e.Value)
	if err != nil {
		return err
	}

	r.effects = append(r.effects, effect{input: in})
	r.mem.Apply(e)

	return nil
}

// ack validates an ack, replays its operation and queues the expected mutations.
func (r *replay) ack(ctx context.Context, e indexlog.Entry) error {
	if !strings.HasPrefix(e.Path, schema.AcksPrefix) {
		return &proofs.ChangeNotProducedByMonitorError{Actual: e.Mutation}
	}

	if e.Type != indexlog.OpPut {
		return &proofs.InvalidSchemaError{Path: e.Path, Reason: "ack must be a put"}
	}

	ack, err := schema.ValidateAck(e.Path, e.Value)
	if err != nil {
		return err
	}

	if !r.inputs[ack.Origin] {
		return &proofs.UnexpectedPathError{Expected: schema.InputPath(ack.Origin), Actual: e.Path}
	}

	if want := r.origins[ack.Origin]; ack.Seq != want {
		return &proofs.ProcessedOutOfOrderError{Origin: ack.Origin, ExpectedSeq: want, ActualSeq: ack.Seq}
	}

	op, err := r.fetchOp(ctx, ack.Origin, ack.Seq)
	if err != nil {
		return err
	}

	muts, replayErr := r.apply(ctx, op, ack)

	switch {
	case replayErr != nil && ack.Success:
		return &proofs.MonitorApplyFailedError{Origin: ack.Origin, Seq: ack.Seq, AckSuccess: true, Reason: replayErr.Error()}
	case replayErr == nil && !ack.Success:
		return &proofs.MonitorApplyFailedError{Origin: ack.Origin, Seq: ack.Seq, AckSuccess: false}
	}

	if ack.NumChanges != uint64(len(muts)) {
		return &proofs.InvalidSchemaError{
			Path:   e.Path,
			Field:  "numChanges",
			Reason: fmt.Sprintf("is %d, replay produced %d", ack.NumChanges, len(muts)),
		}
	}

	r.mem.Apply(e)
	r.origins[ack.Origin] = ack.Seq + 1

	if len(muts) > 0 {
		r.pending = muts
		r.state = ValidatingTx
	}

	return nil
}

// change matches one committed mutation against the head of the queue.
func (r *replay) change(ctx context.Context, e indexlog.Entry) error {
	want := r.pending[0]

	if strings.HasPrefix(e.Path, schema.AcksPrefix) {
		return &proofs.ChangeNotProducedByExecutorError{Expected: want, Actual: e.Mutation}
	}

	if !actions.Equal(want, e.Mutation) {
		return &proofs.ChangeMismatchError{Expected: want, Actual: e.Mutation}
	}

	var queued []effect

	switch {
	case e.Path == schema.SourcePath:
		src, err := schema.ValidateSource(e.Path, e.Value)
		if err != nil {
			return err
		}
		queued = append(queued, effect{source: src.Code})

	case strings.HasPrefix(e.Path, schema.InputsPrefix):
		in, err := schema.ValidateInput(e.Path, e.Value)
		if err != nil {
			return err
		}
		queued = append(queued, effect{input: in})
	}

	// Nothing changes until the last mutation's effects have applied, so a
	// failed entry is validated again from scratch.
	if len(r.pending) == 1 {
		if err := r.applyEffects(ctx, queued...); err != nil {
			return err
		}
		r.state = AwaitingTx
	} else {
		r.effects = append(r.effects, queued...)
	}

	r.mem.Apply(e)
	r.pending = r.pending[1:]

	return nil
}

// applyEffects applies queued membership and source changes in order, then
// extra. The queue is kept when an effect fails.
func (r *replay) applyEffects(ctx context.Context, extra ...effect) error {
	effects := append(append([]effect(nil), r.effects...), extra...)

	for _, ef := range effects {
		if ef.input != nil {
			r.inputs[ef.input.Pubkey] = ef.input.Active
			continue
		}

		if err := r.load(ctx, ef.source); err != nil {
			return err
		}
	}

	r.effects = nil

	return nil
}

// load swaps the private runtime for one running source.
// A source that fails to load leaves no runtime; replays then fail.
func (r *replay) load(ctx context.Context, source []byte) error {
	if err := r.close(ctx); err != nil {
		return err
	}

	rt, err := r.m.open(ctx, source, contract.Env{
		Index: r.mem,
		OnError: func(err error) {
			r.m.log.Error("contract runtime error during replay", "error", err)
		},
	})
	if err != nil {
		r.m.log.Warn("contract source failed to load", "error", err)
		r.loadErr = err
		return nil
	}

	r.rt = rt
	r.loadErr = nil

	return nil
}

// close releases the private runtime.
func (r *replay) close(ctx context.Context) error {
	if r.rt == nil {
		return nil
	}

	err := r.rt.Close(ctx)
	r.rt = nil

	return err
}

// apply replays an operation and maps its actions.
func (r *replay) apply(ctx context.Context, op json.RawMessage, ack *schema.Ack) ([]indexlog.Mutation, error) {
	if r.rt == nil {
		if r.loadErr != nil {
			return nil, r.loadErr
		}
		return nil, contract.ErrUnknownSource
	}

	set, err := r.rt.Apply(ctx, op, ack.Shell())
	if err != nil {
		return nil, err
	}

	return actions.ToBatch(set)
}

// fetchOp reads an operation payload from its participant log.
func (r *replay) fetchOp(ctx context.Context, origin string, seq uint64) (json.RawMessage, error) {
	fail := func(err error) error {
		return &proofs.CannotFetchOpError{Origin: origin, Seq: seq, Reason: err.Error()}
	}

	pub, err := hlog.ParsePublicKey(origin)
	if err != nil {
		return nil, fail(err)
	}

	log, err := r.m.logs.Open(pub)
	if err != nil {
		return nil, fail(err)
	}

	wait, cancel := context.WithTimeout(ctx, r.m.fetchTimeout)
	defer cancel()

	if log.Length() <= seq && r.m.fetch != nil {
		if err := r.m.fetch(wait, log); err != nil {
			r.m.log.Debug("participant log update failed", "origin", origin[:8], "error", err)
		}
	}

	if err := log.Wait(wait, seq+1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fail(err)
	}

	op, err := log.Get(seq)
	if err != nil {
		return nil, fail(err)
	}

	return json.RawMessage(op), nil
}
