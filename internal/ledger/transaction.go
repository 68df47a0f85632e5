package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

const (
	// transactionVersion is the serialized transaction schema version.
	transactionVersion = 1

	// initialBackoff and maxBackoff bound the WhenProcessed polling interval.
	initialBackoff = 10 * time.Millisecond
	maxBackoff     = time.Second
)

// Operation is one record a call appended to a participant log.
type Operation struct {
	Log     hlog.PublicKey
	Seq     uint64
	Payload json.RawMessage
	Proof   *proofs.InclusionProof

	result *OpResult
}

// OpResult is what the executor recorded for an operation.
type OpResult struct {
	Ack     *schema.Ack         `json:"ack"`
	Changes []indexlog.Mutation `json:"changes"`
}

// Result returns the fetched result, or nil before FetchResults.
func (op *Operation) Result() *OpResult {
	return op.result
}

// Transaction groups the operations produced by one contract call.
type Transaction struct {
	Method     string
	Params     json.RawMessage
	Response   json.RawMessage
	Operations []*Operation

	mu     sync.Mutex
	ledger *Ledger
}

// ID identifies the transaction by method and first operation.
func (tx *Transaction) ID() string {
	if len(tx.Operations) == 0 {
		return tx.Method
	}

	op := tx.Operations[0]

	return fmt.Sprintf("%s:%s:%d", tx.Method, op.Log.Hex(), op.Seq)
}

// IsProcessed reports whether every operation has an ack.
func (tx *Transaction) IsProcessed() (bool, error) {
	for _, op := range tx.Operations {
		e, err := tx.ledger.index.Get(schema.AckPath(op.Log.Hex(), op.Seq))
		if err != nil {
			return false, err
		}

		if e == nil {
			return false, nil
		}
	}

	return true, nil
}

// WhenProcessed polls with exponential backoff until every operation is
// acked. Returns ErrTimeout after timeout.
func (tx *Transaction) WhenProcessed(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	backoff := initialBackoff

	for {
		done, err := tx.IsProcessed()
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		select {
		case <-time.After(backoff):
		case <-deadline.C:
			return ErrTimeout
		case <-ctx.Done():
			return ctx.Err()
		}

		backoff = min(backoff*2, maxBackoff)
	}
}

// FetchResults loads the ack and committed changes of each operation.
// Results are cached; unprocessed operations are left without one.
func (tx *Transaction) FetchResults() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for _, op := range tx.Operations {
		if op.result != nil {
			continue
		}

		res, err := tx.ledger.fetchResult(op)
		if err != nil {
			return err
		}

		op.result = res
	}

	return nil
}

// fetchResult reads the ack of op and the changes committed after it.
func (l *Ledger) fetchResult(op *Operation) (*OpResult, error) {
	e, err := l.index.Get(schema.AckPath(op.Log.Hex(), op.Seq))
	if err != nil || e == nil {
		return nil, err
	}

	ack, err := schema.ValidateAck(e.Path, e.Value)
	if err != nil {
		return nil, err
	}

	res := &OpResult{Ack: ack, Changes: make([]indexlog.Mutation, 0, ack.NumChanges)}

	for i := uint64(1); i <= ack.NumChanges; i++ {
		change, err := l.index.EntryAt(e.Seq + i)
		if err != nil {
			return nil, fmt.Errorf("read change %d of %s:\n%w", i, e.Path, err)
		}

		res.Changes = append(res.Changes, change.Mutation)
	}

	return res, nil
}

// transactionJSON is the interchange form of a transaction.
type transactionJSON struct {
	V          int             `json:"v"`
	Method     string          `json:"method"`
	Params     json.RawMessage `json:"params,omitempty"`
	Response   json.RawMessage `json:"response,omitempty"`
	Operations []operationJSON `json:"operations"`
}

// operationJSON is the interchange form of an operation.
type operationJSON struct {
	Log     string                 `json:"log"`
	Seq     uint64                 `json:"seq"`
	Payload json.RawMessage        `json:"payload"`
	Proof   *proofs.InclusionProof `json:"proof,omitempty"`
	Result  *OpResult              `json:"result,omitempty"`
}

// MarshalJSON encodes the transaction with per-operation proofs and results.
func (tx *Transaction) MarshalJSON() ([]byte, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	out := transactionJSON{
		V:          transactionVersion,
		Method:     tx.Method,
		Params:     tx.Params,
		Response:   tx.Response,
		Operations: make([]operationJSON, len(tx.Operations)),
	}

	for i, op := range tx.Operations {
		out.Operations[i] = operationJSON{
			Log:     op.Log.Hex(),
			Seq:     op.Seq,
			Payload: op.Payload,
			Proof:   op.Proof,
			Result:  op.result,
		}
	}

	return json.Marshal(out)
}

// UnmarshalJSON decodes a transaction produced by MarshalJSON.
func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var in transactionJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	if in.V != transactionVersion {
		return fmt.Errorf("unsupported transaction version %d", in.V)
	}

	ops := make([]*Operation, len(in.Operations))

	for i, o := range in.Operations {
		pub, err := hlog.ParsePublicKey(o.Log)
		if err != nil {
			return fmt.Errorf("operation %d log:\n%w", i, err)
		}

		ops[i] = &Operation{Log: pub, Seq: o.Seq, Payload: o.Payload, Proof: o.Proof, result: o.Result}
	}

	tx.Method = in.Method
	tx.Params = in.Params
	tx.Response = in.Response
	tx.Operations = ops

	return nil
}

// ParseTransaction decodes a serialized transaction bound to this ledger.
func (l *Ledger) ParseTransaction(data []byte) (*Transaction, error) {
	tx := &Transaction{ledger: l}

	if err := json.Unmarshal(data, tx); err != nil {
		return nil, fmt.Errorf("decode transaction:\n%w", err)
	}

	return tx, nil
}
