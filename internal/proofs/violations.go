package proofs

import (
	"encoding/json"
	"fmt"

	"github.com/pfrazee/vitra-sub000/internal/indexlog"
)

// Violation is the detail of a contract fraud proof.
type Violation interface {
	error
	ViolationKind() string
}

// InvalidSchemaError reports an index entry whose value does not match its schema.
type InvalidSchemaError struct {
	Path   string `json:"path"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e *InvalidSchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid schema at %s: %s", e.Path, e.Reason)
	}
	return fmt.Sprintf("invalid schema at %s: field %q %s", e.Path, e.Field, e.Reason)
}

// ViolationKind implements Violation.
func (e *InvalidSchemaError) ViolationKind() string { return "InvalidSchema" }

// UnexpectedPathError reports an entry written where another was required.
type UnexpectedPathError struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (e *UnexpectedPathError) Error() string {
	return fmt.Sprintf("unexpected path %s, expected %s", e.Actual, e.Expected)
}

// ViolationKind implements Violation.
func (e *UnexpectedPathError) ViolationKind() string { return "UnexpectedPath" }

// UnexpectedSeqError reports an entry out of place in the index log.
type UnexpectedSeqError struct {
	Expected uint64 `json:"expected"`
	Actual   uint64 `json:"actual"`
}

func (e *UnexpectedSeqError) Error() string {
	return fmt.Sprintf("unexpected entry seq %d, expected %d", e.Actual, e.Expected)
}

// ViolationKind implements Violation.
func (e *UnexpectedSeqError) ViolationKind() string { return "UnexpectedSeq" }

// ProcessedOutOfOrderError reports an operation acked before an earlier one of the same origin.
type ProcessedOutOfOrderError struct {
	Origin      string `json:"origin"`
	ExpectedSeq uint64 `json:"expectedSeq"`
	ActualSeq   uint64 `json:"actualSeq"`
}

func (e *ProcessedOutOfOrderError) Error() string {
	return fmt.Sprintf("operation %s:%d processed out of order, expected seq %d", short(e.Origin), e.ActualSeq, e.ExpectedSeq)
}

// ViolationKind implements Violation.
func (e *ProcessedOutOfOrderError) ViolationKind() string { return "ProcessedOutOfOrder" }

// ChangeMismatchError reports a committed mutation that differs from replay.
type ChangeMismatchError struct {
	Expected indexlog.Mutation `json:"expected"`
	Actual   indexlog.Mutation `json:"actual"`
}

func (e *ChangeMismatchError) Error() string {
	return fmt.Sprintf("change mismatch: expected %s %s %s, got %s %s %s",
		e.Expected.Type, e.Expected.Path, e.Expected.Value,
		e.Actual.Type, e.Actual.Path, e.Actual.Value)
}

// ViolationKind implements Violation.
func (e *ChangeMismatchError) ViolationKind() string { return "ChangeMismatch" }

// ChangeNotProducedByExecutorError reports replayed mutations missing from the index log.
type ChangeNotProducedByExecutorError struct {
	Expected indexlog.Mutation `json:"expected"`
	Actual   indexlog.Mutation `json:"actual"`
}

func (e *ChangeNotProducedByExecutorError) Error() string {
	return fmt.Sprintf("executor did not write %s %s (found %s %s)", e.Expected.Type, e.Expected.Path, e.Actual.Type, e.Actual.Path)
}

// ViolationKind implements Violation.
func (e *ChangeNotProducedByExecutorError) ViolationKind() string {
	return "ChangeNotProducedByExecutor"
}

// ChangeNotProducedByMonitorError reports a mutation that replay did not produce.
type ChangeNotProducedByMonitorError struct {
	Actual indexlog.Mutation `json:"actual"`
}

func (e *ChangeNotProducedByMonitorError) Error() string {
	return fmt.Sprintf("unexpected change %s %s not produced by replay", e.Actual.Type, e.Actual.Path)
}

// ViolationKind implements Violation.
func (e *ChangeNotProducedByMonitorError) ViolationKind() string {
	return "ChangeNotProducedByMonitor"
}

// MonitorApplyFailedError reports disagreement on whether an operation's apply succeeded.
type MonitorApplyFailedError struct {
	Origin     string `json:"origin"`
	Seq        uint64 `json:"seq"`
	AckSuccess bool   `json:"ackSuccess"`
	Reason     string `json:"reason,omitempty"`
}

func (e *MonitorApplyFailedError) Error() string {
	if e.AckSuccess {
		return fmt.Sprintf("operation %s:%d acked as success but replay failed: %s", short(e.Origin), e.Seq, e.Reason)
	}
	return fmt.Sprintf("operation %s:%d acked as failed but replay succeeded", short(e.Origin), e.Seq)
}

// ViolationKind implements Violation.
func (e *MonitorApplyFailedError) ViolationKind() string { return "MonitorApplyFailed" }

// CannotFetchOpError reports an acked operation whose payload could not be read.
type CannotFetchOpError struct {
	Origin string `json:"origin"`
	Seq    uint64 `json:"seq"`
	Reason string `json:"reason"`
}

func (e *CannotFetchOpError) Error() string {
	return fmt.Sprintf("cannot fetch operation %s:%d: %s", short(e.Origin), e.Seq, e.Reason)
}

// ViolationKind implements Violation.
func (e *CannotFetchOpError) ViolationKind() string { return "CannotFetchOp" }

// violationJSON is the tagged form of a violation.
type violationJSON struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// marshalViolation wraps a violation with its kind tag.
func marshalViolation(v Violation) (json.RawMessage, error) {
	if v == nil {
		return nil, fmt.Errorf("contract fraud proof has no details")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s:\n%w", v.ViolationKind(), err)
	}

	return json.Marshal(violationJSON{Kind: v.ViolationKind(), Data: data})
}

// unmarshalViolation decodes a tagged violation.
func unmarshalViolation(raw json.RawMessage) (Violation, error) {
	var tagged violationJSON
	if err := json.Unmarshal(raw, &tagged); err != nil {
		return nil, fmt.Errorf("decode violation:\n%w", err)
	}

	var v Violation

	switch tagged.Kind {
	case "InvalidSchema":
		v = &InvalidSchemaError{}
	case "UnexpectedPath":
		v = &UnexpectedPathError{}
	case "UnexpectedSeq":
		v = &UnexpectedSeqError{}
	case "ProcessedOutOfOrder":
		v = &ProcessedOutOfOrderError{}
	case "ChangeMismatch":
		v = &ChangeMismatchError{}
	case "ChangeNotProducedByExecutor":
		v = &ChangeNotProducedByExecutorError{}
	case "ChangeNotProducedByMonitor":
		v = &ChangeNotProducedByMonitorError{}
	case "MonitorApplyFailed":
		v = &MonitorApplyFailedError{}
	case "CannotFetchOp":
		v = &CannotFetchOpError{}
	default:
		return nil, fmt.Errorf("unknown violation kind %q", tagged.Kind)
	}

	if err := json.Unmarshal(tagged.Data, v); err != nil {
		return nil, fmt.Errorf("decode %s:\n%w", tagged.Kind, err)
	}

	return v, nil
}

// short abbreviates a hex key for messages.
func short(key string) string {
	if len(key) > 8 {
		return key[:8]
	}
	return key
}
