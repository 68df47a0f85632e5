// Package schema defines the reserved index paths and the records stored under them.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
)

const (
	// SysPrefix holds every reserved path.
	SysPrefix = "/.sys/"

	// SourcePath stores the contract source.
	SourcePath = "/.sys/contract/source"

	// InputsPrefix holds one membership entry per participant log.
	InputsPrefix = "/.sys/inputs/"

	// AcksPrefix holds acks keyed by origin and zero-padded seq.
	AcksPrefix = "/.sys/acks/"

	// GenesisCompletePath marks the end of the genesis entries.
	GenesisCompletePath = "/.sys/genesis-complete"
)

var hexKey = regexp.MustCompile(`^[0-9a-f]{64}$`)

// InputPath returns the membership path for a participant key.
func InputPath(pubHex string) string {
	return InputsPrefix + pubHex
}

// AckPath returns the ack path for an operation.
func AckPath(originHex string, seq uint64) string {
	return fmt.Sprintf("%s%s/%015d", AcksPrefix, originHex, seq)
}

// IsSys reports whether path is reserved.
func IsSys(path string) bool {
	return strings.HasPrefix(path, SysPrefix)
}

// ParseAckPath extracts origin and seq from an ack path.
func ParseAckPath(path string) (origin string, seq uint64, ok bool) {
	rest, found := strings.CutPrefix(path, AcksPrefix)
	if !found {
		return "", 0, false
	}

	origin, digits, found := strings.Cut(rest, "/")
	if !found || !hexKey.MatchString(origin) || len(digits) != 15 {
		return "", 0, false
	}

	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return "", 0, false
	}

	return origin, seq, true
}

// Ack is the executor's record of having processed one operation.
type Ack struct {
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Origin     string          `json:"origin"`
	Seq        uint64          `json:"seq"`
	Ts         int64           `json:"ts"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	NumChanges uint64          `json:"numChanges"`
}

// NewAck builds the ack shell for an operation.
func NewAck(originHex string, seq uint64, now time.Time) *Ack {
	return &Ack{Origin: originHex, Seq: seq, Ts: now.UnixMilli()}
}

// Shell returns the ack as apply sees it: identity, timestamp and metadata,
// without the outcome fields.
func (a *Ack) Shell() *Ack {
	return &Ack{Origin: a.Origin, Seq: a.Seq, Ts: a.Ts, Metadata: a.Metadata}
}

// InputEntry declares a participant log and whether it is active.
type InputEntry struct {
	Pubkey string `json:"pubkey"`
	Active bool   `json:"active"`
}

// SourceEntry holds contract source code, base64 encoded in JSON.
type SourceEntry struct {
	Code []byte `json:"code"`
}

// GenesisBatch returns the first index entries of a ledger: the contract
// source, one active input per participant key and the completion marker.
func GenesisBatch(source []byte, inputs ...string) []indexlog.Mutation {
	src, _ := json.Marshal(SourceEntry{Code: source})

	batch := []indexlog.Mutation{{Type: indexlog.OpPut, Path: SourcePath, Value: src}}

	for _, pub := range inputs {
		raw, _ := json.Marshal(InputEntry{Pubkey: pub, Active: true})
		batch = append(batch, indexlog.Mutation{Type: indexlog.OpPut, Path: InputPath(pub), Value: raw})
	}

	return append(batch, indexlog.Mutation{Type: indexlog.OpPut, Path: GenesisCompletePath, Value: json.RawMessage("true")})
}

// ValidateAck decodes an ack value, checking each field.
func ValidateAck(path string, raw json.RawMessage) (*Ack, error) {
	fields, err := object(path, raw)
	if err != nil {
		return nil, err
	}

	if err := require(path, fields, "success", isBool); err != nil {
		return nil, err
	}
	if err := require(path, fields, "origin", isHexKey); err != nil {
		return nil, err
	}
	if err := require(path, fields, "seq", isUint); err != nil {
		return nil, err
	}
	if err := require(path, fields, "ts", isUint); err != nil {
		return nil, err
	}
	if err := require(path, fields, "numChanges", isUint); err != nil {
		return nil, err
	}
	if err := optional(path, fields, "error", isString); err != nil {
		return nil, err
	}

	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return nil, &proofs.InvalidSchemaError{Path: path, Reason: err.Error()}
	}

	origin, seq, ok := ParseAckPath(path)
	if !ok {
		return nil, &proofs.InvalidSchemaError{Path: path, Reason: "not an ack path"}
	}

	if origin != ack.Origin {
		return nil, &proofs.InvalidSchemaError{Path: path, Field: "origin", Reason: "does not match path"}
	}

	if seq != ack.Seq {
		return nil, &proofs.InvalidSchemaError{Path: path, Field: "seq", Reason: "does not match path"}
	}

	return &ack, nil
}

// ValidateInput decodes a membership entry, checking each field.
func ValidateInput(path string, raw json.RawMessage) (*InputEntry, error) {
	fields, err := object(path, raw)
	if err != nil {
		return nil, err
	}

	if err := require(path, fields, "pubkey", isHexKey); err != nil {
		return nil, err
	}
	if err := require(path, fields, "active", isBool); err != nil {
		return nil, err
	}

	var in InputEntry
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, &proofs.InvalidSchemaError{Path: path, Reason: err.Error()}
	}

	if path != InputPath(in.Pubkey) {
		return nil, &proofs.InvalidSchemaError{Path: path, Field: "pubkey", Reason: "does not match path"}
	}

	return &in, nil
}

// ValidateSource decodes a contract source entry.
func ValidateSource(path string, raw json.RawMessage) (*SourceEntry, error) {
	fields, err := object(path, raw)
	if err != nil {
		return nil, err
	}

	if err := require(path, fields, "code", isString); err != nil {
		return nil, err
	}

	var src SourceEntry
	if err := json.Unmarshal(raw, &src); err != nil {
		return nil, &proofs.InvalidSchemaError{Path: path, Reason: err.Error()}
	}

	return &src, nil
}

// object decodes raw as a JSON object.
func object(path string, raw json.RawMessage) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage

	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, &proofs.InvalidSchemaError{Path: path, Reason: "value must be an object"}
	}

	return fields, nil
}

// require checks that a field is present and passes check.
func require(path string, fields map[string]json.RawMessage, name string, check func(json.RawMessage) string) error {
	v, ok := fields[name]
	if !ok {
		return &proofs.InvalidSchemaError{Path: path, Field: name, Reason: "is required"}
	}

	if reason := check(v); reason != "" {
		return &proofs.InvalidSchemaError{Path: path, Field: name, Reason: reason}
	}

	return nil
}

// optional checks a field only when it is present and not null.
func optional(path string, fields map[string]json.RawMessage, name string, check func(json.RawMessage) string) error {
	v, ok := fields[name]
	if !ok || bytes.Equal(v, []byte("null")) {
		return nil
	}

	if reason := check(v); reason != "" {
		return &proofs.InvalidSchemaError{Path: path, Field: name, Reason: reason}
	}

	return nil
}

func isBool(v json.RawMessage) string {
	var b bool
	if json.Unmarshal(v, &b) != nil {
		return "must be a boolean"
	}
	return ""
}

func isString(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) != nil {
		return "must be a string"
	}
	return ""
}

func isUint(v json.RawMessage) string {
	var n uint64
	if json.Unmarshal(v, &n) != nil {
		return "must be a non-negative integer"
	}
	return ""
}

func isHexKey(v json.RawMessage) string {
	var s string
	if json.Unmarshal(v, &s) != nil || !hexKey.MatchString(s) {
		return "must be a 64-character hex key"
	}
	return ""
}
