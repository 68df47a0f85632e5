package indexlog

import (
	"encoding/json"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/pfrazee/vitra-sub000/internal/types"
)

const (
	// Protocol names the record format in the header.
	Protocol = "vitra/index"

	// Version is the record format version.
	Version = 1
)

// OpType is the kind of write a mutation performs.
type OpType string

const (
	OpPut OpType = "put"
	OpDel OpType = "del"
)

// Mutation is a single write to the index.
type Mutation struct {
	Type  OpType          `json:"type"`
	Path  string          `json:"path"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Entry is a mutation together with its sequence in the index log.
type Entry struct {
	Seq uint64 `json:"seq"`
	Mutation
}

// encodeHeader builds record 0.
func encodeHeader() []byte {
	builder := flatbuffers.NewBuilder(64)

	protocol := builder.CreateString(Protocol)

	types.HeaderStart(builder)
	types.HeaderAddProtocol(builder, protocol)
	types.HeaderAddVersion(builder, Version)
	builder.Finish(types.HeaderEnd(builder))

	return builder.FinishedBytes()
}

// checkHeader validates record 0.
func checkHeader(rec []byte) (err error) {
	defer recoverDecode(&err)

	h := types.GetRootAsHeader(rec, 0)
	if string(h.Protocol()) != Protocol {
		return fmt.Errorf("unexpected protocol %q", h.Protocol())
	}

	if h.Version() != Version {
		return fmt.Errorf("unsupported version %d", h.Version())
	}

	return nil
}

// EncodeMutation serializes a mutation as a Node record.
func EncodeMutation(m Mutation) ([]byte, error) {
	var kind types.NodeType

	switch m.Type {
	case OpPut:
		kind = types.NodeTypePut
	case OpDel:
		kind = types.NodeTypeDel
	default:
		return nil, fmt.Errorf("unknown mutation type %q", m.Type)
	}

	builder := flatbuffers.NewBuilder(len(m.Path) + len(m.Value) + 64)

	path := builder.CreateString(m.Path)

	var value flatbuffers.UOffsetT
	if m.Type == OpPut {
		value = builder.CreateByteVector(m.Value)
	}

	types.NodeStart(builder)
	types.NodeAddType(builder, kind)
	types.NodeAddPath(builder, path)
	if m.Type == OpPut {
		types.NodeAddValue(builder, value)
	}
	builder.Finish(types.NodeEnd(builder))

	return builder.FinishedBytes(), nil
}

// DecodeMutation parses a Node record.
func DecodeMutation(rec []byte) (m Mutation, err error) {
	defer recoverDecode(&err)

	if len(rec) < 8 {
		return m, fmt.Errorf("record too short (%d bytes)", len(rec))
	}

	n := types.GetRootAsNode(rec, 0)

	switch n.Type() {
	case types.NodeTypePut:
		m.Type = OpPut
		m.Value = json.RawMessage(append([]byte(nil), n.ValueBytes()...))
	case types.NodeTypeDel:
		m.Type = OpDel
	default:
		return m, fmt.Errorf("unknown node type %s", n.Type())
	}

	m.Path = string(n.Path())

	return m, nil
}

// recoverDecode turns a panic from reading a malformed buffer into an error.
func recoverDecode(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("malformed record: %v", r)
	}
}
