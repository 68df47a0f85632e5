// Package actions maps contract actions to ordered index mutations.
// Executor and monitor both use it so they always agree on intended writes.
package actions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

// Type names a contract action.
type Type string

const (
	Put               Type = "put"
	Del               Type = "del"
	AddOplog          Type = "addOplog"
	RemoveOplog       Type = "removeOplog"
	SetContractSource Type = "setContractSource"
)

// ErrInvalidAction is returned for actions that cannot be mapped.
var ErrInvalidAction = errors.New("invalid action")

// Action is one write requested by a contract.
type Action struct {
	Type  Type            `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// ActionSet maps a key to an action. For put and del the key is the
// target path; for the other types it only names the action.
type ActionSet map[string]Action

// oplogValue is the value of addOplog and removeOplog.
type oplogValue struct {
	Pubkey string `json:"pubkey"`
}

// ToBatch converts actions to mutations sorted by path.
// Values are re-encoded canonically so equal inputs give identical bytes.
func ToBatch(set ActionSet) ([]indexlog.Mutation, error) {
	muts := make([]indexlog.Mutation, 0, len(set))
	seen := make(map[string]string, len(set))

	for key, a := range set {
		m, err := toMutation(key, a)
		if err != nil {
			return nil, fmt.Errorf("action %q:\n%w", key, err)
		}

		if prev, dup := seen[m.Path]; dup {
			return nil, fmt.Errorf("actions %q and %q both write %s:\n%w", prev, key, m.Path, ErrInvalidAction)
		}

		seen[m.Path] = key
		muts = append(muts, m)
	}

	sort.SliceStable(muts, func(i, j int) bool {
		return muts[i].Path < muts[j].Path
	})

	return muts, nil
}

// toMutation maps a single action.
func toMutation(key string, a Action) (indexlog.Mutation, error) {
	switch a.Type {
	case Put, Del:
		if err := indexlog.ValidatePath(key); err != nil {
			return indexlog.Mutation{}, err
		}

		if schema.IsSys(key) {
			return indexlog.Mutation{}, fmt.Errorf("%s is reserved:\n%w", key, ErrInvalidAction)
		}

		if a.Type == Del {
			return indexlog.Mutation{Type: indexlog.OpDel, Path: key}, nil
		}

		value, err := Canonical(a.Value)
		if err != nil {
			return indexlog.Mutation{}, err
		}

		return indexlog.Mutation{Type: indexlog.OpPut, Path: key, Value: value}, nil

	case AddOplog, RemoveOplog:
		var v oplogValue
		if err := json.Unmarshal(a.Value, &v); err != nil {
			return indexlog.Mutation{}, fmt.Errorf("%s value:\n%w", a.Type, ErrInvalidAction)
		}

		entry := schema.InputEntry{Pubkey: v.Pubkey, Active: a.Type == AddOplog}
		path := schema.InputPath(v.Pubkey)

		raw, _ := json.Marshal(entry)
		if _, err := schema.ValidateInput(path, raw); err != nil {
			return indexlog.Mutation{}, err
		}

		return indexlog.Mutation{Type: indexlog.OpPut, Path: path, Value: raw}, nil

	case SetContractSource:
		code, err := sourceCode(a.Value)
		if err != nil {
			return indexlog.Mutation{}, err
		}

		raw, _ := json.Marshal(schema.SourceEntry{Code: code})

		return indexlog.Mutation{Type: indexlog.OpPut, Path: schema.SourcePath, Value: raw}, nil

	default:
		return indexlog.Mutation{}, fmt.Errorf("unknown type %q:\n%w", a.Type, ErrInvalidAction)
	}
}

// sourceCode accepts either a source string or a {"code": base64} object.
func sourceCode(raw json.RawMessage) ([]byte, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []byte(text), nil
	}

	var entry schema.SourceEntry
	if err := json.Unmarshal(raw, &entry); err != nil || len(entry.Code) == 0 {
		return nil, fmt.Errorf("setContractSource value must be a string or {code}:\n%w", ErrInvalidAction)
	}

	return entry.Code, nil
}

// Canonical re-encodes a JSON value with sorted object keys and no insignificant whitespace.
// An empty value becomes null.
func Canonical(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("value is not JSON:\n%w", err)
	}

	if dec.More() {
		return nil, fmt.Errorf("value has trailing data:\n%w", ErrInvalidAction)
	}

	out, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return out, nil
}

// Equal reports whether two mutations have the same type, path and JSON value.
func Equal(a, b indexlog.Mutation) bool {
	if a.Type != b.Type || a.Path != b.Path {
		return false
	}

	if a.Type == indexlog.OpDel {
		return true
	}

	ca, errA := Canonical(a.Value)
	cb, errB := Canonical(b.Value)
	if errA != nil || errB != nil {
		return bytes.Equal(a.Value, b.Value)
	}

	return bytes.Equal(ca, cb)
}
