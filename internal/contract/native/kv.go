package native

import (
	"encoding/json"
	"fmt"

	"github.com/pfrazee/vitra-sub000/internal/actions"
	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

// kvOp is an operation emitted by the key/value contracts.
type kvOp struct {
	Op     string          `json:"op"`
	Path   string          `json:"path,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Pubkey string          `json:"pubkey,omitempty"`
	Code   string          `json:"code,omitempty"`
}

// kvParams are the parameters of every key/value method.
type kvParams struct {
	Path   string          `json:"path"`
	Value  json.RawMessage `json:"value"`
	Pubkey string          `json:"pubkey"`
	Code   string          `json:"code"`
}

// KV is a key/value contract: put, get, del, membership and source changes.
func KV() Definition {
	return Definition{
		Methods: map[string]Method{
			"put":         emit("put"),
			"del":         emit("del"),
			"addOplog":    emit("addOplog"),
			"removeOplog": emit("removeOplog"),
			"setSource":   emit("setSource"),
			"get":         get,
			"version":     version(1),
		},
		Process: processKV,
		Apply:   applyKV,
	}
}

// KVAppend extends KV with list appends. Used to exercise source changes.
func KVAppend() Definition {
	def := KV()
	def.Methods["append"] = emit("append")
	def.Methods["version"] = version(2)

	return def
}

// RegisterBuiltins adds the bundled contracts to r.
func RegisterBuiltins(r *Registry) {
	r.Register("kv", KV())
	r.Register("kv-append", KVAppend())
}

// emit returns a method that turns its params into one operation.
func emit(op string) Method {
	return func(_ contract.Env, params json.RawMessage) (*contract.CallResult, error) {
		var p kvParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s params: %w", op, err)
		}

		raw, err := json.Marshal(kvOp{Op: op, Path: p.Path, Value: p.Value, Pubkey: p.Pubkey, Code: p.Code})
		if err != nil {
			return nil, err
		}

		return &contract.CallResult{Ops: []json.RawMessage{raw}}, nil
	}
}

// get reads a path from ledger state.
func get(env contract.Env, params json.RawMessage) (*contract.CallResult, error) {
	var p kvParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("get params: %w", err)
	}

	e, err := env.Index.Get(p.Path)
	if err != nil {
		return nil, err
	}

	if e == nil {
		return &contract.CallResult{Response: json.RawMessage("null")}, nil
	}

	return &contract.CallResult{Response: e.Value}, nil
}

// version returns a method reporting the contract version.
func version(v int) Method {
	return func(contract.Env, json.RawMessage) (*contract.CallResult, error) {
		return &contract.CallResult{Response: json.RawMessage(fmt.Sprint(v))}, nil
	}
}

// processKV tags each operation with its kind.
func processKV(_ contract.Env, raw json.RawMessage) (json.RawMessage, error) {
	var op kvOp
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode op: %w", err)
	}

	return json.Marshal(map[string]string{"kind": op.Op})
}

// applyKV maps an operation to actions.
func applyKV(env contract.Env, raw json.RawMessage, _ *schema.Ack) (actions.ActionSet, error) {
	var op kvOp
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode op: %w", err)
	}

	switch op.Op {
	case "put":
		return actions.ActionSet{op.Path: {Type: actions.Put, Value: op.Value}}, nil
	case "del":
		return actions.ActionSet{op.Path: {Type: actions.Del}}, nil
	case "addOplog", "removeOplog":
		value, _ := json.Marshal(map[string]string{"pubkey": op.Pubkey})
		return actions.ActionSet{op.Op: {Type: actions.Type(op.Op), Value: value}}, nil
	case "setSource":
		value, _ := json.Marshal(op.Code)
		return actions.ActionSet{"source": {Type: actions.SetContractSource, Value: value}}, nil
	case "append":
		return appendKV(env, op)
	default:
		return nil, fmt.Errorf("unknown op %q", op.Op)
	}
}

// appendKV appends a value to the JSON array stored at a path.
func appendKV(env contract.Env, op kvOp) (actions.ActionSet, error) {
	var list []json.RawMessage

	e, err := env.Index.Get(op.Path)
	if err != nil {
		return nil, err
	}

	if e != nil {
		if err := json.Unmarshal(e.Value, &list); err != nil {
			return nil, fmt.Errorf("%s is not a list", op.Path)
		}
	}

	value, err := json.Marshal(append(list, op.Value))
	if err != nil {
		return nil, err
	}

	return actions.ActionSet{op.Path: {Type: actions.Put, Value: value}}, nil
}
