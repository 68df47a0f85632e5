package wasm

import (
	"context"

	"github.com/tetratelabs/wazero/api"

	"github.com/pfrazee/vitra-sub000/internal/contract"
)

// execContext holds the execution state for a single WASM invocation.
type execContext struct {
	input        []byte       // input is the JSON request
	output       []byte       // output is the JSON reply written by the guest
	scratch      []byte       // scratch holds the last index_get result
	env          contract.Env // env gives host functions ledger access
	memory       api.Memory   // memory is the WASM linear memory
	gasLimit     uint64       // gasLimit is the maximum gas allowed
	gasUsed      uint64       // gasUsed tracks consumed gas
	gasExhausted bool         // gasExhausted is true if gas limit was exceeded
}

// buildHostModule creates the "env" module with host functions.
func (p *Pool) buildHostModule(ctx context.Context, execCtx *execContext) (api.Module, error) {
	return p.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, cost uint32) {
			hostGas(execCtx, cost)
		}).
		Export("gas").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context) uint32 {
			return uint32(len(execCtx.input))
		}).
		Export("input_len").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr uint32) {
			hostWrite(execCtx, ptr, execCtx.input)
		}).
		Export("read_input").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr, length uint32) {
			hostWriteOutput(execCtx, ptr, length)
		}).
		Export("write_output").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr, length uint32) uint32 {
			return hostIndexGet(execCtx, ptr, length)
		}).
		Export("index_get").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, ptr uint32) {
			hostWrite(execCtx, ptr, execCtx.scratch)
		}).
		Export("index_read").
		Instantiate(ctx)
}

// hostGas handles gas metering.
// Panics if gas limit is exceeded to abort execution.
func hostGas(execCtx *execContext, cost uint32) {
	execCtx.gasUsed += uint64(cost)

	if execCtx.gasUsed > execCtx.gasLimit {
		execCtx.gasExhausted = true
		panic("gas exhausted")
	}
}

// hostWrite copies data into WASM memory at the given pointer.
func hostWrite(execCtx *execContext, ptr uint32, data []byte) {
	if execCtx.memory == nil || len(data) == 0 {
		return
	}

	if !execCtx.memory.Write(ptr, data) {
		panic("write out of bounds")
	}
}

// hostWriteOutput reads the output from WASM memory and stores it.
func hostWriteOutput(execCtx *execContext, ptr, length uint32) {
	if execCtx.memory == nil || length == 0 {
		return
	}

	data, ok := execCtx.memory.Read(ptr, length)
	if !ok {
		panic("output out of bounds")
	}

	execCtx.output = make([]byte, length)
	copy(execCtx.output, data)
}

// hostIndexGet looks up a path and stages its JSON value for index_read.
// Returns the value length, zero when the path is absent.
func hostIndexGet(execCtx *execContext, ptr, length uint32) uint32 {
	execCtx.scratch = nil

	if execCtx.memory == nil || execCtx.env.Index == nil {
		return 0
	}

	path, ok := execCtx.memory.Read(ptr, length)
	if !ok {
		panic("path out of bounds")
	}

	e, err := execCtx.env.Index.Get(string(path))
	if err != nil {
		panic("index read failed: " + err.Error())
	}

	if e == nil {
		return 0
	}

	execCtx.scratch = append([]byte(nil), e.Value...)

	return uint32(len(execCtx.scratch))
}
