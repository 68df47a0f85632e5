// Package wasm runs contracts compiled to WebAssembly.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/zeebo/blake3"

	"github.com/pfrazee/vitra-sub000/internal/contract"
)

const (
	// defaultGasLimit bounds a single invocation of an instrumented module.
	defaultGasLimit = 10_000_000
)

// Magic is the WebAssembly binary header, used to route sources.
var Magic = []byte{0x00, 0x61, 0x73, 0x6d}

var (
	// ErrGasExhausted is returned when execution runs out of gas.
	ErrGasExhausted = errors.New("gas exhausted")
)

// Pool compiles contract modules once and instantiates them per invocation.
// Invocations are serialized: each one binds its own "env" host module.
type Pool struct {
	runtime  wazero.Runtime                     // runtime is the wazero runtime instance
	modules  map[[32]byte]wazero.CompiledModule // modules maps blake3 hash to compiled module
	mu       sync.RWMutex                       // mu protects modules map
	execMu   sync.Mutex                         // execMu serializes invocations
	gasLimit uint64
}

// Option configures a Pool.
type Option func(*Pool)

// WithGasLimit sets the per-invocation gas limit.
func WithGasLimit(limit uint64) Option {
	return func(p *Pool) {
		p.gasLimit = limit
	}
}

// New creates a new Pool with an initialized wazero runtime.
func New(opts ...Option) *Pool {
	ctx := context.Background()
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)

	p := &Pool{
		runtime:  wazero.NewRuntimeWithConfig(ctx, cfg),
		modules:  make(map[[32]byte]wazero.CompiledModule),
		gasLimit: defaultGasLimit,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Load compiles a module, reusing an earlier compilation of the same bytes.
func (p *Pool) Load(ctx context.Context, wasmBytes []byte) ([32]byte, error) {
	id := blake3.Sum256(wasmBytes)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.modules[id]; exists {
		return id, nil
	}

	compiled, err := p.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return [32]byte{}, fmt.Errorf("compile module:\n%w", err)
	}

	p.modules[id] = compiled

	return id, nil
}

// Open implements contract.Opener for WebAssembly sources.
func (p *Pool) Open(ctx context.Context, source []byte, env contract.Env) (contract.Runtime, error) {
	if !bytes.HasPrefix(source, Magic) {
		return nil, &contract.ParseError{Err: errors.New("source is not a wasm module")}
	}

	id, err := p.Load(ctx, source)
	if err != nil {
		return nil, &contract.ParseError{Err: err}
	}

	p.mu.RLock()
	compiled := p.modules[id]
	p.mu.RUnlock()

	exports := compiled.ExportedFunctions()

	return &runtime{
		pool:    p,
		id:      id,
		exports: exports,
		env:     env,
		gate:    contract.NewGate(),
	}, nil
}

// invoke instantiates a compiled module and runs one exported function.
func (p *Pool) invoke(ctx context.Context, id [32]byte, fn string, input []byte, env contract.Env) ([]byte, error) {
	p.mu.RLock()
	compiled, exists := p.modules[id]
	p.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("module %x not loaded", id[:4])
	}

	p.execMu.Lock()
	defer p.execMu.Unlock()

	execCtx := &execContext{
		input:    input,
		env:      env,
		gasLimit: p.gasLimit,
	}

	hostModule, err := p.buildHostModule(ctx, execCtx)
	if err != nil {
		return nil, fmt.Errorf("build host module:\n%w", err)
	}
	defer hostModule.Close(ctx)

	instance, err := p.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate module:\n%w", err)
	}
	defer instance.Close(ctx)

	execCtx.memory = instance.Memory()

	return callExport(ctx, instance, fn, execCtx)
}

// callExport calls a no-argument export and returns what it wrote.
func callExport(ctx context.Context, instance api.Module, name string, execCtx *execContext) ([]byte, error) {
	f := instance.ExportedFunction(name)
	if f == nil {
		return nil, fmt.Errorf("%s:\n%w", name, contract.ErrMethodNotFound)
	}

	if _, err := f.Call(ctx); err != nil {
		if execCtx.gasExhausted {
			return nil, ErrGasExhausted
		}

		return nil, err
	}

	return execCtx.output, nil
}

// Close releases all resources held by the pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, compiled := range p.modules {
		compiled.Close(context.Background())
		delete(p.modules, id)
	}

	return p.runtime.Close(context.Background())
}
