// Package ledger ties an index log, its participant logs and a contract
// together into one database.
//
// Whoever holds the index log's private key is the executor. Every other
// host opens the same ledger read-only and verifies it with a monitor.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/contract/native"
	"github.com/pfrazee/vitra-sub000/internal/contract/wasm"
	"github.com/pfrazee/vitra-sub000/internal/executor"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/lock"
	"github.com/pfrazee/vitra-sub000/internal/logger"
	"github.com/pfrazee/vitra-sub000/internal/metrics"
	"github.com/pfrazee/vitra-sub000/internal/monitor"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
	"github.com/pfrazee/vitra-sub000/internal/schema"
	"github.com/pfrazee/vitra-sub000/internal/storage"
)

var (
	// ErrClosed is returned by a closed ledger.
	ErrClosed = errors.New("ledger closed")

	// ErrNoLocalLog is returned by Call on a ledger without a local participant log.
	ErrNoLocalLog = errors.New("no local participant log")

	// ErrNoSource is returned when the index holds no contract source.
	ErrNoSource = errors.New("index has no contract source")

	// ErrTimeout is returned when a transaction is not processed in time.
	ErrTimeout = errors.New("timed out waiting for transaction to be processed")
)

// Ledger is one open database.
type Ledger struct {
	db     *storage.Storage
	ownsDB bool
	logs   *hlog.Store
	index  *indexlog.Index
	local  *hlog.Log // local is the participant log this host writes to, if any

	mux     *contract.Mux
	locks   *lock.Manager
	usage   *lock.Usage
	metrics *metrics.Registry
	log     *slog.Logger

	exec *executor.Executor
	mon  *monitor.Monitor

	fetch        monitor.Fetcher
	retryDelay   time.Duration
	fetchTimeout time.Duration

	rtMu  sync.Mutex
	rt    contract.Runtime
	rtSeq uint64 // rtSeq is the index seq of the loaded source entry

	closeMu sync.Mutex
	closed  bool
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithStorage uses db instead of an in-memory store. The caller keeps ownership.
func WithStorage(db *storage.Storage) Option {
	return func(l *Ledger) {
		l.db = db
	}
}

// WithLogs shares logs, and the storage under it, with other components
// such as replication. The caller keeps ownership.
func WithLogs(logs *hlog.Store) Option {
	return func(l *Ledger) {
		l.logs = logs
		l.db = logs.Storage()
	}
}

// WithRegistry resolves native:<name> sources with reg.
func WithRegistry(reg *native.Registry) Option {
	return func(l *Ledger) {
		l.mux.Handle([]byte(native.Prefix), reg.Open)
	}
}

// WithWasm runs WebAssembly sources on pool.
func WithWasm(pool *wasm.Pool) Option {
	return func(l *Ledger) {
		l.mux.Handle(wasm.Magic, pool.Open)
	}
}

// WithMetrics registers ledger metrics on reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(l *Ledger) {
		l.metrics = reg
	}
}

// WithFetcher sets how remote logs are brought up to date.
func WithFetcher(f monitor.Fetcher) Option {
	return func(l *Ledger) {
		l.fetch = f
	}
}

// WithRetryDelay sets the executor read loop retry delay.
func WithRetryDelay(d time.Duration) Option {
	return func(l *Ledger) {
		l.retryDelay = d
	}
}

// WithFetchTimeout bounds how long the monitor waits for an operation.
func WithFetchTimeout(d time.Duration) Option {
	return func(l *Ledger) {
		l.fetchTimeout = d
	}
}

// newLedger applies options and opens storage.
func newLedger(opts []Option) (*Ledger, error) {
	l := &Ledger{
		mux:   &contract.Mux{},
		locks: lock.NewManager(),
		usage: lock.NewUsage(),
		log:   logger.Module("ledger"),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.db == nil {
		db, err := storage.NewMemory()
		if err != nil {
			return nil, fmt.Errorf("open memory storage:\n%w", err)
		}
		l.db = db
		l.ownsDB = true
	}

	if l.metrics == nil {
		l.metrics = metrics.NewRegistry()
	}

	if l.mux.Len() == 0 {
		reg := native.NewRegistry()
		native.RegisterBuiltins(reg)
		l.mux.Handle([]byte(native.Prefix), reg.Open)
	}

	if l.logs == nil {
		l.logs = hlog.NewStore(l.db)
	}

	return l, nil
}

// Create starts a new ledger running source, with a fresh index log and
// one local participant log declared in genesis.
func Create(ctx context.Context, source []byte, opts ...Option) (*Ledger, error) {
	l, err := newLedger(opts)
	if err != nil {
		return nil, err
	}

	if err := l.create(ctx, source); err != nil {
		l.closeStorage()
		return nil, err
	}

	return l, nil
}

// create writes genesis and starts the executor.
func (l *Ledger) create(ctx context.Context, source []byte) error {
	ixLog, err := l.logs.Create()
	if err != nil {
		return fmt.Errorf("create index log:\n%w", err)
	}

	local, err := l.logs.Create()
	if err != nil {
		return fmt.Errorf("create participant log:\n%w", err)
	}

	index, err := indexlog.Open(l.db, ixLog)
	if err != nil {
		return err
	}

	if _, err := index.Batch(schema.GenesisBatch(source, local.PublicKey().Hex())); err != nil {
		return fmt.Errorf("write genesis:\n%w", err)
	}

	pub := local.PublicKey()
	if err := l.db.Set(localKey(index.PublicKey()), pub[:]); err != nil {
		return fmt.Errorf("record local log:\n%w", err)
	}

	l.index = index
	l.local = local

	l.log.Info("ledger created",
		"index", index.PublicKey().Hex()[:8],
		"local", pub.Hex()[:8],
	)

	return l.start(ctx)
}

// Load opens an existing ledger by index key. The ledger runs the executor
// when the index log is writable here, and is read-only otherwise.
func Load(ctx context.Context, indexKey hlog.PublicKey, opts ...Option) (*Ledger, error) {
	l, err := newLedger(opts)
	if err != nil {
		return nil, err
	}

	if err := l.load(ctx, indexKey); err != nil {
		l.closeStorage()
		return nil, err
	}

	return l, nil
}

// load opens the index and local logs and starts the ledger.
func (l *Ledger) load(ctx context.Context, indexKey hlog.PublicKey) error {
	ixLog, err := l.logs.Open(indexKey)
	if err != nil {
		return fmt.Errorf("open index log:\n%w", err)
	}

	if l.fetch != nil && !ixLog.Writable() {
		if err := l.fetch(ctx, ixLog); err != nil {
			l.log.Warn("initial index update failed", "error", err)
		}
	}

	index, err := indexlog.Open(l.db, ixLog)
	if err != nil {
		return err
	}

	l.index = index

	raw, err := l.db.Get(localKey(indexKey))
	if err != nil {
		return fmt.Errorf("read local log:\n%w", err)
	}

	if len(raw) == len(hlog.PublicKey{}) {
		local, err := l.logs.Open(hlog.PublicKey(raw))
		if err != nil {
			return fmt.Errorf("open local log:\n%w", err)
		}

		if local.Writable() {
			l.local = local
		}
	}

	return l.start(ctx)
}

// start creates the monitor and, on the executor host, the executor.
func (l *Ledger) start(ctx context.Context) error {
	monOpts := []monitor.Option{monitor.WithMetrics(l.metrics.NewMonitor())}
	if l.fetch != nil {
		monOpts = append(monOpts, monitor.WithFetcher(l.fetch))
	}
	if l.fetchTimeout > 0 {
		monOpts = append(monOpts, monitor.WithFetchTimeout(l.fetchTimeout))
	}

	l.mon = monitor.New(l.index, l.logs, l.mux.Open, l.locks, monOpts...)

	if !l.index.Writable() {
		return nil
	}

	execOpts := []executor.Option{executor.WithMetrics(l.metrics.NewExecutor())}
	if l.retryDelay > 0 {
		execOpts = append(execOpts, executor.WithRetryDelay(l.retryDelay))
	}
	if l.fetch != nil {
		execOpts = append(execOpts, executor.WithUpdater(executor.Updater(l.fetch)))
	}

	exec, err := executor.New(l.index, l.logs, l, l.locks, execOpts...)
	if err != nil {
		return err
	}

	if err := l.refreshRuntime(ctx); err != nil {
		return err
	}

	if err := exec.Start(); err != nil {
		exec.Close()
		return err
	}

	l.exec = exec

	return nil
}

// IndexKey returns the ledger identity.
func (l *Ledger) IndexKey() hlog.PublicKey {
	return l.index.PublicKey()
}

// LocalKey returns the local participant log key and whether there is one.
func (l *Ledger) LocalKey() (hlog.PublicKey, bool) {
	if l.local == nil {
		return hlog.PublicKey{}, false
	}

	return l.local.PublicKey(), true
}

// IsExecutor reports whether this host writes the index.
func (l *Ledger) IsExecutor() bool {
	return l.index.Writable()
}

// Index returns the ledger index.
func (l *Ledger) Index() *indexlog.Index {
	return l.index
}

// Logs returns the log store holding the index and participant logs.
func (l *Ledger) Logs() *hlog.Store {
	return l.logs
}

// Metrics returns the ledger metrics registry.
func (l *Ledger) Metrics() *metrics.Registry {
	return l.metrics
}

// Executor returns the executor, or nil on a read-only host.
func (l *Ledger) Executor() *executor.Executor {
	return l.exec
}

// Monitor returns the ledger monitor.
func (l *Ledger) Monitor() *monitor.Monitor {
	return l.mon
}

// Get reads the current value at path.
func (l *Ledger) Get(path string) (*indexlog.Entry, error) {
	return l.index.Get(path)
}

// List reads the direct children of prefix.
func (l *Ledger) List(prefix string) ([]indexlog.ListItem, error) {
	return l.index.List(prefix)
}

// CreateOplog creates a new writable participant log. It takes part in the
// ledger once a contract call adds it.
func (l *Ledger) CreateOplog() (*hlog.Log, error) {
	return l.logs.Create()
}

// Call runs a contract method and appends the operations it emits to the
// local participant log.
func (l *Ledger) Call(ctx context.Context, method string, params any) (*Transaction, error) {
	if l.isClosed() {
		return nil, ErrClosed
	}

	raw, err := encodeParams(params)
	if err != nil {
		return nil, err
	}

	if err := l.refreshRuntime(ctx); err != nil {
		return nil, err
	}

	rt, done, err := l.use(ctx)
	if err != nil {
		return nil, err
	}
	defer done()

	res, err := rt.Call(ctx, method, raw)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{Method: method, Params: raw, Response: res.Response, ledger: l}

	if len(res.Ops) == 0 {
		return tx, nil
	}

	if l.local == nil {
		return nil, ErrNoLocalLog
	}

	records := make([][]byte, len(res.Ops))
	for i, op := range res.Ops {
		records[i] = op
	}

	base, err := l.local.Append(records...)
	if err != nil {
		return nil, fmt.Errorf("append operations:\n%w", err)
	}

	for i, op := range res.Ops {
		seq := base + uint64(i)

		proof, err := proofs.Generate(l.local, seq)
		if err != nil {
			return nil, fmt.Errorf("prove operation %d:\n%w", seq, err)
		}

		tx.Operations = append(tx.Operations, &Operation{
			Log:     l.local.PublicKey(),
			Seq:     seq,
			Payload: op,
			Proof:   proof,
		})
	}

	return tx, nil
}

// VerifyOperation checks an operation's inclusion proof against the local
// copy of its log.
func (l *Ledger) VerifyOperation(op *Operation) error {
	log, err := l.logs.Open(op.Log)
	if err != nil {
		return err
	}

	if op.Proof == nil {
		return fmt.Errorf("operation %s:%d has no proof", op.Log.Hex()[:8], op.Seq)
	}

	return proofs.Verify(log, op.Proof)
}

// Sync waits until the executor has processed every operation present
// now. On a read-only host it brings the index up to date instead.
func (l *Ledger) Sync(ctx context.Context) error {
	if l.exec != nil {
		return l.exec.Sync(ctx)
	}

	if l.fetch != nil {
		return l.fetch(ctx, l.index.Log())
	}

	return nil
}

// Verify replays the index and returns a proofs.FraudProof on divergence.
func (l *Ledger) Verify(ctx context.Context) error {
	return l.mon.Verify(ctx)
}

// Watch verifies the index live. See monitor.Monitor.Watch.
func (l *Ledger) Watch(ctx context.Context) <-chan monitor.Event {
	return l.mon.Watch(ctx)
}

// Close stops the executor and releases runtimes and owned storage.
func (l *Ledger) Close(ctx context.Context) error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	l.closeMu.Unlock()

	if l.exec != nil {
		l.exec.Close()
	}

	var errs []error

	if err := l.mon.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if err := l.usage.Pause(ctx); err != nil {
		errs = append(errs, err)
	}

	l.rtMu.Lock()
	if l.rt != nil {
		if err := l.rt.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		l.rt = nil
	}
	l.rtMu.Unlock()

	l.usage.Unpause()

	if err := l.closeStorage(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// closeStorage closes storage opened by the ledger itself.
func (l *Ledger) closeStorage() error {
	if !l.ownsDB {
		return nil
	}

	return l.db.Close()
}

// isClosed reports whether Close was called.
func (l *Ledger) isClosed() bool {
	l.closeMu.Lock()
	defer l.closeMu.Unlock()

	return l.closed
}

// encodeParams turns call params into JSON. Raw JSON passes through.
func encodeParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode params:\n%w", err)
		}
		return raw, nil
	}
}

// localKey is the storage key recording a ledger's local participant log.
func localKey(indexKey hlog.PublicKey) []byte {
	return append([]byte("ledger/local/"), indexKey[:]...)
}
