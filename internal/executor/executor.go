// Package executor applies participant operations to the index log.
//
// One executor runs per ledger, on the host holding the index log's private
// key. It follows every active participant log, runs each new operation
// through the contract and commits an ack plus the resulting mutations as a
// single index batch.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/actions"
	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/lock"
	"github.com/pfrazee/vitra-sub000/internal/logger"
	"github.com/pfrazee/vitra-sub000/internal/metrics"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

const (
	// defaultRetryDelay is the wait before following a participant log again after a failure.
	defaultRetryDelay = 5 * time.Second

	// eventBuffer is the capacity of each subscriber channel.
	eventBuffer = 64
)

var (
	// ErrClosed is returned when the executor shuts down mid-operation.
	ErrClosed = errors.New("executor closed")

	// ErrNotWritable is returned when the index log cannot be written locally.
	ErrNotWritable = errors.New("index log is not writable")
)

// Runtimes hands out the runtime of the current contract source.
type Runtimes interface {
	// Acquire returns the runtime and a release func. The runtime is not
	// swapped out until released.
	Acquire(ctx context.Context) (contract.Runtime, func(), error)
}

// Updater brings a participant log up to date before Sync reads its length.
type Updater func(ctx context.Context, log *hlog.Log) error

// EventType identifies an executor event.
type EventType int

const (
	// OpExecuted is emitted after an ack is committed.
	OpExecuted EventType = iota

	// RuntimeErrored is emitted when process fails with a runtime error.
	RuntimeErrored
)

// Event describes one thing the executor did.
type Event struct {
	Type   EventType
	Origin hlog.PublicKey
	Seq    uint64
	Ack    *schema.Ack // Ack is set for OpExecuted
	Err    error       // Err is set for RuntimeErrored
}

// Executor follows participant logs and commits their operations.
type Executor struct {
	index    *indexlog.Index
	logs     *hlog.Store
	runtimes Runtimes
	locks    *lock.Manager
	ns       string // ns namespaces lock keys by index key

	members *lock.Members
	metrics *metrics.Executor
	log     *slog.Logger

	retryDelay time.Duration
	now        func() time.Time
	update     Updater

	mu       sync.Mutex
	next     map[string]uint64             // next is the next seq to execute per origin
	watches  map[string]context.CancelFunc // watches cancel per-origin read loops
	progress chan struct{}                 // progress is closed and replaced after each op
	subs     map[chan Event]struct{}
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetryDelay sets the delay before a failed read loop restarts.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Executor) {
		e.retryDelay = d
	}
}

// WithMetrics records executor metrics.
func WithMetrics(m *metrics.Executor) Option {
	return func(e *Executor) {
		e.metrics = m
	}
}

// WithClock sets the time source for ack timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// WithUpdater sets the hook Sync runs on each participant log.
func WithUpdater(u Updater) Option {
	return func(e *Executor) {
		e.update = u
	}
}

// New creates an executor over a writable index. Call Start to begin.
func New(index *indexlog.Index, logs *hlog.Store, runtimes Runtimes, locks *lock.Manager, opts ...Option) (*Executor, error) {
	if !index.Writable() {
		return nil, ErrNotWritable
	}

	e := &Executor{
		index:      index,
		logs:       logs,
		runtimes:   runtimes,
		locks:      locks,
		ns:         index.PublicKey().Hex(),
		members:    lock.NewMembers(),
		log:        logger.Module("executor"),
		retryDelay: defaultRetryDelay,
		now:        time.Now,
		next:       make(map[string]uint64),
		watches:    make(map[string]context.CancelFunc),
		progress:   make(chan struct{}),
		subs:       make(map[chan Event]struct{}),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	return e, nil
}

// Start loads the participant set from the index and starts following it.
func (e *Executor) Start() error {
	items, err := e.index.List(schema.InputsPrefix)
	if err != nil {
		return fmt.Errorf("list inputs:\n%w", err)
	}

	e.wg.Add(1)
	go e.manage()

	for _, item := range items {
		if item.Container || item.Entry == nil {
			continue
		}

		e.applyInput(item.Entry.Value)
	}

	return nil
}

// Participants returns the active participant keys in sorted order.
func (e *Executor) Participants() []string {
	return e.members.List()
}

// Watermark returns the number of operations executed for origin.
func (e *Executor) Watermark(origin hlog.PublicKey) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.next[origin.Hex()]
}

// Subscribe returns a channel of executor events and a cancel func.
// Events are dropped when the channel is full.
func (e *Executor) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, eventBuffer)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once

	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, ch)
			e.mu.Unlock()
		})
	}
}

// Sync waits until every active participant log is executed up to the
// length it had when Sync was called.
func (e *Executor) Sync(ctx context.Context) error {
	targets := make(map[string]uint64)

	for _, key := range e.members.List() {
		log, err := e.openLog(key)
		if err != nil {
			return err
		}

		if e.update != nil {
			if err := e.update(ctx, log); err != nil {
				return fmt.Errorf("update %s:\n%w", key[:8], err)
			}
		}

		targets[key] = log.Length()
	}

	for {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return ErrClosed
		}

		progress := e.progress
		done := true

		for key, target := range targets {
			if e.members.Has(key) && e.next[key] < target {
				done = false
				break
			}
		}
		e.mu.Unlock()

		if done {
			return nil
		}

		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops every read loop and waits for them to exit.
// An operation in flight is abandoned before its commit.
func (e *Executor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.closed = true
	close(e.progress)

	for ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	e.mu.Unlock()

	e.cancel()
	e.members.Close()
	e.wg.Wait()
}

// manage starts and stops read loops as membership changes.
func (e *Executor) manage() {
	defer e.wg.Done()

	for ev := range e.members.Events() {
		if ev.Added {
			e.startWatch(ev.Key)
		} else {
			e.stopWatch(ev.Key)
		}
	}
}

// startWatch starts the read loop of origin.
func (e *Executor) startWatch(origin string) {
	release, err := e.locks.Acquire(e.ctx, e.ns+":watch:"+origin)
	if err != nil {
		return
	}
	defer release()

	if !e.members.Has(origin) {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return
	}

	if cancel, ok := e.watches[origin]; ok {
		cancel()
	}

	ctx, cancel := context.WithCancel(e.ctx)
	e.watches[origin] = cancel

	e.metrics.SetParticipants(len(e.watches))

	e.wg.Add(1)
	go e.watch(ctx, origin)
}

// stopWatch cancels the read loop of origin and forgets its watermark.
func (e *Executor) stopWatch(origin string) {
	release, err := e.locks.Acquire(e.ctx, e.ns+":watch:"+origin)
	if err != nil {
		return
	}
	defer release()

	e.mu.Lock()
	defer e.mu.Unlock()

	if cancel, ok := e.watches[origin]; ok {
		cancel()
		delete(e.watches, origin)
	}

	delete(e.next, origin)
	e.notifyLocked()
	e.metrics.SetParticipants(len(e.watches))

	e.log.Info("stopped following participant", "origin", origin[:8])
}

// restoreWatermark finds the seq after the last ack for origin.
func (e *Executor) restoreWatermark(origin string) (uint64, error) {
	last, err := e.index.Last(schema.AcksPrefix + origin + "/")
	if err != nil {
		return 0, err
	}

	if last == nil {
		return 0, nil
	}

	_, seq, ok := schema.ParseAckPath(last.Path)
	if !ok {
		return 0, fmt.Errorf("malformed ack path %s", last.Path)
	}

	return seq + 1, nil
}

// watch follows one participant log, restarting after failures until cancelled.
func (e *Executor) watch(ctx context.Context, origin string) {
	defer e.wg.Done()

	for {
		err := e.resume(ctx, origin)
		if ctx.Err() != nil || errors.Is(err, ErrClosed) {
			return
		}

		e.log.Warn("participant read loop failed",
			"origin", origin[:8],
			"error", err,
			"retry", e.retryDelay,
		)

		select {
		case <-time.After(e.retryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// resume restores the watermark of origin from its acks and follows its log.
func (e *Executor) resume(ctx context.Context, origin string) error {
	next, err := e.restoreWatermark(origin)
	if err != nil {
		return fmt.Errorf("restore watermark:\n%w", err)
	}

	log, err := e.openLog(origin)
	if err != nil {
		return fmt.Errorf("open participant log:\n%w", err)
	}

	e.mu.Lock()
	if err := ctx.Err(); err != nil {
		e.mu.Unlock()
		return err
	}
	e.next[origin] = next
	e.notifyLocked()
	e.mu.Unlock()

	e.log.Info("following participant", "origin", origin[:8], "from", next)

	return e.follow(ctx, log)
}

// follow executes records of log as they appear.
func (e *Executor) follow(ctx context.Context, log *hlog.Log) error {
	origin := log.PublicKey().Hex()

	for {
		// An inactive participant waits here until its watch is stopped.
		if !e.members.Has(origin) {
			<-ctx.Done()
			return ctx.Err()
		}

		changed := log.Changed()

		e.mu.Lock()
		next := e.next[origin]
		e.mu.Unlock()

		if next < log.Length() {
			if err := e.executeOp(ctx, log, next); err != nil {
				return err
			}
			continue
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// executeOp runs one operation through the contract and commits its ack.
// Operations are serialized across all participants.
func (e *Executor) executeOp(ctx context.Context, log *hlog.Log, seq uint64) error {
	release, err := e.locks.Acquire(ctx, e.ns+":execute")
	if err != nil {
		return err
	}
	defer release()

	if e.isClosed() {
		return ErrClosed
	}

	origin := log.PublicKey()
	key := origin.Hex()

	if !e.members.Has(key) {
		e.log.Warn("skipping op from inactive participant", "origin", key[:8], "seq", seq)
		e.metrics.RecordSkip()
		return nil
	}

	if seq < e.Watermark(origin) {
		e.log.Warn("skipping executed op", "origin", key[:8], "seq", seq)
		e.metrics.RecordSkip()
		return nil
	}

	payload, err := log.Get(seq)
	if err != nil {
		return fmt.Errorf("read op %d:\n%w", seq, err)
	}

	start := e.now()
	ack := schema.NewAck(key, seq, start)

	rt, done, err := e.runtimes.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire runtime:\n%w", err)
	}
	defer done()

	if e.isClosed() {
		return ErrClosed
	}

	muts := e.run(ctx, rt, origin, json.RawMessage(payload), ack)

	if e.isClosed() {
		return ErrClosed
	}

	ackValue, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("encode ack:\n%w", err)
	}

	batch := make([]indexlog.Mutation, 0, len(muts)+1)
	batch = append(batch, indexlog.Mutation{Type: indexlog.OpPut, Path: schema.AckPath(key, seq), Value: ackValue})
	batch = append(batch, muts...)

	if _, err := e.index.Batch(batch); err != nil {
		return fmt.Errorf("commit op %d:\n%w", seq, err)
	}

	for _, m := range muts {
		if m.Type == indexlog.OpPut && strings.HasPrefix(m.Path, schema.InputsPrefix) {
			e.applyInput(m.Value)
		}
	}

	e.advance(origin, seq, ack)
	e.metrics.RecordOp(ack.Success, time.Since(start))

	e.log.Debug("op executed",
		"origin", key[:8],
		"seq", seq,
		"success", ack.Success,
		"changes", ack.NumChanges,
	)

	return nil
}

// run processes and applies one operation in restricted mode, filling in
// the ack outcome. Returns the mutations to commit after the ack.
func (e *Executor) run(ctx context.Context, rt contract.Runtime, origin hlog.PublicKey, op json.RawMessage, ack *schema.Ack) []indexlog.Mutation {
	rt.Restrict()
	defer rt.Unrestrict()

	meta, err := rt.Process(ctx, op)
	switch {
	case err == nil:
		ack.Metadata = meta
	case !errors.Is(err, contract.ErrMethodNotFound):
		e.log.Error("process failed", "origin", origin.Hex()[:8], "seq", ack.Seq, "error", err)
		e.emit(Event{Type: RuntimeErrored, Origin: origin, Seq: ack.Seq, Err: err})
	}

	set, err := rt.Apply(ctx, op, ack.Shell())

	var muts []indexlog.Mutation
	if err == nil {
		muts, err = actions.ToBatch(set)
	}

	if err != nil {
		ack.Success = false
		ack.Error = err.Error()
		return nil
	}

	ack.Success = true
	ack.NumChanges = uint64(len(muts))

	return muts
}

// advance moves the watermark of origin past seq and notifies waiters.
func (e *Executor) advance(origin hlog.PublicKey, seq uint64, ack *schema.Ack) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.next[origin.Hex()] = seq + 1
	e.notifyLocked()
	e.mu.Unlock()

	e.emit(Event{Type: OpExecuted, Origin: origin, Seq: seq, Ack: ack})
}

// notifyLocked wakes Sync callers. Caller holds mu.
func (e *Executor) notifyLocked() {
	if e.closed {
		return
	}

	close(e.progress)
	e.progress = make(chan struct{})
}

// emit delivers ev to every subscriber without blocking.
func (e *Executor) emit(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.log.Debug("dropping executor event", "seq", ev.Seq)
		}
	}
}

// applyInput updates membership from a committed input entry.
func (e *Executor) applyInput(raw json.RawMessage) {
	var in schema.InputEntry
	if err := json.Unmarshal(raw, &in); err != nil {
		e.log.Warn("ignoring malformed input entry", "error", err)
		return
	}

	if in.Active {
		e.members.Add(in.Pubkey)
	} else {
		e.members.Remove(in.Pubkey)
	}
}

// openLog opens the participant log with the given hex key.
func (e *Executor) openLog(key string) (*hlog.Log, error) {
	pub, err := hlog.ParsePublicKey(key)
	if err != nil {
		return nil, err
	}

	return e.logs.Open(pub)
}

// isClosed reports whether Close was called.
func (e *Executor) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.closed
}
