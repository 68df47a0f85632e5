// Package monitor replays an index log and checks the executor's work.
//
// A monitor holds no write capability. It reads the index history in order,
// re-runs every acked operation through its own contract runtime and
// compares the mutations it derives with the ones the executor committed.
// The first divergence becomes a fraud proof.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/lock"
	"github.com/pfrazee/vitra-sub000/internal/logger"
	"github.com/pfrazee/vitra-sub000/internal/metrics"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
)

const (
	// defaultFetchTimeout bounds the wait for an acked operation to become available.
	defaultFetchTimeout = 10 * time.Second

	// watchBuffer is the capacity of the Watch event channel.
	watchBuffer = 16
)

// Fetcher brings a log up to date, typically by replicating it from a peer.
type Fetcher func(ctx context.Context, log *hlog.Log) error

// Event reports progress of a live watch. Exactly one of the fields
// beyond Seq is meaningful: a validated entry has neither set.
type Event struct {
	Seq   uint64
	Fraud proofs.FraudProof // Fraud ends the watch
	Err   error             // Err ends the watch without a verdict
}

// Monitor validates one index log.
type Monitor struct {
	index   *indexlog.Index
	logs    *hlog.Store
	open    contract.Opener
	locks   *lock.Manager
	ns      string
	metrics *metrics.Monitor
	log     *slog.Logger

	fetch        Fetcher
	fetchTimeout time.Duration

	mu       sync.Mutex
	verified uint64            // verified is the validated prefix length of the index log
	fraud    proofs.FraudProof // fraud is the first violation found

	replay *replay // replay is guarded by the replay lock
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithFetcher sets how the index and participant logs are brought up to date.
func WithFetcher(f Fetcher) Option {
	return func(m *Monitor) {
		m.fetch = f
	}
}

// WithFetchTimeout bounds the wait for an operation payload.
func WithFetchTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		m.fetchTimeout = d
	}
}

// WithMetrics records monitor metrics.
func WithMetrics(mm *metrics.Monitor) Option {
	return func(m *Monitor) {
		m.metrics = mm
	}
}

// New creates a monitor over index. Participant logs are opened from logs
// and contract sources are loaded with open into a private runtime.
func New(index *indexlog.Index, logs *hlog.Store, open contract.Opener, locks *lock.Manager, opts ...Option) *Monitor {
	m := &Monitor{
		index:        index,
		logs:         logs,
		open:         open,
		locks:        locks,
		ns:           index.PublicKey().Hex(),
		log:          logger.Module("monitor"),
		fetchTimeout: defaultFetchTimeout,
		verified:     1,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.replay = newReplay(m)

	return m
}

// VerifiedLength returns the length of the index prefix validated so far.
// The header at seq 0 is always counted.
func (m *Monitor) VerifiedLength() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.verified
}

// State returns the current replay state.
func (m *Monitor) State() State {
	release, err := m.locks.Acquire(context.Background(), m.lockKey())
	if err != nil {
		return m.replay.state
	}
	defer release()

	return m.replay.state
}

// Fraud returns the first violation found, if any.
func (m *Monitor) Fraud() proofs.FraudProof {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.fraud
}

// Verify validates every index entry not yet validated.
// Returns a proofs.FraudProof on the first violation; later calls return
// the same proof.
func (m *Monitor) Verify(ctx context.Context) error {
	if fraud := m.Fraud(); fraud != nil {
		return fraud
	}

	if m.fetch != nil {
		if err := m.fetch(ctx, m.index.Log()); err != nil {
			return fmt.Errorf("update index log:\n%w", err)
		}
	}

	if err := m.checkFork(); err != nil {
		return err
	}

	release, err := m.locks.Acquire(ctx, m.lockKey())
	if err != nil {
		return err
	}
	defer release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	stream := m.index.History(ctx, m.VerifiedLength(), false)

	for e := range stream.C() {
		if err := m.step(ctx, e); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("read index history:\n%w", err)
	}

	m.log.Debug("index verified", "length", m.VerifiedLength(), logger.Timed(start))

	return nil
}

// Watch validates entries as they are appended until ctx is done or a
// violation is found. The channel is closed when the watch stops.
func (m *Monitor) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event, watchBuffer)

	go m.watch(ctx, out)

	return out
}

// Close releases the private runtime.
func (m *Monitor) Close(ctx context.Context) error {
	release, err := m.locks.Acquire(ctx, m.lockKey())
	if err != nil {
		return err
	}
	defer release()

	return m.replay.close(ctx)
}

// watch runs the live validation loop.
func (m *Monitor) watch(ctx context.Context, out chan<- Event) {
	defer close(out)

	send := func(ev Event) {
		select {
		case out <- ev:
		case <-ctx.Done():
		}
	}

	if fraud := m.Fraud(); fraud != nil {
		send(Event{Seq: m.VerifiedLength(), Fraud: fraud})
		return
	}

	if err := m.checkFork(); err != nil {
		send(m.verdict(err))
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream := m.index.History(ctx, m.VerifiedLength(), true)

	for e := range stream.C() {
		err := m.locks.With(ctx, m.lockKey(), func() error {
			if e.Seq < m.VerifiedLength() {
				return nil
			}
			return m.step(ctx, e)
		})

		if err != nil {
			send(m.verdict(err))
			return
		}

		send(Event{Seq: e.Seq})
	}

	if err := stream.Err(); err != nil && ctx.Err() == nil {
		send(Event{Err: err})
	}
}

// verdict turns a validation error into the event ending a watch.
func (m *Monitor) verdict(err error) Event {
	var fraud proofs.FraudProof
	if errors.As(err, &fraud) {
		return Event{Seq: m.VerifiedLength(), Fraud: fraud}
	}

	return Event{Seq: m.VerifiedLength(), Err: err}
}

// step validates one entry and records the outcome. Caller holds the replay lock.
func (m *Monitor) step(ctx context.Context, e indexlog.Entry) error {
	err := m.replay.validate(ctx, e)
	if err == nil {
		m.mu.Lock()
		m.verified = e.Seq + 1
		verified := m.verified
		m.mu.Unlock()

		m.metrics.RecordEntry(verified)

		return nil
	}

	var v proofs.Violation
	if !errors.As(err, &v) {
		return err
	}

	fraud := &proofs.ContractFraudProof{Details: v}

	var fork *proofs.LogForkProof

	proof, perr := m.indexProof()
	switch {
	case perr == nil:
		fraud.IndexStateProof = proof
	case errors.As(perr, &fork):
		return m.record(fork)
	default:
		m.log.Warn("cannot prove index state", "error", perr)
	}

	m.log.Error("contract fraud detected",
		"seq", e.Seq,
		"kind", v.ViolationKind(),
		"detail", v.Error(),
	)

	return m.record(fraud)
}

// record stores the first fraud proof and returns it.
func (m *Monitor) record(fraud proofs.FraudProof) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fraud == nil {
		m.fraud = fraud

		kind := string(fraud.Kind())
		var cf *proofs.ContractFraudProof
		if errors.As(fraud, &cf) && cf.Details != nil {
			kind = cf.Details.ViolationKind()
		}

		m.metrics.RecordViolation(kind)
	}

	return m.fraud
}

// checkFork reports a forked index log as fraud.
func (m *Monitor) checkFork() error {
	if m.index.Log().Fork() == 0 {
		return nil
	}

	_, err := m.indexProof()

	var fork *proofs.LogForkProof
	if errors.As(err, &fork) {
		return m.record(fork)
	}

	return err
}

// indexProof proves the current index log state.
func (m *Monitor) indexProof() (*proofs.InclusionProof, error) {
	length := m.index.Length()
	if length == 0 {
		return nil, proofs.ErrBlocksNotAvailable
	}

	return proofs.Generate(m.index.Log(), length-1)
}

// lockKey is the replay lock of this index.
func (m *Monitor) lockKey() string {
	return m.ns + ":replay"
}
