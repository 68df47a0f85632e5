package replicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/logger"
	"github.com/pfrazee/vitra-sub000/internal/metrics"
	"github.com/pfrazee/vitra-sub000/internal/network"
)

// defaultPullTimeout bounds a pull triggered by an announcement.
const defaultPullTimeout = 30 * time.Second

// ErrNoPeers is returned by Update when no peer is connected.
var ErrNoPeers = errors.New("no connected peers")

// Replicator serves local logs to peers and keeps followed replicas current.
type Replicator struct {
	node    *network.Node
	logs    *hlog.Store
	server  *Server
	metrics *metrics.Replication
	log     *slog.Logger
	timeout time.Duration

	mu       sync.Mutex
	served   map[hlog.PublicKey]*hlog.Log
	followed map[hlog.PublicKey]*hlog.Log
	pulling  map[hlog.PublicKey]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Replicator.
type Option func(*Replicator)

// WithMetrics records pulled and served records.
func WithMetrics(m *metrics.Replication) Option {
	return func(r *Replicator) {
		r.metrics = m
	}
}

// WithPullTimeout bounds pulls triggered by announcements.
func WithPullTimeout(d time.Duration) Option {
	return func(r *Replicator) {
		r.timeout = d
	}
}

// New installs the replication handlers on node.
func New(node *network.Node, logs *hlog.Store, opts ...Option) *Replicator {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Replicator{
		node:     node,
		logs:     logs,
		log:      logger.Module("replicate"),
		timeout:  defaultPullTimeout,
		served:   make(map[hlog.PublicKey]*hlog.Log),
		followed: make(map[hlog.PublicKey]*hlog.Log),
		pulling:  make(map[hlog.PublicKey]bool),
		ctx:      ctx,
		cancel:   cancel,
	}

	for _, opt := range opts {
		opt(r)
	}

	r.server = NewServer(logs, r.metrics)

	node.OnRequest(func(_ *network.Peer, data []byte) ([]byte, error) {
		return r.server.Handle(data)
	})
	node.OnMessage(r.onHave)
	node.OnConnect(r.onConnect)

	return r
}

// Serve announces l to every peer now and whenever it changes.
func (r *Replicator) Serve(l *hlog.Log) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.served[l.PublicKey()]; ok {
		return
	}

	r.served[l.PublicKey()] = l

	r.wg.Add(1)
	go r.announceLoop(l)
}

// Follow pulls l whenever a peer announces a newer head.
func (r *Replicator) Follow(l *hlog.Log) {
	if l.Writable() {
		return
	}

	r.mu.Lock()
	r.followed[l.PublicKey()] = l
	r.mu.Unlock()
}

// Update follows l and pulls it from every connected peer. It fails only
// when no peer could be asked or every peer failed.
func (r *Replicator) Update(ctx context.Context, l *hlog.Log) error {
	if l.Writable() {
		return nil
	}

	r.Follow(l)

	peers := r.node.Peers()
	if len(peers) == 0 {
		return ErrNoPeers
	}

	var errs []error

	for _, p := range peers {
		n, err := Pull(ctx, p, l)
		r.metrics.RecordPulled(short(l.PublicKey()), n)

		if err != nil {
			errs = append(errs, fmt.Errorf("peer %s:\n%w", p.Address(), err))
		}
	}

	if len(errs) == len(peers) {
		return errors.Join(errs...)
	}

	return nil
}

// Close stops announcing.
func (r *Replicator) Close() {
	r.cancel()
	r.wg.Wait()
}

// announceLoop broadcasts the head of l after every change.
func (r *Replicator) announceLoop(l *hlog.Log) {
	defer r.wg.Done()

	for {
		changed := l.Changed()

		if err := r.node.Broadcast(encodeHave(headOf(l))); err != nil {
			r.log.Debug("announce failed", "log", short(l.PublicKey()), "error", err)
		}

		select {
		case <-changed:
		case <-r.ctx.Done():
			return
		}
	}
}

// onConnect tells a new peer about every served log.
func (r *Replicator) onConnect(p *network.Peer) {
	r.mu.Lock()
	logs := make([]*hlog.Log, 0, len(r.served))
	for _, l := range r.served {
		logs = append(logs, l)
	}
	r.mu.Unlock()

	for _, l := range logs {
		if err := p.Send(encodeHave(headOf(l))); err != nil {
			r.log.Debug("announce to new peer failed", "peer", p.Address(), "error", err)
			return
		}
	}
}

// onHave pulls a followed log from the announcing peer when it is ahead.
func (r *Replicator) onHave(p *network.Peer, data []byte) {
	h, err := decodeHave(data)
	if err != nil {
		r.log.Debug("bad announcement", "peer", p.Address(), "error", err)
		return
	}

	r.mu.Lock()
	l, ok := r.followed[h.Log]
	if !ok || r.pulling[h.Log] || r.ctx.Err() != nil || !ahead(h, l) {
		r.mu.Unlock()
		return
	}
	r.pulling[h.Log] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.pulling, h.Log)
			r.mu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(r.ctx, r.timeout)
		defer cancel()

		n, err := Pull(ctx, p, l)
		r.metrics.RecordPulled(short(h.Log), n)

		if err != nil {
			r.log.Warn("pull failed", "log", short(h.Log), "peer", p.Address(), "error", err)
			return
		}

		r.log.Debug("pulled", "log", short(h.Log), "records", n, "length", l.Length())
	}()
}

// headOf returns the announcement for the current head of l.
func headOf(l *hlog.Log) have {
	return have{Log: l.PublicKey(), Length: l.Length(), Fork: l.Fork()}
}

// ahead reports whether an announcement is newer than the local copy.
func ahead(h have, l *hlog.Log) bool {
	fork := l.Fork()

	return h.Fork > fork || (h.Fork == fork && h.Length > l.Length())
}

// short returns the log label used in logs and metrics.
func short(pub hlog.PublicKey) string {
	return pub.Hex()[:8]
}
