package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/pfrazee/vitra-sub000/internal/api"
	"github.com/pfrazee/vitra-sub000/internal/attest"
	"github.com/pfrazee/vitra-sub000/internal/contract/native"
	"github.com/pfrazee/vitra-sub000/internal/contract/wasm"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/ledger"
	"github.com/pfrazee/vitra-sub000/internal/logger"
	"github.com/pfrazee/vitra-sub000/internal/metrics"
	"github.com/pfrazee/vitra-sub000/internal/network"
	"github.com/pfrazee/vitra-sub000/internal/replicate"
	"github.com/pfrazee/vitra-sub000/internal/storage"
)

// Host runs one ledger with replication and, optionally, the HTTP API.
type Host struct {
	cfg *Config
	log *slog.Logger

	storage *storage.Storage
	logs    *hlog.Store
	wasm    *wasm.Pool
	metrics *metrics.Registry
	network *network.Node
	rep     *replicate.Replicator
	ledger  *ledger.Ledger
	api     *api.Server
}

// NewHost opens storage and prepares the transport. No ledger is open yet.
func NewHost(cfg *Config) (*Host, error) {
	h := &Host{
		cfg:     cfg,
		log:     logger.Module("host"),
		metrics: metrics.NewRegistry(),
	}

	if err := h.initStorage(); err != nil {
		return nil, err
	}

	if err := h.initNetwork(); err != nil {
		h.Close()
		return nil, err
	}

	var wasmOpts []wasm.Option
	if cfg.GasLimit > 0 {
		wasmOpts = append(wasmOpts, wasm.WithGasLimit(cfg.GasLimit))
	}
	h.wasm = wasm.New(wasmOpts...)

	h.rep = replicate.New(h.network, h.logs,
		replicate.WithMetrics(h.metrics.NewReplication()),
	)

	return h, nil
}

// initStorage opens the Pebble database.
func (h *Host) initStorage() error {
	db, err := storage.New(filepath.Join(h.cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	h.storage = db
	h.logs = hlog.NewStore(db)

	return nil
}

// initNetwork creates the QUIC node.
func (h *Host) initNetwork() error {
	node, err := network.NewNode(network.Config{
		PrivateKey: h.cfg.PrivateKey,
		ListenAddr: h.cfg.QUICAddress,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	h.network = node

	return nil
}

// ledgerOptions wires the ledger to this host's storage, contracts,
// metrics and replication.
func (h *Host) ledgerOptions() []ledger.Option {
	reg := native.NewRegistry()
	native.RegisterBuiltins(reg)

	opts := []ledger.Option{
		ledger.WithLogs(h.logs),
		ledger.WithRegistry(reg),
		ledger.WithWasm(h.wasm),
		ledger.WithMetrics(h.metrics),
		ledger.WithFetcher(h.rep.Update),
	}

	if h.cfg.FetchTimeout > 0 {
		opts = append(opts, ledger.WithFetchTimeout(h.cfg.FetchTimeout))
	}

	return opts
}

// Create starts a new ledger running source and records it in the data directory.
func (h *Host) Create(ctx context.Context, source []byte) error {
	l, err := ledger.Create(ctx, source, h.ledgerOptions()...)
	if err != nil {
		return fmt.Errorf("create ledger:\n%w", err)
	}

	h.ledger = l

	return h.cfg.saveIndexKey(l.IndexKey())
}

// Open loads the configured ledger. Peers are dialed first so a replica
// can fetch the index while loading.
func (h *Host) Open(ctx context.Context) error {
	key, err := h.cfg.indexKey()
	if err != nil {
		return err
	}

	h.connectPeers()

	l, err := ledger.Load(ctx, key, h.ledgerOptions()...)
	if err != nil {
		return fmt.Errorf("load ledger:\n%w", err)
	}

	h.ledger = l

	if h.cfg.Index != "" {
		return h.cfg.saveIndexKey(key)
	}

	return nil
}

// Listen accepts replication connections.
func (h *Host) Listen() error {
	if err := h.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	return nil
}

// Start serves the open ledger's logs to peers and starts the HTTP API.
func (h *Host) Start() error {
	h.rep.Serve(h.ledger.Index().Log())

	if pub, ok := h.ledger.LocalKey(); ok {
		local, err := h.logs.Open(pub)
		if err != nil {
			return fmt.Errorf("open local log:\n%w", err)
		}

		h.rep.Serve(local)
	}

	if h.cfg.HTTPAddress == "" {
		return nil
	}

	var attester *attest.KeyPair
	if h.cfg.Attest {
		k, err := attest.DeriveFromED25519(h.cfg.PrivateKey)
		if err != nil {
			return fmt.Errorf("derive attestation key:\n%w", err)
		}

		attester = k
		h.log.Info("attesting", "key", hex.EncodeToString(k.PublicKey())[:16])
	}

	h.api = api.New(h.cfg.HTTPAddress, h.ledger, attester, h.metrics.Gatherer())
	if err := h.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return nil
}

// connectPeers dials every configured peer. Failures are logged; the
// network layer keeps retrying dialed addresses.
func (h *Host) connectPeers() {
	for _, addr := range h.cfg.Peers {
		if _, err := h.network.Connect(addr); err != nil {
			h.log.Warn("connect peer", "addr", addr, "error", err)
		}
	}
}

// Monitor verifies the ledger live until ctx is done or fraud is found.
func (h *Host) Monitor(ctx context.Context) {
	for ev := range h.ledger.Watch(ctx) {
		switch {
		case ev.Fraud != nil:
			h.log.Error("fraud detected", "seq", ev.Seq, "kind", ev.Fraud.Kind(), "error", ev.Fraud)
			return
		case ev.Err != nil:
			h.log.Warn("monitor stopped", "seq", ev.Seq, "error", ev.Err)
			return
		default:
			h.log.Debug("entry verified", "seq", ev.Seq)
		}
	}
}

// Close releases everything in reverse order of creation.
func (h *Host) Close() error {
	if h.api != nil {
		h.api.Stop()
	}

	if h.ledger != nil {
		h.ledger.Close(context.Background())
	}

	if h.rep != nil {
		h.rep.Close()
	}

	if h.network != nil {
		h.network.Close()
	}

	if h.wasm != nil {
		h.wasm.Close()
	}

	if h.storage != nil {
		h.storage.Close()
	}

	return nil
}
