// Package network connects ledger hosts over QUIC. Hosts identify each other
// by ed25519 keys carried in self-signed certificates, answer requests on
// bidirectional streams and receive announcements on unidirectional ones.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/pfrazee/vitra-sub000/internal/logger"
)

const (
	// defaultReconnectDelay is the default delay between reconnection attempts.
	defaultReconnectDelay = 5 * time.Second

	// maxReconnectDelay is the maximum delay between reconnection attempts.
	maxReconnectDelay = 60 * time.Second

	// alpnProtocol is the ALPN protocol identifier.
	alpnProtocol = "vitra/1"
)

var (
	// ErrPeerClosed is returned when using a closed peer.
	ErrPeerClosed = errors.New("peer is closed")

	// ErrNoHandler is returned to a requester when no request handler is set.
	ErrNoHandler = errors.New("no request handler registered")
)

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey     ed25519.PrivateKey // PrivateKey is the host's ed25519 private key
	ListenAddr     string             // ListenAddr is the address to listen on (e.g., ":9000")
	ReconnectDelay time.Duration      // ReconnectDelay is the initial delay between reconnection attempts
	DedupTTL       time.Duration      // DedupTTL is how long a received announcement suppresses duplicates
}

// Node accepts and initiates peer connections.
type Node struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	log        *slog.Logger

	listener *quic.Listener

	peers   map[string]*Peer // peers maps public key hex to peer
	peersMu sync.RWMutex

	knownAddrs   map[string]string // knownAddrs maps public key hex to dialed address
	knownAddrsMu sync.RWMutex

	reconnectDelay time.Duration

	dedup *Dedup // dedup drops announcements seen within its TTL

	onConnect    func(*Peer)
	onMessage    func(*Peer, []byte)
	onDisconnect func(*Peer)
	onRequest    func(*Peer, []byte) ([]byte, error)
	handlersMu   sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a network node.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	reconnectDelay := cfg.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = defaultReconnectDelay
	}

	cert, err := hostCertificate(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("generate certificate:\n%w", err)
	}

	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true, // peers are identified by the key in their certificate
		NextProtos:         []string{alpnProtocol},
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	pub := cfg.PrivateKey.Public().(ed25519.PublicKey)

	return &Node{
		privateKey:     cfg.PrivateKey,
		publicKey:      pub,
		listenAddr:     cfg.ListenAddr,
		tlsConfig:      tlsConfig,
		quicConfig:     quicConfig,
		log:            logger.Module("network").With("node", hex.EncodeToString(pub[:4])),
		peers:          make(map[string]*Peer),
		knownAddrs:     make(map[string]string),
		reconnectDelay: reconnectDelay,
		dedup:          NewDedup(cfg.DedupTTL),
		ctx:            ctx,
		cancel:         cancel,
	}, nil
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// Addr returns the listener's address. Returns empty string if not started.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start starts the node and begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen:\n%w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go n.acceptLoop()

	n.log.Info("listening", "addr", n.Addr())

	return nil
}

// Connect dials a remote node.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s:\n%w", addr, err)
	}

	peer, err := n.setupPeer(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "setup failed")
		return nil, err
	}

	return peer, nil
}

// Broadcast sends a message to all connected peers.
// Returns the last send error, if any.
func (n *Node) Broadcast(data []byte) error {
	var lastErr error

	for _, p := range n.Peers() {
		if err := p.Send(data); err != nil {
			lastErr = err
		}
	}

	return lastErr
}

// Peers returns a list of all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// GetPeer returns the peer for the given public key, or nil if not connected.
func (n *Node) GetPeer(pubkey ed25519.PublicKey) *Peer {
	keyHex := hex.EncodeToString(pubkey)

	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[keyHex]
}

// OnConnect sets the handler called when a peer connects.
func (n *Node) OnConnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onConnect = fn
	n.handlersMu.Unlock()
}

// OnMessage sets the handler called for each new announcement.
func (n *Node) OnMessage(fn func(*Peer, []byte)) {
	n.handlersMu.Lock()
	n.onMessage = fn
	n.handlersMu.Unlock()
}

// OnDisconnect sets the handler called when a peer disconnects.
func (n *Node) OnDisconnect(fn func(*Peer)) {
	n.handlersMu.Lock()
	n.onDisconnect = fn
	n.handlersMu.Unlock()
}

// OnRequest sets the handler for incoming requests.
func (n *Node) OnRequest(fn func(*Peer, []byte) ([]byte, error)) {
	n.handlersMu.Lock()
	n.onRequest = fn
	n.handlersMu.Unlock()
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.dedup.Close()
	n.wg.Wait()

	return nil
}

// acceptLoop accepts incoming connections until the listener closes.
func (n *Node) acceptLoop() {
	defer n.wg.Done()

	for {
		conn, err := n.listener.Accept(n.ctx)
		if err != nil {
			return
		}

		go n.handleIncoming(conn)
	}
}

// handleIncoming registers an accepted connection.
func (n *Node) handleIncoming(conn *quic.Conn) {
	peer, err := n.setupPeer(conn, "")
	if err != nil {
		n.log.Debug("incoming connection rejected", "remote", conn.RemoteAddr(), "error", err)
		conn.CloseWithError(1, "setup failed")
		return
	}

	n.callOnConnect(peer)
}

// setupPeer creates a Peer from a QUIC connection. Only dialed peers
// have an address to reconnect to.
func (n *Node) setupPeer(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := peerKey(conn.ConnectionState().TLS)
	if err != nil {
		return nil, fmt.Errorf("extract public key:\n%w", err)
	}

	keyHex := hex.EncodeToString(pubKey)

	remote := addr
	if remote == "" {
		remote = conn.RemoteAddr().String()
	}

	peer := &Peer{
		publicKey: pubKey,
		address:   remote,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	n.peers[keyHex] = peer
	n.peersMu.Unlock()

	if addr != "" {
		n.knownAddrsMu.Lock()
		n.knownAddrs[keyHex] = addr
		n.knownAddrsMu.Unlock()
	}

	n.log.Debug("peer connected", "peer", keyHex[:8], "addr", remote)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// handlePeerDisconnect forgets a peer and schedules a reconnection if it was dialed.
func (n *Node) handlePeerDisconnect(p *Peer) {
	keyHex := hex.EncodeToString(p.publicKey)

	n.peersMu.Lock()
	if n.peers[keyHex] == p {
		delete(n.peers, keyHex)
	}
	n.peersMu.Unlock()

	n.log.Debug("peer disconnected", "peer", keyHex[:8])
	n.callOnDisconnect(p)

	if n.ctx.Err() != nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.reconnectPeer(keyHex)
	}()
}

// reconnectPeer attempts to reconnect to a peer with exponential backoff.
func (n *Node) reconnectPeer(keyHex string) {
	delay := n.reconnectDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		n.knownAddrsMu.RLock()
		addr, ok := n.knownAddrs[keyHex]
		n.knownAddrsMu.RUnlock()

		if !ok {
			return
		}

		n.peersMu.RLock()
		_, exists := n.peers[keyHex]
		n.peersMu.RUnlock()

		if exists {
			return
		}

		peer, err := n.Connect(addr)
		if err == nil {
			n.callOnConnect(peer)
			return
		}

		n.log.Debug("reconnect failed", "peer", keyHex[:8], "retry", delay, "error", err)

		delay = min(delay*2, maxReconnectDelay)
	}
}

// callOnConnect calls the onConnect handler if set.
func (n *Node) callOnConnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onConnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnMessage calls the onMessage handler if set.
func (n *Node) callOnMessage(p *Peer, data []byte) {
	n.handlersMu.RLock()
	fn := n.onMessage
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p, data)
	}
}

// callOnDisconnect calls the onDisconnect handler if set.
func (n *Node) callOnDisconnect(p *Peer) {
	n.handlersMu.RLock()
	fn := n.onDisconnect
	n.handlersMu.RUnlock()

	if fn != nil {
		fn(p)
	}
}

// callOnRequest calls the onRequest handler if set.
func (n *Node) callOnRequest(p *Peer, data []byte) ([]byte, error) {
	n.handlersMu.RLock()
	fn := n.onRequest
	n.handlersMu.RUnlock()

	if fn == nil {
		return nil, ErrNoHandler
	}

	return fn(p, data)
}
