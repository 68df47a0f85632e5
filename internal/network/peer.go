package network

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// defaultRequestTimeout bounds requests whose context has no deadline.
	defaultRequestTimeout = 30 * time.Second

	// acceptIdle is how long receiveLoop waits for a stream before re-checking.
	acceptIdle = 10 * time.Second
)

// Peer is a connection to a remote host.
type Peer struct {
	publicKey ed25519.PublicKey
	address   string
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool
	mu        sync.Mutex // mu serializes Send
}

// PublicKey returns the remote host's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send delivers an announcement on a new unidirectional stream.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return ErrPeerClosed
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	stream, err := p.conn.OpenUniStreamSync(p.node.ctx)
	if err != nil {
		return fmt.Errorf("open stream:\n%w", err)
	}

	if err := writeMessage(stream, data); err != nil {
		stream.Close()
		return fmt.Errorf("write message:\n%w", err)
	}

	return stream.Close()
}

// Request sends data on a bidirectional stream and waits for the response.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPeerClosed
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := writeMessage(stream, data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := readMessage(stream)
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts streams until the connection ends.
func (p *Peer) receiveLoop() {
	ctx, cancel := context.WithCancel(p.node.ctx)
	defer cancel()

	go p.acceptBidiStreams(ctx)

	for {
		wait, stop := context.WithTimeout(ctx, acceptIdle)
		stream, err := p.conn.AcceptUniStream(wait)
		stop()

		if err != nil {
			if ctx.Err() == nil && wait.Err() == context.DeadlineExceeded {
				continue
			}
			p.node.log.Debug("receive loop ended", "peer", p.address, "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts request streams.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request. A failed handler resets the stream
// so the requester sees an error instead of waiting for its deadline.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := readMessage(stream)
	if err != nil {
		return
	}

	response, err := p.node.callOnRequest(p, data)
	if err != nil {
		p.node.log.Debug("request failed", "peer", p.address, "error", err)
		stream.CancelWrite(1)
		return
	}

	writeMessage(stream, response)
}

// handleUniStream reads one announcement and drops duplicates.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	data, err := readMessage(stream)
	if err != nil {
		p.node.log.Debug("stream read error", "peer", p.address, "error", err)
		return
	}

	if !p.node.dedup.Check(data) {
		return
	}

	p.node.callOnMessage(p, data)
}

// handleDisconnect runs once when the connection ends.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.node.handlePeerDisconnect(p)
}
