package network

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// generateTestKey generates a random ed25519 key for testing.
func generateTestKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return priv
}

// startNode creates and starts a node on a random local port.
func startNode(t *testing.T, key ed25519.PrivateKey) *Node {
	t.Helper()

	if key == nil {
		key = generateTestKey(t)
	}

	node, err := NewNode(Config{PrivateKey: key, ListenAddr: "127.0.0.1:0", DedupTTL: time.Minute})
	if err != nil {
		t.Fatalf("create node: %v", err)
	}

	if err := node.Start(); err != nil {
		t.Fatalf("start node: %v", err)
	}
	t.Cleanup(func() { node.Close() })

	return node
}

// connect dials server from client and waits for the server to register it.
func connect(t *testing.T, client, server *Node) *Peer {
	t.Helper()

	peer, err := client.Connect(server.Addr())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for server.GetPeer(client.PublicKey()) == nil {
		if time.Now().After(deadline) {
			t.Fatal("server did not register the connection")
		}
		time.Sleep(10 * time.Millisecond)
	}

	return peer
}

// TestNewNodeValidates tests that a key and address are required.
func TestNewNodeValidates(t *testing.T) {
	if _, err := NewNode(Config{ListenAddr: ":0"}); err == nil {
		t.Error("node without key accepted")
	}

	if _, err := NewNode(Config{PrivateKey: generateTestKey(t)}); err == nil {
		t.Error("node without address accepted")
	}
}

// TestNodeConnect tests that peers learn each other's keys.
func TestNodeConnect(t *testing.T) {
	serverKey := generateTestKey(t)
	server := startNode(t, serverKey)
	client := startNode(t, nil)

	var connected atomic.Bool
	server.OnConnect(func(*Peer) { connected.Store(true) })

	peer := connect(t, client, server)

	if !bytes.Equal(peer.PublicKey(), serverKey.Public().(ed25519.PublicKey)) {
		t.Error("peer public key mismatch")
	}

	if !connected.Load() {
		t.Error("server OnConnect not called")
	}

	if len(client.Peers()) != 1 || len(server.Peers()) != 1 {
		t.Errorf("peer counts: client %d, server %d, want 1 and 1", len(client.Peers()), len(server.Peers()))
	}
}

// TestRequestResponse tests a request answered by the remote handler.
func TestRequestResponse(t *testing.T) {
	server := startNode(t, nil)
	client := startNode(t, nil)

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		return append([]byte("echo:"), data...), nil
	})

	peer := connect(t, client, server)

	response, err := peer.Request(context.Background(), []byte("hello"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if !bytes.Equal(response, []byte("echo:hello")) {
		t.Errorf("response = %q, want %q", response, "echo:hello")
	}
}

// TestRequestHandlerError tests that a failing handler fails the request quickly.
func TestRequestHandlerError(t *testing.T) {
	server := startNode(t, nil)
	client := startNode(t, nil)

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		return nil, errors.New("boom")
	})

	peer := connect(t, client, server)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	start := time.Now()
	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Fatal("request to failing handler succeeded")
	}

	if time.Since(start) > 4*time.Second {
		t.Error("failed request waited for its deadline")
	}
}

// TestRequestTimeout tests that the context deadline bounds a request.
func TestRequestTimeout(t *testing.T) {
	server := startNode(t, nil)
	client := startNode(t, nil)

	server.OnRequest(func(p *Peer, data []byte) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return []byte("late"), nil
	})

	peer := connect(t, client, server)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if _, err := peer.Request(ctx, []byte("hello")); err == nil {
		t.Error("expected timeout error")
	}
}

// TestBroadcast tests that an announcement reaches every peer once.
func TestBroadcast(t *testing.T) {
	hub := startNode(t, nil)

	var received atomic.Int32
	listeners := make([]*Node, 3)

	for i := range listeners {
		listeners[i] = startNode(t, nil)
		listeners[i].OnMessage(func(p *Peer, data []byte) {
			if string(data) == "have" {
				received.Add(1)
			}
		})
		connect(t, hub, listeners[i])
	}

	if err := hub.Broadcast([]byte("have")); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for received.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if got := received.Load(); got != 3 {
		t.Errorf("received %d announcements, want 3", got)
	}
}

// TestDuplicateAnnouncementsDropped tests that the same announcement from two peers is handled once.
func TestDuplicateAnnouncementsDropped(t *testing.T) {
	server := startNode(t, nil)

	var received atomic.Int32
	server.OnMessage(func(p *Peer, data []byte) { received.Add(1) })

	peer1 := connect(t, startNode(t, nil), server)
	peer2 := connect(t, startNode(t, nil), server)

	msg := []byte("same announcement from two peers")
	if err := peer1.Send(msg); err != nil {
		t.Fatalf("send 1: %v", err)
	}
	if err := peer2.Send(msg); err != nil {
		t.Fatalf("send 2: %v", err)
	}

	time.Sleep(200 * time.Millisecond)

	if got := received.Load(); got != 1 {
		t.Errorf("received %d, want 1", got)
	}
}

// TestSendAfterClose tests that a closed peer rejects sends and requests.
func TestSendAfterClose(t *testing.T) {
	server := startNode(t, nil)
	client := startNode(t, nil)

	peer := connect(t, client, server)
	peer.Close()

	if err := peer.Send([]byte("x")); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("send err = %v, want ErrPeerClosed", err)
	}

	if _, err := peer.Request(context.Background(), []byte("x")); !errors.Is(err, ErrPeerClosed) {
		t.Errorf("request err = %v, want ErrPeerClosed", err)
	}
}

// TestReconnect tests that a dialed peer is redialed after the remote restarts.
func TestReconnect(t *testing.T) {
	serverKey := generateTestKey(t)

	server, err := NewNode(Config{PrivateKey: serverKey, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	if err := server.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	addr := server.Addr()

	client, err := NewNode(Config{PrivateKey: generateTestKey(t), ListenAddr: "127.0.0.1:0", ReconnectDelay: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := client.Start(); err != nil {
		t.Fatalf("start client: %v", err)
	}
	defer client.Close()

	if _, err := client.Connect(addr); err != nil {
		t.Fatalf("connect: %v", err)
	}

	server.Close()

	restarted, err := NewNode(Config{PrivateKey: serverKey, ListenAddr: addr})
	if err != nil {
		t.Fatalf("recreate server: %v", err)
	}
	if err := restarted.Start(); err != nil {
		t.Fatalf("restart server: %v", err)
	}
	defer restarted.Close()

	serverPub := serverKey.Public().(ed25519.PublicKey)
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		if p := client.GetPeer(serverPub); p != nil && !p.closed.Load() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("client did not reconnect")
}

// TestFraming tests the length-prefixed codec.
func TestFraming(t *testing.T) {
	var buf bytes.Buffer

	if err := writeMessage(&buf, []byte("block")); err != nil {
		t.Fatalf("write: %v", err)
	}

	if buf.Len() != lengthPrefixSize+5 {
		t.Errorf("frame size = %d, want %d", buf.Len(), lengthPrefixSize+5)
	}

	got, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "block" {
		t.Errorf("payload = %q", got)
	}

	if err := writeMessage(&buf, make([]byte, maxMessageSize+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized write err = %v", err)
	}

	oversized := []byte{0xff, 0xff, 0xff, 0xff}
	if _, err := readMessage(bytes.NewReader(oversized)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized read err = %v", err)
	}
}

// TestDedup tests first-seen detection and expiry.
func TestDedup(t *testing.T) {
	d := NewDedup(50 * time.Millisecond)
	defer d.Close()

	if !d.Check([]byte("a")) {
		t.Fatal("first message reported as duplicate")
	}
	if d.Check([]byte("a")) {
		t.Fatal("duplicate message reported as new")
	}
	if !d.Check([]byte("b")) {
		t.Fatal("distinct message reported as duplicate")
	}

	time.Sleep(100 * time.Millisecond)

	if !d.Check([]byte("a")) {
		t.Error("expired message still reported as duplicate")
	}
}
