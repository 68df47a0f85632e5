package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/api"
	"github.com/pfrazee/vitra-sub000/internal/attest"
	"github.com/pfrazee/vitra-sub000/internal/contract/native"
	"github.com/pfrazee/vitra-sub000/internal/ledger"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
)

// newHost serves a kv ledger and returns a client for it.
func newHost(t *testing.T) (*ledger.Ledger, *Client) {
	t.Helper()

	ctx := context.Background()

	l, err := ledger.Create(ctx, native.Source("kv"), ledger.WithRetryDelay(10*time.Millisecond))
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	t.Cleanup(func() { l.Close(ctx) })

	k, err := attest.GenerateKey()
	if err != nil {
		t.Fatalf("attestation key: %v", err)
	}

	srv := httptest.NewServer(api.New("", l, k, l.Metrics().Gatherer()).Handler())
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, 10*time.Second)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	return l, c
}

// mustJSON marshals v or fails the test.
func mustJSON(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	return data
}

// TestNewAddress tests address normalization.
func TestNewAddress(t *testing.T) {
	c, err := New("127.0.0.1:8080/", time.Second)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if c.base != "http://127.0.0.1:8080" {
		t.Errorf("base = %q", c.base)
	}

	if _, err := New("http://", time.Second); err == nil {
		t.Error("address without host accepted")
	}
}

// TestCallGetStatus tests a round trip through the host API.
func TestCallGetStatus(t *testing.T) {
	l, c := newHost(t)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	tx, processed, err := c.Call(ctx, "put", map[string]string{"path": "/a", "value": "1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}

	if !processed || len(tx.Operations) != 1 {
		t.Fatalf("processed = %v, operations = %d", processed, len(tx.Operations))
	}

	if res := tx.Operations[0].Result(); res == nil || !res.Ack.Success {
		t.Errorf("result = %+v, want successful ack", res)
	}

	// The decoded transaction verifies against the host's own logs.
	bound, err := l.ParseTransaction(mustJSON(t, tx))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := l.VerifyOperation(bound.Operations[0]); err != nil {
		t.Errorf("verify operation: %v", err)
	}

	e, err := c.Get(ctx, "/a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(e.Value) != `"1"` {
		t.Errorf("value = %s", e.Value)
	}

	if _, err := c.Get(ctx, "/missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing get err = %v, want ErrNotFound", err)
	}

	s, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}

	if s.IndexKey != l.IndexKey().Hex() || !s.Executor {
		t.Errorf("status = %+v", s)
	}

	if fraud, err := s.FraudProof(); fraud != nil || err != nil {
		t.Errorf("fraud = %v, %v", fraud, err)
	}
}

// TestProof tests fetching and checking an index proof.
func TestProof(t *testing.T) {
	l, c := newHost(t)
	ctx := context.Background()

	proof, err := c.Proof(ctx, 1)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}

	if err := proofs.Verify(l.Index().Log(), proof); err != nil {
		t.Errorf("verify: %v", err)
	}

	if _, err := c.Proof(ctx, 1000); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing proof err = %v, want ErrNotFound", err)
	}
}

// TestAttestation tests that an attestation is only served once verified.
func TestAttestation(t *testing.T) {
	l, c := newHost(t)
	ctx := context.Background()

	var se *StatusError
	if _, err := c.Attestation(ctx); !errors.As(err, &se) || se.Code != 503 {
		t.Fatalf("unverified err = %v, want status 503", err)
	}

	if err := l.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}

	a, err := c.Attestation(ctx)
	if err != nil {
		t.Fatalf("attestation: %v", err)
	}

	if a.Index != l.IndexKey() {
		t.Errorf("attestation for %s", a.Index.Hex())
	}
}
