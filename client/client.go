// Package client talks to a vitra host over its HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pfrazee/vitra-sub000/internal/attest"
	"github.com/pfrazee/vitra-sub000/internal/indexlog"
	"github.com/pfrazee/vitra-sub000/internal/ledger"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
)

// ErrNotFound is returned when a proof or state path does not exist.
var ErrNotFound = errors.New("not found")

// Client connects to a vitra host via HTTP.
type Client struct {
	base string       // base is the API root URL (e.g. "http://127.0.0.1:8080")
	http *http.Client // http sends the requests
}

// Status is a host's view of its ledger.
type Status struct {
	IndexKey       string            `json:"indexKey"`
	LocalKey       string            `json:"localKey,omitempty"`
	Executor       bool              `json:"executor"`
	Length         uint64            `json:"length"`
	Fork           uint64            `json:"fork"`
	VerifiedLength uint64            `json:"verifiedLength"`
	Watermarks     map[string]uint64 `json:"watermarks,omitempty"`
	Fraud          json.RawMessage   `json:"fraud,omitempty"`
}

// FraudProof decodes the fraud proof the host recorded, or returns nil.
func (s *Status) FraudProof() (proofs.FraudProof, error) {
	if len(s.Fraud) == 0 || string(s.Fraud) == "null" {
		return nil, nil
	}

	return proofs.UnmarshalFraudProof(s.Fraud)
}

// New creates a client for the host at addr, given as host:port or a URL.
func New(addr string, timeout time.Duration) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("parse address %q:\n%w", addr, err)
	}

	if u.Host == "" {
		return nil, fmt.Errorf("address %q has no host", addr)
	}

	return &Client{
		base: strings.TrimSuffix(u.String(), "/"),
		http: &http.Client{Timeout: timeout},
	}, nil
}

// Health checks that the host is serving.
func (c *Client) Health(ctx context.Context) error {
	var resp map[string]string

	return c.httpGet(ctx, "/health", &resp)
}

// Status fetches the host's ledger status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.httpGet(ctx, "/status", &s); err != nil {
		return nil, fmt.Errorf("get status:\n%w", err)
	}

	return &s, nil
}

// Proof fetches the inclusion proof of index entry seq. A host whose
// index has forked answers with a *proofs.LogForkProof, returned as the error.
func (c *Client) Proof(ctx context.Context, seq uint64) (*proofs.InclusionProof, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/proof/"+strconv.FormatUint(seq, 10), nil)
	if err != nil {
		return nil, err
	}

	var raw json.RawMessage

	code, err := c.do(req, &raw, http.StatusOK, http.StatusConflict)
	if err != nil {
		return nil, notFound(err)
	}

	if code == http.StatusConflict {
		fraud, err := proofs.UnmarshalFraudProof(raw)
		if err != nil {
			return nil, err
		}

		return nil, fraud
	}

	var proof proofs.InclusionProof
	if err := json.Unmarshal(raw, &proof); err != nil {
		return nil, fmt.Errorf("decode proof:\n%w", err)
	}

	return &proof, nil
}

// Get reads the index entry at path.
func (c *Client) Get(ctx context.Context, path string) (*indexlog.Entry, error) {
	var e indexlog.Entry
	if err := c.httpGet(ctx, "/state/"+strings.TrimPrefix(path, "/"), &e); err != nil {
		return nil, notFound(err)
	}

	return &e, nil
}

// Call runs method with params on the host. processed is false when the
// host answered before the executor acknowledged every operation.
func (c *Client) Call(ctx context.Context, method string, params any) (tx *ledger.Transaction, processed bool, err error) {
	tx = &ledger.Transaction{}

	code, err := c.httpPostJSON(ctx, "/call/"+url.PathEscape(method), params, tx)
	if err != nil {
		return nil, false, fmt.Errorf("call %s:\n%w", method, err)
	}

	return tx, code == http.StatusOK, nil
}

// Attestation fetches the host monitor's signed statement.
func (c *Client) Attestation(ctx context.Context) (*attest.Attestation, error) {
	var a attest.Attestation
	if err := c.httpGet(ctx, "/attestation", &a); err != nil {
		return nil, fmt.Errorf("get attestation:\n%w", err)
	}

	if !a.Verify() {
		return nil, fmt.Errorf("attestation from %s has an invalid signature", c.base)
	}

	return &a, nil
}

// notFound maps a 404 to ErrNotFound.
func notFound(err error) error {
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", ErrNotFound, se.Message)
	}

	return err
}
