package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pfrazee/vitra-sub000/client"
	"github.com/pfrazee/vitra-sub000/internal/attest"
	"github.com/pfrazee/vitra-sub000/internal/logger"
	"github.com/pfrazee/vitra-sub000/internal/proofs"
)

// ── init ─────────────────────────────────────────────────────────────────────

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a ledger in the data directory",
	Long: `init writes genesis for a new ledger running --source and prints its
index key. The source is "native:<name>" for a built-in contract or a path
to a WebAssembly module.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("source", "native:kv", "contract source")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.indexFile()); err == nil {
		return fmt.Errorf("%s already holds a ledger", cfg.DataPath)
	}

	source, err := readSource(viper.GetString("source"))
	if err != nil {
		return err
	}

	h, err := NewHost(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	if err := h.Create(cmd.Context(), source); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), h.ledger.IndexKey().Hex())

	return nil
}

// ── serve ────────────────────────────────────────────────────────────────────

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a host for the ledger",
	Long: `serve opens the ledger and keeps it replicated and verified.

The host holding the index key executes operations. With --index set to
another host's ledger, serve runs a read-only replica that monitors it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("http", ":8080", "HTTP API address, empty to disable")
	serveCmd.Flags().String("quic", ":9000", "QUIC replication address")
	serveCmd.Flags().String("key", "", "host ed25519 key path (default <data>/host.key)")
	serveCmd.Flags().StringSlice("peer", nil, "QUIC address of a peer to replicate with (repeatable)")
	serveCmd.Flags().String("index", "", "hex key of the ledger to open (default: the one in the data directory)")
	serveCmd.Flags().Bool("attest", true, "sign attestations of verified index prefixes")
	serveCmd.Flags().Duration("fetch-timeout", 0, "how long the monitor waits for an operation (0 = default)")
	serveCmd.Flags().Uint64("gas-limit", 0, "gas per WebAssembly invocation (0 = default)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	h, err := NewHost(cfg)
	if err != nil {
		return fmt.Errorf("create host:\n%w", err)
	}
	defer h.Close()

	if err := h.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := h.Open(ctx); err != nil {
		return err
	}

	if err := h.Start(); err != nil {
		return err
	}

	local, _ := h.ledger.LocalKey()

	logger.Info("vitra host started",
		"index", h.ledger.IndexKey().Hex(),
		"executor", h.ledger.IsExecutor(),
		"local", local.Hex(),
		"quic", h.network.Addr(),
		"http", cfg.HTTPAddress,
		"data", cfg.DataPath,
	)

	go h.Monitor(ctx)

	<-ctx.Done()
	logger.Info("shutting down")

	return nil
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replicate a ledger from peers and replay it once",
	Long: `verify fetches the index and participant logs from --peer, replays the
whole index and reports the first fraud proof found. It exits non-zero
when fraud is found.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().String("index", "", "hex key of the ledger to verify")
	verifyCmd.Flags().StringSlice("peer", nil, "QUIC address of a peer serving the ledger (repeatable)")
	verifyCmd.Flags().String("key", "", "host ed25519 key path (default <data>/host.key)")
	verifyCmd.Flags().Duration("fetch-timeout", 10*time.Second, "how long to wait for an operation")
	verifyCmd.Flags().Duration("timeout", 5*time.Minute, "overall verification timeout")
	verifyCmd.Flags().Bool("attest", false, "print a signed attestation when the ledger verifies")
}

// verifyReport is the JSON verdict printed by verify.
type verifyReport struct {
	Index          string              `json:"index"`
	VerifiedLength uint64              `json:"verifiedLength"`
	Fraud          proofs.FraudProof   `json:"fraud,omitempty"`
	Attestation    *attest.Attestation `json:"attestation,omitempty"`
}

// errFraud makes the process exit non-zero after the report is printed.
var errFraud = errors.New("fraud detected")

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if len(cfg.Peers) == 0 {
		return errors.New("verify needs at least one --peer")
	}

	h, err := NewHost(cfg)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), viper.GetDuration("timeout"))
	defer cancel()

	if err := h.Open(ctx); err != nil {
		return err
	}

	report := verifyReport{Index: h.ledger.IndexKey().Hex()}

	verr := h.ledger.Verify(ctx)
	report.VerifiedLength = h.ledger.Monitor().VerifiedLength()

	var fraud proofs.FraudProof
	switch {
	case errors.As(verr, &fraud):
		report.Fraud = fraud
	case verr != nil:
		return fmt.Errorf("verify:\n%w", verr)
	case cfg.Attest:
		k, err := attest.DeriveFromED25519(cfg.PrivateKey)
		if err != nil {
			return err
		}

		if report.Attestation, err = h.ledger.Attest(k); err != nil && !errors.Is(err, attest.ErrNothingVerified) {
			return err
		}
	}

	if err := printJSON(cmd, report); err != nil {
		return err
	}

	if report.Fraud != nil {
		return errFraud
	}

	return nil
}

// ── client commands ──────────────────────────────────────────────────────────

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show a host's ledger status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		s, err := c.Status(cmd.Context())
		if err != nil {
			return err
		}

		return printJSON(cmd, s)
	},
}

var callCmd = &cobra.Command{
	Use:   "call <method> [params-json]",
	Short: "Call a contract method on a host",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		var params json.RawMessage
		if len(args) == 2 {
			if !json.Valid([]byte(args[1])) {
				return fmt.Errorf("params %q are not JSON", args[1])
			}
			params = json.RawMessage(args[1])
		}

		tx, processed, err := c.Call(cmd.Context(), args[0], params)
		if err != nil {
			return err
		}

		if !processed {
			logger.Warn("call not processed yet", "method", args[0])
		}

		return printJSON(cmd, tx)
	},
}

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Read an index entry from a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}

		e, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		return printJSON(cmd, e)
	},
}

var proofCmd = &cobra.Command{
	Use:   "proof <seq>",
	Short: "Fetch the inclusion proof of an index entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		seq, err := strconv.ParseUint(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("seq %q:\n%w", args[0], err)
		}

		c, err := newClient()
		if err != nil {
			return err
		}

		proof, err := c.Proof(cmd.Context(), seq)

		var fraud proofs.FraudProof
		if errors.As(err, &fraud) {
			printJSON(cmd, fraud)
			return errFraud
		}
		if err != nil {
			return err
		}

		return printJSON(cmd, proof)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, callCmd, getCmd, proofCmd} {
		cmd.Flags().String("host", "127.0.0.1:8080", "HTTP address of the host")
		cmd.Flags().Duration("timeout", 40*time.Second, "request timeout")
	}
}

// newClient connects to the configured host.
func newClient() (*client.Client, error) {
	return client.New(viper.GetString("host"), viper.GetDuration("timeout"))
}

// printJSON writes v indented to the command output.
func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}
