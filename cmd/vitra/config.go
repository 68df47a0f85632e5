package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pfrazee/vitra-sub000/internal/contract/native"
	"github.com/pfrazee/vitra-sub000/internal/hlog"
)

// Config holds the host configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address. Empty disables the API.
	HTTPAddress string

	// QUICAddress is the QUIC replication listen address.
	QUICAddress string

	// KeyPath is the path to the host's ed25519 private key file.
	KeyPath string

	// PrivateKey is the host's transport identity.
	PrivateKey ed25519.PrivateKey

	// Peers are QUIC addresses to replicate with.
	Peers []string

	// Index is the hex key of the ledger to open. Empty opens the one in DataPath.
	Index string

	// Attest enables signed attestations of what the monitor verified.
	Attest bool

	// FetchTimeout bounds how long the monitor waits for an operation.
	FetchTimeout time.Duration

	// GasLimit bounds a single WebAssembly contract invocation.
	GasLimit uint64
}

// loadConfig builds the host configuration from viper.
func loadConfig() (*Config, error) {
	cfg := &Config{
		DataPath:     viper.GetString("data"),
		HTTPAddress:  viper.GetString("http"),
		QUICAddress:  viper.GetString("quic"),
		KeyPath:      viper.GetString("key"),
		Peers:        viper.GetStringSlice("peer"),
		Index:        viper.GetString("index"),
		Attest:       viper.GetBool("attest"),
		FetchTimeout: viper.GetDuration("fetch-timeout"),
		GasLimit:     viper.GetUint64("gas-limit"),
	}

	if cfg.QUICAddress == "" {
		cfg.QUICAddress = ":0"
	}

	if cfg.KeyPath == "" {
		cfg.KeyPath = filepath.Join(cfg.DataPath, "host.key")
	}

	if err := os.MkdirAll(cfg.DataPath, 0755); err != nil {
		return nil, fmt.Errorf("create data directory:\n%w", err)
	}

	var err error
	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load key:\n%w", err)
	}

	return cfg, nil
}

// indexFile records the ledger a data directory holds.
func (c *Config) indexFile() string {
	return filepath.Join(c.DataPath, "index")
}

// indexKey resolves the ledger to open: the configured key, else the one
// recorded in the data directory.
func (c *Config) indexKey() (hlog.PublicKey, error) {
	key := c.Index

	if key == "" {
		data, err := os.ReadFile(c.indexFile())
		if os.IsNotExist(err) {
			return hlog.PublicKey{}, fmt.Errorf("no ledger in %s: run vitra init or pass --index", c.DataPath)
		}
		if err != nil {
			return hlog.PublicKey{}, fmt.Errorf("read index file:\n%w", err)
		}

		key = strings.TrimSpace(string(data))
	}

	return hlog.ParsePublicKey(key)
}

// saveIndexKey records pub as the ledger of the data directory.
func (c *Config) saveIndexKey(pub hlog.PublicKey) error {
	if err := os.WriteFile(c.indexFile(), []byte(pub.Hex()+"\n"), 0644); err != nil {
		return fmt.Errorf("save index key:\n%w", err)
	}

	return nil
}

// readSource loads a contract: "native:<name>" selects a built-in contract,
// anything else is a path to a WebAssembly module.
func readSource(source string) ([]byte, error) {
	if strings.HasPrefix(source, native.Prefix) {
		return []byte(source), nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("read contract %s:\n%w", source, err)
	}

	return data, nil
}

// loadOrGenerateKey loads the private key from file or generates and saves a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
