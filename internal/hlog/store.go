// Package hlog implements signed append-only logs with Merkle roots.
package hlog

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/zeebo/blake3"

	"github.com/pfrazee/vitra-sub000/internal/storage"
)

var (
	// ErrNotWritable is returned when appending to a log without its private key.
	ErrNotWritable = errors.New("log is not writable")

	// ErrBlocksNotAvailable is returned when a record has not been replicated yet.
	ErrBlocksNotAvailable = errors.New("blocks not available")

	// ErrBadSignature is returned when a root signature does not verify.
	ErrBadSignature = errors.New("invalid root signature")

	// ErrNoSignature is returned when no signed root exists for a length.
	ErrNoSignature = errors.New("no signature for length")

	// ErrConflict is returned when replicated records differ from the local copy.
	ErrConflict = errors.New("records conflict with local copy")
)

// PublicKey is the ed25519 identity of a log.
type PublicKey [ed25519.PublicKeySize]byte

// Hex returns the lowercase hex encoding of the key.
func (k PublicKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// String implements fmt.Stringer.
func (k PublicKey) String() string {
	return k.Hex()
}

// ParsePublicKey decodes a 64-character hex public key.
func ParsePublicKey(s string) (PublicKey, error) {
	var k PublicKey

	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("decode public key:\n%w", err)
	}

	if len(b) != len(k) {
		return k, fmt.Errorf("public key must be %d bytes, got %d", len(k), len(b))
	}

	copy(k[:], b)

	return k, nil
}

// DiscoveryKey derives the key peers use to locate a log without learning its identity.
func DiscoveryKey(pub PublicKey) [32]byte {
	h, _ := blake3.NewKeyed(pub[:]) // key is always 32 bytes
	_, _ = h.Write([]byte("vitra-discovery"))

	var out [32]byte
	copy(out[:], h.Sum(nil))

	return out
}

// VerifyRoot checks a root signature made by pub.
func VerifyRoot(pub PublicKey, root Hash, length, fork uint64, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(pub[:], rootPayload(root, length, fork), sig)
}

// Store opens logs kept in a single storage instance.
// A log is opened once per store and shared by every caller.
type Store struct {
	db *storage.Storage // db holds blocks, leaf hashes, signatures and metadata

	mu   sync.Mutex
	logs map[PublicKey]*Log
}

// NewStore creates a store over db.
func NewStore(db *storage.Storage) *Store {
	return &Store{
		db:   db,
		logs: make(map[PublicKey]*Log),
	}
}

// Storage returns the storage the store keeps its logs in.
func (s *Store) Storage() *storage.Storage {
	return s.db
}

// Create generates a new identity and returns its empty writable log.
func (s *Store) Create() (*Log, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return s.Import(priv)
}

// Import opens the log for priv's identity as writable.
// The key is persisted so the log stays writable after reopening.
func (s *Store) Import(priv ed25519.PrivateKey) (*Log, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes", ed25519.PrivateKeySize)
	}

	var pub PublicKey
	copy(pub[:], priv.Public().(ed25519.PublicKey))

	l, err := s.Open(pub)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.priv == nil {
		if err := s.db.Set(l.metaKey('k'), priv); err != nil {
			return nil, fmt.Errorf("store secret key:\n%w", err)
		}

		l.priv = append(ed25519.PrivateKey(nil), priv...)
	}

	return l, nil
}

// Open returns the log for pub, loading any local state.
// An unknown key yields an empty read-only replica.
func (s *Store) Open(pub PublicKey) (*Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l, ok := s.logs[pub]; ok {
		return l, nil
	}

	l, err := s.load(pub)
	if err != nil {
		return nil, fmt.Errorf("load log %s:\n%w", pub.Hex()[:8], err)
	}

	s.logs[pub] = l

	return l, nil
}

// load reads a log's metadata, secret key and leaf hashes from storage.
func (s *Store) load(pub PublicKey) (*Log, error) {
	l := &Log{
		store:   s,
		pub:     pub,
		prefix:  append([]byte("l/"), pub[:]...),
		changed: make(chan struct{}),
	}

	meta, err := s.db.Get(l.metaKey('m'))
	if err != nil {
		return nil, err
	}

	if len(meta) == 16 {
		l.length = binary.BigEndian.Uint64(meta[:8])
		l.fork = binary.BigEndian.Uint64(meta[8:])
	}

	priv, err := s.db.Get(l.metaKey('k'))
	if err != nil {
		return nil, err
	}

	if len(priv) == ed25519.PrivateKeySize {
		l.priv = ed25519.PrivateKey(priv)
	}

	leaves := make([]Hash, 0, l.length)

	err = s.db.IteratePrefix(append(append([]byte{}, l.prefix...), 'h'), func(_, value []byte) error {
		var h Hash
		copy(h[:], value)
		leaves = append(leaves, h)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if uint64(len(leaves)) != l.length {
		return nil, fmt.Errorf("corrupt log: %d leaf hashes for length %d", len(leaves), l.length)
	}

	l.tree = newTree(leaves)

	return l, nil
}
