package hlog

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pfrazee/vitra-sub000/internal/storage"
)

// Log is an append-only sequence of records whose Merkle root is signed
// by the log's ed25519 key after every append or truncate.
type Log struct {
	store  *Store
	pub    PublicKey
	prefix []byte // prefix namespaces every storage key of this log

	mu      sync.RWMutex
	priv    ed25519.PrivateKey // priv is nil for replicas
	length  uint64
	fork    uint64 // fork counts fork-producing truncates
	tree    *tree
	changed chan struct{} // changed is closed and replaced on every change
}

// PublicKey returns the log identity.
func (l *Log) PublicKey() PublicKey {
	return l.pub
}

// DiscoveryKey returns the replication discovery key of the log.
func (l *Log) DiscoveryKey() [32]byte {
	return DiscoveryKey(l.pub)
}

// Writable reports whether this process holds the log's private key.
func (l *Log) Writable() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.priv != nil
}

// Length returns the number of records.
func (l *Log) Length() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.length
}

// Fork returns the fork counter, zero until the log is truncated.
func (l *Log) Fork() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.fork
}

// Changed returns a channel closed on the next append, truncate or import.
func (l *Log) Changed() <-chan struct{} {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.changed
}

// Append adds records and signs the new root.
// Returns the sequence number of the first appended record.
func (l *Log) Append(records ...[]byte) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.priv == nil {
		return 0, ErrNotWritable
	}

	base := l.length
	b := &storage.Batch{}

	for i, rec := range records {
		seq := base + uint64(i)
		h := LeafHash(rec)

		b.Set(l.key('b', seq), rec)
		b.Set(l.key('h', seq), h[:])
		l.tree.leaves = append(l.tree.leaves, h)
	}

	length := base + uint64(len(records))
	sig := ed25519.Sign(l.priv, rootPayload(l.tree.root(length), length, l.fork))

	b.Set(l.key('s', length), sig)
	b.Set(l.metaKey('m'), encodeMeta(length, l.fork))

	if err := l.store.db.Apply(b); err != nil {
		l.tree.truncate(base)
		return 0, fmt.Errorf("write records:\n%w", err)
	}

	l.length = length
	l.notify()

	return base, nil
}

// Get returns the record at seq.
func (l *Log) Get(seq uint64) ([]byte, error) {
	l.mu.RLock()
	length := l.length
	l.mu.RUnlock()

	if seq >= length {
		return nil, fmt.Errorf("record %d of %d:\n%w", seq, length, ErrBlocksNotAvailable)
	}

	rec, err := l.store.db.Get(l.key('b', seq))
	if err != nil {
		return nil, fmt.Errorf("read record %d:\n%w", seq, err)
	}

	if rec == nil {
		return nil, fmt.Errorf("record %d:\n%w", seq, ErrBlocksNotAvailable)
	}

	return rec, nil
}

// Wait blocks until the log holds at least length records.
func (l *Log) Wait(ctx context.Context, length uint64) error {
	for {
		l.mu.RLock()
		have, ch := l.length, l.changed
		l.mu.RUnlock()

		if have >= length {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// RootHash returns the Merkle root over the first length records.
func (l *Log) RootHash(length uint64) (Hash, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if length > l.length {
		return Hash{}, fmt.Errorf("root at %d of %d:\n%w", length, l.length, ErrBlocksNotAvailable)
	}

	return l.tree.root(length), nil
}

// Signature returns the signature of the current root.
func (l *Log) Signature() ([]byte, error) {
	return l.SignatureAt(l.Length())
}

// SignatureAt returns a signature over the root at length under the current fork.
// Writable logs sign on demand; replicas return the signature they imported.
func (l *Log) SignatureAt(length uint64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if length > l.length {
		return nil, fmt.Errorf("signature at %d of %d:\n%w", length, l.length, ErrBlocksNotAvailable)
	}

	if l.priv != nil {
		return ed25519.Sign(l.priv, rootPayload(l.tree.root(length), length, l.fork)), nil
	}

	sig, err := l.store.db.Get(l.key('s', length))
	if err != nil {
		return nil, fmt.Errorf("read signature:\n%w", err)
	}

	if sig == nil {
		return nil, fmt.Errorf("length %d:\n%w", length, ErrNoSignature)
	}

	return sig, nil
}

// SignedCover returns the smallest length >= length that has a signed root,
// with that signature. Writable logs sign length itself; replicas only hold
// signatures at the lengths they imported, so the cover may be longer.
func (l *Log) SignedCover(length uint64) (uint64, []byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if length > l.length {
		return 0, nil, fmt.Errorf("signature at %d of %d:\n%w", length, l.length, ErrBlocksNotAvailable)
	}

	if l.priv != nil {
		return length, ed25519.Sign(l.priv, rootPayload(l.tree.root(length), length, l.fork)), nil
	}

	sigPrefix := append(append([]byte{}, l.prefix...), 's')

	key, sig, err := l.store.db.Seek(sigPrefix, l.key('s', length))
	if err != nil {
		return 0, nil, fmt.Errorf("seek signature:\n%w", err)
	}

	if key == nil {
		return 0, nil, fmt.Errorf("length %d:\n%w", length, ErrNoSignature)
	}

	return binary.BigEndian.Uint64(key[len(sigPrefix):]), sig, nil
}

// VerifyRoot checks a signature made by this log's key.
func (l *Log) VerifyRoot(root Hash, length, fork uint64, sig []byte) bool {
	return VerifyRoot(l.pub, root, length, fork, sig)
}

// Truncate drops every record at or beyond length and increments the fork counter.
// Signatures of the previous fork are discarded.
func (l *Log) Truncate(length uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.priv == nil {
		return ErrNotWritable
	}

	if length > l.length {
		return fmt.Errorf("truncate to %d beyond length %d", length, l.length)
	}

	fork := l.fork + 1
	b := &storage.Batch{}

	if err := l.dropFrom(b, length); err != nil {
		return err
	}

	l.tree.truncate(length)
	sig := ed25519.Sign(l.priv, rootPayload(l.tree.root(length), length, fork))

	b.Set(l.key('s', length), sig)
	b.Set(l.metaKey('m'), encodeMeta(length, fork))

	if err := l.store.db.Apply(b); err != nil {
		return fmt.Errorf("write truncate:\n%w", err)
	}

	l.length = length
	l.fork = fork
	l.notify()

	return nil
}

// PutSigned imports records [start, length) received from the log's writer.
// The signature must cover the resulting root. A higher fork first
// discards local records from start onward.
func (l *Log) PutSigned(start uint64, records [][]byte, length, fork uint64, sig []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if start+uint64(len(records)) != length {
		return fmt.Errorf("records [%d, %d) do not end at length %d", start, start+uint64(len(records)), length)
	}

	if fork < l.fork {
		return fmt.Errorf("stale fork %d, local fork is %d", fork, l.fork)
	}

	forked := fork > l.fork
	if !forked && length < l.length {
		return fmt.Errorf("length %d shorter than local %d on fork %d", length, l.length, fork)
	}

	if start > l.length {
		return fmt.Errorf("gap: records start at %d, local length %d", start, l.length)
	}

	keep := l.length
	if forked {
		keep = start
	}

	candidate := l.tree.branch(start)
	for i, rec := range records {
		seq := start + uint64(i)
		h := LeafHash(rec)

		if seq < keep && l.tree.leaves[seq] != h {
			return fmt.Errorf("record %d:\n%w", seq, ErrConflict)
		}

		candidate.leaves = append(candidate.leaves, h)
	}

	if !VerifyRoot(l.pub, candidate.root(length), length, fork, sig) {
		return ErrBadSignature
	}

	b := &storage.Batch{}

	if forked {
		if err := l.dropFrom(b, start); err != nil {
			return err
		}
	}

	for i, rec := range records {
		seq := start + uint64(i)
		b.Set(l.key('b', seq), rec)
		b.Set(l.key('h', seq), candidate.leaves[seq][:])
	}

	b.Set(l.key('s', length), sig)
	b.Set(l.metaKey('m'), encodeMeta(length, fork))

	if err := l.store.db.Apply(b); err != nil {
		return fmt.Errorf("write replicated records:\n%w", err)
	}

	changed := length != l.length || fork != l.fork

	l.tree = candidate
	l.length = length
	l.fork = fork

	if changed {
		l.notify()
	}

	return nil
}

// dropFrom queues deletes for records, hashes and signatures beyond length.
// Signatures at or below length are dropped too since they belong to the old fork.
func (l *Log) dropFrom(b *storage.Batch, length uint64) error {
	for seq := length; seq < l.length; seq++ {
		b.Delete(l.key('b', seq))
		b.Delete(l.key('h', seq))
	}

	sigPrefix := append(append([]byte{}, l.prefix...), 's')

	return l.store.db.DeletePrefix(b, sigPrefix)
}

// notify wakes everyone waiting on Changed. Caller holds mu.
func (l *Log) notify() {
	close(l.changed)
	l.changed = make(chan struct{})
}

// key builds the storage key for a per-sequence entry.
func (l *Log) key(kind byte, n uint64) []byte {
	k := make([]byte, 0, len(l.prefix)+9)
	k = append(k, l.prefix...)
	k = append(k, kind)

	return binary.BigEndian.AppendUint64(k, n)
}

// metaKey builds the storage key for a per-log singleton.
func (l *Log) metaKey(kind byte) []byte {
	k := make([]byte, 0, len(l.prefix)+1)
	k = append(k, l.prefix...)

	return append(k, kind)
}

// encodeMeta packs length and fork.
func encodeMeta(length, fork uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], length)
	binary.BigEndian.PutUint64(buf[8:], fork)

	return buf
}
