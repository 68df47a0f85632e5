// Package indexlog projects an authenticated log into an ordered key/value index.
package indexlog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/pfrazee/vitra-sub000/internal/hlog"
	"github.com/pfrazee/vitra-sub000/internal/logger"
	"github.com/pfrazee/vitra-sub000/internal/storage"
)

// ErrHeader is returned when reading record 0 as an entry.
var ErrHeader = errors.New("record 0 is the index header")

// Index is a key/value view over a log of Node records.
// Record 0 is a header; entries start at sequence 1. The materialized view
// lives in storage and is rebuilt from the log whenever the log forks.
type Index struct {
	log    *hlog.Log
	db     *storage.Storage
	prefix []byte // prefix namespaces the view in storage

	mu      sync.Mutex
	applied uint64 // applied is the number of records folded into the view
	fork    uint64 // fork is the log fork the view was built on
}

// Open returns the index over log, writing the header if the log is new and writable.
func Open(db *storage.Storage, log *hlog.Log) (*Index, error) {
	pub := log.PublicKey()

	ix := &Index{
		log:    log,
		db:     db,
		prefix: append([]byte("i/"), pub[:]...),
	}

	state, err := db.Get(ix.stateKey())
	if err != nil {
		return nil, fmt.Errorf("read index state:\n%w", err)
	}

	if len(state) == 16 {
		ix.applied = binary.BigEndian.Uint64(state[:8])
		ix.fork = binary.BigEndian.Uint64(state[8:])
	}

	if log.Writable() && log.Length() == 0 {
		if _, err := log.Append(encodeHeader()); err != nil {
			return nil, fmt.Errorf("write header:\n%w", err)
		}
	}

	if err := ix.Refresh(); err != nil {
		return nil, err
	}

	return ix, nil
}

// Log returns the underlying log.
func (ix *Index) Log() *hlog.Log {
	return ix.log
}

// PublicKey returns the index log identity.
func (ix *Index) PublicKey() hlog.PublicKey {
	return ix.log.PublicKey()
}

// Writable reports whether this process can commit batches.
func (ix *Index) Writable() bool {
	return ix.log.Writable()
}

// Length returns the number of records in the index log, header included.
func (ix *Index) Length() uint64 {
	return ix.log.Length()
}

// Refresh folds records appended since the last refresh into the view.
func (ix *Index) Refresh() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.refreshLocked()
}

// refreshLocked brings the view up to the log length. Caller holds mu.
func (ix *Index) refreshLocked() error {
	length, fork := ix.log.Length(), ix.log.Fork()
	b := &storage.Batch{}

	if fork != ix.fork || ix.applied > length {
		logger.Debug("rebuilding index view",
			"index", ix.log.PublicKey().Hex()[:8],
			"fork", fork,
		)

		if err := ix.db.DeletePrefix(b, ix.viewPrefix()); err != nil {
			return fmt.Errorf("clear view:\n%w", err)
		}

		ix.applied = 0
	}

	if ix.applied == length && b.Len() == 0 {
		return nil
	}

	for seq := ix.applied; seq < length; seq++ {
		rec, err := ix.log.Get(seq)
		if err != nil {
			return fmt.Errorf("read record %d:\n%w", seq, err)
		}

		if seq == 0 {
			if err := checkHeader(rec); err != nil {
				return fmt.Errorf("index header:\n%w", err)
			}
			continue
		}

		m, err := DecodeMutation(rec)
		if err != nil {
			return fmt.Errorf("decode record %d:\n%w", seq, err)
		}

		ix.stage(b, seq, m)
	}

	b.Set(ix.stateKey(), encodeState(length, fork))

	if err := ix.db.Apply(b); err != nil {
		return fmt.Errorf("write view:\n%w", err)
	}

	ix.applied = length
	ix.fork = fork

	return nil
}

// Batch appends muts atomically and folds them into the view.
// Returns the sequence of the first written entry.
func (ix *Index) Batch(muts []Mutation) (uint64, error) {
	records := make([][]byte, 0, len(muts))

	for _, m := range muts {
		if err := ValidatePath(m.Path); err != nil {
			return 0, err
		}

		rec, err := EncodeMutation(m)
		if err != nil {
			return 0, err
		}

		records = append(records, rec)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.refreshLocked(); err != nil {
		return 0, err
	}

	base, err := ix.log.Append(records...)
	if err != nil {
		return 0, fmt.Errorf("append batch:\n%w", err)
	}

	// The log is authoritative; a failed view write is redone by the next refresh.
	if err := ix.refreshLocked(); err != nil {
		logger.Warn("index view behind log", "error", err)
	}

	return base, nil
}

// Get returns the current entry at path, or nil if absent.
func (ix *Index) Get(path string) (*Entry, error) {
	if err := ix.Refresh(); err != nil {
		return nil, err
	}

	raw, err := ix.db.Get(ix.viewKey(path))
	if err != nil {
		return nil, fmt.Errorf("read %s:\n%w", path, err)
	}

	if raw == nil {
		return nil, nil
	}

	return decodeViewEntry(path, raw), nil
}

// List returns the direct children of prefix. Deeper paths are
// reported once as a container for their first segment.
func (ix *Index) List(prefix string) ([]ListItem, error) {
	if err := ix.Refresh(); err != nil {
		return nil, err
	}

	c := &collector{prefix: listPrefix(prefix), seen: make(map[string]bool)}
	viewPrefix := ix.viewPrefix()

	err := ix.db.IteratePrefix(ix.viewKey(c.prefix), func(key, value []byte) error {
		path := string(key[len(viewPrefix):])
		c.add(path, decodeViewEntry(path, value))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s:\n%w", prefix, err)
	}

	return c.items, nil
}

// Last returns the entry with the greatest path under prefix, or nil.
func (ix *Index) Last(prefix string) (*Entry, error) {
	if err := ix.Refresh(); err != nil {
		return nil, err
	}

	key, value, err := ix.db.Last(ix.viewKey(prefix))
	if err != nil {
		return nil, fmt.Errorf("last under %s:\n%w", prefix, err)
	}

	if key == nil {
		return nil, nil
	}

	path := string(key[len(ix.viewPrefix()):])

	return decodeViewEntry(path, value), nil
}

// EntryAt decodes the entry at seq.
func (ix *Index) EntryAt(seq uint64) (*Entry, error) {
	if seq == 0 {
		return nil, ErrHeader
	}

	rec, err := ix.log.Get(seq)
	if err != nil {
		return nil, err
	}

	m, err := DecodeMutation(rec)
	if err != nil {
		return nil, fmt.Errorf("decode record %d:\n%w", seq, err)
	}

	return &Entry{Seq: seq, Mutation: m}, nil
}

// History streams entries with seq >= gte in order. With live set the
// stream keeps following appends until ctx is done.
func (ix *Index) History(ctx context.Context, gte uint64, live bool) *Stream {
	s := &Stream{ch: make(chan Entry)}

	if gte == 0 {
		gte = 1
	}

	go s.run(ctx, ix, gte, live)

	return s
}

// stage queues the view write for one entry.
func (ix *Index) stage(b *storage.Batch, seq uint64, m Mutation) {
	key := ix.viewKey(m.Path)

	if m.Type == OpDel {
		b.Delete(key)
		return
	}

	val := make([]byte, 8, 8+len(m.Value))
	binary.BigEndian.PutUint64(val, seq)
	b.Set(key, append(val, m.Value...))
}

// viewPrefix is the storage prefix of all materialized entries.
func (ix *Index) viewPrefix() []byte {
	return append(append([]byte{}, ix.prefix...), 'v')
}

// viewKey is the storage key of a materialized path.
func (ix *Index) viewKey(path string) []byte {
	return append(ix.viewPrefix(), path...)
}

// stateKey holds the applied count and fork of the view.
func (ix *Index) stateKey() []byte {
	return append(append([]byte{}, ix.prefix...), 'a')
}

// decodeViewEntry unpacks a stored seq||value pair.
func decodeViewEntry(path string, raw []byte) *Entry {
	e := &Entry{Mutation: Mutation{Type: OpPut, Path: path}}

	if len(raw) >= 8 {
		e.Seq = binary.BigEndian.Uint64(raw[:8])
		e.Value = append([]byte(nil), raw[8:]...)
	}

	return e
}

// encodeState packs the view state.
func encodeState(applied, fork uint64) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[:8], applied)
	binary.BigEndian.PutUint64(buf[8:], fork)

	return buf
}
