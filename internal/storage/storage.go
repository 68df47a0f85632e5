package storage

import (
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	// defaultSyncInterval is the default interval between WAL syncs.
	defaultSyncInterval = 100 * time.Millisecond
)

// KeyValue represents a key-value pair for batch operations.
type KeyValue struct {
	Key   []byte // Key is the key to store
	Value []byte // Value is the value to store
}

// Batch collects puts and deletes applied atomically by Apply.
type Batch struct {
	ops []batchOp
}

// batchOp is a single batched write.
type batchOp struct {
	key    []byte
	value  []byte
	delete bool
}

// Set queues a put. Key and value are copied.
func (b *Batch) Set(key, value []byte) {
	b.ops = append(b.ops, batchOp{key: clone(key), value: clone(value)})
}

// Delete queues a delete. The key is copied.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, batchOp{key: clone(key), delete: true})
}

// Len returns the number of queued writes.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Storage provides a simple key-value store backed by Pebble.
// Writes are non-blocking (NoSync) and a background goroutine
// periodically syncs the WAL to disk for durability.
type Storage struct {
	db       *pebble.DB    // db is the underlying Pebble database
	stopSync chan struct{} // stopSync signals the sync goroutine to stop
	wg       sync.WaitGroup
	closeMu  sync.Once
}

// New creates a new Storage instance at the given path.
// It starts a background goroutine that syncs the WAL periodically.
func New(path string) (*Storage, error) {
	return open(path, &pebble.Options{
		Cache:                       pebble.NewCache(32 << 20), // 32 MB cache
		MemTableSize:                16 << 20,                  // 16 MB memtable
		MemTableStopWritesThreshold: 2,
	})
}

// NewMemory creates a Storage held entirely in memory.
// Used for ephemeral replicas and tests.
func NewMemory() (*Storage, error) {
	return open("", &pebble.Options{
		FS: vfs.NewMem(),
	})
}

// open opens pebble with the given options and starts the sync loop.
func open(path string, opts *pebble.Options) (*Storage, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, err
	}

	s := &Storage{
		db:       db,
		stopSync: make(chan struct{}),
	}

	s.startSyncLoop()

	return s, nil
}

// Get retrieves the value for the given key.
// Returns nil if the key does not exist.
func (s *Storage) Get(key []byte) ([]byte, error) {
	value, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	// Copy the value since it's invalid after closer.Close()
	return clone(value), nil
}

// Set stores a key-value pair.
func (s *Storage) Set(key, value []byte) error {
	return s.db.Set(key, value, pebble.NoSync)
}

// Delete removes a key from the store.
func (s *Storage) Delete(key []byte) error {
	return s.db.Delete(key, pebble.NoSync)
}

// SetBatch atomically stores multiple key-value pairs.
// Either all pairs are written or none.
func (s *Storage) SetBatch(pairs []KeyValue) error {
	b := &Batch{}
	for _, kv := range pairs {
		b.Set(kv.Key, kv.Value)
	}

	return s.Apply(b)
}

// Apply commits every write queued in b atomically, in order.
func (s *Storage) Apply(b *Batch) error {
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, op := range b.ops {
		var err error
		if op.delete {
			err = batch.Delete(op.key, nil)
		} else {
			err = batch.Set(op.key, op.value, nil)
		}

		if err != nil {
			return err
		}
	}

	return batch.Commit(pebble.NoSync)
}

// IteratePrefix calls fn for each key-value pair with the given prefix.
// Keys are visited in lexicographic order. Key and value are only valid during fn.
func (s *Storage) IteratePrefix(prefix []byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return err
		}

		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}

	return iter.Error()
}

// Last returns the greatest key with the given prefix and its value.
// Returns nil key if no key has the prefix.
func (s *Storage) Last(prefix []byte) (key, value []byte, err error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		return nil, nil, iter.Error()
	}

	v, err := iter.ValueAndErr()
	if err != nil {
		return nil, nil, err
	}

	return clone(iter.Key()), clone(v), nil
}

// Seek returns the first key with the given prefix that is >= from, and its value.
// Returns nil key if there is none.
func (s *Storage) Seek(prefix, from []byte) (key, value []byte, err error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, nil, err
	}
	defer iter.Close()

	if !iter.SeekGE(from) {
		return nil, nil, iter.Error()
	}

	v, err := iter.ValueAndErr()
	if err != nil {
		return nil, nil, err
	}

	return clone(iter.Key()), clone(v), nil
}

// DeletePrefix queues deletes for every key with the given prefix into b.
func (s *Storage) DeletePrefix(b *Batch, prefix []byte) error {
	return s.IteratePrefix(prefix, func(key, _ []byte) error {
		b.Delete(key)
		return nil
	})
}

// prefixUpperBound computes the exclusive upper bound for a prefix scan.
// Increments the last byte; returns nil if prefix is all 0xFF (full range).
func prefixUpperBound(prefix []byte) []byte {
	upper := clone(prefix)

	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}

	return nil // all 0xFF -> unbounded
}

// Close stops the sync goroutine and closes the database.
// It performs a final sync before closing to ensure durability.
func (s *Storage) Close() error {
	var err error

	s.closeMu.Do(func() {
		close(s.stopSync)
		s.wg.Wait()

		if err = s.sync(); err != nil {
			return
		}

		err = s.db.Close()
	})

	return err
}

// startSyncLoop starts the background goroutine that periodically syncs the WAL.
func (s *Storage) startSyncLoop() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(defaultSyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				_ = s.sync()
			case <-s.stopSync:
				return
			}
		}
	}()
}

// sync forces a WAL sync to disk.
func (s *Storage) sync() error {
	return s.db.LogData(nil, pebble.Sync)
}

// clone returns a copy of b; nil stays nil.
func clone(b []byte) []byte {
	if b == nil {
		return nil
	}

	c := make([]byte, len(b))
	copy(c, b)

	return c
}
