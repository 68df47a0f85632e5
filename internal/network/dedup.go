package network

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"
)

const (
	// defaultDedupTTL is the default time-to-live for seen announcements.
	defaultDedupTTL = 5 * time.Second

	// cleanupInterval is the interval between cleanup runs.
	cleanupInterval = time.Second
)

// Dedup remembers blake3 hashes of recent messages so the same
// announcement relayed by several peers is handled once.
type Dedup struct {
	seen map[[32]byte]time.Time
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDedup creates a tracker. A zero ttl uses the default.
func NewDedup(ttl time.Duration) *Dedup {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	d := &Dedup{
		seen: make(map[[32]byte]time.Time),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}

	d.wg.Add(1)
	go d.cleanupLoop()

	return d
}

// Check reports whether data is new and records it if so.
func (d *Dedup) Check(data []byte) bool {
	hash := blake3.Sum256(data)
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[hash]; ok && now.Sub(ts) < d.ttl {
		return false
	}

	d.seen[hash] = now

	return true
}

// Len returns the number of remembered hashes.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}

// Close stops the cleanup goroutine.
func (d *Dedup) Close() {
	close(d.stop)
	d.wg.Wait()
}

// cleanupLoop expires old hashes periodically.
func (d *Dedup) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stop:
			return
		}
	}
}

// cleanup removes expired hashes.
func (d *Dedup) cleanup() {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, ts := range d.seen {
		if now.Sub(ts) >= d.ttl {
			delete(d.seen, hash)
		}
	}
}
