package lock

import (
	"sort"
	"sync"
)

// MemberEvent reports a member joining or leaving.
type MemberEvent struct {
	Key   string
	Added bool
}

// Members is a watched set. Changes are delivered in order on a single
// consumer channel that never blocks the writer.
type Members struct {
	mu     sync.Mutex
	set    map[string]bool
	queue  []MemberEvent
	signal chan struct{} // signal wakes the pump; capacity one
	out    chan MemberEvent
	done   chan struct{}
	closed bool
}

// NewMembers creates an empty set and starts its event pump.
func NewMembers() *Members {
	m := &Members{
		set:    make(map[string]bool),
		signal: make(chan struct{}, 1),
		out:    make(chan MemberEvent),
		done:   make(chan struct{}),
	}

	go m.pump()

	return m
}

// Add inserts key. Returns false if it was already a member.
func (m *Members) Add(key string) bool {
	return m.change(key, true)
}

// Remove deletes key. Returns false if it was not a member.
func (m *Members) Remove(key string) bool {
	return m.change(key, false)
}

// Has reports whether key is a member.
func (m *Members) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.set[key]
}

// List returns the members in sorted order.
func (m *Members) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.set))
	for k := range m.set {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// Events returns the change channel. It is closed by Close.
func (m *Members) Events() <-chan MemberEvent {
	return m.out
}

// Close stops event delivery. Pending events are dropped.
func (m *Members) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	m.closed = true
	close(m.done)
}

// change applies one membership change and queues its event.
func (m *Members) change(key string, added bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.set[key] == added {
		return false
	}

	if added {
		m.set[key] = true
	} else {
		delete(m.set, key)
	}

	if !m.closed {
		m.queue = append(m.queue, MemberEvent{Key: key, Added: added})

		select {
		case m.signal <- struct{}{}:
		default:
		}
	}

	return true
}

// pump forwards queued events to the consumer.
func (m *Members) pump() {
	defer close(m.out)

	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()

			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}

		ev := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- ev:
		case <-m.done:
			return
		}
	}
}
