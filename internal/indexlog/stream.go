package indexlog

import (
	"context"
)

// Stream delivers history entries in sequence order.
// C is closed when the stream ends; Err then reports why.
type Stream struct {
	ch  chan Entry
	err error
}

// C returns the entry channel.
func (s *Stream) C() <-chan Entry {
	return s.ch
}

// Err returns the error that ended the stream, or nil if it reached the end
// of a non-live history. Only valid after C is closed.
func (s *Stream) Err() error {
	return s.err
}

// run reads entries from the log until the end or cancellation.
func (s *Stream) run(ctx context.Context, ix *Index, seq uint64, live bool) {
	defer close(s.ch)

	for {
		changed := ix.log.Changed()
		length := ix.log.Length()

		for ; seq < length; seq++ {
			e, err := ix.EntryAt(seq)
			if err != nil {
				s.err = err
				return
			}

			select {
			case s.ch <- *e:
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}

		if !live {
			return
		}

		select {
		case <-changed:
		case <-ctx.Done():
			s.err = ctx.Err()
			return
		}
	}
}
