package lock

import (
	"context"
	"sync"
)

// Usage counts in-flight uses of a resource and lets one party pause it:
// Pause stops new uses at once and returns when the active ones are done.
type Usage struct {
	mu     sync.Mutex
	active int
	paused bool
	idle   chan struct{} // idle is closed when active drops to zero
	resume chan struct{} // resume is closed by Unpause
}

// NewUsage creates an unpaused usage counter.
func NewUsage() *Usage {
	idle := make(chan struct{})
	close(idle)

	return &Usage{idle: idle}
}

// Use registers a use, waiting while paused. Call done when finished.
func (u *Usage) Use(ctx context.Context) (func(), error) {
	for {
		u.mu.Lock()

		if !u.paused {
			if u.active == 0 {
				u.idle = make(chan struct{})
			}
			u.active++
			u.mu.Unlock()

			return u.doneFunc(), nil
		}

		resume := u.resume
		u.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Pause blocks new uses and waits for active ones to finish.
// On error the usage is left unpaused.
func (u *Usage) Pause(ctx context.Context) error {
	for {
		u.mu.Lock()

		if !u.paused {
			break
		}

		resume := u.resume
		u.mu.Unlock()

		select {
		case <-resume:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	u.paused = true
	u.resume = make(chan struct{})
	idle := u.idle
	u.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		u.Unpause()
		return ctx.Err()
	}
}

// Unpause lets waiting uses proceed.
func (u *Usage) Unpause() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.paused {
		return
	}

	u.paused = false
	close(u.resume)
}

// Active returns the number of in-flight uses.
func (u *Usage) Active() int {
	u.mu.Lock()
	defer u.mu.Unlock()

	return u.active
}

// doneFunc returns a one-shot function ending a use.
func (u *Usage) doneFunc() func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			u.mu.Lock()
			defer u.mu.Unlock()

			u.active--
			if u.active == 0 {
				close(u.idle)
			}
		})
	}
}
