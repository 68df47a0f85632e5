package ledger

import (
	"context"
	"fmt"

	"github.com/pfrazee/vitra-sub000/internal/contract"
	"github.com/pfrazee/vitra-sub000/internal/schema"
)

// Acquire returns the runtime of the current contract source, loading a new
// one first if the source changed. The runtime stays in place until the
// returned func is called.
func (l *Ledger) Acquire(ctx context.Context) (contract.Runtime, func(), error) {
	if err := l.refreshRuntime(ctx); err != nil {
		return nil, nil, err
	}

	return l.use(ctx)
}

// use registers a use of the loaded runtime.
func (l *Ledger) use(ctx context.Context) (contract.Runtime, func(), error) {
	done, err := l.usage.Use(ctx)
	if err != nil {
		return nil, nil, err
	}

	l.rtMu.Lock()
	rt := l.rt
	l.rtMu.Unlock()

	if rt == nil {
		done()
		return nil, nil, ErrClosed
	}

	return rt, done, nil
}

// refreshRuntime swaps in a runtime for the contract source stored in the
// index if it differs from the loaded one. Uses in flight finish on the
// old runtime first.
func (l *Ledger) refreshRuntime(ctx context.Context) error {
	release, err := l.locks.Acquire(ctx, l.IndexKey().Hex()+":runtime-start")
	if err != nil {
		return err
	}
	defer release()

	if l.isClosed() {
		return ErrClosed
	}

	entry, err := l.index.Get(schema.SourcePath)
	if err != nil {
		return fmt.Errorf("read contract source:\n%w", err)
	}

	if entry == nil {
		return ErrNoSource
	}

	l.rtMu.Lock()
	current := l.rt != nil && l.rtSeq == entry.Seq
	l.rtMu.Unlock()

	if current {
		return nil
	}

	src, err := schema.ValidateSource(entry.Path, entry.Value)
	if err != nil {
		return err
	}

	local, _ := l.LocalKey()

	rt, err := l.mux.Open(ctx, src.Code, contract.Env{
		Index:  l.index,
		Caller: local,
		OnError: func(err error) {
			l.log.Error("contract runtime error", "error", err)
		},
	})
	if err != nil {
		return fmt.Errorf("load contract source:\n%w", err)
	}

	if err := l.usage.Pause(ctx); err != nil {
		rt.Close(ctx)
		return err
	}

	l.rtMu.Lock()
	old := l.rt
	l.rt = rt
	l.rtSeq = entry.Seq
	l.rtMu.Unlock()

	l.usage.Unpause()

	if old != nil {
		if err := old.Close(ctx); err != nil {
			l.log.Warn("closing replaced runtime", "error", err)
		}

		l.log.Info("contract source changed", "seq", entry.Seq)
	}

	return nil
}
