package repository

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type TxOptions struct {
	MaxAttempts  int
	RetryBackoff time.Duration
	// OnRetry, when set, is called before each retry with the attempt that
	// just failed.
	OnRetry func(attempt int, err error)
}

type TxFunc func(ctx context.Context, tx Tx) error

// WithinTx runs fn in a fresh transaction and commits it when fn returns nil.
// Any error or panic rolls the transaction back. When the store reports
// ErrTxConflict the whole unit is retried, up to MaxAttempts in total, so fn
// must not have effects outside tx.
func WithinTx(ctx context.Context, store Store, opts TxOptions, fn TxFunc) error {
	attempts := max(1, opts.MaxAttempts)

	for attempt := 1; ; attempt++ {
		err := runTx(ctx, store, fn)
		if err == nil || !errors.Is(err, ErrTxConflict) || attempt >= attempts {
			return err
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		if err := backoff(ctx, opts.RetryBackoff*time.Duration(attempt)); err != nil {
			return err
		}
	}
}

func runTx(ctx context.Context, store Store, fn TxFunc) (err error) {
	tx, err := store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		// Rollback must run even when ctx is already cancelled.
		rbCtx := context.WithoutCancel(ctx)
		if p := recover(); p != nil {
			_ = tx.Rollback(rbCtx)
			panic(p)
		}
		_ = tx.Rollback(rbCtx)
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

func backoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
