package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type fakeTx struct {
	commitErr  error
	commits    int
	rollbacks  int
	rollbackCt context.Context
}

func (t *fakeTx) Commit(ctx context.Context) error {
	t.commits++
	return t.commitErr
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rollbacks++
	t.rollbackCt = ctx
	return nil
}

type fakeStore struct {
	beginFunc func(ctx context.Context) (Tx, error)
	txs       []*fakeTx
}

func (s *fakeStore) Begin(ctx context.Context) (Tx, error) {
	if s.beginFunc != nil {
		return s.beginFunc(ctx)
	}
	tx := &fakeTx{}
	s.txs = append(s.txs, tx)
	return tx, nil
}

func (s *fakeStore) Bookings() BookingRepository               { return nil }
func (s *fakeStore) IdempotencyKeys() IdempotencyKeyRepository { return nil }
func (s *fakeStore) Ping(ctx context.Context) error            { return nil }

func TestWithinTx_CommitsOnSuccess(t *testing.T) {
	store := &fakeStore{}

	err := WithinTx(context.Background(), store, TxOptions{MaxAttempts: 3}, func(ctx context.Context, tx Tx) error {
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.txs) != 1 || store.txs[0].commits != 1 || store.txs[0].rollbacks != 0 {
		t.Errorf("expected one commit and no rollback, got %+v", store.txs)
	}
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	store := &fakeStore{}
	boom := errors.New("boom")

	err := WithinTx(context.Background(), store, TxOptions{MaxAttempts: 3}, func(ctx context.Context, tx Tx) error {
		return boom
	})

	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if len(store.txs) != 1 {
		t.Fatalf("non-conflict errors must not retry, got %d attempts", len(store.txs))
	}
	if store.txs[0].commits != 0 || store.txs[0].rollbacks != 1 {
		t.Errorf("expected rollback only, got %+v", store.txs[0])
	}
}

func TestWithinTx_RollsBackOnPanic(t *testing.T) {
	store := &fakeStore{}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic to propagate")
		}
		if store.txs[0].rollbacks != 1 {
			t.Errorf("expected rollback before re-panic")
		}
	}()

	_ = WithinTx(context.Background(), store, TxOptions{}, func(ctx context.Context, tx Tx) error {
		panic("kaboom")
	})
}

func TestWithinTx_RetriesConflicts(t *testing.T) {
	store := &fakeStore{}
	calls := 0
	var retried []int

	opts := TxOptions{
		MaxAttempts:  3,
		RetryBackoff: time.Millisecond,
		OnRetry:      func(attempt int, err error) { retried = append(retried, attempt) },
	}
	err := WithinTx(context.Background(), store, opts, func(ctx context.Context, tx Tx) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("deadlock: %w", ErrTxConflict)
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if len(retried) != 2 || retried[0] != 1 || retried[1] != 2 {
		t.Errorf("unexpected retry callbacks: %v", retried)
	}
	if store.txs[0].rollbacks != 1 || store.txs[2].commits != 1 {
		t.Errorf("expected failed attempts rolled back and the last committed")
	}
}

func TestWithinTx_GivesUpAfterMaxAttempts(t *testing.T) {
	store := &fakeStore{}
	calls := 0

	err := WithinTx(context.Background(), store, TxOptions{MaxAttempts: 2}, func(ctx context.Context, tx Tx) error {
		calls++
		return ErrTxConflict
	})

	if !errors.Is(err, ErrTxConflict) {
		t.Fatalf("expected ErrTxConflict, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 attempts, got %d", calls)
	}
}

func TestWithinTx_CommitConflictIsRetried(t *testing.T) {
	attempt := 0
	store := &fakeStore{}
	store.beginFunc = func(ctx context.Context) (Tx, error) {
		attempt++
		tx := &fakeTx{}
		if attempt == 1 {
			tx.commitErr = ErrTxConflict
		}
		store.txs = append(store.txs, tx)
		return tx, nil
	}

	err := WithinTx(context.Background(), store, TxOptions{MaxAttempts: 2}, func(ctx context.Context, tx Tx) error {
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.txs) != 2 {
		t.Errorf("expected retry after commit conflict, got %d attempts", len(store.txs))
	}
}

func TestWithinTx_BeginError(t *testing.T) {
	down := errors.New("store down")
	store := &fakeStore{beginFunc: func(ctx context.Context) (Tx, error) { return nil, down }}

	err := WithinTx(context.Background(), store, TxOptions{}, func(ctx context.Context, tx Tx) error {
		t.Fatal("fn must not run without a transaction")
		return nil
	})

	if !errors.Is(err, down) {
		t.Errorf("expected begin error, got %v", err)
	}
}

func TestWithinTx_RollbackSurvivesCancellation(t *testing.T) {
	store := &fakeStore{}
	ctx, cancel := context.WithCancel(context.Background())

	_ = WithinTx(ctx, store, TxOptions{}, func(ctx context.Context, tx Tx) error {
		cancel()
		return ctx.Err()
	})

	if store.txs[0].rollbackCt.Err() != nil {
		t.Errorf("rollback context must not inherit cancellation")
	}
}
