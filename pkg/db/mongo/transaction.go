package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

var ErrTxDone = errors.New("transaction already finished")

const (
	labelTransient     = "TransientTransactionError"
	labelUnknownCommit = "UnknownTransactionCommitResult"
)

// maxCommitAttempts bounds how often a commit with an unknown outcome is
// re-sent. Re-sending a commit is safe; re-running the transaction is not.
const maxCommitAttempts = 3

// Tx is a multi-document transaction bound to its own session. Operations run
// inside it must use SessionContext.
type Tx struct {
	session mongo.Session
	sessCtx mongo.SessionContext
	done    bool
}

// Begin starts a session and a snapshot transaction with majority writes.
func Begin(ctx context.Context, client *mongo.Client) (*Tx, error) {
	session, err := client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	txnOpts := options.Transaction().
		SetReadConcern(readconcern.Snapshot()).
		SetWriteConcern(writeconcern.Majority())
	if err := session.StartTransaction(txnOpts); err != nil {
		session.EndSession(ctx)
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}

	return &Tx{
		session: session,
		sessCtx: mongo.NewSessionContext(ctx, session),
	}, nil
}

// SessionContext carries the session; pass it to every collection call that
// belongs to the transaction.
func (t *Tx) SessionContext() mongo.SessionContext {
	return t.sessCtx
}

func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	defer t.session.EndSession(ctx)

	var err error
	for attempt := 1; attempt <= maxCommitAttempts; attempt++ {
		err = t.session.CommitTransaction(ctx)
		if !unknownCommitResult(err) || ctx.Err() != nil {
			return err
		}
	}
	return err
}

// Abort is a no-op once the transaction has been committed or aborted.
func (t *Tx) Abort(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.session.EndSession(ctx)
	return t.session.AbortTransaction(ctx)
}

// IsTransient reports whether the server labelled err as safe to retry as a
// whole transaction. An unknown commit result is not: the writes may already
// be durable.
func IsTransient(err error) bool {
	return hasLabel(err, labelTransient)
}

func unknownCommitResult(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && cmdErr.IsMaxTimeMSExpiredError() {
		return false
	}
	return hasLabel(err, labelUnknownCommit)
}

func hasLabel(err error, label string) bool {
	var labeled mongo.LabeledError
	if !errors.As(err, &labeled) {
		return false
	}
	return labeled.HasErrorLabel(label)
}
