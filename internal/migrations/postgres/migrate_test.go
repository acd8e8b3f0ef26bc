package postgres

import (
	"context"
	"errors"
	"strings"
	"testing"

	"staybook/pkg/logger"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingExecer struct {
	queries []string
	failOn  string
}

func (r *recordingExecer) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	if r.failOn != "" && strings.Contains(sql, r.failOn) {
		return pgconn.CommandTag{}, errors.New("relation does not exist")
	}
	r.queries = append(r.queries, sql)
	return pgconn.CommandTag{}, nil
}

func TestRunMigration_AppliesInOrder(t *testing.T) {
	db := &recordingExecer{}

	require.NoError(t, RunMigration(context.Background(), db, logger.Discard()))

	require.Len(t, db.queries, len(Migrations))
	for _, q := range db.queries {
		assert.Contains(t, q, "IF NOT EXISTS")
	}
	assert.Contains(t, db.queries[0], "CREATE TABLE IF NOT EXISTS bookings")
}

func TestRunMigration_StopsOnFailure(t *testing.T) {
	db := &recordingExecer{failOn: "idx_bookings_hotel"}

	err := RunMigration(context.Background(), db, logger.Discard())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "index_bookings_hotel")
	assert.Len(t, db.queries, 1)
}
