// Package postgres creates the booking schema in PostgreSQL.
package postgres

import (
	"context"
	"fmt"

	"staybook/pkg/logger"

	"github.com/jackc/pgx/v5/pgconn"
)

type Migration struct {
	Name string
	SQL  string
}

var Migrations = []Migration{
	{
		Name: "create_bookings",
		SQL: `CREATE TABLE IF NOT EXISTS bookings (
	id             BIGSERIAL PRIMARY KEY,
	user_id        BIGINT NOT NULL,
	hotel_id       BIGINT NOT NULL,
	total_guests   INTEGER NOT NULL CHECK (total_guests > 0),
	booking_amount BIGINT NOT NULL CHECK (booking_amount > 0),
	status         TEXT NOT NULL CHECK (status IN ('created', 'confirmed')),
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL
)`,
	},
	{
		Name: "index_bookings_hotel",
		SQL:  `CREATE INDEX IF NOT EXISTS idx_bookings_hotel ON bookings (hotel_id, created_at)`,
	},
	{
		Name: "create_idempotency_keys",
		SQL: `CREATE TABLE IF NOT EXISTS idempotency_keys (
	idem_key   UUID PRIMARY KEY,
	booking_id BIGINT NOT NULL REFERENCES bookings (id),
	finalized  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL
)`,
	},
	{
		Name: "index_idempotency_keys_booking",
		SQL:  `CREATE UNIQUE INDEX IF NOT EXISTS uq_idempotency_keys_booking ON idempotency_keys (booking_id)`,
	},
}

// Execer is satisfied by *pgxpool.Pool and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func RunMigration(ctx context.Context, db Execer, log *logger.Logger) error {
	log.Info("Running Postgres migrations", "count", len(Migrations))
	for _, m := range Migrations {
		if _, err := db.Exec(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		log.Info("Applied migration", "name", m.Name)
	}
	return nil
}
