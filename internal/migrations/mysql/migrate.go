// Package mysql creates the booking schema in MySQL. Every statement is
// idempotent, so the job can run on each deploy.
package mysql

import (
	"context"
	"database/sql"
	"fmt"

	"staybook/pkg/logger"
)

type Migration struct {
	Name string
	SQL  string
}

var Migrations = []Migration{
	{
		Name: "create_bookings",
		SQL: `CREATE TABLE IF NOT EXISTS bookings (
	id             BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
	user_id        BIGINT NOT NULL,
	hotel_id       BIGINT NOT NULL,
	total_guests   INT NOT NULL,
	booking_amount BIGINT NOT NULL,
	status         VARCHAR(16) NOT NULL,
	created_at     DATETIME(3) NOT NULL,
	updated_at     DATETIME(3) NOT NULL,
	PRIMARY KEY (id),
	KEY idx_bookings_hotel (hotel_id, created_at),
	KEY idx_bookings_user (user_id)
) ENGINE=InnoDB`,
	},
	{
		Name: "create_idempotency_keys",
		SQL: `CREATE TABLE IF NOT EXISTS idempotency_keys (
	idem_key   CHAR(36) NOT NULL,
	booking_id BIGINT UNSIGNED NOT NULL,
	finalized  BOOLEAN NOT NULL DEFAULT FALSE,
	created_at DATETIME(3) NOT NULL,
	PRIMARY KEY (idem_key),
	UNIQUE KEY uq_idempotency_keys_booking (booking_id),
	CONSTRAINT fk_idempotency_keys_booking FOREIGN KEY (booking_id) REFERENCES bookings (id)
) ENGINE=InnoDB`,
	},
}

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func RunMigration(ctx context.Context, db Execer, log *logger.Logger) error {
	log.Info("Running MySQL migrations", "count", len(Migrations))
	for _, m := range Migrations {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("migration %s: %w", m.Name, err)
		}
		log.Info("Applied migration", "name", m.Name)
	}
	return nil
}
