package model

import "time"

// IdempotencyKey binds a client-held token to exactly one booking. Finalized
// flips from false to true once, when the booking is confirmed.
type IdempotencyKey struct {
	Key       string    `json:"key" bson:"_id"`
	BookingID string    `json:"booking_id" bson:"booking_id"`
	Finalized bool      `json:"finalized" bson:"finalized"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}
