package model

import (
	"time"
)

type BookingStatus string

const (
	BookingStatusCreated   BookingStatus = "created"
	BookingStatusConfirmed BookingStatus = "confirmed"
)

type Booking struct {
	ID            string        `json:"id" bson:"_id,omitempty"`
	UserID        int64         `json:"user_id" bson:"user_id"`
	HotelID       int64         `json:"hotel_id" bson:"hotel_id"`
	TotalGuests   int           `json:"total_guests" bson:"total_guests"`
	BookingAmount int64         `json:"booking_amount" bson:"booking_amount"`
	Status        BookingStatus `json:"status" bson:"status"`
	CreatedAt     time.Time     `json:"created_at" bson:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" bson:"updated_at"`
}

// CreateBookingRequest is the caller-supplied part of a booking. BookingAmount
// is expressed in minor currency units.
type CreateBookingRequest struct {
	UserID        int64 `json:"user_id" validate:"required,gt=0"`
	HotelID       int64 `json:"hotel_id" validate:"required,gt=0"`
	TotalGuests   int   `json:"total_guests" validate:"required,min=1,max=50"`
	BookingAmount int64 `json:"booking_amount" validate:"required,gt=0"`
}

// BookingReceipt is what the creation path hands back: the new booking and the
// single-use key that confirms it.
type BookingReceipt struct {
	BookingID      string `json:"booking_id"`
	IdempotencyKey string `json:"idempotency_key"`
}
