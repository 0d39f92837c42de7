package model

import "time"

// Event is the capacity record of a dining event. MaxSeats never changes
// after creation; HeldSeats and ConfirmedSeats are written only by the
// capacity ledger and always satisfy HeldSeats+ConfirmedSeats <= MaxSeats.
//
// Fields:
//
//	ID             – events.id
//	Title          – display title, owned by the event catalogue.
//	StartsAt       – when the dinner starts (UTC).
//	PriceCents     – price per seat.
//	MaxSeats       – total seats.
//	HeldSeats      – seats under provisional holds.
//	ConfirmedSeats – seats backed by a confirmed payment.
//	Version        – incremented on every counter update (optimistic check).
type Event struct {
	ID             uint64    `json:"id"`
	Title          string    `json:"title"`
	StartsAt       time.Time `json:"starts_at"`
	PriceCents     uint32    `json:"price_cents"`
	MaxSeats       int       `json:"max_seats"`
	HeldSeats      int       `json:"held_seats"`
	ConfirmedSeats int       `json:"confirmed_seats"`
	Version        uint64    `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
}

// Available returns the seats that can still be reserved.
func (e Event) Available() int {
	n := e.MaxSeats - e.HeldSeats - e.ConfirmedSeats
	if n < 0 {
		return 0
	}
	return n
}
