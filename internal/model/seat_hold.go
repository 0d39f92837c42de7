package model

import "time"

// HoldState is the lifecycle of a seat hold.
type HoldState string

const (
	HoldActive    HoldState = "active"    // seats counted in Event.HeldSeats
	HoldConfirmed HoldState = "confirmed" // seats counted in Event.ConfirmedSeats
	HoldReleased  HoldState = "released"  // seats returned to availability
)

// SeatHold is a provisional, time-bounded reservation of Seats on an event.
// The Token is the handle callers use to confirm or release it.
//
// Fields:
//
//	Token     – seat_holds.token (uuid).
//	EventID   – event whose counters the hold occupies.
//	Seats     – number of seats held.
//	State     – see HoldState.
//	ExpiresAt – after this instant an active hold is released by the sweep.
type SeatHold struct {
	Token     string    `json:"token"`
	EventID   uint64    `json:"event_id"`
	Seats     int       `json:"seats"`
	State     HoldState `json:"state"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
