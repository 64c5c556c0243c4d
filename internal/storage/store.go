package storage

import (
	"context"

	"github.com/example/fleet-realtime/internal/models"
)

// TripStore persists trips and drivers.
type TripStore interface {
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	// ActiveTripForDriver returns the driver's in-progress trip, else the
	// earliest scheduled one.
	ActiveTripForDriver(ctx context.Context, driverID string) (models.Trip, error)
	CompareAndSetTripStatus(ctx context.Context, id string, from, to models.TripStatus) (models.Trip, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	SetDriverAvailability(ctx context.Context, id string, a models.DriverAvailability) (models.Driver, error)
}

// ReserveRequest is one all-or-nothing batch of seats for a trip.
type ReserveRequest struct {
	BusID      string
	TripID     string
	UserID     string
	SeatIDs    []string
	Status     models.ReservationStatus
	PaymentRef string
}

// SeatStore persists buses, seats and reservations. ReserveSeats and
// ResetSeats are each a single unit of work: every read and write inside
// them commits or fails together.
type SeatStore interface {
	GetBus(ctx context.Context, id string) (models.Bus, error)
	ListSeats(ctx context.Context, busID string) ([]models.Seat, error)
	// CreateSeats inserts the layout for a bus, skipping seat numbers that
	// already exist.
	CreateSeats(ctx context.Context, busID string, seats []models.Seat) error
	ReserveSeats(ctx context.Context, req ReserveRequest) (int, error)
	ResetSeats(ctx context.Context, busID string) (int, error)
	ConfirmReservations(ctx context.Context, paymentRef string) (int, error)
	ListReservations(ctx context.Context, tripID string) ([]models.Reservation, error)
}

type Store interface {
	TripStore
	SeatStore
	Close() error
}

// uniqueIDs drops duplicates and blanks while keeping the caller's order.
func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
