package seats

import (
	"context"
	"log/slog"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/observability"
	"github.com/example/fleet-realtime/internal/protocol"
	"github.com/example/fleet-realtime/internal/storage"
)

type TripReader interface {
	GetTrip(ctx context.Context, id string) (models.Trip, error)
}

type Service struct {
	Store  storage.SeatStore
	Trips  TripReader
	Logger *slog.Logger
}

func NewService(store storage.SeatStore, trips TripReader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Store: store, Trips: trips, Logger: logger.With("component", "seats")}
}

// Seats lists a bus's seats, materializing its layout on first access.
func (s *Service) Seats(ctx context.Context, busID string) ([]models.Seat, error) {
	seats, err := s.Store.ListSeats(ctx, busID)
	if err != nil {
		return nil, err
	}
	if len(seats) > 0 {
		return seats, nil
	}
	bus, err := s.Store.GetBus(ctx, busID)
	if err != nil {
		return nil, err
	}
	layout, err := Layout(bus)
	if err != nil {
		return nil, err
	}
	if err := s.Store.CreateSeats(ctx, busID, layout); err != nil {
		return nil, err
	}
	s.Logger.Info("seat layout materialized", "bus_id", busID, "capacity", bus.Capacity)
	return s.Store.ListSeats(ctx, busID)
}

type ReserveRequest struct {
	TripID     string                   `json:"tripId" validate:"required"`
	UserID     string                   `json:"userId" validate:"required"`
	SeatIDs    []string                 `json:"seatIds" validate:"required,min=1,max=60,dive,required"`
	PaymentRef string                   `json:"paymentRef,omitempty"`
	Status     models.ReservationStatus `json:"-"`
}

type ReserveResult struct {
	TripID        string   `json:"tripId"`
	BusID         string   `json:"busId"`
	SeatIDs       []string `json:"seatIds"`
	ReservedCount int      `json:"reservedCount"`
}

// Reserve claims every requested seat for the trip or none of them.
func (s *Service) Reserve(ctx context.Context, req ReserveRequest) (ReserveResult, error) {
	if err := protocol.Validate(&req); err != nil {
		return ReserveResult{}, err
	}
	trip, err := s.Trips.GetTrip(ctx, req.TripID)
	if err != nil {
		return ReserveResult{}, err
	}
	// make sure the layout exists so unknown ids are reported as such
	if _, err := s.Seats(ctx, trip.BusID); err != nil {
		return ReserveResult{}, err
	}
	n, err := s.Store.ReserveSeats(ctx, storage.ReserveRequest{
		BusID:      trip.BusID,
		TripID:     trip.ID,
		UserID:     req.UserID,
		SeatIDs:    req.SeatIDs,
		Status:     req.Status,
		PaymentRef: req.PaymentRef,
	})
	if err != nil {
		observability.Reservations.WithLabelValues(apperr.Label(err)).Inc()
		s.Logger.Info("reserve rejected", "trip_id", trip.ID, "seats", len(req.SeatIDs), "error", err)
		return ReserveResult{TripID: trip.ID, BusID: trip.BusID, SeatIDs: req.SeatIDs}, err
	}
	observability.Reservations.WithLabelValues("ok").Inc()
	s.Logger.Info("seats reserved", "trip_id", trip.ID, "bus_id", trip.BusID, "count", n, "user_id", req.UserID)
	return ReserveResult{TripID: trip.ID, BusID: trip.BusID, SeatIDs: req.SeatIDs, ReservedCount: n}, nil
}

// Reset drops every reservation on the bus and frees all its seats.
func (s *Service) Reset(ctx context.Context, busID string) (int, error) {
	n, err := s.Store.ResetSeats(ctx, busID)
	if err != nil {
		return 0, err
	}
	s.Logger.Info("seats reset", "bus_id", busID, "deleted", n)
	return n, nil
}

// Validate reports whether the persisted seat numbers are exactly the
// numbers the bus's capacity layout prescribes.
func (s *Service) Validate(ctx context.Context, busID string) (bool, error) {
	bus, err := s.Store.GetBus(ctx, busID)
	if err != nil {
		return false, err
	}
	layout, err := Layout(bus)
	if err != nil {
		return false, err
	}
	persisted, err := s.Store.ListSeats(ctx, busID)
	if err != nil {
		return false, err
	}
	if len(persisted) != len(layout) {
		return false, nil
	}
	want := make(map[int]bool, len(layout))
	for _, seat := range layout {
		want[seat.Number] = true
	}
	for _, seat := range persisted {
		if !want[seat.Number] {
			return false, nil
		}
		delete(want, seat.Number)
	}
	return len(want) == 0, nil
}
