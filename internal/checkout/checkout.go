// Package checkout reserves seats for a passenger, wrapping the atomic
// reserve in a payment hold when a payment provider is configured.
package checkout

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/protocol"
	"github.com/example/fleet-realtime/internal/seats"
)

// PaymentGateway places and settles manual-capture holds.
type PaymentGateway interface {
	Hold(ctx context.Context, amount int64, currency string, metadata map[string]string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

// EventSink receives the outcome of every checkout attempt.
type EventSink interface {
	PublishSeatEvent(ctx context.Context, ev models.SeatEvent)
}

type Service struct {
	Seats    *seats.Service
	Payments PaymentGateway
	Currency string
	Events   EventSink
	Logger   *slog.Logger
	Now      func() time.Time
}

func NewService(seatSvc *seats.Service, payments PaymentGateway, currency string, events EventSink, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if currency == "" {
		currency = "kes"
	}
	return &Service{
		Seats:    seatSvc,
		Payments: payments,
		Currency: currency,
		Events:   events,
		Logger:   logger.With("component", "checkout"),
		Now:      time.Now,
	}
}

type Request struct {
	TripID     string   `json:"tripId" validate:"required"`
	UserID     string   `json:"userId" validate:"required"`
	SeatIDs    []string `json:"seatIds" validate:"required,min=1,max=60,dive,required"`
	PaymentRef string   `json:"paymentRef,omitempty"`
}

type Result struct {
	TripID        string                   `json:"tripId"`
	BusID         string                   `json:"busId"`
	SeatIDs       []string                 `json:"seatIds"`
	ReservedCount int                      `json:"reservedCount"`
	Amount        int64                    `json:"amount"`
	Currency      string                   `json:"currency"`
	PaymentRef    string                   `json:"paymentRef,omitempty"`
	Status        models.ReservationStatus `json:"status"`
}

// Checkout reserves every requested seat or none. With a payment provider
// and no caller-supplied reference, the amount is held before the reserve,
// captured after it, and released if the reserve fails. A caller-supplied
// reference leaves the reservations pending until Confirm.
func (s *Service) Checkout(ctx context.Context, req Request) (Result, error) {
	if err := protocol.Validate(&req); err != nil {
		return Result{}, err
	}
	trip, err := s.Seats.Trips.GetTrip(ctx, req.TripID)
	if err != nil {
		return Result{}, err
	}
	busSeats, err := s.Seats.Seats(ctx, trip.BusID)
	if err != nil {
		return Result{}, err
	}
	amount := priceOf(busSeats, req.SeatIDs)

	res := Result{TripID: trip.ID, BusID: trip.BusID, SeatIDs: req.SeatIDs, Amount: amount, Currency: s.Currency, PaymentRef: req.PaymentRef}
	status := models.ReservationConfirmed
	held := false
	switch {
	case req.PaymentRef != "":
		status = models.ReservationPending
	case s.Payments != nil && amount > 0:
		ref, err := s.Payments.Hold(ctx, amount, s.Currency, map[string]string{
			"trip_id": trip.ID,
			"user_id": req.UserID,
			"seats":   strconv.Itoa(len(req.SeatIDs)),
		})
		if err != nil {
			s.Logger.Warn("payment hold failed", "trip_id", trip.ID, "user_id", req.UserID, "error", err)
			err = apperr.Transient(err, "payment hold failed")
			s.emit(ctx, res, models.SeatAvailable, err)
			return res, err
		}
		res.PaymentRef, status, held = ref, models.ReservationPending, true
	}

	reserved, err := s.Seats.Reserve(ctx, seats.ReserveRequest{
		TripID:     trip.ID,
		UserID:     req.UserID,
		SeatIDs:    req.SeatIDs,
		PaymentRef: res.PaymentRef,
		Status:     status,
	})
	if err != nil {
		if held {
			if cerr := s.Payments.Cancel(ctx, res.PaymentRef); cerr != nil {
				s.Logger.Error("payment hold release failed", "payment_ref", res.PaymentRef, "error", cerr)
			}
		}
		s.emit(ctx, res, models.SeatAvailable, err)
		return res, err
	}
	res.ReservedCount = reserved.ReservedCount
	res.Status = status

	if held {
		if err := s.Payments.Capture(ctx, res.PaymentRef); err != nil {
			// seats stay reserved as pending until the payment is confirmed
			s.Logger.Warn("payment capture failed", "payment_ref", res.PaymentRef, "error", err)
		} else if _, err := s.Seats.Store.ConfirmReservations(ctx, res.PaymentRef); err != nil {
			s.Logger.Error("confirm after capture failed", "payment_ref", res.PaymentRef, "error", err)
		} else {
			res.Status = models.ReservationConfirmed
		}
	}
	s.emit(ctx, res, models.SeatReserved, nil)
	s.Logger.Info("checkout complete", "trip_id", res.TripID, "user_id", req.UserID, "count", res.ReservedCount, "status", res.Status)
	return res, nil
}

// Confirm settles every pending reservation carrying paymentRef.
func (s *Service) Confirm(ctx context.Context, paymentRef string) (int, error) {
	if paymentRef == "" {
		return 0, apperr.Validation("paymentRef is required")
	}
	n, err := s.Seats.Store.ConfirmReservations(ctx, paymentRef)
	if err != nil {
		return 0, err
	}
	s.Logger.Info("payment confirmed", "payment_ref", paymentRef, "reservations", n)
	return n, nil
}

func (s *Service) emit(ctx context.Context, res Result, status models.SeatStatus, err error) {
	if s.Events == nil {
		return
	}
	ev := models.SeatEvent{
		TripID:        res.TripID,
		BusID:         res.BusID,
		SeatIDs:       res.SeatIDs,
		Status:        status,
		Success:       err == nil,
		ReservedCount: res.ReservedCount,
		Timestamp:     s.Now().UTC(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.Events.PublishSeatEvent(ctx, ev)
}

func priceOf(busSeats []models.Seat, ids []string) int64 {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var total int64
	for _, s := range busSeats {
		if want[s.ID] {
			total += s.Price
		}
	}
	return total
}
