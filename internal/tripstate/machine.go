// Package tripstate owns the trip lifecycle and the mapping from driver
// labels onto it.
package tripstate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/observability"
)

var transitions = map[models.TripStatus][]models.TripStatus{
	models.TripScheduled:  {models.TripInProgress, models.TripCancelled},
	models.TripInProgress: {models.TripCompleted, models.TripCancelled},
}

// CanTransition reports whether to is directly reachable from from.
func CanTransition(from, to models.TripStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store is the persistence the machine needs. CompareAndSetTripStatus must
// only apply the change when the trip is still in from, and report
// apperr.ErrConflict otherwise.
type Store interface {
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	ActiveTripForDriver(ctx context.Context, driverID string) (models.Trip, error)
	CompareAndSetTripStatus(ctx context.Context, id string, from, to models.TripStatus) (models.Trip, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	SetDriverAvailability(ctx context.Context, id string, a models.DriverAvailability) (models.Driver, error)
}

// casAttempts bounds how often a transition re-reads a trip that moved
// underneath it.
const casAttempts = 3

type Machine struct {
	Store  Store
	Logger *slog.Logger
	Now    func() time.Time
}

func New(store Store, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{Store: store, Logger: logger.With("component", "tripstate"), Now: time.Now}
}

// Transition moves tripID to the requested status on behalf of driverID
// (empty driverID skips the ownership check).
func (m *Machine) Transition(ctx context.Context, tripID string, to models.TripStatus, driverID string) (models.Trip, error) {
	if !to.Valid() {
		return models.Trip{}, apperr.Validation("unknown trip status %q", to)
	}
	trip, err := m.Store.GetTrip(ctx, tripID)
	if err != nil {
		return models.Trip{}, err
	}
	if driverID != "" && trip.DriverID != driverID {
		return models.Trip{}, apperr.NotFound("no active trip %s for driver %s", tripID, driverID)
	}

	observed := false
	for attempt := 0; attempt < casAttempts; attempt++ {
		if !CanTransition(trip.Status, to) {
			// a terminal state we only learned about after losing a race is
			// a conflict, not a caller mistake
			if observed && trip.Status.Terminal() {
				observability.TripTransitions.WithLabelValues(string(to), "conflict").Inc()
				return trip, apperr.Conflict("trip %s was concurrently moved to %s", tripID, trip.Status)
			}
			observability.TripTransitions.WithLabelValues(string(to), "invalid").Inc()
			return trip, apperr.InvalidTransition(string(trip.Status), string(to))
		}
		updated, err := m.Store.CompareAndSetTripStatus(ctx, tripID, trip.Status, to)
		if err == nil {
			observability.TripTransitions.WithLabelValues(string(to), "ok").Inc()
			m.Logger.Info("trip transitioned", "trip_id", tripID, "from", trip.Status, "to", to, "driver_id", driverID)
			return updated, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return trip, err
		}
		observed = true
		if trip, err = m.Store.GetTrip(ctx, tripID); err != nil {
			return models.Trip{}, err
		}
	}
	observability.TripTransitions.WithLabelValues(string(to), "conflict").Inc()
	return trip, apperr.Conflict("trip %s kept changing during transition", tripID)
}

// Update is a driver-originated status change.
type Update struct {
	DriverID    string
	Label       Label
	Destination string
}

// Outcome describes what an Update changed. Event is nil when only the
// driver's availability moved.
type Outcome struct {
	Driver models.Driver
	Trip   models.Trip
	Event  *models.StatusEvent
}

// Apply validates the driver, routes the label to the machine it drives and
// returns the resulting status event for trip transitions.
func (m *Machine) Apply(ctx context.Context, u Update) (Outcome, error) {
	driver, err := m.Store.GetDriver(ctx, u.DriverID)
	if err != nil {
		return Outcome{}, err
	}
	target := u.Label.Target()
	switch target.Kind {
	case TargetAvailability:
		d, err := m.Store.SetDriverAvailability(ctx, driver.ID, target.Availability)
		if err != nil {
			return Outcome{}, err
		}
		m.Logger.Info("driver availability changed", "driver_id", d.ID, "availability", d.Availability)
		return Outcome{Driver: d}, nil
	case TargetTrip:
		active, err := m.Store.ActiveTripForDriver(ctx, driver.ID)
		if err != nil {
			return Outcome{}, err
		}
		trip, err := m.Transition(ctx, active.ID, target.Trip, driver.ID)
		if err != nil {
			return Outcome{}, err
		}
		ev := &models.StatusEvent{
			TripID:    trip.ID,
			Status:    trip.Status,
			DriverID:  driver.ID,
			Timestamp: m.Now().UTC(),
		}
		if u.Label == LabelArrived {
			ev.Destination = u.Destination
		}
		return Outcome{Driver: driver, Trip: trip, Event: ev}, nil
	}
	return Outcome{}, apperr.Validation("label %s drives nothing", u.Label)
}
