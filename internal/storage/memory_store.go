package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
)

// MemoryStore keeps everything in process memory. A single mutex makes each
// method one atomic unit of work.
type MemoryStore struct {
	mu           sync.RWMutex
	trips        map[string]*models.Trip
	drivers      map[string]*models.Driver
	buses        map[string]*models.Bus
	seats        map[string]*models.Seat // by seat id
	reservations map[string]*models.Reservation
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:        make(map[string]*models.Trip),
		drivers:      make(map[string]*models.Driver),
		buses:        make(map[string]*models.Bus),
		seats:        make(map[string]*models.Seat),
		reservations: make(map[string]*models.Reservation),
		now:          time.Now,
	}
}

func (m *MemoryStore) SaveTrip(t models.Trip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = m.now()
	}
	t.UpdatedAt = m.now()
	m.trips[t.ID] = &t
}

func (m *MemoryStore) SaveDriver(d models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.UpdatedAt = m.now()
	m.drivers[d.ID] = &d
}

func (m *MemoryStore) SaveBus(b models.Bus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses[b.ID] = &b
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, apperr.NotFound("trip %s not found", id)
	}
	return *t, nil
}

func (m *MemoryStore) ActiveTripForDriver(_ context.Context, driverID string) (models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Trip
	for _, t := range m.trips {
		if t.DriverID != driverID || t.Status.Terminal() {
			continue
		}
		if best == nil || activeBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return models.Trip{}, apperr.NotFound("no active trip for driver %s", driverID)
	}
	return *best, nil
}

// activeBefore orders in-progress trips first, then by departure time.
func activeBefore(a, b *models.Trip) bool {
	ai, bi := a.Status == models.TripInProgress, b.Status == models.TripInProgress
	if ai != bi {
		return ai
	}
	if !a.DepartureTime.Equal(b.DepartureTime) {
		return a.DepartureTime.Before(b.DepartureTime)
	}
	return a.ID < b.ID
}

func (m *MemoryStore) CompareAndSetTripStatus(_ context.Context, id string, from, to models.TripStatus) (models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return models.Trip{}, apperr.NotFound("trip %s not found", id)
	}
	if t.Status != from {
		return *t, apperr.Conflict("trip %s is %s, not %s", id, t.Status, from)
	}
	t.Status = to
	t.UpdatedAt = m.now()
	return *t, nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, apperr.NotFound("driver %s not found", id)
	}
	return *d, nil
}

func (m *MemoryStore) SetDriverAvailability(_ context.Context, id string, a models.DriverAvailability) (models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return models.Driver{}, apperr.NotFound("driver %s not found", id)
	}
	d.Availability = a
	d.UpdatedAt = m.now()
	return *d, nil
}

func (m *MemoryStore) GetBus(_ context.Context, id string) (models.Bus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[id]
	if !ok {
		return models.Bus{}, apperr.NotFound("bus %s not found", id)
	}
	return *b, nil
}

func (m *MemoryStore) ListSeats(_ context.Context, busID string) ([]models.Seat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.seatsOfLocked(busID), nil
}

func (m *MemoryStore) seatsOfLocked(busID string) []models.Seat {
	out := make([]models.Seat, 0)
	for _, s := range m.seats {
		if s.BusID == busID {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (m *MemoryStore) CreateSeats(_ context.Context, busID string, seats []models.Seat) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buses[busID]; !ok {
		return apperr.NotFound("bus %s not found", busID)
	}
	taken := make(map[int]bool)
	for _, s := range m.seats {
		if s.BusID == busID {
			taken[s.Number] = true
		}
	}
	for _, s := range seats {
		if taken[s.Number] {
			continue
		}
		s := s
		s.BusID = busID
		if s.ID == "" {
			s.ID = uuid.NewString()
		}
		m.seats[s.ID] = &s
		taken[s.Number] = true
	}
	return nil
}

func (m *MemoryStore) activeReservationLocked(seatID string) *models.Reservation {
	for _, r := range m.reservations {
		if r.SeatID == seatID && r.Status != models.ReservationCancelled {
			return r
		}
	}
	return nil
}

func (m *MemoryStore) ReserveSeats(_ context.Context, req ReserveRequest) (int, error) {
	ids := uniqueIDs(req.SeatIDs)
	if len(ids) == 0 {
		return 0, apperr.Validation("no seats requested")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	trip, ok := m.trips[req.TripID]
	if !ok {
		return 0, apperr.NotFound("trip %s not found", req.TripID)
	}
	// check the whole batch before touching anything
	for _, id := range ids {
		s, ok := m.seats[id]
		if !ok || s.BusID != req.BusID {
			return 0, apperr.NotFound("seat %s not found on bus %s", id, req.BusID)
		}
		if m.activeReservationLocked(id) != nil {
			return 0, apperr.AlreadyReserved("seat %d is already reserved", s.Number)
		}
	}
	now := m.now()
	status := req.Status
	if status == "" {
		status = models.ReservationPending
	}
	for _, id := range ids {
		r := &models.Reservation{
			ID:         uuid.NewString(),
			SeatID:     id,
			TripID:     req.TripID,
			UserID:     req.UserID,
			Status:     status,
			PaymentRef: req.PaymentRef,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		m.reservations[r.ID] = r
		m.seats[id].Status = models.SeatReserved
	}
	full := true
	for _, s := range m.seats {
		if s.BusID == req.BusID && s.Status != models.SeatReserved {
			full = false
			break
		}
	}
	trip.FullyBooked = full
	trip.UpdatedAt = now
	return len(ids), nil
}

func (m *MemoryStore) ResetSeats(_ context.Context, busID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buses[busID]; !ok {
		return 0, apperr.NotFound("bus %s not found", busID)
	}
	deleted := 0
	for id, r := range m.reservations {
		if s, ok := m.seats[r.SeatID]; ok && s.BusID == busID {
			delete(m.reservations, id)
			deleted++
		}
	}
	for _, s := range m.seats {
		if s.BusID == busID {
			s.Status = models.SeatAvailable
		}
	}
	for _, t := range m.trips {
		if t.BusID == busID {
			t.FullyBooked = false
		}
	}
	return deleted, nil
}

func (m *MemoryStore) ConfirmReservations(_ context.Context, paymentRef string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.reservations {
		if r.PaymentRef == paymentRef && r.Status == models.ReservationPending {
			r.Status = models.ReservationConfirmed
			r.UpdatedAt = m.now()
			n++
		}
	}
	if n == 0 {
		return 0, apperr.NotFound("no pending reservations for payment %s", paymentRef)
	}
	return n, nil
}

func (m *MemoryStore) ListReservations(_ context.Context, tripID string) ([]models.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Reservation, 0)
	for _, r := range m.reservations {
		if r.TripID == tripID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
