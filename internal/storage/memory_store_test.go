package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
)

func seededStore(t *testing.T, seatCount int) (*MemoryStore, []string) {
	t.Helper()
	m := NewMemoryStore()
	m.SaveBus(models.Bus{ID: "bus-1", Plate: "KDA 001A", Capacity: seatCount, SeatPrice: 500})
	m.SaveDriver(models.Driver{ID: "drv-1", Name: "Wanjiru", Availability: models.DriverOnline})
	m.SaveTrip(models.Trip{ID: "trip-1", BusID: "bus-1", DriverID: "drv-1", Status: models.TripScheduled, DepartureTime: time.Now().Add(time.Hour)})
	seats := make([]models.Seat, seatCount)
	ids := make([]string, seatCount)
	for i := range seats {
		ids[i] = fmt.Sprintf("seat-%02d", i+1)
		seats[i] = models.Seat{ID: ids[i], Number: i + 1, Row: i + 1, Column: 1, Category: models.SeatSingle, Status: models.SeatAvailable}
	}
	if err := m.CreateSeats(context.Background(), "bus-1", seats); err != nil {
		t.Fatalf("create seats: %v", err)
	}
	return m, ids
}

func TestReserveSameSeatConcurrently(t *testing.T) {
	m, ids := seededStore(t, 14)
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]error, 2)
	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			counts[i], results[i] = m.ReserveSeats(ctx, ReserveRequest{
				BusID: "bus-1", TripID: "trip-1", UserID: fmt.Sprintf("user-%d", i), SeatIDs: []string{ids[6]},
			})
		}(i)
	}
	wg.Wait()

	ok, taken := 0, 0
	for i, err := range results {
		switch {
		case err == nil:
			ok++
			if counts[i] != 1 {
				t.Fatalf("reservedCount = %d", counts[i])
			}
		case errors.Is(err, apperr.ErrAlreadyReserved):
			taken++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || taken != 1 {
		t.Fatalf("ok=%d taken=%d", ok, taken)
	}

	seats, _ := m.ListSeats(ctx, "bus-1")
	for _, s := range seats {
		want := models.SeatAvailable
		if s.Number == 7 {
			want = models.SeatReserved
		}
		if s.Status != want {
			t.Errorf("seat %d status = %s, want %s", s.Number, s.Status, want)
		}
	}
}

func TestReserveOverlappingBatchesNeverDoubleBook(t *testing.T) {
	m, ids := seededStore(t, 14)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	batches := make([][]string, 40)
	for i := range batches {
		n := 1 + rng.Intn(4)
		for j := 0; j < n; j++ {
			batches[i] = append(batches[i], ids[rng.Intn(len(ids))])
		}
	}

	var mu sync.Mutex
	total := 0
	var wg sync.WaitGroup
	for i, b := range batches {
		wg.Add(1)
		go func(i int, b []string) {
			defer wg.Done()
			n, err := m.ReserveSeats(ctx, ReserveRequest{BusID: "bus-1", TripID: "trip-1", UserID: fmt.Sprint(i), SeatIDs: b})
			if err != nil && !errors.Is(err, apperr.ErrAlreadyReserved) {
				t.Errorf("batch %d: %v", i, err)
				return
			}
			mu.Lock()
			total += n
			mu.Unlock()
		}(i, b)
	}
	wg.Wait()

	reserved := 0
	seats, _ := m.ListSeats(ctx, "bus-1")
	for _, s := range seats {
		if s.Status == models.SeatReserved {
			reserved++
		}
	}
	if reserved != total {
		t.Fatalf("reserved seats = %d, sum of reservedCount = %d", reserved, total)
	}
	perSeat := map[string]int{}
	res, _ := m.ListReservations(ctx, "trip-1")
	for _, r := range res {
		perSeat[r.SeatID]++
	}
	for seat, n := range perSeat {
		if n > 1 {
			t.Fatalf("seat %s has %d reservations", seat, n)
		}
	}
}

func TestReserveIsAllOrNothing(t *testing.T) {
	m, ids := seededStore(t, 4)
	ctx := context.Background()
	if _, err := m.ReserveSeats(ctx, ReserveRequest{BusID: "bus-1", TripID: "trip-1", UserID: "a", SeatIDs: []string{ids[1]}}); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	_, err := m.ReserveSeats(ctx, ReserveRequest{BusID: "bus-1", TripID: "trip-1", UserID: "b", SeatIDs: []string{ids[0], ids[1], ids[2]}})
	if !errors.Is(err, apperr.ErrAlreadyReserved) {
		t.Fatalf("expected ErrAlreadyReserved, got %v", err)
	}
	_, err = m.ReserveSeats(ctx, ReserveRequest{BusID: "bus-1", TripID: "trip-1", UserID: "b", SeatIDs: []string{ids[0], "nope"}})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	res, _ := m.ListReservations(ctx, "trip-1")
	if len(res) != 1 {
		t.Fatalf("expected 1 reservation, got %d", len(res))
	}
}

func TestReserveMarksFullyBookedAndResetClears(t *testing.T) {
	m, ids := seededStore(t, 3)
	ctx := context.Background()
	n, err := m.ReserveSeats(ctx, ReserveRequest{BusID: "bus-1", TripID: "trip-1", UserID: "a", SeatIDs: append(ids, ids[0])})
	if err != nil || n != 3 {
		t.Fatalf("reserve: n=%d err=%v", n, err)
	}
	trip, _ := m.GetTrip(ctx, "trip-1")
	if !trip.FullyBooked {
		t.Fatalf("trip should be fully booked")
	}

	deleted, err := m.ResetSeats(ctx, "bus-1")
	if err != nil || deleted != 3 {
		t.Fatalf("reset: deleted=%d err=%v", deleted, err)
	}
	trip, _ = m.GetTrip(ctx, "trip-1")
	if trip.FullyBooked {
		t.Fatalf("reset should clear fully booked")
	}
	seats, _ := m.ListSeats(ctx, "bus-1")
	for _, s := range seats {
		if s.Status != models.SeatAvailable {
			t.Fatalf("seat %d still %s", s.Number, s.Status)
		}
	}
	if res, _ := m.ListReservations(ctx, "trip-1"); len(res) != 0 {
		t.Fatalf("reservations left after reset: %d", len(res))
	}
}

func TestConfirmReservations(t *testing.T) {
	m, ids := seededStore(t, 2)
	ctx := context.Background()
	if _, err := m.ReserveSeats(ctx, ReserveRequest{BusID: "bus-1", TripID: "trip-1", UserID: "a", SeatIDs: ids, PaymentRef: "pi_1"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	n, err := m.ConfirmReservations(ctx, "pi_1")
	if err != nil || n != 2 {
		t.Fatalf("confirm: n=%d err=%v", n, err)
	}
	if _, err := m.ConfirmReservations(ctx, "pi_1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("second confirm should find nothing pending, got %v", err)
	}
}

func TestActiveTripPrefersInProgress(t *testing.T) {
	m := NewMemoryStore()
	now := time.Now()
	m.SaveTrip(models.Trip{ID: "early", DriverID: "d", Status: models.TripScheduled, DepartureTime: now})
	m.SaveTrip(models.Trip{ID: "running", DriverID: "d", Status: models.TripInProgress, DepartureTime: now.Add(time.Hour)})
	m.SaveTrip(models.Trip{ID: "done", DriverID: "d", Status: models.TripCompleted, DepartureTime: now.Add(-time.Hour)})
	trip, err := m.ActiveTripForDriver(context.Background(), "d")
	if err != nil || trip.ID != "running" {
		t.Fatalf("active trip = %q err=%v", trip.ID, err)
	}
}

func TestCompareAndSetTripStatusConflict(t *testing.T) {
	m := NewMemoryStore()
	m.SaveTrip(models.Trip{ID: "t", Status: models.TripCancelled})
	_, err := m.CompareAndSetTripStatus(context.Background(), "t", models.TripInProgress, models.TripCompleted)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}
