package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
)

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	if _, err := p.db.ExecContext(ctx, script); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// mapErr turns driver errors into the apperr taxonomy.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound("%s not found", what)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return apperr.AlreadyReserved("%s: seat already reserved", what)
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	return apperr.Transient(err, what)
}

type rowScanner interface {
	Scan(dest ...any) error
}

const tripColumns = `id, bus_id, driver_id, departure_city, arrival_city, departure_time, arrival_time, status, fully_booked, created_at, updated_at`

func scanTrip(row rowScanner) (models.Trip, error) {
	var t models.Trip
	var status string
	err := row.Scan(&t.ID, &t.BusID, &t.DriverID, &t.DepartureCity, &t.ArrivalCity,
		&t.DepartureTime, &t.ArrivalTime, &status, &t.FullyBooked, &t.CreatedAt, &t.UpdatedAt)
	t.Status = models.TripStatus(status)
	return t, err
}

func (p *PostgresStore) GetTrip(ctx context.Context, id string) (models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if err != nil {
		return models.Trip{}, mapErr(err, "trip "+id)
	}
	return t, nil
}

func (p *PostgresStore) ActiveTripForDriver(ctx context.Context, driverID string) (models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips
		WHERE driver_id = $1 AND status IN ('scheduled', 'in_progress')
		ORDER BY (status = 'in_progress') DESC, departure_time ASC, id ASC
		LIMIT 1`, driverID))
	if err != nil {
		return models.Trip{}, mapErr(err, "active trip for driver "+driverID)
	}
	return t, nil
}

func (p *PostgresStore) CompareAndSetTripStatus(ctx context.Context, id string, from, to models.TripStatus) (models.Trip, error) {
	t, err := scanTrip(p.db.QueryRowContext(ctx, `UPDATE trips SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3
		RETURNING `+tripColumns, string(to), id, string(from)))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Trip{}, apperr.Conflict("trip %s is no longer %s", id, from)
	}
	if err != nil {
		return models.Trip{}, mapErr(err, "trip "+id)
	}
	return t, nil
}

func (p *PostgresStore) GetDriver(ctx context.Context, id string) (models.Driver, error) {
	var d models.Driver
	var availability string
	err := p.db.QueryRowContext(ctx, `SELECT id, name, availability, updated_at FROM drivers WHERE id = $1`, id).
		Scan(&d.ID, &d.Name, &availability, &d.UpdatedAt)
	if err != nil {
		return models.Driver{}, mapErr(err, "driver "+id)
	}
	d.Availability = models.DriverAvailability(availability)
	return d, nil
}

func (p *PostgresStore) SetDriverAvailability(ctx context.Context, id string, a models.DriverAvailability) (models.Driver, error) {
	var d models.Driver
	var availability string
	err := p.db.QueryRowContext(ctx, `UPDATE drivers SET availability = $1, updated_at = now() WHERE id = $2
		RETURNING id, name, availability, updated_at`, string(a), id).
		Scan(&d.ID, &d.Name, &availability, &d.UpdatedAt)
	if err != nil {
		return models.Driver{}, mapErr(err, "driver "+id)
	}
	d.Availability = models.DriverAvailability(availability)
	return d, nil
}

func (p *PostgresStore) GetBus(ctx context.Context, id string) (models.Bus, error) {
	var b models.Bus
	err := p.db.QueryRowContext(ctx, `SELECT id, plate, capacity, seat_price FROM buses WHERE id = $1`, id).
		Scan(&b.ID, &b.Plate, &b.Capacity, &b.SeatPrice)
	if err != nil {
		return models.Bus{}, mapErr(err, "bus "+id)
	}
	return b, nil
}

func (p *PostgresStore) ListSeats(ctx context.Context, busID string) ([]models.Seat, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, bus_id, seat_number, row_number, column_number, category, price, status
		FROM seats WHERE bus_id = $1 ORDER BY seat_number`, busID)
	if err != nil {
		return nil, mapErr(err, "seats of bus "+busID)
	}
	defer rows.Close()
	out := make([]models.Seat, 0)
	for rows.Next() {
		var s models.Seat
		var category, status string
		if err := rows.Scan(&s.ID, &s.BusID, &s.Number, &s.Row, &s.Column, &category, &s.Price, &status); err != nil {
			return nil, mapErr(err, "seats of bus "+busID)
		}
		s.Category = models.SeatCategory(category)
		s.Status = models.SeatStatus(status)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "seats of bus "+busID)
	}
	return out, nil
}

func (p *PostgresStore) CreateSeats(ctx context.Context, busID string, seats []models.Seat) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err, "begin create seats")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO seats (id, bus_id, seat_number, row_number, column_number, category, price, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (bus_id, seat_number) DO NOTHING`)
	if err != nil {
		return mapErr(err, "prepare seat insert")
	}
	defer stmt.Close()
	for _, s := range seats {
		id := s.ID
		if id == "" {
			id = uuid.NewString()
		}
		status := s.Status
		if status == "" {
			status = models.SeatAvailable
		}
		if _, err = stmt.ExecContext(ctx, id, busID, s.Number, s.Row, s.Column, string(s.Category), s.Price, string(status)); err != nil {
			return mapErr(err, fmt.Sprintf("insert seat %d", s.Number))
		}
	}
	if err = tx.Commit(); err != nil {
		return mapErr(err, "commit create seats")
	}
	return nil
}

// ReserveSeats locks the requested seat rows, re-checks that none holds a
// live reservation and only then inserts, all in one transaction. The
// partial unique index on reservations(seat_id) backs the check.
func (p *PostgresStore) ReserveSeats(ctx context.Context, req ReserveRequest) (n int, err error) {
	ids := uniqueIDs(req.SeatIDs)
	if len(ids) == 0 {
		return 0, apperr.Validation("no seats requested")
	}
	status := req.Status
	if status == "" {
		status = models.ReservationPending
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr(err, "begin reserve")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var one int
	if err = tx.QueryRowContext(ctx, `SELECT 1 FROM trips WHERE id = $1`, req.TripID).Scan(&one); err != nil {
		return 0, mapErr(err, "trip "+req.TripID)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id FROM seats WHERE bus_id = $1 AND id = ANY($2) FOR UPDATE`, req.BusID, pq.Array(ids))
	if err != nil {
		return 0, mapErr(err, "lock seats")
	}
	found := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return 0, mapErr(err, "lock seats")
		}
		found[id] = true
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, mapErr(err, "lock seats")
	}
	for _, id := range ids {
		if !found[id] {
			err = apperr.NotFound("seat %s not found on bus %s", id, req.BusID)
			return 0, err
		}
	}

	var takenNumber int
	err = tx.QueryRowContext(ctx, `SELECT s.seat_number FROM reservations r JOIN seats s ON s.id = r.seat_id
		WHERE r.seat_id = ANY($1) AND r.status <> 'cancelled'
		ORDER BY s.seat_number LIMIT 1`, pq.Array(ids)).Scan(&takenNumber)
	switch {
	case err == nil:
		err = apperr.AlreadyReserved("seat %d is already reserved", takenNumber)
		return 0, err
	case !errors.Is(err, sql.ErrNoRows):
		return 0, mapErr(err, "check reservations")
	}
	err = nil

	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, `INSERT INTO reservations (id, seat_id, trip_id, user_id, status, payment_ref, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())`,
			uuid.NewString(), id, req.TripID, req.UserID, string(status), nullString(req.PaymentRef)); err != nil {
			return 0, mapErr(err, "insert reservation")
		}
	}
	if _, err = tx.ExecContext(ctx, `UPDATE seats SET status = 'reserved' WHERE id = ANY($1)`, pq.Array(ids)); err != nil {
		return 0, mapErr(err, "mark seats reserved")
	}
	if _, err = tx.ExecContext(ctx, `UPDATE trips SET fully_booked = NOT EXISTS (
			SELECT 1 FROM seats WHERE bus_id = $1 AND status <> 'reserved'), updated_at = now()
		WHERE id = $2`, req.BusID, req.TripID); err != nil {
		return 0, mapErr(err, "update fully booked")
	}
	if err = tx.Commit(); err != nil {
		return 0, mapErr(err, "commit reserve")
	}
	return len(ids), nil
}

func (p *PostgresStore) ResetSeats(ctx context.Context, busID string) (n int, err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, mapErr(err, "begin reset")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var one int
	if err = tx.QueryRowContext(ctx, `SELECT 1 FROM buses WHERE id = $1 FOR UPDATE`, busID).Scan(&one); err != nil {
		return 0, mapErr(err, "bus "+busID)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM reservations WHERE seat_id IN (SELECT id FROM seats WHERE bus_id = $1)`, busID)
	if err != nil {
		return 0, mapErr(err, "delete reservations")
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr(err, "delete reservations")
	}
	if _, err = tx.ExecContext(ctx, `UPDATE seats SET status = 'available' WHERE bus_id = $1`, busID); err != nil {
		return 0, mapErr(err, "release seats")
	}
	if _, err = tx.ExecContext(ctx, `UPDATE trips SET fully_booked = false, updated_at = now() WHERE bus_id = $1`, busID); err != nil {
		return 0, mapErr(err, "clear fully booked")
	}
	if err = tx.Commit(); err != nil {
		return 0, mapErr(err, "commit reset")
	}
	return int(deleted), nil
}

func (p *PostgresStore) ConfirmReservations(ctx context.Context, paymentRef string) (int, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE reservations SET status = 'confirmed', updated_at = now()
		WHERE payment_ref = $1 AND status = 'pending'`, paymentRef)
	if err != nil {
		return 0, mapErr(err, "confirm reservations")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapErr(err, "confirm reservations")
	}
	if n == 0 {
		return 0, apperr.NotFound("no pending reservations for payment %s", paymentRef)
	}
	return int(n), nil
}

func (p *PostgresStore) ListReservations(ctx context.Context, tripID string) ([]models.Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, seat_id, trip_id, user_id, status, COALESCE(payment_ref, ''), created_at, updated_at
		FROM reservations WHERE trip_id = $1 ORDER BY created_at, id`, tripID)
	if err != nil {
		return nil, mapErr(err, "reservations of trip "+tripID)
	}
	defer rows.Close()
	out := make([]models.Reservation, 0)
	for rows.Next() {
		var r models.Reservation
		var status string
		if err := rows.Scan(&r.ID, &r.SeatID, &r.TripID, &r.UserID, &status, &r.PaymentRef, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, mapErr(err, "reservations of trip "+tripID)
		}
		r.Status = models.ReservationStatus(status)
		out = append(out, r)
	}
	return out, mapErr(rows.Err(), "reservations of trip "+tripID)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
