package models

import "time"

// TripStatus is the lifecycle state of a trip.
type TripStatus string

const (
	TripScheduled  TripStatus = "scheduled"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

func (s TripStatus) Valid() bool {
	switch s {
	case TripScheduled, TripInProgress, TripCompleted, TripCancelled:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle. Terminal statuses share the top
// rank; unknown statuses rank below everything.
func (s TripStatus) Rank() int {
	switch s {
	case TripScheduled:
		return 0
	case TripInProgress:
		return 1
	case TripCompleted, TripCancelled:
		return 2
	}
	return -1
}

// Terminal reports whether no transition may leave s.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

type Trip struct {
	ID            string     `json:"id"`
	BusID         string     `json:"busId"`
	DriverID      string     `json:"driverId"`
	DepartureCity string     `json:"departureCity"`
	ArrivalCity   string     `json:"arrivalCity"`
	DepartureTime time.Time  `json:"departureTime"`
	ArrivalTime   time.Time  `json:"arrivalTime"`
	Status        TripStatus `json:"status"`
	FullyBooked   bool       `json:"fullyBooked"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// DriverAvailability is independent of any trip's lifecycle.
type DriverAvailability string

const (
	DriverOnline  DriverAvailability = "online"
	DriverOffline DriverAvailability = "offline"
)

type Driver struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Availability DriverAvailability `json:"availability"`
	UpdatedAt    time.Time          `json:"updatedAt"`
}

type Bus struct {
	ID        string `json:"id"`
	Plate     string `json:"plate"`
	Capacity  int    `json:"capacity"`
	SeatPrice int64  `json:"seatPrice"` // minor currency units
}

type SeatStatus string

const (
	SeatAvailable SeatStatus = "available"
	SeatSelected  SeatStatus = "selected"
	SeatReserved  SeatStatus = "reserved"
)

type SeatCategory string

const (
	SeatWindow SeatCategory = "window"
	SeatAisle  SeatCategory = "aisle"
	SeatMiddle SeatCategory = "middle"
	SeatSingle SeatCategory = "single"
)

type Seat struct {
	ID       string       `json:"id"`
	BusID    string       `json:"busId"`
	Number   int          `json:"seatNumber"`
	Row      int          `json:"row"`
	Column   int          `json:"column"`
	Category SeatCategory `json:"category"`
	Price    int64        `json:"price"`
	Status   SeatStatus   `json:"status"`
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

type Reservation struct {
	ID         string            `json:"id"`
	SeatID     string            `json:"seatId"`
	TripID     string            `json:"tripId"`
	UserID     string            `json:"userId"`
	Status     ReservationStatus `json:"status"`
	PaymentRef string            `json:"paymentRef,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

// StatusEvent is relayed to trip subscribers and never stored.
type StatusEvent struct {
	TripID      string     `json:"tripId" validate:"required,uuid"`
	Status      TripStatus `json:"status" validate:"required,oneof=scheduled in_progress completed cancelled"`
	DriverID    string     `json:"driverId,omitempty"`
	Destination string     `json:"destination,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// SeatEvent reports the outcome of a reserve or reset to trip listeners.
type SeatEvent struct {
	TripID        string     `json:"tripId"`
	BusID         string     `json:"busId"`
	SeatIDs       []string   `json:"seatIds"`
	Status        SeatStatus `json:"status"`
	Success       bool       `json:"success"`
	ReservedCount int        `json:"reservedCount,omitempty"`
	Error         string     `json:"error,omitempty"`
	Timestamp     time.Time  `json:"timestamp"`
}

// WebhookRegistration remembers the relay application provisioned for a trip.
type WebhookRegistration struct {
	TripID     string     `json:"tripId"`
	AppID      string     `json:"appId"`
	EndpointID string     `json:"endpointId"`
	LastStatus TripStatus `json:"lastStatus"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}
