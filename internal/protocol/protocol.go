// Package protocol holds the websocket wire format spoken by the gateway and
// its clients. Every frame is an Envelope whose payload depends on Type.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/example/fleet-realtime/internal/models"
)

const (
	TypeSubscribeTrip   = "subscribe_trip"
	TypeUnsubscribeTrip = "unsubscribe_trip"
	TypeStatusUpdate    = "status_update"
	TypeTripUpdate      = "trip_update"
	TypeSeatUpdate      = "seat_update"
	TypeSuccess         = "success"
	TypeError           = "error"
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals payload into an envelope frame.
func Encode(msgType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", msgType, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Decode parses a frame into its envelope without touching the payload.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("missing message type")
	}
	return env, nil
}

type SubscribeTrip struct {
	TripID string `json:"tripId" validate:"required,uuid"`
}

type UnsubscribeTrip struct {
	TripID string `json:"tripId" validate:"required,uuid"`
}

type StatusUpdate struct {
	Status      string `json:"status" validate:"required"`
	DriverID    string `json:"driverId" validate:"required"`
	Destination string `json:"destination,omitempty" validate:"max=120"`
}

// TripUpdate is the server→client projection of a models.StatusEvent.
type TripUpdate struct {
	TripID      string            `json:"tripId"`
	Status      models.TripStatus `json:"status"`
	DriverID    string            `json:"driverId,omitempty"`
	Destination string            `json:"destination,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

func TripUpdateFrom(ev models.StatusEvent) TripUpdate {
	return TripUpdate{
		TripID:      ev.TripID,
		Status:      ev.Status,
		DriverID:    ev.DriverID,
		Destination: ev.Destination,
		Timestamp:   ev.Timestamp,
	}
}

type Success struct {
	Status   string `json:"status"`
	TripID   string `json:"tripId,omitempty"`
	DriverID string `json:"driverId,omitempty"`
}

type Error struct {
	Error string `json:"error"`
}
