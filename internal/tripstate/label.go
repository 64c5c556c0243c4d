package tripstate

import (
	"fmt"
	"strings"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
)

// Label is a driver-facing status as sent by the driver app.
type Label int

const (
	LabelOnline Label = iota + 1
	LabelOffline
	LabelInTransit
	LabelArrived
	LabelCancelled
)

var labelNames = map[Label]string{
	LabelOnline:    "online",
	LabelOffline:   "offline",
	LabelInTransit: "in-transit",
	LabelArrived:   "arrived",
	LabelCancelled: "cancelled",
}

func (l Label) String() string {
	if s, ok := labelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("Label(%d)", int(l))
}

// ParseLabel accepts the wire spelling of a label. Unknown labels are a
// validation error, never a silent fallthrough.
func ParseLabel(s string) (Label, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "online":
		return LabelOnline, nil
	case "offline":
		return LabelOffline, nil
	case "in-transit", "in_transit", "in_progress":
		return LabelInTransit, nil
	case "arrived":
		return LabelArrived, nil
	case "cancelled", "canceled":
		return LabelCancelled, nil
	}
	return 0, apperr.Validation("unknown status %q", s)
}

// TargetKind discriminates what a label drives.
type TargetKind int

const (
	TargetAvailability TargetKind = iota + 1
	TargetTrip
)

// Target is the tagged result of mapping a label: exactly one of
// Availability or Trip is meaningful, selected by Kind.
type Target struct {
	Kind         TargetKind
	Availability models.DriverAvailability
	Trip         models.TripStatus
}

// Target maps the label onto the state machine it drives. Driver
// availability and the trip lifecycle are separate machines: going offline
// never touches a trip, and moving a trip never changes availability.
func (l Label) Target() Target {
	switch l {
	case LabelOnline:
		return Target{Kind: TargetAvailability, Availability: models.DriverOnline}
	case LabelOffline:
		return Target{Kind: TargetAvailability, Availability: models.DriverOffline}
	case LabelInTransit:
		return Target{Kind: TargetTrip, Trip: models.TripInProgress}
	case LabelArrived:
		return Target{Kind: TargetTrip, Trip: models.TripCompleted}
	case LabelCancelled:
		return Target{Kind: TargetTrip, Trip: models.TripCancelled}
	}
	panic(fmt.Sprintf("tripstate: unmapped label %d", int(l)))
}
