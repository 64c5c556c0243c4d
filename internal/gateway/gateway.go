// Package gateway is the realtime hub: it speaks the websocket protocol with
// passengers and drivers, drives trip transitions, and fans status and seat
// events out to trip subscribers.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/notify"
	"github.com/example/fleet-realtime/internal/observability"
	"github.com/example/fleet-realtime/internal/protocol"
	"github.com/example/fleet-realtime/internal/registry"
	"github.com/example/fleet-realtime/internal/tripstate"
)

// Publisher is the durable distribution path for status events.
type Publisher interface {
	Publish(ctx context.Context, ev models.StatusEvent) error
	LastStatus(ctx context.Context, tripID string) (models.TripStatus, bool)
}

// EventLog records committed events for downstream consumers.
type EventLog interface {
	PublishStatus(ctx context.Context, ev models.StatusEvent) error
	PublishSeat(ctx context.Context, ev models.SeatEvent) error
}

type TripReader interface {
	GetTrip(ctx context.Context, id string) (models.Trip, error)
}

type Deps struct {
	Registry *registry.Registry
	Machine  *tripstate.Machine
	Trips    TripReader
	// Relay may be nil, in which case status events are delivered to
	// subscribers directly.
	Relay    Publisher
	Events   EventLog
	Notifier notify.Notifier
	Logger   *slog.Logger

	AllowedOrigin  string
	PublishTimeout time.Duration
}

type Gateway struct {
	registry *registry.Registry
	machine  *tripstate.Machine
	trips    TripReader
	relay    Publisher
	events   EventLog
	notifier notify.Notifier
	logger   *slog.Logger

	allowedOrigin  string
	publishTimeout time.Duration
	now            func() time.Time

	tasks sync.WaitGroup
}

func New(d Deps) *Gateway {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Registry == nil {
		d.Registry = registry.New(d.Logger)
	}
	if d.PublishTimeout <= 0 {
		d.PublishTimeout = 10 * time.Second
	}
	return &Gateway{
		registry:       d.Registry,
		machine:        d.Machine,
		trips:          d.Trips,
		relay:          d.Relay,
		events:         d.Events,
		notifier:       d.Notifier,
		logger:         d.Logger.With("component", "gateway"),
		allowedOrigin:  d.AllowedOrigin,
		publishTimeout: d.PublishTimeout,
		now:            time.Now,
	}
}

func (g *Gateway) Registry() *registry.Registry { return g.registry }

// Wait blocks until every background publish, notification and log write
// started so far has finished.
func (g *Gateway) Wait() { g.tasks.Wait() }

func (g *Gateway) async(fn func(ctx context.Context)) {
	g.tasks.Add(1)
	go func() {
		defer g.tasks.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.publishTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (g *Gateway) reply(conn registry.Conn, msgType string, payload any) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		g.logger.Error("encode reply failed", "type", msgType, "error", err)
		return
	}
	if err := conn.Send(frame); err != nil {
		g.logger.Warn("reply send failed", "conn_id", conn.ID(), "type", msgType, "error", err)
	}
}

func (g *Gateway) fail(conn registry.Conn, msgType string, err error) {
	observability.MessagesTotal.WithLabelValues(msgType, apperr.Label(err)).Inc()
	msg := err.Error()
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		g.logger.Error("message handling failed", "conn_id", conn.ID(), "type", msgType, "error", err)
		msg = "internal error"
	}
	g.reply(conn, protocol.TypeError, protocol.Error{Error: msg})
}

// Handle processes one inbound frame from conn. Every frame gets exactly one
// reply; failures never mutate state.
func (g *Gateway) Handle(ctx context.Context, conn registry.Conn, frame []byte) {
	env, err := protocol.Decode(frame)
	if err != nil {
		g.fail(conn, "unknown", apperr.Validation("invalid message"))
		return
	}
	switch env.Type {
	case protocol.TypeSubscribeTrip:
		err = g.subscribe(ctx, conn, env)
	case protocol.TypeUnsubscribeTrip:
		err = g.unsubscribe(conn, env)
	case protocol.TypeStatusUpdate:
		err = g.statusUpdate(ctx, conn, env)
	default:
		err = apperr.Validation("unknown message type %q", env.Type)
		env.Type = "unknown"
	}
	if err != nil {
		g.fail(conn, env.Type, err)
		return
	}
	observability.MessagesTotal.WithLabelValues(env.Type, "ok").Inc()
}

func (g *Gateway) subscribe(ctx context.Context, conn registry.Conn, env protocol.Envelope) error {
	var in protocol.SubscribeTrip
	if err := protocol.DecodePayload(env, &in); err != nil {
		return err
	}
	trip, err := g.trips.GetTrip(ctx, in.TripID)
	if err != nil {
		return err
	}
	g.registry.Subscribe(trip.ID, conn)

	// the relay view may lag the store or run ahead of this replica's read;
	// the snapshot takes whichever is further along the lifecycle
	status := trip.Status
	if g.relay != nil {
		if last, ok := g.relay.LastStatus(ctx, trip.ID); ok && last.Rank() > status.Rank() {
			status = last
		}
	}
	g.reply(conn, protocol.TypeTripUpdate, protocol.TripUpdate{
		TripID:    trip.ID,
		Status:    status,
		DriverID:  trip.DriverID,
		Timestamp: g.now().UTC(),
	})
	g.logger.Debug("subscribed", "conn_id", conn.ID(), "trip_id", trip.ID, "status", status)
	return nil
}

func (g *Gateway) unsubscribe(conn registry.Conn, env protocol.Envelope) error {
	var in protocol.UnsubscribeTrip
	if err := protocol.DecodePayload(env, &in); err != nil {
		return err
	}
	g.registry.Unsubscribe(in.TripID, conn.ID())
	g.reply(conn, protocol.TypeSuccess, protocol.Success{Status: "unsubscribed", TripID: in.TripID})
	return nil
}

func (g *Gateway) statusUpdate(ctx context.Context, conn registry.Conn, env protocol.Envelope) error {
	var in protocol.StatusUpdate
	if err := protocol.DecodePayload(env, &in); err != nil {
		return err
	}
	label, err := tripstate.ParseLabel(in.Status)
	if err != nil {
		return err
	}
	out, err := g.machine.Apply(ctx, tripstate.Update{DriverID: in.DriverID, Label: label, Destination: in.Destination})
	if err != nil {
		return err
	}
	if out.Event != nil {
		g.dispatch(out.Trip, *out.Event)
	}
	g.reply(conn, protocol.TypeSuccess, protocol.Success{Status: label.String(), TripID: out.Trip.ID, DriverID: out.Driver.ID})
	return nil
}

// dispatch distributes a committed status event without blocking the
// connection that caused it. Publish failures are logged and never undo the
// transition.
func (g *Gateway) dispatch(trip models.Trip, ev models.StatusEvent) {
	if g.relay == nil {
		g.Deliver(ev)
	} else {
		g.async(func(ctx context.Context) {
			if err := g.relay.Publish(ctx, ev); err != nil {
				g.logger.Error("relay publish failed", "trip_id", ev.TripID, "status", ev.Status, "error", err)
			}
		})
	}
	if g.events != nil {
		g.async(func(ctx context.Context) {
			if err := g.events.PublishStatus(ctx, ev); err != nil {
				g.logger.Warn("event log write failed", "trip_id", ev.TripID, "error", err)
			}
		})
	}
	if g.notifier != nil {
		if n, ok := notify.ForEvent(trip, ev); ok {
			g.async(func(ctx context.Context) {
				if err := g.notifier.Notify(ctx, n); err != nil {
					g.logger.Warn("notification failed", "trip_id", ev.TripID, "error", err)
				}
			})
		}
	}
}

// Deliver fans a trusted status event out to the trip's subscribers and
// returns how many received it.
func (g *Gateway) Deliver(ev models.StatusEvent) int {
	n, err := g.registry.Fanout(ev.TripID, protocol.TypeTripUpdate, protocol.TripUpdateFrom(ev))
	if err != nil {
		g.logger.Error("fanout failed", "trip_id", ev.TripID, "error", err)
		return 0
	}
	g.logger.Debug("status delivered", "trip_id", ev.TripID, "status", ev.Status, "subscribers", n)
	return n
}

// PublishSeatEvent fans a reserve or reset outcome out to the trip's
// subscribers and appends it to the event log.
func (g *Gateway) PublishSeatEvent(_ context.Context, ev models.SeatEvent) {
	if ev.TripID != "" {
		if _, err := g.registry.Fanout(ev.TripID, protocol.TypeSeatUpdate, ev); err != nil {
			g.logger.Error("seat fanout failed", "trip_id", ev.TripID, "error", err)
		}
	}
	if g.events != nil {
		g.async(func(ctx context.Context) {
			if err := g.events.PublishSeat(ctx, ev); err != nil {
				g.logger.Warn("event log write failed", "trip_id", ev.TripID, "error", err)
			}
		})
	}
}

// Disconnect releases every subscription held by connID.
func (g *Gateway) Disconnect(connID string) {
	n := g.registry.RemoveConnection(connID)
	g.logger.Debug("connection closed", "conn_id", connID, "subscriptions", n)
}
