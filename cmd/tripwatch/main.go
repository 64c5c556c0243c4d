// Command tripwatch follows a trip over the gateway websocket, printing every
// status and seat update, and can optionally report a driver status.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/example/fleet-realtime/internal/config"
	"github.com/example/fleet-realtime/internal/logging"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/protocol"
	"github.com/example/fleet-realtime/internal/wsclient"
)

func main() {
	cfg, err := config.LoadClientConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid client config:", err)
		os.Exit(2)
	}
	var (
		tripID      = flag.String("trip", "", "trip id to follow (required)")
		driverID    = flag.String("driver", "", "driver id for -status")
		status      = flag.String("status", "", "driver status label to send once connected")
		destination = flag.String("destination", "", "destination to attach to -status")
	)
	flag.StringVar(&cfg.GatewayURL, "url", cfg.GatewayURL, "gateway websocket url")
	flag.Parse()
	if *tripID == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *status != "" && *driverID == "" {
		fmt.Fprintln(os.Stderr, "-status requires -driver")
		os.Exit(2)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, "text").With("component", "tripwatch")

	var client *wsclient.Client
	onConnect := connectActions(*tripID, *status, *driverID, *destination)
	client = wsclient.New(cfg.GatewayURL, wsclient.Options{
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		Logger:               logger,
		OnStateChange: func(s wsclient.State) {
			if s == wsclient.StateConnected {
				onConnect(client)
			}
		},
	})
	watch(client, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client.Connect()
	go func() {
		client.Wait()
		stop()
	}()
	<-ctx.Done()
	client.Disconnect()
}

// Sender is the part of wsclient.Client that connectActions needs.
type Sender interface {
	Send(msgType string, payload any) bool
}

// connectActions returns the callback run on every successful connect.
// Subscriptions live on the connection, so the trip is re-subscribed each
// time. The status report is a one-shot transition and is sent until the
// first write succeeds.
func connectActions(tripID, status, driverID, destination string) func(Sender) {
	var statusSent atomic.Bool
	return func(c Sender) {
		c.Send(protocol.TypeSubscribeTrip, protocol.SubscribeTrip{TripID: tripID})
		if status == "" || statusSent.Load() {
			return
		}
		if c.Send(protocol.TypeStatusUpdate, protocol.StatusUpdate{Status: status, DriverID: driverID, Destination: destination}) {
			statusSent.Store(true)
		}
	}
}

// Subscriber is the part of wsclient.Client that watch needs.
type Subscriber interface {
	Subscribe(msgType string, h wsclient.Handler) func()
}

// watch prints one line per trip_update, seat_update, success and error frame.
func watch(c Subscriber, out io.Writer) {
	c.Subscribe(protocol.TypeTripUpdate, func(p json.RawMessage) {
		var u protocol.TripUpdate
		if err := json.Unmarshal(p, &u); err != nil {
			return
		}
		fmt.Fprintln(out, formatTripUpdate(u))
	})
	c.Subscribe(protocol.TypeSeatUpdate, func(p json.RawMessage) {
		var ev models.SeatEvent
		if err := json.Unmarshal(p, &ev); err != nil {
			return
		}
		fmt.Fprintln(out, formatSeatEvent(ev))
	})
	c.Subscribe(protocol.TypeSuccess, func(p json.RawMessage) {
		var s protocol.Success
		if err := json.Unmarshal(p, &s); err != nil {
			return
		}
		fmt.Fprintf(out, "ok      %s\n", s.Status)
	})
	c.Subscribe(protocol.TypeError, func(p json.RawMessage) {
		var e protocol.Error
		if err := json.Unmarshal(p, &e); err != nil {
			return
		}
		fmt.Fprintf(out, "error   %s\n", e.Error)
	})
}

func formatTripUpdate(u protocol.TripUpdate) string {
	line := fmt.Sprintf("trip    %s %s", u.TripID, u.Status)
	if u.Destination != "" {
		line += " -> " + u.Destination
	}
	if !u.Timestamp.IsZero() {
		line += " at " + u.Timestamp.UTC().Format("15:04:05")
	}
	return line
}

func formatSeatEvent(ev models.SeatEvent) string {
	if !ev.Success {
		return fmt.Sprintf("seats   %s failed: %s", ev.TripID, ev.Error)
	}
	return fmt.Sprintf("seats   %s %s %v", ev.TripID, ev.Status, ev.SeatIDs)
}
