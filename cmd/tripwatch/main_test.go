package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/protocol"
	"github.com/example/fleet-realtime/internal/wsclient"
)

type fakeSubscriber struct {
	handlers map[string]wsclient.Handler
}

func (f *fakeSubscriber) Subscribe(msgType string, h wsclient.Handler) func() {
	if f.handlers == nil {
		f.handlers = map[string]wsclient.Handler{}
	}
	f.handlers[msgType] = h
	return func() { delete(f.handlers, msgType) }
}

func (f *fakeSubscriber) emit(t *testing.T, msgType string, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	h, ok := f.handlers[msgType]
	if !ok {
		t.Fatalf("no handler for %s", msgType)
	}
	h(b)
}

func TestWatchPrintsFrames(t *testing.T) {
	var out bytes.Buffer
	f := &fakeSubscriber{}
	watch(f, &out)

	ts := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	f.emit(t, protocol.TypeTripUpdate, protocol.TripUpdate{TripID: "t1", Status: models.TripCompleted, Destination: "Mombasa", Timestamp: ts})
	f.emit(t, protocol.TypeSeatUpdate, models.SeatEvent{TripID: "t1", Status: models.SeatReserved, SeatIDs: []string{"s1", "s2"}, Success: true})
	f.emit(t, protocol.TypeSeatUpdate, models.SeatEvent{TripID: "t1", Error: "seat already reserved"})
	f.emit(t, protocol.TypeSuccess, protocol.Success{Status: "departed"})
	f.emit(t, protocol.TypeError, protocol.Error{Error: "trip not found"})

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	want := []string{
		"trip    t1 completed -> Mombasa at 08:30:00",
		"seats   t1 reserved [s1 s2]",
		"seats   t1 failed: seat already reserved",
		"ok      departed",
		"error   trip not found",
	}
	if len(lines) != len(want) {
		t.Fatalf("got %d lines: %q", len(lines), out.String())
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Fatalf("line %d: got %q want %q", i, lines[i], want[i])
		}
	}
}

func TestFormatTripUpdateWithoutExtras(t *testing.T) {
	got := formatTripUpdate(protocol.TripUpdate{TripID: "t2", Status: models.TripScheduled})
	if got != "trip    t2 scheduled" {
		t.Fatalf("got %q", got)
	}
}

type recordingSender struct {
	types []string
	ok    bool
}

func (r *recordingSender) Send(msgType string, payload any) bool {
	r.types = append(r.types, msgType)
	return r.ok
}

func TestStatusIsSentOnlyOnFirstConnect(t *testing.T) {
	onConnect := connectActions("t1", "arrived", "drv-1", "")
	s := &recordingSender{ok: true}
	onConnect(s)
	onConnect(s)
	onConnect(s)
	want := []string{protocol.TypeSubscribeTrip, protocol.TypeStatusUpdate, protocol.TypeSubscribeTrip, protocol.TypeSubscribeTrip}
	if strings.Join(s.types, ",") != strings.Join(want, ",") {
		t.Fatalf("sent %v", s.types)
	}
}

func TestStatusRetriedUntilWritten(t *testing.T) {
	onConnect := connectActions("t1", "in-transit", "drv-1", "")
	s := &recordingSender{ok: false}
	onConnect(s)
	s.ok = true
	onConnect(s)
	onConnect(s)
	statuses := 0
	for _, typ := range s.types {
		if typ == protocol.TypeStatusUpdate {
			statuses++
		}
	}
	if statuses != 2 {
		t.Fatalf("expected one failed and one successful status send, got %d in %v", statuses, s.types)
	}
}

func TestWatchOnlyConnectSendsNoStatus(t *testing.T) {
	s := &recordingSender{ok: true}
	connectActions("t1", "", "", "")(s)
	if len(s.types) != 1 || s.types[0] != protocol.TypeSubscribeTrip {
		t.Fatalf("sent %v", s.types)
	}
}
