package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/checkout"
	"github.com/example/fleet-realtime/internal/gateway"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/protocol"
	"github.com/example/fleet-realtime/internal/relay"
	"github.com/example/fleet-realtime/internal/seats"
	"github.com/example/fleet-realtime/internal/storage"
	"github.com/example/fleet-realtime/internal/tripstate"
)

const (
	tripID = "5d2c6a4e-0f1b-4c8e-9a77-3b9e2f1c0d11"
	secret = "test-webhook-secret"
)

type fakeProvisioner struct {
	calls int
	err   error
}

func (f *fakeProvisioner) Provision(_ context.Context, id string) (models.WebhookRegistration, error) {
	f.calls++
	if f.err != nil {
		return models.WebhookRegistration{}, f.err
	}
	return models.WebhookRegistration{TripID: id, AppID: "app_" + id[:4], EndpointID: "ep_1"}, nil
}

type harness struct {
	srv      *httptest.Server
	store    *storage.MemoryStore
	verifier *relay.Verifier
	prov     *fakeProvisioner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	store.SaveBus(models.Bus{ID: "bus-1", Capacity: 14, SeatPrice: 800})
	store.SaveDriver(models.Driver{ID: "drv-1", Availability: models.DriverOnline})
	store.SaveTrip(models.Trip{ID: tripID, BusID: "bus-1", DriverID: "drv-1", Status: models.TripScheduled, DepartureTime: time.Now().Add(time.Hour)})

	gw := gateway.New(gateway.Deps{Machine: tripstate.New(store, logger), Trips: store, Logger: logger})
	seatSvc := seats.NewService(store, store, logger)
	v, err := relay.NewVerifier(secret)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	prov := &fakeProvisioner{}
	s := NewServer(Deps{
		Gateway:       gw,
		Trips:         store,
		Seats:         seatSvc,
		Checkout:      checkout.NewService(seatSvc, nil, "kes", gw, logger),
		Relay:         prov,
		Verifier:      v,
		AllowedOrigin: "http://localhost:3000",
		Logger:        logger,
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &harness{srv: srv, store: store, verifier: v, prov: prov}
}

func (h *harness) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(h.srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, msgType string, payload any) {
	t.Helper()
	b, _ := protocol.Encode(msgType, payload)
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := protocol.Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func TestSetupTripWebhook(t *testing.T) {
	h := newHarness(t)
	if resp := h.post(t, "/setup-trip-webhook", map[string]string{"tripId": "nope"}); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid id: %d", resp.StatusCode)
	}
	if resp := h.post(t, "/setup-trip-webhook", map[string]string{"tripId": "9f0e7c1a-2b3d-4e5f-8a9b-0c1d2e3f4a5b"}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown trip: %d", resp.StatusCode)
	}
	resp := h.post(t, "/setup-trip-webhook", map[string]string{"tripId": tripID})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("provision: %d", resp.StatusCode)
	}
	var body map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "provisioned" || body["tripId"] != tripID || h.prov.calls != 1 {
		t.Fatalf("body %v calls %d", body, h.prov.calls)
	}

	h.prov.err = apperr.Transient(errors.New("relay down"), "relay")
	if resp := h.post(t, "/setup-trip-webhook", map[string]string{"tripId": tripID}); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("relay failure: %d", resp.StatusCode)
	}
}

func TestWebsocketStatusUpdateReachesSubscriber(t *testing.T) {
	h := newHarness(t)
	passenger := h.dial(t)
	driver := h.dial(t)

	send(t, passenger, protocol.TypeSubscribeTrip, protocol.SubscribeTrip{TripID: tripID})
	snap := read(t, passenger)
	if snap.Type != protocol.TypeTripUpdate {
		t.Fatalf("snapshot type %s", snap.Type)
	}

	send(t, driver, protocol.TypeStatusUpdate, protocol.StatusUpdate{Status: "in-transit", DriverID: "drv-1"})
	if env := read(t, driver); env.Type != protocol.TypeSuccess {
		t.Fatalf("driver reply %s %s", env.Type, env.Payload)
	}
	env := read(t, passenger)
	var up protocol.TripUpdate
	_ = json.Unmarshal(env.Payload, &up)
	if env.Type != protocol.TypeTripUpdate || up.Status != models.TripInProgress {
		t.Fatalf("passenger got %s %+v", env.Type, up)
	}

	send(t, driver, protocol.TypeStatusUpdate, protocol.StatusUpdate{Status: "in-transit", DriverID: "drv-1"})
	if env := read(t, driver); env.Type != protocol.TypeError {
		t.Fatalf("repeated transition should fail, got %s", env.Type)
	}
}

func TestWebhookCallback(t *testing.T) {
	h := newHarness(t)
	passenger := h.dial(t)
	send(t, passenger, protocol.TypeSubscribeTrip, protocol.SubscribeTrip{TripID: tripID})
	read(t, passenger)

	body, _ := json.Marshal(models.StatusEvent{TripID: tripID, Status: models.TripCancelled, Timestamp: time.Now().UTC()})

	req, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/webhooks/trip-updates", bytes.NewReader(body))
	if err := h.verifier.SignHeaders(req.Header, "msg_1", time.Now(), body); err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	defer resp.Body.Close()
	var out map[string]bool
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK || !out["received"] {
		t.Fatalf("status %d body %v", resp.StatusCode, out)
	}
	if env := read(t, passenger); env.Type != protocol.TypeTripUpdate {
		t.Fatalf("passenger got %s", env.Type)
	}

	forged, _ := http.NewRequest(http.MethodPost, h.srv.URL+"/webhooks/trip-updates", bytes.NewReader(body))
	if err := h.verifier.SignHeaders(forged.Header, "msg_2", time.Now(), []byte("something else")); err != nil {
		t.Fatalf("sign: %v", err)
	}
	resp2, err := http.DefaultClient.Do(forged)
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("forged callback: %d", resp2.StatusCode)
	}

	unsigned := h.post(t, "/webhooks/trip-updates", json.RawMessage(body))
	if unsigned.StatusCode != http.StatusBadRequest {
		t.Fatalf("unsigned callback: %d", unsigned.StatusCode)
	}

	// rejected callbacks must not reach subscribers
	_ = passenger.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, frame, err := passenger.ReadMessage(); err == nil {
		t.Fatalf("rejected callback was fanned out: %s", frame)
	}
}

func seatIDs(t *testing.T, h *harness) []string {
	t.Helper()
	resp, err := http.Get(h.srv.URL + "/api/v1/buses/bus-1/seats")
	if err != nil {
		t.Fatalf("get seats: %v", err)
	}
	defer resp.Body.Close()
	var list []models.Seat
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode seats: %v", err)
	}
	if len(list) != 14 {
		t.Fatalf("expected 14 seats, got %d", len(list))
	}
	ids := make([]string, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	return ids
}

func TestReservationEndpoints(t *testing.T) {
	h := newHarness(t)
	ids := seatIDs(t, h)
	watcher := h.dial(t)
	send(t, watcher, protocol.TypeSubscribeTrip, protocol.SubscribeTrip{TripID: tripID})
	read(t, watcher)

	resp := h.post(t, "/api/v1/trips/"+tripID+"/reservations", map[string]any{"userId": "u1", "seatIds": ids[6:7]})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("checkout: %d", resp.StatusCode)
	}
	if env := read(t, watcher); env.Type != protocol.TypeSeatUpdate {
		t.Fatalf("watcher got %s", env.Type)
	}

	resp = h.post(t, "/api/v1/trips/"+tripID+"/reservations", map[string]any{"userId": "u2", "seatIds": ids[5:8]})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double booking: %d", resp.StatusCode)
	}
	resp = h.post(t, "/api/v1/trips/"+tripID+"/reservations", map[string]any{"userId": "u2"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing seats: %d", resp.StatusCode)
	}

	resp = h.post(t, "/api/v1/buses/bus-1/seats/reset", nil)
	var reset map[string]int
	_ = json.NewDecoder(resp.Body).Decode(&reset)
	if resp.StatusCode != http.StatusOK || reset["deletedCount"] != 1 {
		t.Fatalf("reset: %d %v", resp.StatusCode, reset)
	}

	vr, err := http.Get(h.srv.URL + "/api/v1/buses/bus-1/seats/validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	defer vr.Body.Close()
	var valid map[string]bool
	_ = json.NewDecoder(vr.Body).Decode(&valid)
	if !valid["valid"] {
		t.Fatalf("layout should validate")
	}
}

func TestConfirmPaymentEndpoint(t *testing.T) {
	h := newHarness(t)
	ids := seatIDs(t, h)
	resp := h.post(t, "/api/v1/trips/"+tripID+"/reservations", map[string]any{"userId": "u1", "seatIds": ids[:2], "paymentRef": "mpesa_1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("checkout: %d", resp.StatusCode)
	}
	resp = h.post(t, "/api/v1/payments/confirm", map[string]string{"paymentRef": "mpesa_1"})
	var out map[string]int
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK || out["confirmed"] != 2 {
		t.Fatalf("confirm: %d %v", resp.StatusCode, out)
	}
	if resp := h.post(t, "/api/v1/payments/confirm", map[string]string{"paymentRef": "mpesa_1"}); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second confirm: %d", resp.StatusCode)
	}
}

func TestCORSPreflightAndHealth(t *testing.T) {
	h := newHarness(t)
	req, _ := http.NewRequest(http.MethodOptions, h.srv.URL+"/setup-trip-webhook", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Fatalf("preflight: %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}

	hr, err := http.Get(h.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	hr.Body.Close()
	if hr.StatusCode != http.StatusOK || hr.Header.Get("X-Request-ID") == "" {
		t.Fatalf("healthz: %d", hr.StatusCode)
	}
}
