package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/checkout"
	"github.com/example/fleet-realtime/internal/gateway"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/observability"
	"github.com/example/fleet-realtime/internal/protocol"
	"github.com/example/fleet-realtime/internal/seats"
)

const maxBodyBytes = 1 << 20

// Provisioner creates the relay application for a trip.
type Provisioner interface {
	Provision(ctx context.Context, tripID string) (models.WebhookRegistration, error)
}

// CallbackVerifier authenticates relay callbacks.
type CallbackVerifier interface {
	Verify(h http.Header, body []byte) (models.StatusEvent, error)
}

type Deps struct {
	Gateway  *gateway.Gateway
	Trips    gateway.TripReader
	Seats    *seats.Service
	Checkout *checkout.Service
	// Relay and Verifier are nil when no relay is configured.
	Relay    Provisioner
	Verifier CallbackVerifier
	// Ready reports dependency health for /healthz; nil means always ready.
	Ready func(ctx context.Context) error

	AllowedOrigin string
	Logger        *slog.Logger
}

type Server struct {
	gateway  *gateway.Gateway
	trips    gateway.TripReader
	seats    *seats.Service
	checkout *checkout.Service
	relay    Provisioner
	verifier CallbackVerifier
	ready    func(ctx context.Context) error

	allowedOrigin string
	logger        *slog.Logger
	mux           *mux.Router
	handler       http.Handler
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	s := &Server{
		gateway:       d.Gateway,
		trips:         d.Trips,
		seats:         d.Seats,
		checkout:      d.Checkout,
		relay:         d.Relay,
		verifier:      d.Verifier,
		ready:         d.Ready,
		allowedOrigin: d.AllowedOrigin,
		logger:        d.Logger.With("component", "http"),
		mux:           mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	s.handler = s.corsMiddleware(s.mux)
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.gateway.ServeWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/setup-trip-webhook", s.handleSetupTripWebhook).Methods(http.MethodPost)
	s.mux.HandleFunc("/webhooks/trip-updates", s.handleTripUpdateCallback).Methods(http.MethodPost)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips/{tripId}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{tripId}/reservations", s.handleCheckout).Methods(http.MethodPost)
	api.HandleFunc("/buses/{busId}/seats", s.handleListSeats).Methods(http.MethodGet)
	api.HandleFunc("/buses/{busId}/seats/reset", s.handleResetSeats).Methods(http.MethodPost)
	api.HandleFunc("/buses/{busId}/seats/validate", s.handleValidateSeats).Methods(http.MethodGet)
	api.HandleFunc("/payments/confirm", s.handleConfirmPayment).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.handler.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	var ae *apperr.Error
	if !errors.As(err, &ae) || status >= 500 {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst); err != nil {
		return apperr.Validation("malformed request body")
	}
	return protocol.Validate(dst)
}

type setupWebhookRequest struct {
	TripID string `json:"tripId" validate:"required,uuid"`
}

func (s *Server) handleSetupTripWebhook(w http.ResponseWriter, r *http.Request) {
	var req setupWebhookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	trip, err := s.trips.GetTrip(r.Context(), req.TripID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.relay == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "relay not configured"})
		return
	}
	reg, err := s.relay.Provision(r.Context(), trip.ID)
	if err != nil {
		s.writeError(w, r, apperr.Transient(err, "relay provisioning failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "provisioned",
		"tripId":     trip.ID,
		"appId":      reg.AppID,
		"endpointId": reg.EndpointID,
	})
}

func (s *Server) handleTripUpdateCallback(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "webhook verification not configured"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		observability.WebhookCallbacks.WithLabelValues("validation").Inc()
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	ev, err := s.verifier.Verify(r.Header, body)
	if err != nil {
		observability.WebhookCallbacks.WithLabelValues(apperr.Label(err)).Inc()
		s.logger.Warn("relay callback rejected", "error", err, "remote_addr", remoteIP(r))
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid webhook"})
		return
	}
	n := s.gateway.Deliver(ev)
	observability.WebhookCallbacks.WithLabelValues("ok").Inc()
	s.logger.Info("relay callback delivered", "trip_id", ev.TripID, "status", ev.Status, "subscribers", n)
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.trips.GetTrip(r.Context(), mux.Vars(r)["tripId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkout.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, apperr.Validation("malformed request body"))
		return
	}
	req.TripID = mux.Vars(r)["tripId"]
	res, err := s.checkout.Checkout(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type confirmPaymentRequest struct {
	PaymentRef string `json:"paymentRef" validate:"required"`
}

func (s *Server) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.checkout.Confirm(r.Context(), req.PaymentRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"confirmed": n})
}

func (s *Server) handleListSeats(w http.ResponseWriter, r *http.Request) {
	list, err := s.seats.Seats(r.Context(), mux.Vars(r)["busId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleResetSeats(w http.ResponseWriter, r *http.Request) {
	busID := mux.Vars(r)["busId"]
	n, err := s.seats.Reset(r.Context(), busID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.gateway.PublishSeatEvent(r.Context(), models.SeatEvent{BusID: busID, Status: models.SeatAvailable, Success: true, Timestamp: time.Now().UTC()})
	writeJSON(w, http.StatusOK, map[string]int{"deletedCount": n})
}

func (s *Server) handleValidateSeats(w http.ResponseWriter, r *http.Request) {
	ok, err := s.seats.Validate(r.Context(), mux.Vars(r)["busId"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"valid": ok})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
