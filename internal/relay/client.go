// Package relay publishes trip status events to a durable webhook relay,
// provisions one relay application per trip, and verifies the signed
// callbacks the relay sends back.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	svix "github.com/svix/svix-webhooks/go"
	svixmodels "github.com/svix/svix-webhooks/go/models"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
	"github.com/example/fleet-realtime/internal/observability"
)

const EventTypeStatusChanged = "trip.status_changed"

type Config struct {
	BaseURL     string
	APIKey      string
	CallbackURL string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
}

type Client struct {
	cfg    Config
	api    *svix.Svix
	cache  RegistrationCache
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewClient(cfg Config, cache RegistrationCache, logger *slog.Logger) (*Client, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 200 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	serverURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("relay base url: %w", err)
	}
	// retries are driven by withRetry so backoff and attempt counts follow
	// RELAY_PUBLISH_ATTEMPTS
	api, err := svix.New(cfg.APIKey, &svix.SvixOptions{
		ServerUrl:     serverURL,
		HTTPClient:    &http.Client{Timeout: cfg.Timeout},
		RetrySchedule: &[]time.Duration{},
	})
	if err != nil {
		return nil, fmt.Errorf("relay client: %w", err)
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		api:    api,
		cache:  cache,
		logger: logger.With("component", "relay"),
		locks:  make(map[string]*sync.Mutex),
	}, nil
}

// tripLock serializes provisioning per trip so concurrent first publishes
// create a single application.
func (c *Client) tripLock(tripID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[tripID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[tripID] = l
	}
	return l
}

func ptr[T any](v T) *T { return &v }

// statusCoder matches the SDK's API error without depending on its concrete type.
type statusCoder interface {
	Status() int
}

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// classify marks network failures and 429/5xx responses as transient.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		if retryable(sc.Status()) {
			return apperr.Transient(err, "relay %s", op)
		}
		return fmt.Errorf("relay %s: %w", op, err)
	}
	return apperr.Transient(err, "relay %s", op)
}

func isConflict(err error) bool {
	var sc statusCoder
	return errors.As(err, &sc) && sc.Status() == http.StatusConflict
}

func eventPayload(ev models.StatusEvent) (map[string]any, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// withRetry runs fn until it succeeds, fails permanently, or attempts run out.
func (c *Client) withRetry(ctx context.Context, what string, fn func() error) error {
	delay := c.cfg.RetryDelay
	var err error
	for i := 0; i < c.cfg.MaxAttempts; i++ {
		if err = fn(); err == nil || !apperr.IsTransient(err) {
			return err
		}
		if i == c.cfg.MaxAttempts-1 {
			break
		}
		c.logger.Warn("relay call failed, retrying", "op", what, "attempt", i+1, "backoff", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

// Provision returns the trip's relay registration, creating the relay
// application and its callback endpoint on first use.
func (c *Client) Provision(ctx context.Context, tripID string) (models.WebhookRegistration, error) {
	if reg, ok, err := c.cache.Get(ctx, tripID); err == nil && ok && reg.AppID != "" {
		return reg, nil
	}
	l := c.tripLock(tripID)
	l.Lock()
	defer l.Unlock()
	reg, ok, err := c.cache.Get(ctx, tripID)
	if err != nil {
		c.logger.Warn("registration cache read failed", "trip_id", tripID, "error", err)
	}
	if ok && reg.AppID != "" {
		return reg, nil
	}

	var app *svixmodels.ApplicationOut
	err = c.withRetry(ctx, "create_app", func() error {
		var err error
		app, err = c.api.Application.GetOrCreate(ctx, svixmodels.ApplicationIn{
			Name: "trip " + tripID,
			Uid:  ptr("trip-" + tripID),
		}, nil)
		return classify(err, "create app")
	})
	if err != nil {
		return models.WebhookRegistration{}, fmt.Errorf("provision relay app for trip %s: %w", tripID, err)
	}

	endpointUID := "trip-" + tripID + "-gateway"
	endpointID := ""
	err = c.withRetry(ctx, "create_endpoint", func() error {
		ep, err := c.api.Endpoint.Create(ctx, app.Id, svixmodels.EndpointIn{
			Url:         c.cfg.CallbackURL,
			Uid:         ptr(endpointUID),
			Description: ptr("gateway callback for trip " + tripID),
			FilterTypes: []string{EventTypeStatusChanged},
		}, nil)
		if err != nil {
			return classify(err, "create endpoint")
		}
		endpointID = ep.Id
		return nil
	})
	if isConflict(err) {
		// endpoint already exists; the relay accepts its uid wherever an id is expected
		endpointID, err = endpointUID, nil
	}
	if err != nil {
		return models.WebhookRegistration{}, fmt.Errorf("provision relay endpoint for trip %s: %w", tripID, err)
	}

	reg = models.WebhookRegistration{TripID: tripID, AppID: app.Id, EndpointID: endpointID, LastStatus: reg.LastStatus, UpdatedAt: time.Now().UTC()}
	if err := c.cache.Put(ctx, reg); err != nil {
		c.logger.Warn("registration cache write failed", "trip_id", tripID, "error", err)
	}
	c.logger.Info("relay provisioned", "trip_id", tripID, "app_id", app.Id, "endpoint_id", endpointID)
	return reg, nil
}

// Publish sends ev to the trip's relay application. Transient failures are
// retried with exponential backoff up to the configured attempts.
func (c *Client) Publish(ctx context.Context, ev models.StatusEvent) error {
	start := time.Now()
	reg, err := c.Provision(ctx, ev.TripID)
	if err != nil {
		observability.RelayPublishes.WithLabelValues("error").Inc()
		return err
	}
	if err := c.cache.SetLastStatus(ctx, ev.TripID, ev.Status); err != nil {
		c.logger.Warn("registration cache write failed", "trip_id", ev.TripID, "error", err)
	}
	payload, err := eventPayload(ev)
	if err != nil {
		observability.RelayPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("encode status for trip %s: %w", ev.TripID, err)
	}
	eventID := uuid.NewString()
	err = c.withRetry(ctx, "create_message", func() error {
		_, err := c.api.Message.Create(ctx, reg.AppID, svixmodels.MessageIn{
			EventType: EventTypeStatusChanged,
			EventId:   ptr(eventID),
			Payload:   payload,
		}, nil)
		return classify(err, "create message")
	})
	observability.RelayPublishLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RelayPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("publish status for trip %s: %w", ev.TripID, err)
	}
	observability.RelayPublishes.WithLabelValues("ok").Inc()
	c.logger.Debug("status published", "trip_id", ev.TripID, "status", ev.Status, "event_id", eventID)
	return nil
}

// LastStatus returns the last status recorded for tripID, if any.
func (c *Client) LastStatus(ctx context.Context, tripID string) (models.TripStatus, bool) {
	reg, ok, err := c.cache.Get(ctx, tripID)
	if err != nil {
		c.logger.Warn("registration cache read failed", "trip_id", tripID, "error", err)
		return "", false
	}
	if !ok || reg.LastStatus == "" {
		return "", false
	}
	return reg.LastStatus, true
}
