// Package notify turns trip lifecycle events into passenger notifications and
// pushes them to an HTTP push provider.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/example/fleet-realtime/internal/apperr"
	"github.com/example/fleet-realtime/internal/models"
)

type Notification struct {
	TripID string            `json:"tripId"`
	Topic  string            `json:"topic"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ForEvent builds the passenger notification for ev, if the status warrants one.
func ForEvent(trip models.Trip, ev models.StatusEvent) (Notification, bool) {
	n := Notification{
		TripID: ev.TripID,
		Topic:  "trip-" + ev.TripID,
		Data:   map[string]string{"tripId": ev.TripID, "status": string(ev.Status)},
	}
	route := fmt.Sprintf("%s to %s", trip.DepartureCity, trip.ArrivalCity)
	switch ev.Status {
	case models.TripInProgress:
		n.Title = "Your bus has departed"
		n.Body = fmt.Sprintf("Trip %s is on the way.", route)
	case models.TripCompleted:
		dest := ev.Destination
		if dest == "" {
			dest = trip.ArrivalCity
		}
		n.Title = "Arrived"
		n.Body = fmt.Sprintf("Your bus has arrived at %s.", dest)
		n.Data["destination"] = dest
	case models.TripCancelled:
		n.Title = "Trip cancelled"
		n.Body = fmt.Sprintf("Trip %s has been cancelled.", route)
	default:
		return Notification{}, false
	}
	return n, true
}

// HTTPNotifier posts notifications as FCM-style JSON to a push endpoint.
type HTTPNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewHTTPNotifier(endpoint, key string) *HTTPNotifier {
	return &HTTPNotifier{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (h *HTTPNotifier) Notify(ctx context.Context, n Notification) error {
	body := map[string]any{
		"message": map[string]any{
			"topic":        n.Topic,
			"notification": map[string]string{"title": n.Title, "body": n.Body},
			"data":         n.Data,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if h.Key != "" {
		req.Header.Set("Authorization", "Bearer "+h.Key)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return apperr.Transient(err, "push notification for trip %s", n.TripID)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push provider responded %d for trip %s", resp.StatusCode, n.TripID)
	}
	return nil
}
