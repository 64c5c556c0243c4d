// Package registry tracks which live connections are watching which trips.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/example/fleet-realtime/internal/observability"
	"github.com/example/fleet-realtime/internal/protocol"
)

// Conn is one live client session. Send must be safe for concurrent use.
type Conn interface {
	ID() string
	Send(frame []byte) error
}

// Registry holds the trip -> connections subscription table and its reverse
// index so a closing connection can be removed from every trip at once.
type Registry struct {
	mu     sync.RWMutex
	trips  map[string]map[string]Conn
	byConn map[string]map[string]struct{}
	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		trips:  make(map[string]map[string]Conn),
		byConn: make(map[string]map[string]struct{}),
		logger: logger.With("component", "registry"),
	}
}

// Subscribe adds conn to tripID's subscriber set. Subscribing twice is a no-op.
func (r *Registry) Subscribe(tripID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	subs, ok := r.trips[tripID]
	if !ok {
		subs = make(map[string]Conn)
		r.trips[tripID] = subs
	}
	if _, dup := subs[conn.ID()]; dup {
		return
	}
	subs[conn.ID()] = conn
	trips, ok := r.byConn[conn.ID()]
	if !ok {
		trips = make(map[string]struct{})
		r.byConn[conn.ID()] = trips
	}
	trips[tripID] = struct{}{}
	observability.Subscriptions.Inc()
}

// Unsubscribe removes conn from tripID. It reports whether conn was subscribed.
func (r *Registry) Unsubscribe(tripID string, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(tripID, connID)
}

// RemoveConnection drops connID from every trip it watched and returns how
// many subscriptions were released.
func (r *Registry) RemoveConnection(connID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for tripID := range r.byConn[connID] {
		if r.removeLocked(tripID, connID) {
			n++
		}
	}
	delete(r.byConn, connID)
	return n
}

func (r *Registry) removeLocked(tripID, connID string) bool {
	subs, ok := r.trips[tripID]
	if !ok {
		return false
	}
	if _, ok := subs[connID]; !ok {
		return false
	}
	delete(subs, connID)
	if len(subs) == 0 {
		delete(r.trips, tripID)
	}
	if trips, ok := r.byConn[connID]; ok {
		delete(trips, tripID)
		if len(trips) == 0 {
			delete(r.byConn, connID)
		}
	}
	observability.Subscriptions.Dec()
	return true
}

// Subscribers returns the ids of the connections watching tripID, sorted.
func (r *Registry) Subscribers(tripID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.trips[tripID]))
	for id := range r.trips[tripID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Trips returns the trips connID is subscribed to, sorted.
func (r *Registry) Trips(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byConn[connID]))
	for id := range r.byConn[connID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Fanout sends one envelope to every subscriber of tripID and returns the
// number of successful deliveries. A failed send is logged and skipped.
func (r *Registry) Fanout(tripID, msgType string, payload any) (int, error) {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return 0, err
	}
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.trips[tripID]))
	for _, c := range r.trips[tripID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			observability.FanoutDeliveries.WithLabelValues(msgType, "error").Inc()
			r.logger.Warn("fanout send failed", "trip_id", tripID, "conn_id", c.ID(), "type", msgType, "error", err)
			continue
		}
		observability.FanoutDeliveries.WithLabelValues(msgType, "ok").Inc()
		delivered++
	}
	return delivered, nil
}
