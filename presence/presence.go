// Package presence tracks whether any admin agent is connected.
package presence

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/egor/ecochatserver/metrics"
	"github.com/egor/ecochatserver/models"
)

// Notifier delivers a presence event to every customer room.
type Notifier interface {
	BroadcastToCustomers(event string, payload any)
}

// Tracker keeps one record per live admin connection and broadcasts only
// when "any admin online" flips.
type Tracker struct {
	mu       sync.Mutex
	admins   map[string]time.Time
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time
}

// NewTracker creates a tracker that reports edges through notifier.
func NewTracker(notifier Notifier, log *zap.Logger) *Tracker {
	return &Tracker{
		admins:   make(map[string]time.Time),
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// AdminConnected records a new admin connection.
func (t *Tracker) AdminConnected(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.admins[connID]; ok {
		return
	}
	t.admins[connID] = t.now()
	metrics.AdminsOnline.Set(float64(len(t.admins)))
	if len(t.admins) == 1 {
		t.log.Info("admin presence online", zap.String("conn", connID))
		t.notifier.BroadcastToCustomers(models.EventAdminOnline, struct{}{})
	}
}

// AdminDisconnected removes an admin connection, graceful or not.
func (t *Tracker) AdminDisconnected(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.admins[connID]; !ok {
		return
	}
	delete(t.admins, connID)
	metrics.AdminsOnline.Set(float64(len(t.admins)))
	if len(t.admins) == 0 {
		t.log.Info("admin presence offline", zap.String("conn", connID))
		t.notifier.BroadcastToCustomers(models.EventAdminOffline, struct{}{})
	}
}

// IsAnyAdminOnline reports whether at least one admin connection is live.
func (t *Tracker) IsAnyAdminOnline() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.admins) > 0
}

// OnlineSince returns when the admin connection was registered.
func (t *Tracker) OnlineSince(connID string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.admins[connID]
	return ts, ok
}

// Count returns the number of live admin connections.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.admins)
}

// CurrentEvent is the event a newly joined customer should receive.
func (t *Tracker) CurrentEvent() string {
	if t.IsAnyAdminOnline() {
		return models.EventAdminOnline
	}
	return models.EventAdminOffline
}
