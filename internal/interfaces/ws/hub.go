package ws

import (
	"errors"
	"sync"

	domain "main/internal/domain/entity/marketdata"
	interfaces "main/internal/domain/interfaces"

	"github.com/sirupsen/logrus"
)

var ErrDuplicateConnection = errors.New("connection id already in use")

// Hub is the subscription registry. It keeps the instrument/connection
// relation indexed in both directions: fan-out is O(1) to find subscribers,
// disconnect cleanup is O(that connection's subscriptions). The hub holds
// non-owning references to clients; each client owns its own lifetime.
type Hub struct {
	mu            sync.RWMutex
	connections   map[string]*Client
	subscribers   map[string]map[string]struct{} // instrument -> connection ids
	subscriptions map[string]map[string]struct{} // connection id -> instruments

	logger *logrus.Entry
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		connections:   make(map[string]*Client),
		subscribers:   make(map[string]map[string]struct{}),
		subscriptions: make(map[string]map[string]struct{}),
		logger:        logger.WithField("component", "ws_hub"),
	}
}

// admit registers a connection handle. Subscriptions require admission first.
func (h *Hub) admit(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.connections[c.id]; exists {
		return ErrDuplicateConnection
	}
	h.connections[c.id] = c
	h.subscriptions[c.id] = make(map[string]struct{})
	h.logger.WithFields(logrus.Fields{
		"connection_id": c.id,
		"connections":   len(h.connections),
	}).Info("connection admitted")
	return nil
}

// remove tears the connection out of every index in one pass. Used
// exclusively by disconnect cleanup; idempotent.
func (h *Hub) remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.connections[connID]; !exists {
		return
	}
	for instrumentID := range h.subscriptions[connID] {
		h.dropSubscriberLocked(instrumentID, connID)
	}
	delete(h.subscriptions, connID)
	delete(h.connections, connID)
	h.logger.WithFields(logrus.Fields{
		"connection_id": connID,
		"connections":   len(h.connections),
	}).Info("connection removed")
}

func (h *Hub) dropSubscriberLocked(instrumentID, connID string) {
	set, ok := h.subscribers[instrumentID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.subscribers, instrumentID)
	}
}

// Subscribe adds the relation in both directions. The backfill frames are
// enqueued to the connection under the same critical section that adds the
// index entry, so no live broadcast can slot in between backfill and the
// first live update. Idempotent for an existing subscription.
func (h *Hub) Subscribe(connID, instrumentID string, backfill ...[]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	c, ok := h.connections[connID]
	if !ok {
		return domain.ErrConnectionNotFound
	}

	for _, payload := range backfill {
		if err := c.enqueue(payload); err != nil {
			// The connection cannot keep up before it even subscribed;
			// registration is pointless, teardown handles the rest.
			go c.Teardown("backfill delivery failed")
			return err
		}
	}

	if _, ok := h.subscribers[instrumentID]; !ok {
		h.subscribers[instrumentID] = make(map[string]struct{})
	}
	h.subscribers[instrumentID][connID] = struct{}{}
	h.subscriptions[connID][instrumentID] = struct{}{}
	return nil
}

// Unsubscribe removes the relation; a no-op when absent.
func (h *Hub) Unsubscribe(connID, instrumentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscriptions[connID]; !ok {
		return
	}
	delete(h.subscriptions[connID], instrumentID)
	h.dropSubscriberLocked(instrumentID, connID)
}

// IsSubscribed reports whether the relation currently exists.
func (h *Hub) IsSubscribed(connID, instrumentID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subscriptions[connID][instrumentID]
	return ok
}

// SubscribersOf returns a snapshot copy of the instrument's subscriber set.
func (h *Hub) SubscribersOf(instrumentID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.subscribers[instrumentID]
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids
}

// Broadcast delivers one update to every current subscriber of the
// instrument. Delivery is per-connection isolated: a full or dead
// connection is recorded as failed and proactively torn down, and never
// delays the others. Holding the read lock while enqueuing keeps broadcasts
// ordered against Subscribe's backfill enqueue; the per-connection sends
// themselves are non-blocking.
func (h *Hub) Broadcast(instrumentID string, update *domain.Update) interfaces.DeliveryReport {
	payload := updateFrame(update)

	h.mu.RLock()
	var failed []*Client
	report := interfaces.DeliveryReport{}
	for connID := range h.subscribers[instrumentID] {
		c, ok := h.connections[connID]
		if !ok {
			// Disconnected mid-fan-out: best-effort miss, not an error.
			continue
		}
		if err := c.enqueue(payload); err != nil {
			report.Failed = append(report.Failed, connID)
			failed = append(failed, c)
			continue
		}
		report.Delivered++
	}
	h.mu.RUnlock()

	for _, c := range failed {
		h.logger.WithFields(logrus.Fields{
			"connection_id": c.id,
			"instrument_id": instrumentID,
		}).Warn("delivery failed, disconnecting subscriber")
		go c.Teardown("delivery failure")
	}
	return report
}

// ConnectionCount reports admitted connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// SubscriptionCount reports active (connection, instrument) pairs.
func (h *Hub) SubscriptionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	total := 0
	for _, set := range h.subscriptions {
		total += len(set)
	}
	return total
}

// SubscriberCounts reports per-instrument subscriber counts for the stats
// surface.
func (h *Hub) SubscriberCounts() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	counts := make(map[string]int, len(h.subscribers))
	for instrumentID, set := range h.subscribers {
		counts[instrumentID] = len(set)
	}
	return counts
}
