package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	interfaces "main/internal/domain/interfaces"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	defaultSendBuffer  = 256
	defaultSendTimeout = 10 * time.Second
	defaultPongWait    = 60 * time.Second

	maxInboundSize = 4 << 10
)

var (
	ErrSendBufferFull    = errors.New("send buffer full")
	ErrConnectionClosing = errors.New("connection closing")
)

// Connection states. Closed is terminal; the Closing->Closed transition runs
// registry cleanup exactly once.
const (
	stateConnecting int32 = iota
	stateActive
	stateClosing
	stateClosed
)

// Options bounds per-connection resource usage. A subscriber that cannot
// drain SendBuffer frames within SendTimeout is disconnected rather than
// allowed to backpressure ingestion.
type Options struct {
	SendBuffer          int
	SendTimeout         time.Duration
	PongWait            time.Duration
	BackfillNewestFirst bool
}

func (o *Options) defaults() {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = defaultSendTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = defaultPongWait
	}
}

// Client owns one subscriber connection for its whole lifetime. The hub only
// ever holds its identifier and a non-owning reference.
type Client struct {
	id    string
	hub   *Hub
	cache interfaces.SnapshotCache
	conn  *websocket.Conn
	opts  Options

	send chan []byte
	quit chan struct{}

	state     atomic.Int32
	closeOnce sync.Once
	logger    *logrus.Entry
}

// NewClient wraps an upgraded connection. The caller must Serve it.
func NewClient(id string, conn *websocket.Conn, hub *Hub, cache interfaces.SnapshotCache, opts Options, logger *logrus.Logger) *Client {
	opts.defaults()
	return &Client{
		id:     id,
		hub:    hub,
		cache:  cache,
		conn:   conn,
		opts:   opts,
		send:   make(chan []byte, opts.SendBuffer),
		quit:   make(chan struct{}),
		logger: logger.WithField("connection_id", id),
	}
}

// ID is the externally visible connection identifier.
func (c *Client) ID() string {
	return c.id
}

// Serve admits the connection and runs the pumps. It blocks until the
// connection is torn down; teardown is guaranteed to have completed registry
// cleanup by the time Serve returns.
func (c *Client) Serve(ctx context.Context) error {
	if err := c.hub.admit(c); err != nil {
		_ = c.conn.Close()
		return err
	}
	c.state.Store(stateActive)

	go c.writePump()
	c.readPump(ctx)
	return nil
}

// enqueue hands a frame to the write pump without ever blocking the caller.
// A full buffer is a delivery failure; the subscriber is too slow to keep.
func (c *Client) enqueue(payload []byte) error {
	select {
	case <-c.quit:
		return ErrConnectionClosing
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.quit:
		return ErrConnectionClosing
	default:
		return ErrSendBufferFull
	}
}

// Teardown drives Active -> Closing -> Closed. Safe to call from any
// goroutine any number of times; registry cleanup runs exactly once and is
// never skipped, even when the transport is already broken.
func (c *Client) Teardown(reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosing)
		close(c.quit)

		// Best effort: the peer may already be gone.
		if c.conn != nil {
			deadline := time.Now().Add(time.Second)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			_ = c.conn.Close()
		}

		c.hub.remove(c.id)
		c.state.Store(stateClosed)
		c.logger.WithField("reason", reason).Info("connection closed")
	})
}

func (c *Client) readPump(ctx context.Context) {
	defer c.Teardown("read loop ended")

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Warn("unexpected close")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))

		var msg Inbound
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = c.enqueue(errorFrame("invalid message"))
			continue
		}
		if err := msg.Validate(); err != nil {
			_ = c.enqueue(errorFrame(err.Error()))
			continue
		}

		switch msg.Action {
		case ActionSubscribe:
			c.handleSubscribe(ctx, msg.InstrumentID)
		case ActionUnsubscribe:
			c.hub.Unsubscribe(c.id, msg.InstrumentID)
			_ = c.enqueue(confirmFrame(KindUnsubscriptionConfirmed, msg.InstrumentID))
		case ActionPing:
			_ = c.enqueue(pongFrame())
		}
	}
}

// handleSubscribe registers interest and pushes the one-time backfill: the
// confirmation, today's cached history, then the latest snapshot, all
// guaranteed to precede any live update for the instrument. Cache
// degradation shrinks the backfill but never fails the subscription.
func (c *Client) handleSubscribe(ctx context.Context, instrumentID string) {
	if c.hub.IsSubscribed(c.id, instrumentID) {
		_ = c.enqueue(confirmFrame(KindSubscriptionConfirmed, instrumentID))
		return
	}

	backfill := [][]byte{confirmFrame(KindSubscriptionConfirmed, instrumentID)}

	history, err := c.cache.GetToday(ctx, instrumentID)
	if err != nil {
		c.logger.WithError(err).WithField("instrument_id", instrumentID).Warn("history backfill unavailable")
	}
	if len(history) > 0 {
		if !c.opts.BackfillNewestFirst {
			for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
				history[i], history[j] = history[j], history[i]
			}
		}
		backfill = append(backfill, historicalFrame(instrumentID, history))
	}

	latest, err := c.cache.GetLatest(ctx, instrumentID)
	if err != nil {
		c.logger.WithError(err).WithField("instrument_id", instrumentID).Warn("latest backfill unavailable")
	}
	if latest != nil {
		backfill = append(backfill, updateFrame(latest.ToUpdate()))
	}

	if err := c.hub.Subscribe(c.id, instrumentID, backfill...); err != nil {
		c.logger.WithError(err).WithField("instrument_id", instrumentID).Warn("subscribe failed")
	}
}

func (c *Client) writePump() {
	pingPeriod := c.opts.PongWait * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.quit:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Teardown("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Teardown("keepalive failed")
				return
			}
		}
	}
}
