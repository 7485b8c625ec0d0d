package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	domain "main/internal/domain/entity/marketdata"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	latest  map[string]*domain.OrderBookSnapshot
	history map[string][]domain.OrderBookSnapshot
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		latest:  make(map[string]*domain.OrderBookSnapshot),
		history: make(map[string][]domain.OrderBookSnapshot),
	}
}

func (f *fakeCache) PutLatest(_ context.Context, s *domain.OrderBookSnapshot) error {
	f.latest[s.InstrumentID] = s
	return nil
}

func (f *fakeCache) AppendHistory(_ context.Context, s *domain.OrderBookSnapshot) error {
	f.history[s.InstrumentID] = append([]domain.OrderBookSnapshot{*s}, f.history[s.InstrumentID]...)
	return nil
}

func (f *fakeCache) GetLatest(_ context.Context, instrumentID string) (*domain.OrderBookSnapshot, error) {
	return f.latest[instrumentID], nil
}

func (f *fakeCache) GetHistory(_ context.Context, instrumentID string, _ *time.Time, _ int) ([]domain.OrderBookSnapshot, error) {
	return f.history[instrumentID], nil
}

func (f *fakeCache) GetToday(ctx context.Context, instrumentID string) ([]domain.OrderBookSnapshot, error) {
	return f.GetHistory(ctx, instrumentID, nil, 0)
}

func (f *fakeCache) Invalidate(_ context.Context, instrumentID string) error {
	delete(f.latest, instrumentID)
	delete(f.history, instrumentID)
	return nil
}

func (f *fakeCache) Healthy(context.Context) bool { return true }
func (f *fakeCache) Close() error                 { return nil }

func bookSnapshot(instrumentID string, at time.Time) *domain.OrderBookSnapshot {
	return &domain.OrderBookSnapshot{
		InstrumentID:  instrumentID,
		Bids:          []domain.OrderBookLevel{{Price: decimal.NewFromInt(100), Quantity: 10, OrderCount: 1}},
		Asks:          []domain.OrderBookLevel{{Price: decimal.NewFromInt(101), Quantity: 5, OrderCount: 1}},
		BidObservedAt: at,
		AskObservedAt: at,
		IngestedAt:    at,
	}
}

func dialTestServer(t *testing.T, hub *Hub, cache *fakeCache) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		client := NewClient(r.URL.Query().Get("client_id"), conn, hub, cache, Options{SendBuffer: 16}, testLogger())
		_ = client.Serve(r.Context())
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?client_id=test-client"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readOutbound(t *testing.T, conn *websocket.Conn) Outbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Outbound
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &msg))
	return msg
}

func sendAction(t *testing.T, conn *websocket.Conn, action Action, instrumentID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Inbound{Action: action, InstrumentID: instrumentID}))
}

func TestSubscribeBeforeAnySnapshot(t *testing.T) {
	hub := NewHub(testLogger())
	cache := newFakeCache()
	conn := dialTestServer(t, hub, cache)

	sendAction(t, conn, ActionSubscribe, "US.AAPL")
	msg := readOutbound(t, conn)
	assert.Equal(t, KindSubscriptionConfirmed, msg.Type)
	assert.Equal(t, "US.AAPL", msg.InstrumentID)

	// Nothing cached yet: no historical_data, no update until ingestion.
	sendAction(t, conn, ActionPing, "")
	msg = readOutbound(t, conn)
	assert.Equal(t, KindPong, msg.Type)

	// First live broadcast flows through.
	assert.Eventually(t, func() bool {
		return len(hub.SubscribersOf("US.AAPL")) == 1
	}, time.Second, 5*time.Millisecond)
	hub.Broadcast("US.AAPL", bookSnapshot("US.AAPL", time.Now().UTC()).ToUpdate())
	msg = readOutbound(t, conn)
	assert.Equal(t, KindOrderBookUpdate, msg.Type)
}

func TestSubscribeReplaysBackfillBeforeLive(t *testing.T) {
	hub := NewHub(testLogger())
	cache := newFakeCache()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		snap := bookSnapshot("US.AAPL", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, cache.AppendHistory(ctx, snap))
		require.NoError(t, cache.PutLatest(ctx, snap))
	}

	conn := dialTestServer(t, hub, cache)
	sendAction(t, conn, ActionSubscribe, "US.AAPL")

	msg := readOutbound(t, conn)
	assert.Equal(t, KindSubscriptionConfirmed, msg.Type)

	msg = readOutbound(t, conn)
	require.Equal(t, KindHistoricalData, msg.Type)
	entries, ok := msg.Data.([]any)
	require.True(t, ok)
	assert.Len(t, entries, 3)

	msg = readOutbound(t, conn)
	assert.Equal(t, KindOrderBookUpdate, msg.Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub := NewHub(testLogger())
	conn := dialTestServer(t, hub, newFakeCache())

	sendAction(t, conn, ActionSubscribe, "US.AAPL")
	assert.Equal(t, KindSubscriptionConfirmed, readOutbound(t, conn).Type)

	sendAction(t, conn, ActionUnsubscribe, "US.AAPL")
	assert.Equal(t, KindUnsubscriptionConfirmed, readOutbound(t, conn).Type)

	assert.Eventually(t, func() bool {
		return len(hub.SubscribersOf("US.AAPL")) == 0
	}, time.Second, 5*time.Millisecond)

	report := hub.Broadcast("US.AAPL", bookSnapshot("US.AAPL", time.Now().UTC()).ToUpdate())
	assert.Equal(t, 0, report.Delivered)
}

func TestUnknownActionGetsError(t *testing.T) {
	hub := NewHub(testLogger())
	conn := dialTestServer(t, hub, newFakeCache())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"dance"}`)))
	msg := readOutbound(t, conn)
	assert.Equal(t, KindError, msg.Type)
	assert.Contains(t, msg.Message, "unknown action")
}

func TestDisconnectCleansRegistry(t *testing.T) {
	hub := NewHub(testLogger())
	conn := dialTestServer(t, hub, newFakeCache())

	sendAction(t, conn, ActionSubscribe, "US.AAPL")
	assert.Equal(t, KindSubscriptionConfirmed, readOutbound(t, conn).Type)
	require.Equal(t, 1, hub.ConnectionCount())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return hub.ConnectionCount() == 0 && hub.SubscriptionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
