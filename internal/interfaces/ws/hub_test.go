package ws

import (
	"fmt"
	"sync"
	"testing"
	"time"

	domain "main/internal/domain/entity/marketdata"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestClient(t *testing.T, hub *Hub, id string, buffer int) *Client {
	t.Helper()
	c := NewClient(id, nil, hub, nil, Options{SendBuffer: buffer}, testLogger())
	require.NoError(t, hub.admit(c))
	return c
}

func testUpdate(instrumentID string) *domain.Update {
	return &domain.Update{
		InstrumentID: instrumentID,
		Bids:         []domain.OrderBookLevel{{Price: decimal.NewFromInt(100), Quantity: 1}},
		Asks:         []domain.OrderBookLevel{{Price: decimal.NewFromInt(101), Quantity: 1}},
		ObservedAt:   time.Now().UTC(),
		IngestedAt:   time.Now().UTC(),
	}
}

func TestSubscribeRequiresAdmission(t *testing.T) {
	hub := NewHub(testLogger())
	err := hub.Subscribe("ghost", "US.AAPL")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestSubscribeIdempotent(t *testing.T) {
	hub := NewHub(testLogger())
	newTestClient(t, hub, "c1", 8)

	require.NoError(t, hub.Subscribe("c1", "US.AAPL"))
	require.NoError(t, hub.Subscribe("c1", "US.AAPL"))

	assert.Equal(t, []string{"c1"}, hub.SubscribersOf("US.AAPL"))
	assert.Equal(t, 1, hub.SubscriptionCount())
}

func TestUnsubscribeAbsentIsNoop(t *testing.T) {
	hub := NewHub(testLogger())
	newTestClient(t, hub, "c1", 8)

	hub.Unsubscribe("c1", "US.AAPL")
	hub.Unsubscribe("ghost", "US.AAPL")
	assert.Equal(t, 0, hub.SubscriptionCount())
}

func TestRemoveCleansExactlyOwnSubscriptions(t *testing.T) {
	hub := NewHub(testLogger())
	newTestClient(t, hub, "doomed", 8)
	newTestClient(t, hub, "survivor", 8)

	instruments := []string{"US.AAPL", "US.MSFT", "US.TSLA"}
	for _, id := range instruments {
		require.NoError(t, hub.Subscribe("doomed", id))
		require.NoError(t, hub.Subscribe("survivor", id))
	}
	require.NoError(t, hub.Subscribe("survivor", "US.NVDA"))

	hub.remove("doomed")
	hub.remove("doomed") // idempotent

	for _, id := range instruments {
		assert.Equal(t, []string{"survivor"}, hub.SubscribersOf(id))
	}
	assert.Equal(t, []string{"survivor"}, hub.SubscribersOf("US.NVDA"))
	assert.Equal(t, 4, hub.SubscriptionCount())
	assert.Equal(t, 1, hub.ConnectionCount())
}

func TestBroadcastDeliversToSubscribersOnly(t *testing.T) {
	hub := NewHub(testLogger())
	sub := newTestClient(t, hub, "sub", 8)
	other := newTestClient(t, hub, "other", 8)

	require.NoError(t, hub.Subscribe("sub", "US.AAPL"))
	require.NoError(t, hub.Subscribe("other", "US.MSFT"))

	report := hub.Broadcast("US.AAPL", testUpdate("US.AAPL"))
	assert.Equal(t, 1, report.Delivered)
	assert.Empty(t, report.Failed)
	assert.Len(t, sub.send, 1)
	assert.Len(t, other.send, 0)
}

func TestBroadcastIsolatesSlowSubscriber(t *testing.T) {
	hub := NewHub(testLogger())
	slow := newTestClient(t, hub, "slow", 1)
	fast := newTestClient(t, hub, "fast", 8)

	require.NoError(t, hub.Subscribe("slow", "US.AAPL"))
	require.NoError(t, hub.Subscribe("fast", "US.AAPL"))

	// Fill the slow subscriber's buffer; it is not draining.
	require.NoError(t, slow.enqueue([]byte("{}")))

	report := hub.Broadcast("US.AAPL", testUpdate("US.AAPL"))
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, []string{"slow"}, report.Failed)
	assert.Len(t, fast.send, 1)

	// The failed connection is proactively torn down.
	assert.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBackfillPrecedesLiveUpdates(t *testing.T) {
	hub := NewHub(testLogger())
	c := newTestClient(t, hub, "c1", 16)

	backfill := [][]byte{[]byte(`{"type":"subscription_confirmed"}`), []byte(`{"type":"historical_data"}`)}
	require.NoError(t, hub.Subscribe("c1", "US.AAPL", backfill...))
	hub.Broadcast("US.AAPL", testUpdate("US.AAPL"))

	require.Len(t, c.send, 3)
	assert.Equal(t, backfill[0], <-c.send)
	assert.Equal(t, backfill[1], <-c.send)
}

func TestConcurrentRegisterAndRemove(t *testing.T) {
	hub := NewHub(testLogger())

	const workers = 16
	const instruments = 8

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		connID := fmt.Sprintf("conn-%d", i)
		keep := i%2 == 0
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := NewClient(connID, nil, hub, nil, Options{SendBuffer: instruments * 2}, testLogger())
			require.NoError(t, hub.admit(c))
			for j := 0; j < instruments; j++ {
				require.NoError(t, hub.Subscribe(connID, fmt.Sprintf("INST-%d", j)))
			}
			if !keep {
				hub.remove(connID)
			}
		}()
	}
	wg.Wait()

	// Final state must equal the serial equivalent: every even connection
	// holds all its subscriptions, every odd one is fully gone.
	assert.Equal(t, workers/2, hub.ConnectionCount())
	assert.Equal(t, workers/2*instruments, hub.SubscriptionCount())
	for j := 0; j < instruments; j++ {
		subs := hub.SubscribersOf(fmt.Sprintf("INST-%d", j))
		assert.Len(t, subs, workers/2)
		for _, id := range subs {
			assert.Contains(t, id, "conn-")
		}
	}
}
