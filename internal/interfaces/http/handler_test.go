package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	appingest "main/internal/application/service/ingest"
	appmarketdata "main/internal/application/service/marketdata"
	domain "main/internal/domain/entity/marketdata"
	"main/internal/infrastructure/persist"
	"main/internal/interfaces/ws"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCache struct {
	healthy bool
	latest  map[string]*domain.OrderBookSnapshot
}

func newFakeCache() *fakeCache {
	return &fakeCache{healthy: true, latest: make(map[string]*domain.OrderBookSnapshot)}
}

func (f *fakeCache) PutLatest(_ context.Context, s *domain.OrderBookSnapshot) error {
	f.latest[s.InstrumentID] = s
	return nil
}

func (f *fakeCache) AppendHistory(context.Context, *domain.OrderBookSnapshot) error { return nil }

func (f *fakeCache) GetLatest(_ context.Context, id string) (*domain.OrderBookSnapshot, error) {
	return f.latest[id], nil
}

func (f *fakeCache) GetHistory(context.Context, string, *time.Time, int) ([]domain.OrderBookSnapshot, error) {
	return nil, nil
}

func (f *fakeCache) GetToday(context.Context, string) ([]domain.OrderBookSnapshot, error) {
	return nil, nil
}

func (f *fakeCache) Invalidate(context.Context, string) error { return nil }
func (f *fakeCache) Healthy(context.Context) bool             { return f.healthy }
func (f *fakeCache) Close() error                             { return nil }

type fakeMetricsRepo struct {
	records []domain.MetricsRecord
}

func (f *fakeMetricsRepo) WriteMetrics(context.Context, *domain.MetricsRecord) error { return nil }

func (f *fakeMetricsRepo) ReadRange(context.Context, string, time.Time, time.Time, int) ([]domain.MetricsRecord, error) {
	return f.records, nil
}

func (f *fakeMetricsRepo) ReadToday(context.Context, string) ([]domain.MetricsRecord, error) {
	return f.records, nil
}

func (f *fakeMetricsRepo) Close() {}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestHandler(cache *fakeCache, repo *fakeMetricsRepo) *Handler {
	gin.SetMode(gin.TestMode)
	logger := testLogger()
	hub := ws.NewHub(logger)
	worker := persist.NewWorker(repo, persist.WorkerConfig{}, logger)
	ingestService := appingest.NewService(cache, worker, hub, logger)
	queryService := appmarketdata.NewService(repo)
	return NewHandler(ingestService, queryService, hub, cache, worker, ws.Options{}, nil, 0, logger)
}

func doRequest(h *Handler, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAddOrderBookAcceptsWirePayload(t *testing.T) {
	cache := newFakeCache()
	h := newTestHandler(cache, &fakeMetricsRepo{})

	rec := doRequest(h, http.MethodPost, "/api/v1/orderbooks", `{
		"instrument_id": "US.AAPL",
		"bid_levels": [[100.00, 10, 1, {}]],
		"ask_levels": [[100.10, 5, 1, {}]]
	}`)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Status      string `json:"status"`
		Subscribers int    `json:"subscribers"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Subscribers)
	assert.NotNil(t, cache.latest["US.AAPL"])
}

func TestAddOrderBookRejectsMalformed(t *testing.T) {
	h := newTestHandler(newFakeCache(), &fakeMetricsRepo{})

	// No levels on either side.
	rec := doRequest(h, http.MethodPost, "/api/v1/orderbooks", `{"instrument_id":"US.AAPL"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodPost, "/api/v1/orderbooks", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrderBooksRangeRequiresParams(t *testing.T) {
	h := newTestHandler(newFakeCache(), &fakeMetricsRepo{})

	rec := doRequest(h, http.MethodGet, "/api/v1/orderbooks", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/v1/orderbooks?instrument_id=US.AAPL", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrderBooksRangeReturnsRecords(t *testing.T) {
	repo := &fakeMetricsRepo{records: []domain.MetricsRecord{{InstrumentID: "US.AAPL"}}}
	h := newTestHandler(newFakeCache(), repo)

	from := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	to := time.Now().UTC().Format(time.RFC3339)
	rec := doRequest(h, http.MethodGet,
		"/api/v1/orderbooks?instrument_id=US.AAPL&from="+from+"&to="+to, "")

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var records []domain.MetricsRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	assert.Len(t, records, 1)
}

func TestGetOrderBooksToday(t *testing.T) {
	repo := &fakeMetricsRepo{records: []domain.MetricsRecord{{InstrumentID: "US.AAPL"}}}
	h := newTestHandler(newFakeCache(), repo)

	rec := doRequest(h, http.MethodGet, "/api/v1/orderbooks/today?instrument_id=US.AAPL", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(h, http.MethodGet, "/api/v1/orderbooks/today", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthReflectsSubsystems(t *testing.T) {
	cache := newFakeCache()
	h := newTestHandler(cache, &fakeMetricsRepo{})

	rec := doRequest(h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, true, body["cache_healthy"])
	assert.Equal(t, true, body["persistence_healthy"])

	cache.healthy = false
	rec = doRequest(h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStatsExposesCounters(t *testing.T) {
	h := newTestHandler(newFakeCache(), &fakeMetricsRepo{})

	rec := doRequest(h, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, float64(0), body["connections"])
	assert.Equal(t, float64(0), body["persist_queue_depth"])
	assert.Contains(t, body, "subscribers_by_instrument")
}
