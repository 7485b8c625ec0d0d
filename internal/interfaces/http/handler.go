package http

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	appingest "main/internal/application/service/ingest"
	appmarketdata "main/internal/application/service/marketdata"
	domain "main/internal/domain/entity/marketdata"
	interfaces "main/internal/domain/interfaces"
	"main/internal/infrastructure/broker"
	"main/internal/infrastructure/persist"
	"main/internal/interfaces/ws"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const orderbooksBasePath = "/api/v1/orderbooks"

var (
	errMissingInstrument = errors.New("instrument_id query param required")
	errMissingRange      = errors.New("from/to query params required")
)

// Handler serves the reporting API, the ingest endpoint, operational
// endpoints and the subscriber WebSocket entry point.
type Handler struct {
	router     *gin.Engine
	ingest     *appingest.Service
	marketdata *appmarketdata.Service
	hub        *ws.Hub
	snapshots  interfaces.SnapshotCache
	worker     *persist.Worker
	wsOpts     ws.Options
	logger     *logrus.Logger

	respCache *redis.Client
	cacheTTL  time.Duration

	upgrader websocket.Upgrader
}

func NewHandler(
	ingest *appingest.Service,
	md *appmarketdata.Service,
	hub *ws.Hub,
	snapshots interfaces.SnapshotCache,
	worker *persist.Worker,
	wsOpts ws.Options,
	respCache *redis.Client,
	cacheTTL time.Duration,
	logger *logrus.Logger,
) *Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	h := &Handler{
		router:     router,
		ingest:     ingest,
		marketdata: md,
		hub:        hub,
		snapshots:  snapshots,
		worker:     worker,
		wsOpts:     wsOpts,
		logger:     logger,
		respCache:  respCache,
		cacheTTL:   cacheTTL,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.registerRoutes()
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) registerRoutes() {
	h.router.GET("/health", h.getHealth)
	h.router.GET("/stats", h.getStats)
	h.router.GET("/ws/:client_id", h.serveWS)
	h.router.GET("/ws", h.serveWS)

	books := h.router.Group(orderbooksBasePath)
	books.POST("", h.addOrderBook)

	reads := books.Group("")
	if h.respCache != nil {
		reads.Use(h.cacheMiddleware())
	}
	{
		reads.GET("", h.getOrderBooksRange)
		reads.GET("/today", h.getOrderBooksToday)
	}
}

// addOrderBook ingests one raw snapshot over HTTP; the response reports how
// many live subscribers received it.
func (h *Handler) addOrderBook(c *gin.Context) {
	var payload broker.RawSnapshot
	if err := c.ShouldBindJSON(&payload); err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	snapshot, err := payload.ToSnapshot()
	if err != nil {
		writeError(c, http.StatusBadRequest, err)
		return
	}
	report, err := h.ingest.Ingest(c.Request.Context(), snapshot)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedSnapshot) {
			writeError(c, http.StatusBadRequest, err)
			return
		}
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"subscribers": report.Delivered,
	})
}

// getOrderBooksRange retrieves persisted metrics within a time range.
func (h *Handler) getOrderBooksRange(c *gin.Context) {
	instrumentID := c.Query("instrument_id")
	if instrumentID == "" {
		writeError(c, http.StatusBadRequest, errMissingInstrument)
		return
	}
	from, to, err := parseTimeRange(c)
	if err != nil {
		writeError(c, http.StatusBadRequest, errMissingRange)
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, fmt.Errorf("limit must be an integer"))
			return
		}
	}
	records, err := h.marketdata.GetRange(c.Request.Context(), instrumentID, from, to, limit)
	if err != nil {
		if errors.Is(err, appmarketdata.ErrInvalidLimit) {
			writeError(c, http.StatusBadRequest, err)
			return
		}
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// getOrderBooksToday retrieves persisted metrics since local midnight.
func (h *Handler) getOrderBooksToday(c *gin.Context) {
	instrumentID := c.Query("instrument_id")
	if instrumentID == "" {
		writeError(c, http.StatusBadRequest, errMissingInstrument)
		return
	}
	records, err := h.marketdata.GetToday(c.Request.Context(), instrumentID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, err)
		return
	}
	c.JSON(http.StatusOK, records)
}

// getHealth reports per-subsystem health. Degraded subsystems do not fail
// the endpoint; the body carries the detail.
func (h *Handler) getHealth(c *gin.Context) {
	cacheHealthy := h.snapshots.Healthy(c.Request.Context())
	persistHealthy := h.worker.Healthy()

	status := "ok"
	code := http.StatusOK
	if !cacheHealthy || !persistHealthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status":              status,
		"cache_healthy":       cacheHealthy,
		"persistence_healthy": persistHealthy,
		"connections":         h.hub.ConnectionCount(),
		"subscriptions":       h.hub.SubscriptionCount(),
	})
}

// getStats reports live distribution counters.
func (h *Handler) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connections":               h.hub.ConnectionCount(),
		"subscriptions":             h.hub.SubscriptionCount(),
		"subscribers_by_instrument": h.hub.SubscriberCounts(),
		"persist_queue_depth":       h.worker.QueueDepth(),
	})
}

// serveWS upgrades the connection and hands it to a client for its lifetime.
// An omitted client_id gets a generated one.
func (h *Handler) serveWS(c *gin.Context) {
	clientID := c.Param("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := ws.NewClient(clientID, conn, h.hub, h.snapshots, h.wsOpts, h.logger)
	if err := client.Serve(c.Request.Context()); err != nil {
		h.logger.WithError(err).WithField("connection_id", clientID).Warn("connection rejected")
	}
}

func writeError(c *gin.Context, status int, err error) {
	if err == nil {
		status = http.StatusInternalServerError
		err = errors.New("unknown error")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseTimeRange(c *gin.Context) (time.Time, time.Time, error) {
	fromStr := c.Query("from")
	toStr := c.Query("to")
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, errMissingRange
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

// cacheMiddleware caches GET responses in Redis for a short TTL.
func (h *Handler) cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if h.respCache == nil || c.Request.Method != http.MethodGet {
			c.Next()
			return
		}

		key := fmt.Sprintf("cache:%s:%s?%s", c.Request.Method, c.FullPath(), c.Request.URL.RawQuery)
		ctx := c.Request.Context()

		if cached, err := h.respCache.Get(ctx, key).Result(); err == nil {
			c.Data(http.StatusOK, "application/json", []byte(cached))
			c.Abort()
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			status:         http.StatusOK,
			body:           &bytes.Buffer{},
		}
		c.Writer = recorder

		c.Next()

		if recorder.status >= 200 && recorder.status < 300 && recorder.body.Len() > 0 {
			_ = h.respCache.Set(ctx, key, recorder.body.Bytes(), h.cacheTTL).Err()
		}
	}
}

type responseRecorder struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.body.Write(data)
	}
	return r.ResponseWriter.Write(data)
}
