/**
 * Review API for the generals extraction worker
 *
 * Exposes stored records for review, accepts manual corrections (each one
 * stored as a new record version), and serves health and Prometheus metrics.
 */

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/adverant/nexus/generals-worker/internal/errors"
	"github.com/adverant/nexus/generals-worker/internal/logging"
	"github.com/adverant/nexus/generals-worker/internal/record"
	"github.com/adverant/nexus/generals-worker/internal/storage"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RecordStore is the persistence the API reads and writes.
type RecordStore interface {
	LatestRecord(ctx context.Context, key string) (record.GeneralRecord, error)
	RecordHistory(ctx context.Context, key string) ([]record.GeneralRecord, error)
	ReviewQueue(ctx context.Context, limit int) ([]record.GeneralRecord, error)
	SaveRecord(ctx context.Context, rec record.GeneralRecord) (record.GeneralRecord, error)
	Ping(ctx context.Context) error
}

// Corrector applies manual corrections to a record.
type Corrector interface {
	Correct(rec record.GeneralRecord, corrections []record.Correction) (record.GeneralRecord, error)
}

// QueueStats reports queue depth. Optional.
type QueueStats interface {
	GetStats(ctx context.Context) (map[string]int64, error)
}

// Config wires a Server.
type Config struct {
	Addr string
	// AllowedOrigins enables CORS for a browser review front-end.
	AllowedOrigins []string
	Store          RecordStore
	Corrector      Corrector
	Queue          QueueStats
	Logger         *logging.Logger
}

// Server is the HTTP surface of the worker.
type Server struct {
	router    *gin.Engine
	http      *http.Server
	store     RecordStore
	corrector Corrector
	queue     QueueStats
	logger    *logging.Logger
}

type correctionRequest struct {
	Corrections []record.Correction `json:"corrections" binding:"required,min=1"`
}

// NewServer builds the router.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewLogger("API")
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.AllowedOrigins,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}))
	}

	s := &Server{
		router:    router,
		store:     cfg.Store,
		corrector: cfg.Corrector,
		queue:     cfg.Queue,
		logger:    logger,
	}
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	router.GET("/healthz", s.liveness)
	router.GET("/readyz", s.readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	records := router.Group("/records")
	records.GET("", s.listReview)
	records.GET("/:key", s.getRecord)
	records.GET("/:key/history", s.getHistory)
	records.POST("/:key/corrections", s.correct)

	router.GET("/queue/stats", s.queueStats)
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info("HTTP API listening", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP API stopped", "error", err)
		}
	}()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func requestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

func (s *Server) liveness(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "down", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "up"})
}

func (s *Server) listReview(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 500"})
		return
	}
	recs, err := s.store.ReviewQueue(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	if recs == nil {
		recs = []record.GeneralRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"records": recs, "count": len(recs)})
}

func (s *Server) getRecord(c *gin.Context) {
	rec, err := s.store.LatestRecord(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getHistory(c *gin.Context) {
	recs, err := s.store.RecordHistory(c.Request.Context(), c.Param("key"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if len(recs) == 0 {
		s.fail(c, storage.ErrRecordNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": recs})
}

// correct applies corrections to the latest version and stores the result
// as the next one. The key stays addressable under its old value even when
// the name or level is corrected.
func (s *Server) correct(c *gin.Context) {
	var req correctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	key := c.Param("key")
	current, err := s.store.LatestRecord(ctx, key)
	if err != nil {
		s.fail(c, err)
		return
	}

	corrected, err := s.corrector.Correct(current, req.Corrections)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	saved, err := s.store.SaveRecord(ctx, corrected)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("Record corrected", "key", key, "new_key", saved.Key, "version", saved.Version, "fields", len(req.Corrections))
	c.JSON(http.StatusCreated, saved)
}

func (s *Server) queueStats(c *gin.Context) {
	if s.queue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no queue consumer configured"})
		return
	}
	stats, err := s.queue.GetStats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "record not found", "key": c.Param("key")})
		return
	}
	s.logger.Error("Request failed", "path", c.FullPath(), "error", err)
	body := gin.H{"error": err.Error()}
	if code := errors.CodeOf(err); code != "" {
		body["code"] = code
	}
	c.JSON(http.StatusInternalServerError, body)
}
