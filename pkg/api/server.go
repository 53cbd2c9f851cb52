// Package api exposes the store locator over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kass/store-locator/pkg/geo"
	"github.com/kass/store-locator/pkg/locator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// MaxLimit bounds the limit query parameter
const MaxLimit = 1000

type Config struct {
	Address string
	// RateLimit is the sustained requests per second for the store routes;
	// zero disables limiting.
	RateLimit       float64
	Burst           int
	ShutdownTimeout time.Duration
}

// Counter reports how many stores the backing source holds
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// CounterFunc adapts a function to Counter
type CounterFunc func(ctx context.Context) (int64, error)

func (f CounterFunc) Count(ctx context.Context) (int64, error) {
	return f(ctx)
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
	Stores int64  `json:"stores"`
}

// Server serves nearest-store queries
type Server struct {
	cfg      Config
	service  *locator.Service
	counter  Counter
	logger   *zap.Logger
	metrics  *Metrics
	registry *prometheus.Registry
	engine   *gin.Engine
}

// NewServer wires the routes. A nil registry gets a private one, a nil
// counter reports -1 stores, a nil logger discards output. The server
// queries a copy of service that also feeds the skipped-candidate metric;
// the caller's service is not modified.
func NewServer(cfg Config, service *locator.Service, counter Counter, registry *prometheus.Registry, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	s := &Server{
		cfg:      cfg,
		counter:  counter,
		logger:   logger,
		metrics:  NewMetrics(registry),
		registry: registry,
	}
	s.service = service.WithSkipHook(s.metrics.ObserveSkipped)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestID(), accessLog(logger), recovery(logger), s.metrics.middleware())

	stores := engine.Group("/store-locator")
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		stores.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RateLimit), burst), s.metrics))
	}
	stores.GET("/stores/:lat/:lng", s.handleNearest)

	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	s.engine = engine
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Metrics returns the server collectors
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Run serves until ctx is cancelled, then drains in-flight requests for at
// most ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("address", s.cfg.Address))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server", zap.Duration("timeout", s.cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

func (s *Server) handleNearest(c *gin.Context) {
	lat, err := strconv.ParseFloat(c.Param("lat"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid latitude %q", c.Param("lat"))})
		return
	}
	lon, err := strconv.ParseFloat(c.Param("lng"), 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid longitude %q", c.Param("lng"))})
		return
	}

	limit := 0
	if raw, ok := c.GetQuery("limit"); ok {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > MaxLimit {
			c.JSON(http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("limit must be an integer between 1 and %d", MaxLimit)})
			return
		}
	}

	stores, err := s.service.Nearest(c.Request.Context(), lat, lon, limit)
	switch {
	case errors.Is(err, geo.ErrInvalidCoordinate), errors.Is(err, locator.ErrInvalidLimit):
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		c.Error(err)
		s.logger.Error("nearest query failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Float64("lat", lat),
			zap.Float64("lon", lon),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "failed to look up stores"})
		return
	}

	s.metrics.results.Observe(float64(len(stores)))
	c.JSON(http.StatusOK, stores)
}

// StoreCount asks the counter for the number of stores, -1 when unknown.
// The result is also published as a gauge.
func (s *Server) StoreCount(ctx context.Context) int64 {
	count := int64(-1)
	if s.counter != nil {
		n, err := s.counter.Count(ctx)
		if err != nil {
			s.logger.Warn("store count unavailable", zap.Error(err))
		} else {
			count = n
		}
	}
	s.metrics.ObserveStoreCount(count)
	return count
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, healthResponse{Status: "ok", Stores: s.StoreCount(c.Request.Context())})
}
