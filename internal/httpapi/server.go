package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"horse.fit/toonrank/internal/batch"
	"horse.fit/toonrank/internal/db"
	"horse.fit/toonrank/internal/globaltime"
	"horse.fit/toonrank/internal/trending"
)

// Trending ranks works for the trending endpoint.
type Trending interface {
	Find(ctx context.Context, metric db.MetricType, sourceID *int, limit int, mode db.RankingMode) ([]trending.Item, error)
}

// Batches is the job control surface.
type Batches interface {
	List(ctx context.Context) ([]batch.JobView, error)
	Get(ctx context.Context, jobName string) (batch.JobView, error)
	Start(ctx context.Context, jobName string, trigger batch.Trigger) (batch.CommandResult, error)
	Stop(ctx context.Context, jobName string) (batch.CommandResult, error)
}

type Options struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type Server struct {
	trending Trending
	batches  Batches
	logger   zerolog.Logger
	opts     Options
}

func NewServer(trending Trending, batches Batches, logger zerolog.Logger, opts Options) *Server {
	host := strings.TrimSpace(opts.Host)
	if host == "" {
		host = "0.0.0.0"
	}
	port := opts.Port
	if port <= 0 {
		port = 8080
	}
	readTimeout := opts.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	shutdownTimeout := opts.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return &Server{
		trending: trending,
		batches:  batches,
		logger:   logger.With().Str("component", "http").Logger(),
		opts: Options{
			Host:            host,
			Port:            port,
			ReadTimeout:     readTimeout,
			WriteTimeout:    writeTimeout,
			ShutdownTimeout: shutdownTimeout,
			AllowedOrigins:  origins,
		},
	}
}

// Handler builds the echo instance with middleware and routes.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.httpErrorHandler

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: s.opts.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       3600,
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRequestID: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			event := s.logger.Info()
			msg := "http request"
			if v.Status >= http.StatusInternalServerError {
				event = s.logger.Error().Err(v.Error)
				msg = "http request failed"
			}
			event.
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Str("remote_ip", v.RemoteIP).
				Str("request_id", v.RequestID).
				Msg(msg)
			return nil
		},
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/health", s.handleHealth)
	api.GET("/trending", s.handleTrending)
	api.GET("/batches", s.handleListBatches)
	api.GET("/batches/:jobName", s.handleGetBatch)
	api.POST("/batches/:jobName/start", s.handleStartBatch)
	api.POST("/batches/:jobName/stop", s.handleStopBatch)
	return e
}

// Start serves until ctx is canceled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	if s == nil || s.trending == nil || s.batches == nil {
		return fmt.Errorf("server is not initialized")
	}
	e := s.Handler()

	addr := fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      e,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
		defer cancel()
		if shutdownErr := e.Shutdown(shutdownCtx); shutdownErr != nil {
			s.logger.Error().Err(shutdownErr).Msg("server shutdown failed")
		}
	}()

	s.logger.Info().Str("addr", addr).Msg("toonrank api started")

	if err := e.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("start server: %w", err)
	}
	s.logger.Info().Msg("toonrank api stopped")
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"service": "toonrank",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleTrending(c echo.Context) error {
	metric := db.MetricViews
	if raw := strings.TrimSpace(c.QueryParam("metric")); raw != "" {
		parsed, ok := db.ParseMetricType(raw)
		if !ok {
			return badRequest("Invalid metric: %s", raw)
		}
		metric = parsed
	}

	mode := db.RankingRate
	if raw := strings.TrimSpace(c.QueryParam("mode")); raw != "" {
		parsed, ok := db.ParseRankingMode(raw)
		if !ok {
			return badRequest("Invalid mode: %s", raw)
		}
		mode = parsed
	}

	limit := trending.DefaultLimit
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest("Invalid limit: %s", raw)
		}
		limit = trending.ClampLimit(parsed)
	}

	var sourceID *int
	if raw := strings.TrimSpace(c.QueryParam("sourceId")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return badRequest("Invalid sourceId: %s", raw)
		}
		if _, ok := db.SourceForID(parsed); !ok {
			return badRequest("Unknown sourceId: %d", parsed)
		}
		sourceID = &parsed
	}

	items, err := s.trending.Find(c.Request().Context(), metric, sourceID, limit, mode)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (s *Server) handleListBatches(c echo.Context) error {
	views, err := s.batches.List(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) handleGetBatch(c echo.Context) error {
	view, err := s.batches.Get(c.Request().Context(), c.Param("jobName"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, view)
}

func (s *Server) handleStartBatch(c echo.Context) error {
	result, err := s.batches.Start(c.Request().Context(), c.Param("jobName"), batch.TriggerAPI)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleStopBatch(c echo.Context) error {
	result, err := s.batches.Stop(c.Request().Context(), c.Param("jobName"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}
