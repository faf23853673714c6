// Package admin serves an HTTP API for registering channels and editing their
// mode locks, flags and access lists.
package admin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/crypto/bcrypt"

	"github.com/presbrey/ircservices/services"
)

// Options configure a Server.
type Options struct {
	Network *services.Network
	// Loop runs every network operation.
	Loop *services.Loop
	// TokenHashes are bcrypt hashes of the accepted bearer tokens. With none,
	// every API request is refused.
	TokenHashes []string
	// Registry holds the collectors exposed on /metrics.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server is the admin HTTP API.
type Server struct {
	echo   *echo.Echo
	net    *services.Network
	loop   *services.Loop
	hashes [][]byte
	log    *slog.Logger

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New builds the server and its routes.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	s := &Server{
		echo: echo.New(),
		net:  opts.Network,
		loop: opts.Loop,
		log:  logger.With("component", "admin"),
	}
	for _, h := range opts.TokenHashes {
		s.hashes = append(s.hashes, []byte(h))
	}
	if len(s.hashes) == 0 {
		s.log.Warn("no admin tokens configured; the API refuses every request")
	}

	f := promauto.With(reg)
	s.requests = f.NewCounterVec(prometheus.CounterOpts{
		Name: "services_admin_requests_total",
		Help: "Admin API requests by method, route and status code",
	}, []string{"method", "path", "code"})
	s.duration = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "services_admin_request_duration_seconds",
		Help:    "Admin API request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newValidator()
	e.HTTPErrorHandler = s.errorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.log.Debug("request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency, "error", v.Error)
			return nil
		},
	}))
	e.Use(s.metrics)

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})))

	api := e.Group("/api", s.auth)
	api.GET("/channels", s.listChannels)
	api.POST("/channels", s.registerChannel)
	api.GET("/channels/:name", s.getChannel)
	api.DELETE("/channels/:name", s.dropChannel)
	api.PUT("/channels/:name/mlock", s.setMLock)
	api.PUT("/channels/:name/flags", s.setFlags)
	api.GET("/channels/:name/access", s.listAccess)
	api.POST("/channels/:name/access", s.changeAccess)
	api.POST("/entities", s.registerEntity)
	api.DELETE("/entities/:name", s.dropEntity)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("admin API listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// auth requires a bearer token matching one of the configured hashes.
func (s *Server) auth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := strings.CutPrefix(c.Request().Header.Get(echo.HeaderAuthorization), "Bearer ")
		if ok && token != "" {
			for _, h := range s.hashes {
				if bcrypt.CompareHashAndPassword(h, []byte(token)) == nil {
					return next(c)
				}
			}
		}
		return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
}

func (s *Server) metrics(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		path := c.Path()
		method := c.Request().Method
		s.duration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
		s.requests.WithLabelValues(method, path, strconv.Itoa(c.Response().Status)).Inc()
		return nil
	}
}

// errorHandler maps engine errors onto HTTP statuses.
func (s *Server) errorHandler(err error, c echo.Context) {
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		he = echo.NewHTTPError(statusOf(err), err.Error())
	}
	s.echo.DefaultHTTPErrorHandler(he, c)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, services.ErrNotRegistered),
		errors.Is(err, services.ErrNoSuchEntity),
		errors.Is(err, services.ErrNoSuchChannel),
		errors.Is(err, services.ErrNoSuchEntry):
		return http.StatusNotFound
	case errors.Is(err, services.ErrAlreadyRegistered),
		errors.Is(err, services.ErrEntityExists),
		errors.Is(err, services.ErrEntryExists),
		errors.Is(err, services.ErrLedgerFull):
		return http.StatusConflict
	case errors.Is(err, services.ErrPrivilegeEscalation):
		return http.StatusForbidden
	case errors.Is(err, services.ErrBadMLock),
		errors.Is(err, services.ErrInvalidSubject),
		errors.Is(err, services.ErrBadChannelName):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
