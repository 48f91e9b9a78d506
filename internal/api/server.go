// Package api provides the HTTP REST API and WebSocket event stream for
// Hashwatch Core.
//
// It exposes the device registry, subnet scans, and fleet config pushes
// to the dashboard frontend, and broadcasts registry changes in real time
// over WebSocket and (optionally) MQTT.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashwatch/hashwatch-core/internal/device"
	"github.com/hashwatch/hashwatch-core/internal/dispatch"
	"github.com/hashwatch/hashwatch-core/internal/infrastructure/config"
	"github.com/hashwatch/hashwatch-core/internal/infrastructure/logging"
	"github.com/hashwatch/hashwatch-core/internal/infrastructure/mqtt"
	"github.com/hashwatch/hashwatch-core/internal/scan"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight
// requests to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Scanner is the sweep interface the API server drives. Satisfied by
// *scan.Scanner; narrowed so handler tests can stub it.
type Scanner interface {
	Scan(ctx context.Context, prefix string) (*scan.Report, error)
	Refresh(ctx context.Context) (*scan.Report, error)
	ProbeIP(ctx context.Context, ip string) (device.Change, error)
}

// Dispatcher is the config push interface the API server drives.
// Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Apply(ctx context.Context, settings device.Settings, targets []string) (*dispatch.BatchResult, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Logger     *logging.Logger
	Registry   *device.Registry
	Scanner    Scanner
	Dispatcher Dispatcher

	// MQTT is optional; nil disables bus event publishing.
	MQTT *mqtt.Client

	// DefaultSubnet is the prefix swept when a scan request names none.
	DefaultSubnet string
	Version       string
}

// Server is the HTTP API server for Hashwatch Core.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg           config.APIConfig
	wsCfg         config.WebSocketConfig
	logger        *logging.Logger
	registry      *device.Registry
	scanner       Scanner
	dispatcher    Dispatcher
	mqtt          *mqtt.Client
	defaultSubnet string
	version       string
	server        *http.Server
	hub           *Hub
	cancel        context.CancelFunc
}

// New creates a new API server with the given dependencies.
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Scanner == nil {
		return nil, fmt.Errorf("scanner is required")
	}
	if deps.Dispatcher == nil {
		return nil, fmt.Errorf("dispatcher is required")
	}

	return &Server{
		cfg:           deps.Config,
		wsCfg:         deps.WS,
		logger:        deps.Logger,
		registry:      deps.Registry,
		scanner:       deps.Scanner,
		dispatcher:    deps.Dispatcher,
		mqtt:          deps.MQTT,
		defaultSubnet: deps.DefaultSubnet,
		version:       deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub, hooks registry updates into the event
// stream, and launches the HTTP listener in a background goroutine.
// Stop the server with Close().
func (s *Server) Start(ctx context.Context) error {
	// Internal context so Close() can stop background goroutines
	// independently of the parent context.
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	s.registry.SetOnUpdate(s.onDeviceUpdate)

	router := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           router,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server started", "address", s.server.Addr)
	return nil
}

// Close gracefully shuts down the API server, waiting up to 10 seconds
// for in-flight requests before forcefully closing connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
