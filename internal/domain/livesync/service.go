package livesync

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/clinicsync/internal/platform/clock"
	"github.com/ehr/clinicsync/internal/platform/notification"
	"github.com/ehr/clinicsync/internal/platform/websocket"
)

// Config collects what a Service needs beyond its collaborators.
type Config struct {
	Endpoint Options
	UserID   string
	// DebounceDelay defaults to DefaultDebounceDelay.
	DebounceDelay time.Duration
}

// Service wires a ConnectionManager, a Coordinator and a Dispatcher into
// one unit with a Start/Stop lifecycle, subscribed to the whole catalogue.
type Service struct {
	manager     *ConnectionManager
	coordinator *Coordinator
	dispatcher  *Dispatcher
	logger      zerolog.Logger
}

// NewService builds a Service. clk drives both the debounce window and the
// reconnect backoff; pass nil for the real clock.
func NewService(cfg Config, dialer websocket.Dialer, inv Invalidator, sink notification.Sink, clk clock.Clock, logger zerolog.Logger, opts ...ManagerOption) *Service {
	if clk == nil {
		clk = clock.Real()
	}
	coordOpts := []CoordinatorOption{WithCoordinatorClock(clk)}
	if cfg.DebounceDelay > 0 {
		coordOpts = append(coordOpts, WithDebounceDelay(cfg.DebounceDelay))
	}
	coordinator := NewCoordinator(inv, logger.With().Str("component", "invalidation").Logger(), coordOpts...)
	dispatcher := NewDispatcher(coordinator, sink, cfg.UserID, logger.With().Str("component", "dispatcher").Logger())

	opts = append([]ManagerOption{WithClock(clk)}, opts...)
	manager := NewConnectionManager(cfg.Endpoint, dialer, coordinator, logger.With().Str("component", "connection").Logger(), opts...)

	return &Service{
		manager:     manager,
		coordinator: coordinator,
		dispatcher:  dispatcher,
		logger:      logger,
	}
}

// Start connects and subscribes every catalogue channel. Calling it again
// is a no-op.
func (s *Service) Start(ctx context.Context) *ConnectionHandle {
	handle := s.manager.Connect(ctx)
	if handle == nil {
		return nil
	}
	for _, ch := range Catalogue() {
		s.manager.Subscribe(ch.Name, s.dispatcher.Handler(ch))
	}
	return handle
}

// Stop tears the service down. It is safe to call more than once.
func (s *Service) Stop() { s.manager.Teardown() }

// Manager exposes the underlying ConnectionManager.
func (s *Service) Manager() *ConnectionManager { return s.manager }

// Coordinator exposes the underlying Coordinator.
func (s *Service) Coordinator() *Coordinator { return s.coordinator }
