package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/clinicsync/internal/config"
	"github.com/ehr/clinicsync/internal/domain/livesync"
	"github.com/ehr/clinicsync/internal/platform/auth"
	"github.com/ehr/clinicsync/internal/platform/db"
	"github.com/ehr/clinicsync/internal/platform/middleware"
	"github.com/ehr/clinicsync/internal/platform/notification"
	"github.com/ehr/clinicsync/internal/platform/querycache"
	"github.com/ehr/clinicsync/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinicsync",
		Short: "Real-time sync for the clinic dashboard",
	}

	rootCmd.AddCommand(listenCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(publishCmd())
	rootCmd.AddCommand(tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func waitForSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
}

// ---------------------------------------------------------------------------
// listen
// ---------------------------------------------------------------------------

func listenCmd() *cobra.Command {
	var refetch bool
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Connect to the push stream and keep a local query cache fresh",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListener(refetch)
		},
	}
	cmd.Flags().BoolVar(&refetch, "refetch", false, "refetch every query from the REST API right after it is invalidated")
	return cmd
}

func runListener(refetch bool) error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	userID := resolveUserID(cfg)
	if userID == "" {
		logger.Warn().Msg("no USER_ID and no token subject; shared events will all be filtered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := querycache.New(ctx, logger.With().Str("component", "querycache").Logger())
	api := &restClient{base: restBase(cfg), token: cfg.AuthToken, http: &http.Client{Timeout: 10 * time.Second}}
	for _, key := range queryKeys() {
		cache.Register(string(key), api.loader(string(key)))
		if refetch {
			defer cache.Observe(string(key))()
		}
	}

	minBackoff, maxBackoff := cfg.ReconnectBackoff()
	svc := livesync.NewService(livesync.Config{
		Endpoint: livesync.Options{
			BaseURL:       cfg.StreamBaseURL,
			PageOrigin:    cfg.PageOrigin,
			APIPathSuffix: cfg.APIPathSuffix,
			StreamPath:    cfg.StreamPath,
			Token:         cfg.AuthToken,
		},
		UserID:        userID,
		DebounceDelay: cfg.Debounce(),
	},
		websocket.NewDialer(10*time.Second),
		cacheInvalidator(cache, logger),
		notification.NewLogSink(logger.With().Str("component", "notification").Logger()),
		nil,
		logger,
		livesync.WithMaxAttempts(cfg.MaxReconnectAttempts),
		livesync.WithBackoff(minBackoff, maxBackoff),
		livesync.WithStateListener(func(s livesync.ConnectionState) {
			logger.Info().Stringer("state", s).Msg("connection state changed")
		}),
	)

	handle := svc.Start(ctx)
	if handle == nil {
		return fmt.Errorf("live sync could not start")
	}
	logger.Info().Str("url", handle.URL).Str("user", userID).Msg("live sync started")

	waitForSignal()

	logger.Info().Msg("shutting down live sync")
	svc.Stop()
	logger.Info().Msg("live sync stopped")
	return nil
}

// resolveUserID prefers the configured user and falls back to the subject
// of the stream token.
func resolveUserID(cfg *config.Config) string {
	if cfg.UserID != "" {
		return cfg.UserID
	}
	if cfg.AuthToken == "" {
		return ""
	}
	sub, err := auth.SubjectOf(cfg.AuthToken)
	if err != nil {
		return ""
	}
	return sub
}

func queryKeys() []livesync.Key {
	return []livesync.Key{
		livesync.KeyNotifications,
		livesync.KeyUnreadCount,
		livesync.KeyPharmacyPrescriptions,
		livesync.KeyDashboard,
		livesync.KeyInventory,
		livesync.KeyPharmacyStats,
		livesync.KeyPharmacyAlerts,
		livesync.KeyPharmacyOrders,
	}
}

func cacheInvalidator(cache *querycache.Cache, logger zerolog.Logger) livesync.Invalidator {
	return livesync.InvalidatorFunc(func(key string) {
		n := cache.Invalidate(key)
		logger.Debug().Str("key", key).Int("entries", n).Msg("queries invalidated")
	})
}

// restBase is the REST root the query loaders read from: the configured
// base as is, or the page origin plus the API suffix.
func restBase(cfg *config.Config) string {
	if b := strings.TrimSpace(cfg.StreamBaseURL); b != "" {
		return strings.TrimRight(b, "/")
	}
	return strings.TrimRight(cfg.PageOrigin, "/") + cfg.APIPathSuffix
}

type restClient struct {
	base  string
	token string
	http  *http.Client
}

// queryPath maps a query key onto its REST path: "pharmacy.stats" is
// served at /pharmacy/stats.
func queryPath(key string) string {
	return "/" + strings.ReplaceAll(key, ".", "/")
}

func (c *restClient) loader(key string) querycache.Loader {
	return func(ctx context.Context) (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+queryPath(key), nil)
		if err != nil {
			return nil, err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("GET %s: status %d", req.URL.Path, resp.StatusCode)
		}
		var v interface{}
		if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", req.URL.Path, err)
		}
		return v, nil
	}
}

// ---------------------------------------------------------------------------
// serve
// ---------------------------------------------------------------------------

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the push server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// channelAuthorizer admits catalogue channels only. Shared channels need an
// authenticated connection unless the server runs without a signing key,
// in which case no connection can ever authenticate.
func channelAuthorizer(requireAuth bool) websocket.Authorizer {
	return func(client *websocket.Client, topic string) error {
		authenticated := !requireAuth || client.Authenticated()
		return livesync.AuthorizeChannel(topic, authenticated)
	}
}

// knownChannel refuses publishes to channels outside the catalogue.
func knownChannel(topic string) error {
	if _, ok := livesync.LookupChannel(topic); !ok {
		return fmt.Errorf("%w: %s", livesync.ErrUnknownChannel, topic)
	}
	return nil
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.ValidateServer(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	requireAuth := cfg.AuthSigningKey != ""
	if !requireAuth {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set; shared channels are open to anonymous connections")
	}
	hub := websocket.NewHub(
		websocket.WithAuthorizer(channelAuthorizer(requireAuth)),
		websocket.WithTopicValidator(knownChannel),
		websocket.WithHubLogger(logger.With().Str("component", "hub").Logger()),
	)
	var verifier websocket.TokenVerifier
	if requireAuth {
		verifier = auth.NewVerifier([]byte(cfg.AuthSigningKey), cfg.AuthIssuer)
	}

	// Optional Postgres relay
	var pool *pgxpool.Pool
	var relay *db.Relay
	if cfg.DatabaseURL != "" {
		pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer pool.Close()
		relay = db.NewRelay(pool, cfg.NotifyChannel, hub, logger.With().Str("component", "relay").Logger())
		go func() {
			if err := relay.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("event relay stopped")
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))

	stream := e.Group("", middleware.BodyLimit("64K"))
	websocket.NewWebSocketHandler(hub, verifier, logger).RegisterRoutes(stream)

	e.GET("/health", db.HealthHandler(pool, relay))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Bool("tls", cfg.TLSEnabled).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	waitForSignal()

	logger.Info().Msg("shutting down server")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// ---------------------------------------------------------------------------
// publish
// ---------------------------------------------------------------------------

func publishCmd() *cobra.Command {
	var (
		channel string
		event   string
		data    string
		target  string
		viaDB   bool
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish an event to a channel",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			evt, err := buildEvent(channel, event, data)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			if viaDB {
				if cfg.DatabaseURL == "" {
					return fmt.Errorf("--via-db needs DATABASE_URL")
				}
				pool, err := db.NewPool(ctx, cfg.DatabaseURL, 1, 0)
				if err != nil {
					return err
				}
				defer pool.Close()
				if err := db.Emit(ctx, pool, cfg.NotifyChannel, evt); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "notified %s on %s\n", evt.Channel, cfg.NotifyChannel)
				return nil
			}

			if target == "" {
				target = "http://localhost:" + cfg.Port
			}
			req, err := newPublishRequest(ctx, target, evt, cfg.AuthToken)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != http.StatusAccepted {
				return fmt.Errorf("publish: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "target channel")
	cmd.Flags().StringVar(&event, "event", "push", "event name")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	cmd.Flags().StringVar(&target, "url", "", "push server base URL (default http://localhost:$PORT)")
	cmd.Flags().BoolVar(&viaDB, "via-db", false, "publish through pg_notify instead of HTTP")
	_ = cmd.MarkFlagRequired("channel")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func buildEvent(channel, event, data string) (websocket.Event, error) {
	if err := knownChannel(channel); err != nil {
		return websocket.Event{}, err
	}
	if !json.Valid([]byte(data)) {
		return websocket.Event{}, fmt.Errorf("--data is not valid JSON")
	}
	return websocket.Event{Channel: channel, Event: event, Data: json.RawMessage(data)}, nil
}

func newPublishRequest(ctx context.Context, baseURL string, evt websocket.Event, token string) (*http.Request, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(baseURL, "/")+"/events", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// token
// ---------------------------------------------------------------------------

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a stream token for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.AuthSigningKey == "" {
				return fmt.Errorf("AUTH_SIGNING_KEY is not set")
			}
			tok, err := auth.Issue([]byte(cfg.AuthSigningKey), cfg.AuthIssuer, subject, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "user id the token is issued to")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
