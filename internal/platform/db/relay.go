package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsync/internal/platform/clock"
	"github.com/ehr/clinicsync/internal/platform/websocket"
)

// notificationSource is the part of *pgx.Conn the relay reads from.
type notificationSource interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// Relay republishes Postgres notifications on one LISTEN channel to the
// push hub. Each payload is a JSON object {"channel","event","data"}.
type Relay struct {
	pool      *pgxpool.Pool
	channel   string
	publisher websocket.EventPublisher
	logger    zerolog.Logger
	clock     clock.Clock
	retry     time.Duration

	listening atomic.Bool
	relayed   atomic.Int64
	rejected  atomic.Int64
}

// NewRelay creates a relay listening on channel.
func NewRelay(pool *pgxpool.Pool, channel string, publisher websocket.EventPublisher, logger zerolog.Logger) *Relay {
	return &Relay{
		pool:      pool,
		channel:   channel,
		publisher: publisher,
		logger:    logger,
		clock:     clock.Real(),
		retry:     2 * time.Second,
	}
}

// Run listens until ctx is cancelled, re-acquiring a connection whenever
// the current one fails.
func (r *Relay) Run(ctx context.Context) error {
	for {
		err := r.listenOnce(ctx)
		r.listening.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		r.logger.Warn().Err(err).Str("channel", r.channel).Dur("retry_in", r.retry).Msg("event relay interrupted")
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(r.retry):
		}
	}
}

func (r *Relay) listenOnce(ctx context.Context) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{r.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen %s: %w", r.channel, err)
	}
	r.listening.Store(true)
	r.logger.Info().Str("channel", r.channel).Msg("event relay listening")

	return r.consume(ctx, conn.Conn())
}

func (r *Relay) consume(ctx context.Context, src notificationSource) error {
	for {
		n, err := src.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		r.handle(ctx, n.Payload)
	}
}

func (r *Relay) handle(ctx context.Context, payload string) {
	evt, err := DecodeNotification(payload)
	if err != nil {
		r.rejected.Add(1)
		r.logger.Warn().Err(err).Msg("ignoring notification")
		return
	}
	if err := r.publisher.Publish(ctx, evt); err != nil {
		r.rejected.Add(1)
		r.logger.Warn().Err(err).Str("topic", evt.Channel).Msg("publish relayed event")
		return
	}
	r.relayed.Add(1)
}

// RelayStats is a snapshot of relay counters.
type RelayStats struct {
	Channel   string `json:"channel"`
	Listening bool   `json:"listening"`
	Relayed   int64  `json:"relayed"`
	Rejected  int64  `json:"rejected"`
}

// Stats returns the current counters.
func (r *Relay) Stats() RelayStats {
	return RelayStats{
		Channel:   r.channel,
		Listening: r.listening.Load(),
		Relayed:   r.relayed.Load(),
		Rejected:  r.rejected.Load(),
	}
}

// DecodeNotification parses a relay payload into a hub event.
func DecodeNotification(payload string) (websocket.Event, error) {
	var evt websocket.Event
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return websocket.Event{}, fmt.Errorf("decode notification: %w", err)
	}
	evt.Channel = strings.TrimSpace(evt.Channel)
	if evt.Channel == "" {
		return websocket.Event{}, errors.New("decode notification: channel is required")
	}
	if len(evt.Data) == 0 || string(evt.Data) == "null" {
		return websocket.Event{}, errors.New("decode notification: data is required")
	}
	return evt, nil
}

// Emit publishes evt through pg_notify on channel, so that every relay
// listening there fans it out to its hub.
func Emit(ctx context.Context, pool *pgxpool.Pool, channel string, evt websocket.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	if _, err := pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify %s: %w", channel, err)
	}
	return nil
}
