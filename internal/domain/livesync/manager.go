package livesync

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/clinicsync/internal/platform/clock"
	"github.com/ehr/clinicsync/internal/platform/websocket"
)

// Reconnect defaults.
const (
	DefaultMaxAttempts = 10
	DefaultMinBackoff  = time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

const (
	// writeTimeout is the write deadline put on connections that support one.
	writeTimeout = 5 * time.Second
	// teardownWriteTimeout bounds the unsubscribe sent on teardown; the
	// connection is closed afterwards whether or not it went out.
	teardownWriteTimeout = time.Second
)

// writeDeadliner is implemented by connections that can bound a write.
type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// ConnectionState is the lifecycle of the stream connection.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	// StateFailed is terminal: the attempt budget is spent and the
	// application falls back to REST refetches.
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("connection_state(%d)", int(s))
	}
}

// Options locates the stream endpoint.
type Options struct {
	// BaseURL is the configured API base; it may be empty or relative.
	BaseURL string
	// PageOrigin is the origin of the hosting page.
	PageOrigin string
	// APIPathSuffix is stripped from the base URL. Defaults to "/api".
	APIPathSuffix string
	// StreamPath is appended to the resolved base. Defaults to "/ws".
	StreamPath string
	// Token is sent as a bearer token on the handshake when set.
	Token string
}

// ConnectionHandle identifies the single connection of a manager.
type ConnectionHandle struct {
	ID  string
	URL string

	manager *ConnectionManager
}

// State returns the state of the owning manager.
func (h *ConnectionHandle) State() ConnectionState { return h.manager.State() }

// ManagerOption configures a ConnectionManager.
type ManagerOption func(*ConnectionManager)

// WithClock sets the clock used for reconnect backoff.
func WithClock(clk clock.Clock) ManagerOption {
	return func(m *ConnectionManager) { m.clock = clk }
}

// WithMaxAttempts sets how many consecutive failed dials are tolerated
// before the manager gives up.
func WithMaxAttempts(n int) ManagerOption {
	return func(m *ConnectionManager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBackoff sets the reconnect delay range. The delay starts at min and
// doubles after each failure up to max.
func WithBackoff(min, max time.Duration) ManagerOption {
	return func(m *ConnectionManager) {
		if min > 0 {
			m.minBackoff = min
		}
		if max >= m.minBackoff {
			m.maxBackoff = max
		}
	}
}

// WithStateListener registers fn to be called on every state change. fn
// runs on the manager's goroutines and must not block.
func WithStateListener(fn func(ConnectionState)) ManagerOption {
	return func(m *ConnectionManager) { m.onState = fn }
}

// ConnectionManager owns the one stream connection of a session, its
// reconnect policy and the registry of channel subscriptions. Frames are
// read on a single goroutine, so messages of a channel reach its handler in
// arrival order.
type ConnectionManager struct {
	opts        Options
	dialer      websocket.Dialer
	coordinator *Coordinator
	logger      zerolog.Logger
	clock       clock.Clock
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	onState     func(ConnectionState)

	mu       sync.Mutex
	state    ConnectionState
	handle   *ConnectionHandle
	conn     websocket.Conn
	subs     map[string]*ChannelSubscription
	order    []string
	cancel   context.CancelFunc
	done     chan struct{}
	tornDown bool

	writeMu sync.Mutex
}

// NewConnectionManager creates a manager. coordinator is closed on
// Teardown so that no invalidation fires afterwards.
func NewConnectionManager(opts Options, dialer websocket.Dialer, coordinator *Coordinator, logger zerolog.Logger, options ...ManagerOption) *ConnectionManager {
	if opts.APIPathSuffix == "" {
		opts.APIPathSuffix = DefaultAPIPathSuffix
	}
	if opts.StreamPath == "" {
		opts.StreamPath = "/ws"
	}
	m := &ConnectionManager{
		opts:        opts,
		dialer:      dialer,
		coordinator: coordinator,
		logger:      logger,
		clock:       clock.Real(),
		maxAttempts: DefaultMaxAttempts,
		minBackoff:  DefaultMinBackoff,
		maxBackoff:  DefaultMaxBackoff,
		subs:        make(map[string]*ChannelSubscription),
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// State returns the current connection state.
func (m *ConnectionManager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the connection and returns its handle. Later calls return
// the same handle without dialing again. Connection problems are logged and
// reflected in State, never returned; after Teardown, Connect returns nil.
func (m *ConnectionManager) Connect(ctx context.Context) *ConnectionHandle {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		m.logger.Warn().Err(ErrClosed).Msg("connect after teardown ignored")
		return nil
	}
	if m.handle != nil {
		h := m.handle
		m.mu.Unlock()
		return h
	}

	handle := &ConnectionHandle{ID: uuid.New().String(), manager: m}
	m.handle = handle

	streamURL, err := m.streamURL()
	if err != nil {
		m.mu.Unlock()
		m.logger.Error().Err(err).Msg("cannot resolve stream endpoint; live updates disabled")
		m.setState(StateFailed)
		return handle
	}
	handle.URL = streamURL

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	m.setState(StateConnecting)
	go m.run(runCtx, handle, done)
	return handle
}

func (m *ConnectionManager) streamURL() (string, error) {
	base, err := ResolveBaseURL(m.opts.BaseURL, m.opts.PageOrigin, m.opts.APIPathSuffix)
	if err != nil {
		return "", err
	}
	return websocket.StreamURL(base, m.opts.StreamPath)
}

// Subscribe registers handler for the named channel and asks the server
// for it once connected. Subscribing again to a pending or active channel
// returns the existing subscription; a failed one is replaced. Failures
// are confined to the returned subscription.
func (m *ConnectionManager) Subscribe(name string, handler Handler) *ChannelSubscription {
	ch, known := LookupChannel(name)
	if !known {
		ch = Channel{Name: name, Purpose: PurposeShared}
	}

	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		sub := newSubscription(ch, handler)
		sub.fail(ErrClosed)
		return sub
	}
	if existing, ok := m.subs[name]; ok && existing.State() != SubscriptionFailed {
		m.mu.Unlock()
		return existing
	}

	sub := newSubscription(ch, handler)
	var err error
	if !known {
		err = fmt.Errorf("%w: %q", ErrUnknownChannel, name)
		sub.fail(err)
	}
	if _, ok := m.subs[name]; !ok {
		m.order = append(m.order, name)
	}
	m.subs[name] = sub
	conn := m.conn
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Msg("subscription failed")
		return sub
	}

	if conn != nil {
		if err := m.write(conn, websocket.EncodeClientMessage(websocket.ActionSubscribe, name)); err != nil {
			m.logger.Warn().Err(err).Str("channel", name).Msg("subscribe request not sent; will retry on reconnect")
		}
	}
	return sub
}

// Subscription returns the registered subscription for name, if any.
func (m *ConnectionManager) Subscription(name string) (*ChannelSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[name]
	return sub, ok
}

// Teardown cancels the debounce window, unsubscribes, closes the
// connection and stops the run loop. It is safe to call more than once and
// must not be called from a subscription handler.
func (m *ConnectionManager) Teardown() {
	m.mu.Lock()
	if m.tornDown {
		m.mu.Unlock()
		return
	}
	m.tornDown = true
	cancel, done, conn := m.cancel, m.done, m.conn
	var live []string
	for _, name := range m.order {
		if s := m.subs[name]; s.State() != SubscriptionFailed {
			live = append(live, name)
		}
	}
	m.mu.Unlock()

	if m.coordinator != nil {
		m.coordinator.Close()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		if len(live) > 0 {
			m.unsubscribeAll(conn, live)
		}
		conn.Close()
	}
	if done != nil {
		<-done
	}

	m.mu.Lock()
	m.conn = nil
	m.handle = nil
	m.subs = make(map[string]*ChannelSubscription)
	m.order = nil
	m.mu.Unlock()
	m.setState(StateDisconnected)
	m.logger.Info().Msg("live sync torn down")
}

func (m *ConnectionManager) run(ctx context.Context, handle *ConnectionHandle, done chan struct{}) {
	defer func() {
		if ctx.Err() != nil && m.State() != StateFailed {
			m.setState(StateDisconnected)
		}
		close(done)
	}()

	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	failures := 0
	backoff := m.minBackoff
	for {
		conn, err := m.dialer.Dial(ctx, handle.URL, header)
		if ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			failures++
			m.logger.Warn().Err(err).
				Int("attempt", failures).
				Int("max_attempts", m.maxAttempts).
				Msg("stream connection attempt failed")
			if failures >= m.maxAttempts {
				m.logger.Error().
					Int("attempts", failures).
					Str("url", handle.URL).
					Msg("stream unavailable, giving up; data stays fresh through REST refetches")
				m.setState(StateFailed)
				return
			}
			m.setState(StateReconnecting)
			if !m.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, m.maxBackoff)
			continue
		}

		failures = 0
		backoff = m.minBackoff
		if !m.attach(ctx, conn) {
			conn.Close()
			return
		}
		err = m.readLoop(conn)
		m.detach(conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn().Err(err).Msg("stream connection lost")
		m.setState(StateReconnecting)
		if !m.sleep(ctx, backoff) {
			return
		}
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (m *ConnectionManager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(d):
		return true
	}
}

// attach installs conn as the live connection and requests every pending
// or active subscription on it.
func (m *ConnectionManager) attach(ctx context.Context, conn websocket.Conn) bool {
	m.mu.Lock()
	if ctx.Err() != nil || m.tornDown {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	var names []string
	for _, name := range m.order {
		if s := m.subs[name]; s.State() != SubscriptionFailed {
			names = append(names, name)
		}
	}
	m.mu.Unlock()

	m.setState(StateConnected)
	m.logger.Info().Int("channels", len(names)).Msg("stream connected")
	for _, name := range names {
		if err := m.write(conn, websocket.EncodeClientMessage(websocket.ActionSubscribe, name)); err != nil {
			m.logger.Warn().Err(err).Str("channel", name).Msg("subscribe request not sent")
		}
	}
	return true
}

func (m *ConnectionManager) detach(conn websocket.Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == conn {
		m.conn = nil
	}
}

func (m *ConnectionManager) write(conn websocket.Conn, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if d, ok := conn.(writeDeadliner); ok {
		_ = d.SetWriteDeadline(time.Now().Add(writeTimeout))
	}
	return conn.WriteMessage(websocket.TextMessage, data)
}

// unsubscribeAll sends one best-effort unsubscribe for names and waits at
// most teardownWriteTimeout for it. A write still stuck after that is
// released by the caller closing conn.
func (m *ConnectionManager) unsubscribeAll(conn websocket.Conn, names []string) {
	sent := make(chan error, 1)
	go func() {
		sent <- m.write(conn, websocket.EncodeClientMessage(websocket.ActionUnsubscribe, names...))
	}()
	select {
	case err := <-sent:
		if err != nil {
			m.logger.Debug().Err(err).Msg("unsubscribe on teardown failed")
		}
	case <-m.clock.After(teardownWriteTimeout):
		m.logger.Debug().Dur("timeout", teardownWriteTimeout).Msg("unsubscribe on teardown timed out")
	}
}

func (m *ConnectionManager) readLoop(conn websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := websocket.DecodeFrame(data)
		if err != nil {
			m.logger.Warn().Err(err).Msg("ignoring malformed frame")
			continue
		}
		m.route(frame)
	}
}

func (m *ConnectionManager) route(frame websocket.Frame) {
	sub, ok := m.Subscription(frame.Topic)
	if !ok {
		m.logger.Debug().Str("channel", frame.Topic).Str("type", frame.Type).Msg("frame for unregistered channel")
		return
	}

	switch frame.Type {
	case websocket.FrameSubscriptionSucceeded:
		if sub.activate() {
			m.logger.Info().Str("channel", frame.Topic).Msg("channel subscribed")
		}
	case websocket.FrameSubscriptionError:
		err := fmt.Errorf("%w: %s", ErrSubscriptionRejected, frame.Error)
		if sub.fail(err) {
			m.logger.Warn().Err(err).Str("channel", frame.Topic).Msg("subscription failed")
		}
	case websocket.FrameEvent:
		delivered, err := sub.deliver(Message{Channel: frame.Topic, Event: frame.Event, Data: frame.Data})
		if err != nil {
			m.logger.Error().Err(err).Str("channel", frame.Topic).Msg("push handler failed")
		} else if !delivered {
			m.logger.Debug().Str("channel", frame.Topic).Stringer("state", sub.State()).Msg("event for inactive subscription dropped")
		}
	default:
		m.logger.Debug().Str("type", frame.Type).Msg("unknown frame type")
	}
}

func (m *ConnectionManager) setState(s ConnectionState) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	fn := m.onState
	m.mu.Unlock()

	m.logger.Debug().Stringer("state", s).Msg("stream state changed")
	if fn != nil {
		fn(s)
	}
}
