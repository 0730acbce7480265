package livesync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ehr/clinicsync/internal/platform/websocket"
)

// recordingInvalidator records every Invalidate call in order.
type recordingInvalidator struct {
	mu   sync.Mutex
	keys []string
}

func (r *recordingInvalidator) Invalidate(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *recordingInvalidator) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *recordingInvalidator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = nil
}

func sameKeySet(t *testing.T, got []string, want ...Key) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("invalidated %v, want %v", got, want)
	}
	seen := make(map[string]int, len(got))
	for _, k := range got {
		seen[k]++
	}
	for _, k := range want {
		if seen[string(k)] != 1 {
			t.Fatalf("invalidated %v, want each of %v exactly once", got, want)
		}
	}
}

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory Conn. Frames pushed with push are returned by
// ReadMessage; writes are recorded.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	writes   []websocket.ClientMessage
	wrote    chan struct{}
	deadline time.Time
	// stall makes every write block until the connection is closed.
	stall atomic.Bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		wrote:  make(chan struct{}, 64),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.stall.Load() {
		<-c.closed
		return errConnClosed
	}
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	var msg websocket.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	c.mu.Lock()
	c.writes = append(c.writes, msg)
	c.mu.Unlock()
	select {
	case c.wrote <- struct{}{}:
	default:
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) writeDeadline() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Writes() []websocket.ClientMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]websocket.ClientMessage, len(c.writes))
	copy(out, c.writes)
	return out
}

// waitWrites blocks until n client messages have been written in total.
func (c *fakeConn) waitWrites(t *testing.T, n int) []websocket.ClientMessage {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if w := c.Writes(); len(w) >= n {
			return w
		}
		select {
		case <-c.wrote:
		case <-deadline:
			t.Fatalf("timed out waiting for %d writes, have %v", n, c.Writes())
		}
	}
}

func (c *fakeConn) push(t *testing.T, f websocket.Frame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	c.in <- data
}

func (c *fakeConn) ack(t *testing.T, topic string) {
	c.push(t, websocket.Frame{Type: websocket.FrameSubscriptionSucceeded, Topic: topic})
}

func (c *fakeConn) event(t *testing.T, topic, name, data string) {
	c.push(t, websocket.Frame{Type: websocket.FrameEvent, Topic: topic, Event: name, Data: json.RawMessage(data)})
}

// drop simulates the server closing the connection.
func (c *fakeConn) drop() { c.Close() }

// fakeDialer hands out scripted results in order. Once the script is
// exhausted every dial fails.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
	urls    []string
	headers []http.Header
	dialed  chan struct{}
}

type dialResult struct {
	conn *fakeConn
	err  error
}

func newFakeDialer(results ...dialResult) *fakeDialer {
	return &fakeDialer{results: results, dialed: make(chan struct{}, 64)}
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string, header http.Header) (websocket.Conn, error) {
	d.mu.Lock()
	d.calls++
	d.urls = append(d.urls, rawURL)
	d.headers = append(d.headers, header.Clone())
	var r dialResult
	if len(d.results) > 0 {
		r = d.results[0]
		d.results = d.results[1:]
	} else {
		r = dialResult{err: errors.New("connection refused")}
	}
	d.mu.Unlock()
	select {
	case d.dialed <- struct{}{}:
	default:
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.conn, nil
}

func (d *fakeDialer) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *fakeDialer) waitDials(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for d.Calls() < n {
		select {
		case <-d.dialed:
		case <-deadline:
			t.Fatalf("timed out waiting for %d dials, have %d", n, d.Calls())
		}
	}
}

// eventually polls cond until it holds or two seconds elapse.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}
