package livesync

import (
	"encoding/json"
	"fmt"
	"sync"
)

// SubscriptionState is the lifecycle of one channel subscription.
type SubscriptionState int

const (
	SubscriptionPending SubscriptionState = iota
	SubscriptionActive
	SubscriptionFailed
)

func (s SubscriptionState) String() string {
	switch s {
	case SubscriptionPending:
		return "pending"
	case SubscriptionActive:
		return "active"
	case SubscriptionFailed:
		return "failed"
	default:
		return fmt.Sprintf("subscription_state(%d)", int(s))
	}
}

// Message is one event received on a channel.
type Message struct {
	Channel string
	Event   string
	Data    json.RawMessage
}

// Handler consumes the messages of an active subscription, one at a time,
// in the order the transport delivered them.
type Handler func(msg Message)

// ChannelSubscription tracks one channel. It moves from Pending to either
// Active or Failed exactly once; only an Active subscription delivers.
type ChannelSubscription struct {
	channel Channel
	handler Handler

	mu    sync.Mutex
	state SubscriptionState
	err   error
}

func newSubscription(ch Channel, h Handler) *ChannelSubscription {
	return &ChannelSubscription{channel: ch, handler: h}
}

// Channel returns the subscribed channel.
func (s *ChannelSubscription) Channel() Channel { return s.channel }

// State returns the current state.
func (s *ChannelSubscription) State() SubscriptionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the subscription failed, or nil.
func (s *ChannelSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ChannelSubscription) activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SubscriptionPending {
		return false
	}
	s.state = SubscriptionActive
	return true
}

func (s *ChannelSubscription) fail(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SubscriptionPending {
		return false
	}
	s.state = SubscriptionFailed
	s.err = err
	return true
}

// deliver hands msg to the handler if the subscription is active. It
// reports whether the handler ran. A panicking handler is contained and
// returned as an error.
func (s *ChannelSubscription) deliver(msg Message) (delivered bool, err error) {
	if s.State() != SubscriptionActive || s.handler == nil {
		return false, nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler for %s panicked: %v", s.channel.Name, r)
		}
	}()
	s.handler(msg)
	return true, nil
}
