package livesync

import "errors"

var (
	// ErrClosed is returned by operations on a torn-down manager.
	ErrClosed = errors.New("livesync: manager torn down")
	// ErrUnknownChannel marks a channel name that is not in the catalogue.
	ErrUnknownChannel = errors.New("livesync: unknown channel")
	// ErrUndecodable marks an inbound payload that could not be decoded.
	ErrUndecodable = errors.New("livesync: undecodable payload")
	// ErrSubscriptionRejected marks a subscription refused by the server.
	ErrSubscriptionRejected = errors.New("livesync: subscription rejected")
)
