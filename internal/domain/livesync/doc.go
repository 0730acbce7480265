// Package livesync keeps the local read cache in step with server-side
// changes. It holds one push-stream connection per session, subscribes to
// the fixed channel catalogue, classifies inbound events, filters shared
// notifications by audience, and invalidates cache keys either at once or
// through a short coalescing window.
package livesync
