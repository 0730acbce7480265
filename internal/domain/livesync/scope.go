package livesync

// IsRelevant reports whether a shared event is addressed to userID. An
// event without an audience is relevant to nobody, and so is every event
// when the viewer is unknown.
func IsRelevant(ev *InboundEvent, userID string) bool {
	if ev == nil || userID == "" {
		return false
	}
	for _, id := range ev.SharedWith {
		if id == userID {
			return true
		}
	}
	return false
}
