package core

import "time"

// HeartBeat is the liveness record an instance writes about itself.
type HeartBeat struct {
	Instance       string    `json:"instance"`
	ExpirationTime time.Time `json:"expirationTime"`
}

// IsAlive reports whether the heartbeat has not yet expired at now.
func (h HeartBeat) IsAlive(now time.Time) bool {
	return h.ExpirationTime.After(now)
}
