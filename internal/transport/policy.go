package transport

import (
	"math"
	"time"
)

// ReconnectPolicy controls automatic reconnection after a dial failure or a
// dropped connection.
type ReconnectPolicy struct {
	// Interval is the delay before each reconnection attempt.
	Interval time.Duration
	// MaxAttempts bounds the automatic attempts after a failure. Once they are
	// exhausted the connection goes down until Connect is called again.
	MaxAttempts int
	// Factor grows the interval per attempt. 1 (the default) keeps it fixed.
	Factor float64
	// MaxInterval caps the grown interval.
	MaxInterval time.Duration
}

// DefaultReconnectPolicy returns a fixed 3s interval with 5 attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Interval:    3 * time.Second,
		MaxAttempts: 5,
		Factor:      1,
		MaxInterval: 30 * time.Second,
	}
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	if p.MaxInterval < p.Interval {
		p.MaxInterval = p.Interval
	}
	return p
}

// Delay returns the wait before the given 1-based attempt.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	p = p.normalized()
	if attempt <= 1 || p.Factor == 1 {
		return p.Interval
	}
	delay := float64(p.Interval) * math.Pow(p.Factor, float64(attempt-1))
	if delay > float64(p.MaxInterval) {
		delay = float64(p.MaxInterval)
	}
	return time.Duration(delay)
}
