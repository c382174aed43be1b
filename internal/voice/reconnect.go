package voice

import (
	"log/slog"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ReconnectPolicy controls automatic reconnection after the peer drops the
// connection. The zero value disables it: the session stays in [Error] until
// the user starts a recording or calls Reconnect.
type ReconnectPolicy struct {
	Enabled bool

	// MaxRetries is the maximum number of attempts per outage. Defaults to 10
	// if zero.
	MaxRetries int

	// Backoff is the delay before the first attempt. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the delay. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// reconnector tracks the retry schedule of one outage. It is driven from the
// session loop and is not safe for concurrent use.
type reconnector struct {
	enabled    bool
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration

	attempt int
	next    time.Duration
	timer   *time.Timer
}

func newReconnector(p ReconnectPolicy) *reconnector {
	r := &reconnector{
		enabled:    p.Enabled,
		maxRetries: p.MaxRetries,
		backoff:    p.Backoff,
		maxBackoff: p.MaxBackoff,
	}
	if r.maxRetries <= 0 {
		r.maxRetries = defaultMaxRetries
	}
	if r.backoff <= 0 {
		r.backoff = defaultBackoff
	}
	if r.maxBackoff <= 0 {
		r.maxBackoff = defaultMaxBackoff
	}
	r.next = r.backoff
	return r
}

// schedule arms the timer for the next attempt and returns its channel. It
// returns nil when reconnection is disabled or the retries are used up.
func (r *reconnector) schedule(collection string) <-chan time.Time {
	if !r.enabled {
		return nil
	}
	if r.attempt >= r.maxRetries {
		slog.Error("reconnection failed after max retries",
			"collection", collection,
			"max_retries", r.maxRetries,
		)
		return nil
	}
	r.attempt++
	delay := r.next
	r.next *= 2
	if r.next > r.maxBackoff {
		r.next = r.maxBackoff
	}

	slog.Info("scheduling reconnection",
		"collection", collection,
		"attempt", r.attempt,
		"max_retries", r.maxRetries,
		"backoff", delay,
	)
	r.stop()
	r.timer = time.NewTimer(delay)
	return r.timer.C
}

// reset clears the schedule after a successful connection.
func (r *reconnector) reset() {
	r.stop()
	r.attempt = 0
	r.next = r.backoff
}

func (r *reconnector) stop() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
