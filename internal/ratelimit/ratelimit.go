// Package ratelimit implements per-client sliding-window admission
// control. Each client identity carries its own window of request
// timestamps; idle identities are swept by a background routine so the
// map does not grow without bound.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/whisper-watch-service/internal/config"
)

// Stats describes a single identity's current window.
type Stats struct {
	Limit     int     `json:"limit"`
	Remaining int     `json:"remaining"`
	Window    float64 `json:"window_seconds"`
}

// Limiter tracks request timestamps per client identity.
type Limiter struct {
	limit  int
	window time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string][]time.Time

	sweepEvery time.Duration
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a Limiter and starts its idle-identity sweep routine.
func New(logger *slog.Logger, cfg config.RateLimitConfig) *Limiter {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Limiter{
		limit:      cfg.RequestsPerWindow,
		window:     cfg.GetWindowDuration(),
		logger:     logger,
		clients:    make(map[string][]time.Time),
		sweepEvery: cfg.GetSweepInterval(),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go l.sweepRoutine()
	return l
}

// Allow records a request for the identity if it fits in the window.
// It returns whether the request was admitted and how many requests
// remain in the current window.
func (l *Limiter) Allow(identity string) (bool, int) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.pruneLocked(identity, now)
	if len(window) >= l.limit {
		l.clients[identity] = window
		return false, 0
	}

	window = append(window, now)
	l.clients[identity] = window
	return true, l.limit - len(window)
}

// RetryAfter returns how long the identity must wait before its oldest
// recorded request ages out of the window. Zero means a request would
// be admitted now.
func (l *Limiter) RetryAfter(identity string) time.Duration {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.pruneLocked(identity, now)
	l.clients[identity] = window
	if len(window) < l.limit {
		return 0
	}
	return window[0].Add(l.window).Sub(now)
}

// Stats returns the identity's current limit and remaining allowance.
func (l *Limiter) Stats(identity string) Stats {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.pruneLocked(identity, now)
	l.clients[identity] = window
	return Stats{
		Limit:     l.limit,
		Remaining: l.limit - len(window),
		Window:    l.window.Seconds(),
	}
}

// pruneLocked drops timestamps older than the window. Caller holds l.mu.
func (l *Limiter) pruneLocked(identity string, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	window := l.clients[identity]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

func (l *Limiter) sweepRoutine() {
	defer close(l.done)

	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes identities whose entire window has aged out.
func (l *Limiter) sweep() {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for identity := range l.clients {
		window := l.pruneLocked(identity, now)
		if len(window) == 0 {
			delete(l.clients, identity)
			removed++
		} else {
			l.clients[identity] = window
		}
	}
	if removed > 0 {
		l.logger.Debug("Swept idle rate limit identities", slog.Int("removed", removed))
	}
}

// Stop terminates the sweep routine and waits for it to exit.
func (l *Limiter) Stop() {
	l.cancel()
	<-l.done
}
