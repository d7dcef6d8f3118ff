// Package connwatch runs supervised periodic checks in the background.
//
// A Loop owns one goroutine that calls its CheckFunc every Interval.
// A check that fails (or panics) is followed by the shorter ErrorDelay
// instead, so a broken check is retried quickly without spinning. The
// goroutine is explicitly started and stopped; Stop waits for it to
// exit, so no check is running once Stop returns.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CheckFunc performs one round of checks. Return an error to have the
// next round run after ErrorDelay instead of Interval.
type CheckFunc func(ctx context.Context) error

// Defaults for zero-value LoopConfig fields.
const (
	DefaultInterval   = 30 * time.Second
	DefaultErrorDelay = 5 * time.Second
)

// LoopConfig configures a Loop.
type LoopConfig struct {
	// Name identifies the loop in logs (e.g., "mcp-health").
	Name string

	// Interval is the delay between successful rounds (default: 30s).
	Interval time.Duration

	// ErrorDelay is the delay after a failed round (default: 5s).
	ErrorDelay time.Duration

	// Timeout bounds each round. Zero means no bound beyond the
	// loop's own context.
	Timeout time.Duration

	// Immediate runs the first round as soon as the loop starts
	// rather than after the first Interval.
	Immediate bool

	// Check is the work performed each round. Must not be nil.
	Check CheckFunc

	// Logger for structured logging. Uses slog.Default() if nil.
	Logger *slog.Logger
}

// Status is a snapshot of a loop, suitable for JSON serialization in
// health endpoints.
type Status struct {
	Name      string    `json:"name"`
	Running   bool      `json:"running"`
	Rounds    int64     `json:"rounds"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Loop is a restartable periodic background task.
type Loop struct {
	config LoopConfig

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	rounds    int64
	lastCheck time.Time
	lastErr   error
}

// NewLoop creates a stopped loop.
//
// Panics if Name is empty or Check is nil: these are programming
// errors that should be caught during development.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Name == "" {
		panic("connwatch: LoopConfig.Name must not be empty")
	}
	if cfg.Check == nil {
		panic("connwatch: LoopConfig.Check must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ErrorDelay <= 0 {
		cfg.ErrorDelay = DefaultErrorDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{config: cfg}
}

// Start launches the loop goroutine. It returns false without doing
// anything if the loop is already running. The loop ends when ctx is
// cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.done != nil {
		select {
		case <-l.done:
			// Previous run ended on its own (context cancelled).
		default:
			return false
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go l.run(loopCtx, done)

	l.config.Logger.Info("background loop started",
		"loop", l.config.Name,
		"interval", l.config.Interval.String(),
	)
	return true
}

// Stop cancels the loop and waits for its goroutine to exit. Stopping
// a loop that is not running is a no-op.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	l.config.Logger.Info("background loop stopped", "loop", l.config.Name)
}

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Status returns the current loop status.
func (l *Loop) Status() Status {
	running := l.Running()

	l.mu.Lock()
	defer l.mu.Unlock()

	s := Status{
		Name:      l.config.Name,
		Running:   running,
		Rounds:    l.rounds,
		LastCheck: l.lastCheck,
	}
	if l.lastErr != nil {
		s.LastError = l.lastErr.Error()
	}
	return s
}

// run is the loop goroutine.
func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	delay := l.config.Interval
	if l.config.Immediate {
		delay = 0
	}

	for {
		if !sleepCtx(ctx, delay) {
			return
		}

		err := l.check(ctx)
		l.recordResult(err)

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			l.config.Logger.Warn("background check failed",
				"loop", l.config.Name,
				"retry_in", l.config.ErrorDelay.String(),
				"error", err,
			)
			delay = l.config.ErrorDelay
			continue
		}
		delay = l.config.Interval
	}
}

// check runs one round, converting a panic into an error so a single
// bad round cannot kill the loop.
func (l *Loop) check(ctx context.Context) (err error) {
	if l.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()

	return l.config.Check(ctx)
}

// recordResult stores the round outcome under the mutex.
func (l *Loop) recordResult(err error) {
	l.mu.Lock()
	l.rounds++
	l.lastErr = err
	l.lastCheck = time.Now()
	l.mu.Unlock()
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
