package mqtt

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// defaultCommandLimit is how many refresh presses are honored per
// minute. Each press re-lists tools on every connected server.
const defaultCommandLimit = 6

// handleCommand processes a message received on a subscribed topic. It
// reports whether a refresh was run.
func (p *Publisher) handleCommand(ctx context.Context, topic string, payload []byte) bool {
	if topic != p.commandTopic() {
		p.logger.Debug("mqtt message on unexpected topic", "topic", topic, "payload_size", len(payload))
		return false
	}
	if !p.limiter.allow() {
		return false
	}

	p.logger.Info("mqtt refresh requested", "payload", string(payload))
	if err := p.fleet.RefreshTools(ctx); err != nil {
		p.logger.Warn("mqtt-triggered tool refresh failed", "error", err)
	}
	p.publishStates(ctx)
	return true
}

// commandRateLimiter drops commands beyond limit per interval. It uses
// atomic counters so the receive path never blocks.
type commandRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

func newCommandRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *commandRateLimiter {
	return &commandRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start resets the counter every interval until ctx is cancelled,
// logging a warning if anything was dropped.
func (r *commandRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt commands dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

func (r *commandRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
