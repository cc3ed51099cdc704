package schemacache

import (
	"context"
	"log/slog"
	"time"
)

// Start begins the background refresh loop when polling is enabled.
func (c *Cache) Start(ctx context.Context) {
	if c.minInterval <= 0 {
		c.logger.Info("schema polling disabled; refresh is manual")
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.refreshLoop(ctx)
	}()
}

// Wait blocks until the refresh loop exits or the context is canceled.
func (c *Cache) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) refreshLoop(ctx context.Context) {
	interval := c.minInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("schema polling stopped")
			return
		case <-timer.C:
			if c.pollOnce(ctx) {
				interval = c.minInterval
			} else {
				interval = nextInterval(interval, c.minInterval, c.maxInterval)
			}
			timer.Reset(interval)
		}
	}
}

// pollOnce re-extracts every cached schema and swaps graphs whose
// fingerprint changed. It reports whether anything changed or failed.
func (c *Cache) pollOnce(ctx context.Context) bool {
	changed := false
	for _, current := range c.snapshot() {
		start := time.Now()
		conn := current.conn
		fresh, err := c.extractEntry(ctx, conn)
		if err != nil {
			c.logger.Warn("schema poll failed",
				slog.String("target", conn.Config.Target()),
				slog.String("error", err.Error()),
			)
			c.recordRefresh(ctx, time.Since(start), false, "poll")
			changed = true
			continue
		}

		if fresh.fingerprint == current.fingerprint {
			c.recordRefresh(ctx, time.Since(start), true, "poll_no_change")
			continue
		}

		c.logger.Info("schema change detected, swapping graph",
			slog.String("target", conn.Config.Target()),
			slog.String("fingerprint", fresh.fingerprint),
		)
		c.store(conn.Key, fresh)
		c.recordRefresh(ctx, time.Since(start), true, "poll")
		changed = true
	}
	return changed
}

func nextInterval(current, minInterval, maxInterval time.Duration) time.Duration {
	if current < minInterval {
		return minInterval
	}
	next := current + current/2
	if next > maxInterval {
		return maxInterval
	}
	return next
}
