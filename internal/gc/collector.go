// Package gc sweeps expired nonces out of the store in the background.
package gc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hatemosphere/pkgdepot/internal/metrics"
)

// Sweeper removes expired records and reports how many it removed.
// *nonce.Service satisfies it.
type Sweeper interface {
	ClearExpired(ctx context.Context) (int64, error)
}

// Config controls when sweeps run. Schedule takes precedence over Interval.
// With neither set, the collector only sweeps on RunOnce.
type Config struct {
	Interval time.Duration
	// Schedule is a standard 5-field cron expression or a descriptor such as "@hourly".
	Schedule string
	// Timeout bounds a single sweep. Zero means no timeout.
	Timeout time.Duration
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid gc schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Collector runs periodic sweeps via a background goroutine.
type Collector struct {
	sweeper  Sweeper
	interval time.Duration
	schedule cron.Schedule
	timeout  time.Duration
	mu       sync.Mutex // serialises scheduled and on-demand sweeps
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewCollector creates and starts a collector.
func NewCollector(sweeper Sweeper, cfg Config) (*Collector, error) {
	c := &Collector{
		sweeper:  sweeper,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.Schedule != "" {
		sched, err := ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, err
		}
		c.schedule = sched
	}

	switch {
	case c.schedule != nil:
		go c.runSchedule()
	case c.interval > 0:
		go c.runInterval()
	default:
		close(c.done)
	}
	return c, nil
}

func (c *Collector) runInterval() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-ticker.C:
			c.scheduledSweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Collector) runSchedule() {
	defer close(c.done)

	for {
		next := c.schedule.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			c.scheduledSweep()
		case <-c.stop:
			timer.Stop()
			return
		}
	}
}

func (c *Collector) scheduledSweep() {
	if _, err := c.RunOnce(context.Background()); err != nil {
		slog.Error("scheduled nonce sweep failed", "error", err)
	}
}

// RunOnce executes a single sweep. Safe to call concurrently with the
// background loop; only one sweep runs at a time.
func (c *Collector) RunOnce(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := c.sweeper.ClearExpired(ctx)
	metrics.GCSweepDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GCSweepsTotal.WithLabelValues("error").Inc()
		return 0, err
	}
	metrics.GCSweepsTotal.WithLabelValues("ok").Inc()
	metrics.GCRemovedTotal.Add(float64(n))
	slog.Debug("nonce sweep finished", "removed", n, "duration", time.Since(start))
	return n, nil
}

// Shutdown stops the background loop and waits for it to finish. It is safe
// to call more than once.
func (c *Collector) Shutdown() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.done
}
