package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// Source produces one reading per call.
type Source interface {
	Sample(ctx context.Context) (*Reading, error)
}

// Notifier receives service manager lifecycle events.
type Notifier interface {
	Ready() error
	Watchdog() error
	Status(msg string) error
	Stopping() error
}

type nopNotifier struct{}

func (nopNotifier) Ready() error        { return nil }
func (nopNotifier) Watchdog() error     { return nil }
func (nopNotifier) Status(string) error { return nil }
func (nopNotifier) Stopping() error     { return nil }

// Driver emits one JSON line per cycle and waits Interval between cycles.
type Driver struct {
	Sampler  Source
	Out      io.Writer
	Interval time.Duration
	Count    int // stop after this many cycles; 0 runs until cancelled

	Logger           *zap.Logger
	Metrics          *Metrics
	Notifier         Notifier
	WatchdogInterval time.Duration
}

// Run loops until ctx is cancelled, Count cycles have been emitted, or a
// cycle fails. Cancellation is not an error; a failed cycle is returned as is.
func (d *Driver) Run(ctx context.Context) error {
	if d.Sampler == nil || d.Out == nil {
		return errors.New("driver needs a sampler and an output")
	}
	if d.Interval <= 0 {
		return fmt.Errorf("invalid interval %s", d.Interval)
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	notify := d.Notifier
	if notify == nil {
		notify = nopNotifier{}
	}
	defer notify.Stopping()

	var watchdog <-chan time.Time
	if d.WatchdogInterval > 0 {
		t := time.NewTicker(d.WatchdogInterval)
		defer t.Stop()
		watchdog = t.C
	}

	for cycle := 1; ; cycle++ {
		if err := d.cycle(ctx, log, cycle); err != nil {
			if ctx.Err() != nil {
				log.Info("stopping", zap.Int("cycle", cycle), zap.Error(ctx.Err()))
				return nil
			}
			notify.Status(err.Error())
			return err
		}
		if cycle == 1 {
			notify.Ready()
		}
		notify.Watchdog()

		if d.Count > 0 && cycle >= d.Count {
			log.Info("completed requested cycles", zap.Int("count", d.Count))
			return nil
		}

		if !d.wait(ctx, watchdog, notify) {
			log.Info("stopping", zap.Int("cycle", cycle), zap.Error(ctx.Err()))
			return nil
		}
	}
}

// wait sleeps for Interval, pinging the watchdog meanwhile. It reports false
// if ctx was cancelled first.
func (d *Driver) wait(ctx context.Context, watchdog <-chan time.Time, notify Notifier) bool {
	timer := time.NewTimer(d.Interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-watchdog:
			notify.Watchdog()
		case <-timer.C:
			return true
		}
	}
}

func (d *Driver) cycle(ctx context.Context, log *zap.Logger, n int) error {
	start := time.Now()
	log.Debug("sampling", zap.Int("cycle", n))

	r, err := d.Sampler.Sample(ctx)
	if err != nil && ctx.Err() != nil {
		// interrupted, not a failed cycle
		return err
	}
	d.Metrics.observe(ctx, start, r, err)
	if err != nil {
		log.Error("sampling failed", zap.Int("cycle", n), zap.Error(err))
		return err
	}

	line, err := r.MarshalJSON()
	if err != nil {
		log.Error("cannot encode reading", zap.Error(err))
		return err
	}
	line = append(line, '\n')
	if _, err := d.Out.Write(line); err != nil {
		log.Error("cannot write reading", zap.Error(err))
		return err
	}

	log.Debug("emitted reading",
		zap.Int("cycle", n),
		zap.Int("entries", r.Len()),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}
