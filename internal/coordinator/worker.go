package coordinator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/groutine"
	"github.com/srg/blepoll/internal/store"
)

// worker is the scheduling loop of one device configuration.
type worker struct {
	dev Device
	drv driver.Driver

	// cycleMu serializes cycles and commands; it outlives the worker when
	// the device is reconfigured.
	cycleMu *sync.Mutex

	refresh  chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
	removed  atomic.Bool
}

func newWorker(dev Device, drv driver.Driver) *worker {
	return &worker{
		dev:     dev,
		drv:     drv,
		refresh: make(chan struct{}, 1),
		quit:    make(chan struct{}),
	}
}

// poke requests an immediate cycle; repeated pokes coalesce.
func (w *worker) poke() {
	select {
	case w.refresh <- struct{}{}:
	default:
	}
}

func (w *worker) stop(removed bool) {
	w.removed.Store(removed)
	w.quitOnce.Do(func() { close(w.quit) })
}

func (c *Coordinator) runWorker(ctx context.Context, w *worker) {
	log := c.logger.WithFields(logrus.Fields{
		"address": w.dev.ID(),
		"name":    w.dev.DisplayName(),
	})
	log.WithField("interval", w.dev.PollInterval).Debug("Device worker started")
	defer log.Debug("Device worker exited")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-timer.C:
		case <-w.refresh:
			timer.Stop()
		}

		select {
		case <-w.quit:
			return
		default:
		}

		delay, _ := c.cycle(ctx, w)
		timer.Reset(delay)
	}
}

// cycle runs one poll cycle under the device lock and records the outcome.
// It returns the delay until the next cycle.
func (c *Coordinator) cycle(ctx context.Context, w *worker) (time.Duration, error) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()

	start := c.now()
	var reading driver.Reading
	err := c.withConnection(ctx, w, func(ctx context.Context, conn device.Connection) error {
		r, err := w.drv.RunCycle(ctx, conn)
		reading = r
		return err
	})
	if err == nil && reading == nil {
		err = errors.New("driver returned no reading")
	}

	if err != nil && ctx.Err() != nil {
		// Shutting down or the caller gave up; not a device failure.
		c.logger.WithFields(logrus.Fields{
			"address": w.dev.ID(),
			"error":   err,
		}).Debug("Poll cycle abandoned")
		return w.dev.PollInterval, err
	}
	if err != nil {
		return c.recordFailure(w, start, err), err
	}
	return c.recordSuccess(w, start, reading), nil
}

// withConnection connects, runs fn and always releases the link. A panic in
// fn is returned as a *groutine.PanicError.
func (c *Coordinator) withConnection(ctx context.Context, w *worker, fn func(context.Context, device.Connection) error) error {
	cycleCtx, cancel := context.WithTimeout(ctx, c.opts.CycleTimeout)
	defer cancel()

	return groutine.Run(cycleCtx, func(ctx context.Context) error {
		conn, err := c.transport.Connect(ctx, w.dev.ID(), &device.ConnectOptions{
			ConnectTimeout: c.opts.ConnectTimeout,
			Services:       w.drv.Services(),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := conn.Disconnect(); err != nil {
				c.logger.WithFields(logrus.Fields{
					"address": w.dev.ID(),
					"error":   err,
				}).Warn("Failed to release connection")
			}
		}()
		return fn(ctx, conn)
	})
}

func (c *Coordinator) recordSuccess(w *worker, start time.Time, reading driver.Reading) time.Duration {
	id := w.dev.ID()
	now := c.now()
	interval := w.dev.PollInterval

	var wasAvailable bool
	_, known := c.store.Modify(id, func(st store.State) store.State {
		wasAvailable = st.Available
		st.Reading = reading
		st.LastSuccess = now
		st.LastAttempt = start
		st.LastError = nil
		st.ConsecutiveFailures = 0
		st.Available = true
		st.NextPoll = now.Add(interval)
		return st
	})
	if !known {
		c.discard(id)
		return interval
	}

	c.emit(Event{Type: EventUpdated, DeviceID: id, At: now})
	if !wasAvailable {
		c.emit(Event{Type: EventAvailable, DeviceID: id, At: now})
		c.logger.WithFields(logrus.Fields{
			"address": id,
			"name":    w.dev.DisplayName(),
		}).Info("Device available")
	}
	c.logger.WithFields(logrus.Fields{
		"address":  id,
		"duration": now.Sub(start).Round(time.Millisecond),
	}).Debug("Poll cycle succeeded")
	return interval
}

func (c *Coordinator) recordFailure(w *worker, start time.Time, err error) time.Duration {
	id := w.dev.ID()
	now := c.now()
	budget := w.dev.MaxRetries
	backoff := min(c.opts.RetryBackoff, w.dev.PollInterval)

	st, known := c.store.Modify(id, func(st store.State) store.State {
		st.LastAttempt = start
		st.LastError = err
		st.ConsecutiveFailures++
		if st.ConsecutiveFailures >= budget {
			st.Available = false
			st.NextPoll = now.Add(w.dev.PollInterval)
		} else {
			st.NextPoll = now.Add(backoff)
		}
		return st
	})
	if !known {
		c.discard(id)
		return w.dev.PollInterval
	}

	log := c.logger.WithFields(logrus.Fields{
		"address":  id,
		"failures": st.ConsecutiveFailures,
		"budget":   budget,
		"error":    err,
	})
	var pe *groutine.PanicError
	if errors.As(err, &pe) {
		log.WithField("stack", string(pe.Stack)).Error("Poll cycle panicked")
	}

	if st.ConsecutiveFailures == budget {
		c.emit(Event{Type: EventUnavailable, DeviceID: id, At: now, Err: err})
		log.Warn("Device unavailable, retry budget exhausted")
	} else {
		log.Warn("Poll cycle failed")
	}
	return st.NextPoll.Sub(now)
}

// discard drops the outcome of a cycle whose device was removed meanwhile.
func (c *Coordinator) discard(id string) {
	c.logger.WithField("address", id).Debug("Discarding poll outcome of removed device")
}
