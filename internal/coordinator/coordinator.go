// Package coordinator schedules poll cycles for a set of BLE devices.
//
// Every device gets its own worker goroutine and timer. A cycle connects,
// runs the device's driver and always releases the link; its outcome is
// published to the state store, which is the only state external readers
// see. Devices never wait on each other: a slow, failing or panicking cycle
// affects only its own device.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/groutine"
	"github.com/srg/blepoll/internal/store"
)

var (
	// ErrUnknownDevice is returned for ids that are not configured.
	ErrUnknownDevice = errors.New("unknown device")
	// ErrNotSupported is returned when a device's driver cannot execute commands.
	ErrNotSupported = errors.New("operation not supported by device")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("coordinator already started")
)

// DriverResolver returns the driver for a device kind.
type DriverResolver interface {
	Get(kind driver.Kind) (driver.Driver, error)
}

// DriverResolverFunc adapts a function to DriverResolver.
type DriverResolverFunc func(kind driver.Kind) (driver.Driver, error)

func (f DriverResolverFunc) Get(kind driver.Kind) (driver.Driver, error) {
	return f(kind)
}

// Coordinator owns the configured devices, their workers and the state store.
type Coordinator struct {
	transport device.Transport
	drivers   DriverResolver
	opts      Options
	logger    *logrus.Logger
	store     *store.Store
	events    mpmc.RichOverlappedRingBuffer[Event]
	now       func() time.Time

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	workers map[string]*worker
	locks   map[string]*sync.Mutex // per device id, shared by successive workers
	wg      sync.WaitGroup
}

// New creates a coordinator with no devices.
func New(transport device.Transport, drivers DriverResolver, opts Options, logger *logrus.Logger) *Coordinator {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Coordinator{
		transport: transport,
		drivers:   drivers,
		opts:      opts,
		logger:    logger,
		store:     store.New(),
		events:    mpmc.NewOverlappedRingBuffer[Event](opts.EventBuffer),
		now:       time.Now,
		workers:   make(map[string]*worker),
		locks:     make(map[string]*sync.Mutex),
	}
}

// Reconfigure replaces the device set. The new set is validated as a whole
// before anything changes. Removed or changed devices stop after their
// in-flight cycle; unchanged devices keep their worker and schedule.
func (c *Coordinator) Reconfigure(devices []Device) error {
	resolved := make(map[string]*worker, len(devices))
	order := make([]string, 0, len(devices))
	for _, d := range devices {
		if err := d.validate(c.opts); err != nil {
			return err
		}
		id := d.ID()
		if _, dup := resolved[id]; dup {
			return fmt.Errorf("device %s is configured twice", id)
		}
		drv, err := c.drivers.Get(d.Kind)
		if err != nil {
			return fmt.Errorf("device %s: %w", id, err)
		}
		resolved[id] = newWorker(d, drv)
		order = append(order, id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	running := c.ctx != nil && c.ctx.Err() == nil

	for id, old := range c.workers {
		next, keep := resolved[id]
		if keep && next.dev == old.dev {
			resolved[id] = old
			continue
		}
		old.stop(!keep)
		delete(c.workers, id)
		if !keep && !running {
			// No worker goroutine is left to retire the entry.
			c.store.Remove(id)
			delete(c.locks, id)
		}
		c.logger.WithFields(logrus.Fields{
			"address": id,
			"removed": !keep,
		}).Info("Device worker stopping")
	}

	for _, id := range order {
		w := resolved[id]
		if _, exists := c.workers[id]; exists {
			continue
		}
		if _, ok := c.locks[id]; !ok {
			c.locks[id] = &sync.Mutex{}
		}
		w.cycleMu = c.locks[id]
		c.workers[id] = w

		now := c.now()
		c.store.Update(id, func(st store.State) store.State {
			st.Name = w.dev.DisplayName()
			st.Kind = w.dev.Kind
			st.NextPoll = now
			return st
		})
		if running {
			c.startWorker(w)
		}
	}
	return nil
}

// Start launches one worker per configured device. Workers stop when ctx is
// cancelled or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return ErrAlreadyStarted
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, w := range c.workers {
		c.startWorker(w)
	}
	c.logger.WithField("devices", len(c.workers)).Info("Coordinator started")
	return nil
}

// Stop cancels in-flight cycles and waits for every worker to exit.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	c.wg.Wait()
	c.logger.Info("Coordinator stopped")
}

func (c *Coordinator) startWorker(w *worker) {
	c.wg.Add(1)
	groutine.Go(c.ctx, "poll-"+w.dev.ID(), func(ctx context.Context) {
		defer c.wg.Done()
		defer c.retire(w)
		c.runWorker(ctx, w)
	})
}

// retire drops the store entry of a removed device once its worker is gone.
func (c *Coordinator) retire(w *worker) {
	if !w.removed.Load() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id := w.dev.ID()
	if _, readded := c.workers[id]; !readded {
		c.store.Remove(id)
		delete(c.locks, id)
	}
}

func (c *Coordinator) worker(id string) (*worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[device.NormalizeAddress(id)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	return w, nil
}

// callerContext derives a context for a caller-initiated operation that is
// also cancelled by Stop.
func (c *Coordinator) callerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	c.mu.Lock()
	root := c.ctx
	c.mu.Unlock()

	merged, cancel := context.WithCancel(ctx)
	if root == nil {
		return merged, cancel
	}
	stop := context.AfterFunc(root, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}

// RunCycle runs one cycle for id now, waiting for any in-flight cycle first,
// and records its outcome like a scheduled cycle.
func (c *Coordinator) RunCycle(ctx context.Context, id string) error {
	w, err := c.worker(id)
	if err != nil {
		return err
	}
	ctx, cancel := c.callerContext(ctx)
	defer cancel()
	_, err = c.cycle(ctx, w)
	return err
}

// RefreshNow asks the worker of id to poll immediately. It does not wait.
func (c *Coordinator) RefreshNow(id string) error {
	w, err := c.worker(id)
	if err != nil {
		return err
	}
	w.poke()
	return nil
}

// Execute sends a control command to id under the device's cycle lock, then
// schedules an immediate refresh so the store reflects the change.
func (c *Coordinator) Execute(ctx context.Context, id string, cmd driver.Command) error {
	w, err := c.worker(id)
	if err != nil {
		return err
	}
	ctrl, ok := w.drv.(driver.Controller)
	if !ok {
		return fmt.Errorf("%w: %s devices accept no commands", ErrNotSupported, w.dev.Kind)
	}

	ctx, cancel := c.callerContext(ctx)
	defer cancel()

	w.cycleMu.Lock()
	err = c.withConnection(ctx, w, func(ctx context.Context, conn device.Connection) error {
		return ctrl.Apply(ctx, conn, cmd)
	})
	w.cycleMu.Unlock()

	log := c.logger.WithFields(logrus.Fields{
		"address": w.dev.ID(),
		"command": cmd.String(),
	})
	if err != nil {
		log.WithField("error", err).Warn("Device command failed")
		return err
	}
	log.Info("Device command executed")
	w.poke()
	return nil
}

// GetDeviceData returns the latest reading of id. It never blocks on I/O.
func (c *Coordinator) GetDeviceData(id string) (driver.Reading, bool) {
	st, ok := c.store.Read(device.NormalizeAddress(id))
	if !ok || !st.HasReading() {
		return nil, false
	}
	return st.Reading, true
}

// IsDeviceAvailable reports whether id is available. It never blocks on I/O.
func (c *Coordinator) IsDeviceAvailable(id string) bool {
	key := device.NormalizeAddress(id)
	st, ok := c.store.Read(key)
	if !ok {
		return false
	}
	return st.AvailableAt(c.now(), c.staleWindow(key))
}

func (c *Coordinator) staleWindow(id string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.workers[id]
	if !ok || c.opts.StaleAfter <= 0 {
		return 0
	}
	return w.dev.PollInterval * time.Duration(c.opts.StaleAfter)
}

// State returns the runtime state snapshot of id.
func (c *Coordinator) State(id string) (store.State, bool) {
	return c.store.Read(device.NormalizeAddress(id))
}

// Devices returns the configured devices.
func (c *Coordinator) Devices() []Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Device, 0, len(c.workers))
	for _, id := range c.store.IDs() {
		if w, ok := c.workers[id]; ok {
			out = append(out, w.dev)
		}
	}
	return out
}

// Driver returns the driver serving id.
func (c *Coordinator) Driver(id string) (driver.Driver, error) {
	w, err := c.worker(id)
	if err != nil {
		return nil, err
	}
	return w.drv, nil
}
