package testutils

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/srg/blepoll/internal/device"
)

// Peripheral is an emulated device reachable through a FakeTransport.
type Peripheral interface {
	Open(address string) (device.Connection, error)
}

// ConnectRecord is one connection attempt seen by a FakeTransport.
type ConnectRecord struct {
	Address string
	At      time.Time
	Err     error
}

// FakeTransport implements device.Transport over in-memory peripherals.
type FakeTransport struct {
	mu          sync.Mutex
	peripherals map[string]Peripheral
	failures    map[string]int // remaining injected connect failures, -1 forever
	connectHook func(address string)
	history     []ConnectRecord

	active    map[string]int
	maxActive map[string]int
}

// NewFakeTransport returns an empty transport.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		peripherals: make(map[string]Peripheral),
		failures:    make(map[string]int),
		active:      make(map[string]int),
		maxActive:   make(map[string]int),
	}
}

// Add registers p under address.
func (t *FakeTransport) Add(address string, p Peripheral) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peripherals[device.NormalizeAddress(address)] = p
	return t
}

// FailConnects makes the next n connects to address fail; n < 0 fails forever.
func (t *FakeTransport) FailConnects(address string, n int) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[device.NormalizeAddress(address)] = n
	return t
}

// OnConnect installs a hook that runs (and may block) inside every Connect.
func (t *FakeTransport) OnConnect(hook func(address string)) *FakeTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connectHook = hook
	return t
}

// History returns all connection attempts in order.
func (t *FakeTransport) History() []ConnectRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ConnectRecord(nil), t.history...)
}

// Attempts returns the start times of connection attempts to address.
func (t *FakeTransport) Attempts(address string) []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []time.Time
	key := device.NormalizeAddress(address)
	for _, h := range t.history {
		if h.Address == key {
			out = append(out, h.At)
		}
	}
	return out
}

// MaxConcurrent returns the highest number of simultaneously open links to address.
func (t *FakeTransport) MaxConcurrent(address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxActive[device.NormalizeAddress(address)]
}

// Active returns the number of currently open links to address.
func (t *FakeTransport) Active(address string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[device.NormalizeAddress(address)]
}

func (t *FakeTransport) Connect(ctx context.Context, address string, opts *device.ConnectOptions) (device.Connection, error) {
	key := device.NormalizeAddress(address)

	t.mu.Lock()
	hook := t.connectHook
	t.mu.Unlock()
	if hook != nil {
		hook(key)
	}

	t.mu.Lock()
	rec := ConnectRecord{Address: key, At: time.Now()}
	p, ok := t.peripherals[key]
	var err error
	switch {
	case ctx.Err() != nil:
		err = ctx.Err()
	case !ok:
		err = fmt.Errorf("no peripheral advertising as %s", key)
	case t.failures[key] != 0:
		if t.failures[key] > 0 {
			t.failures[key]--
		}
		err = fmt.Errorf("injected connect failure")
	}
	if err != nil {
		rec.Err = err
		t.history = append(t.history, rec)
		t.mu.Unlock()
		return nil, device.NewConnectError(key, err)
	}
	t.history = append(t.history, rec)
	t.active[key]++
	if t.active[key] > t.maxActive[key] {
		t.maxActive[key] = t.active[key]
	}
	t.mu.Unlock()

	conn, err := p.Open(key)
	if err != nil {
		t.release(key)
		return nil, device.NewConnectError(key, err)
	}
	return &trackedConn{Connection: conn, release: func() { t.release(key) }}, nil
}

func (t *FakeTransport) release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[key]--
}

// trackedConn reports its release back to the transport exactly once.
type trackedConn struct {
	device.Connection
	once    sync.Once
	release func()
}

func (c *trackedConn) Disconnect() error {
	err := c.Connection.Disconnect()
	c.once.Do(c.release)
	return err
}

type notification struct {
	uuid string
	data []byte
}

// FakeConn is a generic in-memory connection. Notifications are delivered on
// a single goroutine in the order they were posted.
type FakeConn struct {
	address string

	mu          sync.Mutex
	subscribers map[string]func([]byte)
	values      map[string][]byte
	closed      bool
	queue       chan notification
	done        chan struct{}

	disconnects atomic.Int32
}

func newFakeConn(address string) *FakeConn {
	c := &FakeConn{
		address:     address,
		subscribers: make(map[string]func([]byte)),
		values:      make(map[string][]byte),
		queue:       make(chan notification, 256),
		done:        make(chan struct{}),
	}
	go c.dispatch()
	return c
}

func (c *FakeConn) dispatch() {
	for {
		select {
		case n := <-c.queue:
			c.mu.Lock()
			cb := c.subscribers[device.NormalizeUUID(n.uuid)]
			c.mu.Unlock()
			if cb != nil {
				cb(n.data)
			}
		case <-c.done:
			return
		}
	}
}

func (c *FakeConn) Address() string {
	return c.address
}

// Notify posts a notification for uuid. Dropped once disconnected.
func (c *FakeConn) Notify(uuid string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.queue <- notification{uuid: uuid, data: append([]byte(nil), data...)}:
	default:
	}
}

func (c *FakeConn) checkWrite(ctx context.Context, uuid string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &device.WriteError{Characteristic: uuid, Err: device.ErrNotConnected}
	}
	if err := ctx.Err(); err != nil {
		return &device.WriteError{Characteristic: uuid, Err: err}
	}
	return nil
}

func (c *FakeConn) Write(ctx context.Context, uuid string, data []byte) error {
	if err := c.checkWrite(ctx, uuid); err != nil {
		return err
	}
	c.mu.Lock()
	c.values[device.NormalizeUUID(uuid)] = append([]byte(nil), data...)
	c.mu.Unlock()
	return nil
}

func (c *FakeConn) Read(ctx context.Context, uuid string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, device.ErrNotConnected
	}
	v, ok := c.values[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return append([]byte(nil), v...), nil
}

func (c *FakeConn) Subscribe(uuid string, onFragment func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return device.ErrNotConnected
	}
	c.subscribers[device.NormalizeUUID(uuid)] = onFragment
	return nil
}

func (c *FakeConn) Unsubscribe(uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribers, device.NormalizeUUID(uuid))
	return nil
}

// Disconnect stops delivery. Safe to call more than once.
func (c *FakeConn) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.disconnects.Add(1)
	c.subscribers = make(map[string]func([]byte))
	close(c.done)
	return nil
}

// Disconnects returns how many times the link was actually released.
func (c *FakeConn) Disconnects() int {
	return int(c.disconnects.Load())
}
