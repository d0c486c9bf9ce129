package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/groutine"
)

// BLEConnection is a live go-ble link to one peripheral.
type BLEConnection struct {
	address    string
	client     gattClient
	logger     *logrus.Logger
	chunkSize  int
	writeDelay time.Duration

	services map[string]struct{}
	chars    map[string]*ble.Characteristic // normalized UUID -> characteristic

	writeMutex sync.Mutex
	connMutex  sync.Mutex
	subscribed map[string]*ble.Characteristic
	closed     bool
}

func newConnection(address string, client gattClient, profile *ble.Profile, logger *logrus.Logger) *BLEConnection {
	c := &BLEConnection{
		address:    address,
		client:     client,
		logger:     logger,
		chunkSize:  DefaultBLEWriteChunkSize,
		writeDelay: DefaultBLEWriteDelay,
		services:   make(map[string]struct{}),
		chars:      make(map[string]*ble.Characteristic),
		subscribed: make(map[string]*ble.Characteristic),
	}

	if profile == nil {
		return c
	}
	for _, svc := range profile.Services {
		c.services[device.NormalizeUUID(svc.UUID.String())] = struct{}{}
		for _, ch := range svc.Characteristics {
			uuid := device.NormalizeUUID(ch.UUID.String())
			// first occurrence wins when a UUID is reused across services
			if _, ok := c.chars[uuid]; !ok {
				c.chars[uuid] = ch
			}
		}
	}
	return c
}

func (c *BLEConnection) Address() string {
	return c.address
}

func (c *BLEConnection) missingServices(required []string) []string {
	var missing []string
	for _, s := range required {
		if _, ok := c.services[device.NormalizeUUID(s)]; !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

// characteristic looks up a characteristic under the connection lock.
func (c *BLEConnection) characteristic(uuid string) (*ble.Characteristic, error) {
	c.connMutex.Lock()
	defer c.connMutex.Unlock()

	if c.closed {
		return nil, device.ErrNotConnected
	}
	ch, ok := c.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return ch, nil
}

// Write sends data in chunks of at most chunkSize bytes.
func (c *BLEConnection) Write(ctx context.Context, uuid string, data []byte) error {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return &device.WriteError{Characteristic: uuid, Err: err}
	}

	// Prefer write-without-response when the peripheral allows it.
	noRsp := ch.Property&ble.CharWriteNR != 0 && ch.Property&ble.CharWrite == 0

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	for len(data) > 0 {
		if err := ctx.Err(); err != nil {
			return &device.WriteError{Characteristic: uuid, Err: err}
		}
		n := min(len(data), c.chunkSize)
		if err := c.client.WriteCharacteristic(ch, data[:n], noRsp); err != nil {
			return &device.WriteError{Characteristic: uuid, Err: NormalizeError(err)}
		}
		data = data[n:]
		if len(data) > 0 && c.writeDelay > 0 {
			time.Sleep(c.writeDelay)
		}
	}
	return nil
}

// Read reads the characteristic value. go-ble reads are not cancellable, so
// the call is abandoned (not aborted) when ctx ends first.
func (c *BLEConnection) Read(ctx context.Context, uuid string) ([]byte, error) {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	groutine.Go(ctx, "goble-read-"+device.ShortenUUID(device.NormalizeUUID(uuid)), func(context.Context) {
		data, err := c.client.ReadCharacteristic(ch)
		done <- result{data: data, err: err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("read characteristic %q: %w", uuid, NormalizeError(r.err))
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("read characteristic %q: %w", uuid, device.ErrTimeout)
	}
}

// Subscribe enables notifications and forwards each fragment to onFragment.
func (c *BLEConnection) Subscribe(uuid string, onFragment func([]byte)) error {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	if ch.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return fmt.Errorf("characteristic %q does not support notifications: %w", uuid, device.ErrUnsupported)
	}

	handler := func(data []byte) {
		// go-ble reuses its receive buffer
		frag := make([]byte, len(data))
		copy(frag, data)
		onFragment(frag)
	}
	indicate := ch.Property&ble.CharNotify == 0
	if err := c.client.Subscribe(ch, indicate, handler); err != nil {
		return fmt.Errorf("subscribe to %q: %w", uuid, NormalizeError(err))
	}

	c.connMutex.Lock()
	c.subscribed[device.NormalizeUUID(uuid)] = ch
	c.connMutex.Unlock()

	c.logger.WithFields(logrus.Fields{
		"address":   c.address,
		"char_uuid": uuid,
	}).Debug("Subscribed to characteristic notifications")
	return nil
}

func (c *BLEConnection) Unsubscribe(uuid string) error {
	key := device.NormalizeUUID(uuid)

	c.connMutex.Lock()
	ch, ok := c.subscribed[key]
	delete(c.subscribed, key)
	c.connMutex.Unlock()

	if !ok {
		return nil
	}
	return c.tryUnsubscribe(ch, uuid)
}

// tryUnsubscribe attempts to unsubscribe using both notify and indicate modes.
// Returns error only if both modes fail.
func (c *BLEConnection) tryUnsubscribe(ch *ble.Characteristic, uuid string) error {
	err1 := NormalizeError(c.client.Unsubscribe(ch, false)) // notify
	err2 := NormalizeError(c.client.Unsubscribe(ch, true))  // indicate

	if err1 != nil && err2 != nil {
		c.logger.WithFields(logrus.Fields{
			"char_uuid":   uuid,
			"notifyErr":   err1,
			"indicateErr": err2,
		}).Warn("Failed to unsubscribe from characteristic notifications")
		return fmt.Errorf("%s: notify=%v, indicate=%v", uuid, err1, err2)
	}
	return nil
}

// Disconnect unsubscribes everything and cancels the link. Safe to call more than once.
func (c *BLEConnection) Disconnect() error {
	c.connMutex.Lock()
	if c.closed {
		c.connMutex.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subscribed
	c.subscribed = make(map[string]*ble.Characteristic)
	c.connMutex.Unlock()

	var errs []string
	for uuid, ch := range subs {
		if err := c.tryUnsubscribe(ch, uuid); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		c.logger.WithField("errors", strings.Join(errs, "; ")).Debug("Unsubscribe failures during disconnect")
	}

	err := NormalizeError(c.client.CancelConnection())
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"address": c.address,
			"error":   err,
		}).Warn("BLE device disconnected with errors")
		return err
	}
	c.logger.WithField("address", c.address).Debug("BLE device disconnected")
	return nil
}
