package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// maxReadSize covers the largest ATT value (512 bytes).
const maxReadSize = 512

type tinygoPeripheral struct {
	dev bluetooth.Device
}

func (p *tinygoPeripheral) Characteristics(services []string) (map[string]characteristic, error) {
	var filter []bluetooth.UUID
	for _, s := range services {
		u, err := bluetooth.ParseUUID(device.ExpandUUID(s))
		if err != nil {
			return nil, fmt.Errorf("parse service UUID %q: %w", s, err)
		}
		filter = append(filter, u)
	}

	svcs, err := p.dev.DiscoverServices(filter)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	if len(filter) > 0 && len(svcs) < len(filter) {
		return nil, &device.NotFoundError{Resource: "service", UUIDs: services}
	}

	out := make(map[string]characteristic)
	for i := range svcs {
		chars, err := svcs[i].DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", svcs[i].UUID().String(), err)
		}
		for j := range chars {
			key := device.NormalizeUUID(chars[j].UUID().String())
			if _, ok := out[key]; !ok {
				out[key] = &chars[j]
			}
		}
	}
	return out, nil
}

func (p *tinygoPeripheral) Disconnect() error {
	return p.dev.Disconnect()
}

// Connection is a live tinygo link to one peripheral.
type Connection struct {
	address string
	periph  peripheral
	chars   map[string]characteristic
	logger  *logrus.Logger

	writeMu    sync.Mutex
	mu         sync.Mutex
	subscribed map[string]characteristic
	closed     bool
}

func (c *Connection) Address() string {
	return c.address
}

func (c *Connection) characteristic(uuid string) (characteristic, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, device.ErrNotConnected
	}
	ch, ok := c.chars[device.NormalizeUUID(uuid)]
	if !ok {
		return nil, &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	return ch, nil
}

// Write sends data without response. The stack fragments long values itself.
func (c *Connection) Write(ctx context.Context, uuid string, data []byte) error {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return &device.WriteError{Characteristic: uuid, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return &device.WriteError{Characteristic: uuid, Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := ch.WriteWithoutResponse(data); err != nil {
		return &device.WriteError{Characteristic: uuid, Err: device.NormalizeError(err)}
	}
	return nil
}

func (c *Connection) Read(ctx context.Context, uuid string) ([]byte, error) {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return nil, err
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	groutine.Go(ctx, "tinygo-read-"+device.ShortenUUID(device.NormalizeUUID(uuid)), func(context.Context) {
		buf := make([]byte, maxReadSize)
		n, err := ch.Read(buf)
		done <- result{buf[:n], err}
	})

	select {
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("read characteristic %q: %w", uuid, device.NormalizeError(r.err))
		}
		return r.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("read characteristic %q: %w", uuid, device.ErrTimeout)
	}
}

func (c *Connection) Subscribe(uuid string, onFragment func([]byte)) error {
	ch, err := c.characteristic(uuid)
	if err != nil {
		return err
	}
	err = ch.EnableNotifications(func(buf []byte) {
		frag := make([]byte, len(buf))
		copy(frag, buf)
		onFragment(frag)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %q: %w", uuid, device.NormalizeError(err))
	}

	c.mu.Lock()
	if c.subscribed == nil {
		c.subscribed = make(map[string]characteristic)
	}
	c.subscribed[device.NormalizeUUID(uuid)] = ch
	c.mu.Unlock()
	return nil
}

// Unsubscribe disables notifications by clearing the callback.
func (c *Connection) Unsubscribe(uuid string) error {
	key := device.NormalizeUUID(uuid)
	c.mu.Lock()
	ch, ok := c.subscribed[key]
	delete(c.subscribed, key)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return device.NormalizeError(ch.EnableNotifications(nil))
}

func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subscribed
	c.subscribed = nil
	c.mu.Unlock()

	for uuid, ch := range subs {
		if err := ch.EnableNotifications(nil); err != nil {
			c.logger.WithFields(logrus.Fields{
				"char_uuid": uuid,
				"error":     err,
			}).Debug("Failed to disable notifications during disconnect")
		}
	}

	if err := c.periph.Disconnect(); err != nil {
		return device.NormalizeError(err)
	}
	c.logger.WithField("address", c.address).Debug("BLE device disconnected")
	return nil
}
