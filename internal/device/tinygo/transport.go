// Package tinygo implements the device transport on tinygo.org/x/bluetooth,
// which talks to BlueZ over D-Bus on Linux and to CoreBluetooth on macOS
// without the cgo HCI layer go-ble needs.
package tinygo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/groutine"
	"tinygo.org/x/bluetooth"
)

// characteristic is the subset of bluetooth.DeviceCharacteristic in use.
type characteristic interface {
	WriteWithoutResponse(p []byte) (int, error)
	Read(data []byte) (int, error)
	EnableNotifications(callback func(buf []byte)) error
}

// peripheral is a connected device with its discovered characteristics.
type peripheral interface {
	Characteristics(services []string) (map[string]characteristic, error)
	Disconnect() error
}

// Transport dials peripherals through the default tinygo adapter.
type Transport struct {
	logger  *logrus.Logger
	adapter *bluetooth.Adapter

	enableOnce sync.Once
	enableErr  error

	// connect is replaced in tests.
	connect func(ctx context.Context, address string) (peripheral, error)
}

// NewTransport creates a transport on bluetooth.DefaultAdapter.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{logger: logger, adapter: bluetooth.DefaultAdapter}
	t.connect = t.connectAdapter
	return t
}

func (t *Transport) connectAdapter(_ context.Context, address string) (peripheral, error) {
	t.enableOnce.Do(func() {
		t.enableErr = t.adapter.Enable()
	})
	if t.enableErr != nil {
		return nil, fmt.Errorf("enable adapter: %w", t.enableErr)
	}

	// On macOS the address is a CoreBluetooth UUID, on Linux a MAC; Set parses both.
	var addr bluetooth.Address
	addr.Set(address)

	dev, err := t.adapter.Connect(addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, err
	}
	return &tinygoPeripheral{dev: dev}, nil
}

// Connect dials address, bounded by opts.ConnectTimeout. tinygo's Connect is
// not cancellable; a late success after the deadline is disconnected.
func (t *Transport) Connect(ctx context.Context, address string, opts *device.ConnectOptions) (device.Connection, error) {
	if strings.TrimSpace(address) == "" {
		return nil, device.NewConnectError(address, errors.New("device address is empty"))
	}
	if opts == nil {
		opts = &device.ConnectOptions{}
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = device.DefaultConnectTimeout
	}

	ch := make(chan dialResult, 1)
	groutine.Go(ctx, "tinygo-connect-"+address, func(ctx context.Context) {
		p, err := t.connect(ctx, address)
		ch <- dialResult{p, err}
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var p peripheral
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, device.NewConnectError(address, device.NormalizeError(r.err))
		}
		p = r.p
	case <-timer.C:
		go abandon(ch)
		return nil, device.NewConnectError(address, fmt.Errorf("%w after %s", device.ErrTimeout, timeout))
	case <-ctx.Done():
		go abandon(ch)
		return nil, device.NewConnectError(address, ctx.Err())
	}

	chars, err := p.Characteristics(opts.Services)
	if err != nil {
		_ = p.Disconnect()
		return nil, device.NewConnectError(address, fmt.Errorf("discover characteristics: %w", err))
	}

	t.logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(chars),
	}).Info("BLE device connected")

	return &Connection{
		address: address,
		periph:  p,
		chars:   chars,
		logger:  t.logger,
	}, nil
}

type dialResult struct {
	p   peripheral
	err error
}

// abandon releases a connection that completed after its caller gave up.
func abandon(ch <-chan dialResult) {
	if r := <-ch; r.err == nil && r.p != nil {
		_ = r.p.Disconnect()
	}
}
