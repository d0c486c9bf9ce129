package goble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
)

const (
	// DefaultBLEWriteChunkSize is the maximum number of bytes to write in a single BLE operation.
	// 20 bytes is the ATT payload of the default 23-byte MTU.
	DefaultBLEWriteChunkSize = 20

	// DefaultBLEWriteDelay is the delay between consecutive write chunks.
	DefaultBLEWriteDelay = 10 * time.Millisecond
)

// DeviceFactory creates the host ble.Device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newPlatformDevice

// gattClient is the subset of ble.Client used by a Connection.
type gattClient interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	CancelConnection() error
}

// Transport dials peripherals through go-ble. The host device is created on
// first use and shared by all connections.
type Transport struct {
	logger     *logrus.Logger
	chunkSize  int
	writeDelay time.Duration

	mu   sync.Mutex
	host ble.Device
	dial func(ctx context.Context, address string) (gattClient, error)
}

// NewTransport creates a go-ble transport.
func NewTransport(logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	t := &Transport{
		logger:     logger,
		chunkSize:  DefaultBLEWriteChunkSize,
		writeDelay: DefaultBLEWriteDelay,
	}
	t.dial = t.dialHost
	return t
}

func (t *Transport) dialHost(ctx context.Context, address string) (gattClient, error) {
	t.mu.Lock()
	if t.host == nil {
		dev, err := DeviceFactory()
		if err != nil {
			t.mu.Unlock()
			return nil, fmt.Errorf("failed to create BLE device: %w", err)
		}
		t.host = dev
	}
	host := t.host
	t.mu.Unlock()

	return host.Dial(ctx, ble.NewAddr(address))
}

// Connect dials address, discovers its GATT profile and returns a live connection.
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

	t.logger.WithFields(logrus.Fields{
		"address": address,
		"timeout": timeout,
	}).Debug("Dialing BLE device...")

	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := t.dial(connCtx, address)
	if err != nil {
		if errors.Is(connCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s: %v", device.ErrTimeout, timeout, err)
		}
		t.logger.WithFields(logrus.Fields{
			"address": address,
			"error":   err,
		}).Warn("Failed to dial BLE device")
		return nil, device.NewConnectError(address, NormalizeError(err))
	}

	profile, err := client.DiscoverProfile(true)
	if err != nil {
		if cancelErr := client.CancelConnection(); cancelErr != nil {
			t.logger.WithField("cancel_error", cancelErr).Warn("Failed to cancel connection during profile discovery failure")
		}
		return nil, device.NewConnectError(address, fmt.Errorf("failed to discover profile: %w", NormalizeError(err)))
	}

	conn := newConnection(address, client, profile, t.logger)
	conn.chunkSize = t.chunkSize
	conn.writeDelay = t.writeDelay

	if missing := conn.missingServices(opts.Services); len(missing) > 0 {
		_ = conn.Disconnect()
		return nil, device.NewConnectError(address, &device.NotFoundError{Resource: "service", UUIDs: missing})
	}

	t.logger.WithFields(logrus.Fields{
		"address":         address,
		"characteristics": len(conn.chars),
	}).Info("BLE device connected")
	return conn, nil
}
