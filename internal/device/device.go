package device

import (
	"context"
	"time"
)

// DefaultConnectTimeout bounds a single connection attempt.
const DefaultConnectTimeout = 20 * time.Second

// ConnectOptions defines BLE connection options
type ConnectOptions struct {
	ConnectTimeout time.Duration
	// Services limits GATT discovery to the listed service UUIDs. Empty means discover all.
	Services []string
}

// Transport establishes connections to peripherals.
type Transport interface {
	// Connect dials address within opts.ConnectTimeout. Failures are reported
	// as a *ConnectionError with State ConnectFailed.
	Connect(ctx context.Context, address string, opts *ConnectOptions) (Connection, error)
}

// Connection is a live link to one peripheral. It is owned by exactly one
// poll cycle and must always be released with Disconnect.
type Connection interface {
	Address() string

	// Write sends data to the characteristic. Transport failures are
	// returned as *WriteError.
	Write(ctx context.Context, characteristic string, data []byte) error

	// Read returns the current value of the characteristic.
	Read(ctx context.Context, characteristic string) ([]byte, error)

	// Subscribe delivers every notification fragment of the characteristic
	// to onFragment, in arrival order, until Unsubscribe or Disconnect.
	// onFragment runs on the transport's dispatch goroutine and must not block.
	Subscribe(characteristic string, onFragment func([]byte)) error
	Unsubscribe(characteristic string) error

	// Disconnect releases the link. It is idempotent.
	Disconnect() error
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, address string, opts *ConnectOptions) (Connection, error)

func (f TransportFunc) Connect(ctx context.Context, address string, opts *ConnectOptions) (Connection, error) {
	return f(ctx, address, opts)
}
