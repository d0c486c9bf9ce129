package tinygo

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/groutine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChar struct {
	mu       sync.Mutex
	written  [][]byte
	value    []byte
	callback func([]byte)
	writeErr error
}

func (c *fakeChar) WriteWithoutResponse(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeChar) Read(data []byte) (int, error) {
	return copy(data, c.value), nil
}

func (c *fakeChar) EnableNotifications(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
	return nil
}

type fakePeripheral struct {
	chars       map[string]characteristic
	discoverErr error
	disconnects atomic.Int32
}

func (p *fakePeripheral) Characteristics([]string) (map[string]characteristic, error) {
	return p.chars, p.discoverErr
}

func (p *fakePeripheral) Disconnect() error {
	p.disconnects.Add(1)
	return nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newFakeTransport(dial func(context.Context, string) (peripheral, error)) *Transport {
	tr := NewTransport(quietLogger())
	tr.connect = dial
	return tr
}

func TestTransport_ConnectAndExchange(t *testing.T) {
	notify := &fakeChar{value: []byte{87}}
	write := &fakeChar{}
	periph := &fakePeripheral{chars: map[string]characteristic{"aaa1": notify, "aaa2": write}}

	tr := newFakeTransport(func(context.Context, string) (peripheral, error) { return periph, nil })
	conn, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", &device.ConnectOptions{ConnectTimeout: time.Second})
	require.NoError(t, err)

	require.NoError(t, conn.Write(context.Background(), "0000aaa2-0000-1000-8000-00805f9b34fb", []byte{1, 2, 3}))
	assert.Equal(t, [][]byte{{1, 2, 3}}, write.written)

	v, err := conn.Read(context.Background(), "aaa1")
	require.NoError(t, err)
	assert.Equal(t, []byte{87}, v)

	var got []byte
	require.NoError(t, conn.Subscribe("aaa1", func(b []byte) { got = b }))
	require.NotNil(t, notify.callback)
	notify.callback([]byte{9})
	assert.Equal(t, []byte{9}, got)

	require.NoError(t, conn.Disconnect())
	require.NoError(t, conn.Disconnect())
	assert.Equal(t, int32(1), periph.disconnects.Load(), "the link MUST be released exactly once")
	assert.Nil(t, notify.callback, "notifications MUST be disabled on disconnect")
}

func TestTransport_DialsOnNamedGoroutine(t *testing.T) {
	var name string
	tr := newFakeTransport(func(ctx context.Context, _ string) (peripheral, error) {
		name = groutine.GetName(ctx)
		return &fakePeripheral{}, nil
	})
	conn, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", nil)
	require.NoError(t, err)
	defer conn.Disconnect()

	assert.Equal(t, "tinygo-connect-AA:BB:CC:DD:EE:FF", name, "the blocking dial MUST run on a labelled goroutine")
}

func TestTransport_ConnectFailures(t *testing.T) {
	t.Run("dial error", func(t *testing.T) {
		tr := newFakeTransport(func(context.Context, string) (peripheral, error) { return nil, errors.New("le-connection-abort-by-local") })
		_, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", nil)
		assert.ErrorIs(t, err, device.ErrConnectFailed)
	})

	t.Run("timeout releases late connection", func(t *testing.T) {
		periph := &fakePeripheral{}
		release := make(chan struct{})
		tr := newFakeTransport(func(context.Context, string) (peripheral, error) {
			<-release
			return periph, nil
		})

		start := time.Now()
		_, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", &device.ConnectOptions{ConnectTimeout: 30 * time.Millisecond})
		assert.ErrorIs(t, err, device.ErrConnectFailed)
		assert.ErrorIs(t, err, device.ErrTimeout)
		assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

		close(release)
		assert.Eventually(t, func() bool { return periph.disconnects.Load() == 1 }, time.Second, 5*time.Millisecond)
	})

	t.Run("discovery error disconnects", func(t *testing.T) {
		periph := &fakePeripheral{discoverErr: errors.New("gatt failure")}
		tr := newFakeTransport(func(context.Context, string) (peripheral, error) { return periph, nil })
		_, err := tr.Connect(context.Background(), "AA:BB:CC:DD:EE:FF", nil)
		assert.ErrorIs(t, err, device.ErrConnectFailed)
		assert.Equal(t, int32(1), periph.disconnects.Load())
	})
}

func TestConnection_WriteError(t *testing.T) {
	write := &fakeChar{writeErr: errors.New("device not connected")}
	conn := &Connection{
		address: "AA:BB:CC:DD:EE:FF",
		periph:  &fakePeripheral{},
		chars:   map[string]characteristic{"aaa2": write},
		logger:  quietLogger(),
	}

	err := conn.Write(context.Background(), "aaa2", []byte{1})
	assert.ErrorIs(t, err, device.ErrWrite)
	assert.ErrorIs(t, err, device.ErrNotConnected)

	err = conn.Write(context.Background(), "ffff", []byte{1})
	var nf *device.NotFoundError
	assert.ErrorAs(t, err, &nf)
}
