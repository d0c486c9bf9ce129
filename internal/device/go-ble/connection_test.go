package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements gattClient for testing
type MockClient struct {
	mock.Mock
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	buf := append([]byte(nil), value...)
	args := m.Called(c, buf, noRsp)
	return args.Error(0)
}

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	b, _ := args.Get(0).([]byte)
	return b, args.Error(1)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	args := m.Called(c, ind, h)
	return args.Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	args := m.Called(c, ind)
	return args.Error(0)
}

func (m *MockClient) CancelConnection() error {
	args := m.Called()
	return args.Error(0)
}

func fountainProfile() (*ble.Profile, *ble.Characteristic, *ble.Characteristic) {
	notify := &ble.Characteristic{UUID: ble.MustParse("0000aaa1-0000-1000-8000-00805f9b34fb"), Property: ble.CharNotify | ble.CharRead}
	write := &ble.Characteristic{UUID: ble.MustParse("0000aaa2-0000-1000-8000-00805f9b34fb"), Property: ble.CharWrite | ble.CharWriteNR}
	return &ble.Profile{
		Services: []*ble.Service{{
			UUID:            ble.MustParse("0000aaa0-0000-1000-8000-00805f9b34fb"),
			Characteristics: []*ble.Characteristic{notify, write},
		}},
	}, notify, write
}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTestTransport(client *MockClient, dialErr error) *Transport {
	tr := NewTransport(testLogger())
	tr.writeDelay = 0
	tr.dial = func(ctx context.Context, address string) (gattClient, error) {
		if dialErr != nil {
			return nil, dialErr
		}
		return client, nil
	}
	return tr
}

func TestTransport_Connect(t *testing.T) {
	t.Run("discovers profile", func(t *testing.T) {
		profile, _, _ := fountainProfile()
		client := new(MockClient)
		client.On("DiscoverProfile", true).Return(profile, nil)

		conn, err := newTestTransport(client, nil).Connect(context.Background(), "AA:BB:CC:DD:EE:FF",
			&device.ConnectOptions{ConnectTimeout: time.Second, Services: []string{"aaa0"}})
		require.NoError(t, err)
		assert.Equal(t, "AA:BB:CC:DD:EE:FF", conn.Address())
		client.AssertExpectations(t)
	})

	t.Run("dial failure is a connect error", func(t *testing.T) {
		_, err := newTestTransport(nil, errors.New("no route")).Connect(context.Background(), "AA:BB:CC:DD:EE:FF", nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, device.ErrConnectFailed)
	})

	t.Run("empty address", func(t *testing.T) {
		_, err := newTestTransport(nil, nil).Connect(context.Background(), " ", nil)
		assert.ErrorIs(t, err, device.ErrConnectFailed)
	})

	t.Run("discovery failure cancels the link", func(t *testing.T) {
		client := new(MockClient)
		client.On("DiscoverProfile", true).Return(nil, errors.New("att timeout"))
		client.On("CancelConnection").Return(nil).Once()

		_, err := newTestTransport(client, nil).Connect(context.Background(), "AA:BB:CC:DD:EE:FF", nil)
		assert.ErrorIs(t, err, device.ErrConnectFailed)
		client.AssertExpectations(t)
	})

	t.Run("missing required service", func(t *testing.T) {
		profile, _, _ := fountainProfile()
		client := new(MockClient)
		client.On("DiscoverProfile", true).Return(profile, nil)
		client.On("CancelConnection").Return(nil).Once()

		_, err := newTestTransport(client, nil).Connect(context.Background(), "AA:BB:CC:DD:EE:FF",
			&device.ConnectOptions{Services: []string{"ff01"}})
		require.Error(t, err)
		var nf *device.NotFoundError
		assert.ErrorAs(t, err, &nf)
		client.AssertExpectations(t)
	})
}

func TestBLEConnection_WriteChunks(t *testing.T) {
	profile, _, write := fountainProfile()
	client := new(MockClient)
	conn := newConnection("AA:BB:CC:DD:EE:FF", client, profile, testLogger())
	conn.writeDelay = 0

	data := make([]byte, 45)
	for i := range data {
		data[i] = byte(i)
	}
	client.On("WriteCharacteristic", write, data[0:20], false).Return(nil).Once()
	client.On("WriteCharacteristic", write, data[20:40], false).Return(nil).Once()
	client.On("WriteCharacteristic", write, data[40:45], false).Return(nil).Once()

	require.NoError(t, conn.Write(context.Background(), "0000aaa2-0000-1000-8000-00805f9b34fb", data))
	client.AssertExpectations(t)
}

func TestBLEConnection_WriteErrors(t *testing.T) {
	profile, _, write := fountainProfile()
	client := new(MockClient)
	conn := newConnection("AA:BB:CC:DD:EE:FF", client, profile, testLogger())

	t.Run("unknown characteristic", func(t *testing.T) {
		err := conn.Write(context.Background(), "ff02", []byte{1})
		assert.ErrorIs(t, err, device.ErrWrite)
		var nf *device.NotFoundError
		assert.ErrorAs(t, err, &nf)
	})

	t.Run("stack failure", func(t *testing.T) {
		client.On("WriteCharacteristic", write, []byte{1}, false).Return(errors.New("device not connected")).Once()
		err := conn.Write(context.Background(), "aaa2", []byte{1})
		assert.ErrorIs(t, err, device.ErrWrite)
		assert.ErrorIs(t, err, device.ErrNotConnected)
	})
}

func TestBLEConnection_SubscribeDeliversCopies(t *testing.T) {
	profile, notify, _ := fountainProfile()
	client := new(MockClient)
	conn := newConnection("AA:BB:CC:DD:EE:FF", client, profile, testLogger())

	var handler ble.NotificationHandler
	client.On("Subscribe", notify, false, mock.Anything).Run(func(args mock.Arguments) {
		handler = args.Get(2).(ble.NotificationHandler)
	}).Return(nil)

	var got [][]byte
	require.NoError(t, conn.Subscribe("aaa1", func(b []byte) { got = append(got, b) }))
	require.NotNil(t, handler)

	buf := []byte{0x55, 0xAA, 0x05}
	handler(buf)
	buf[0] = 0x00
	handler(buf)

	require.Len(t, got, 2)
	assert.Equal(t, byte(0x55), got[0][0], "fragments MUST be copied before the stack reuses its buffer")
}

func TestBLEConnection_SubscribeRequiresNotify(t *testing.T) {
	profile, _, _ := fountainProfile()
	conn := newConnection("AA:BB:CC:DD:EE:FF", new(MockClient), profile, testLogger())

	err := conn.Subscribe("aaa2", func([]byte) {})
	assert.ErrorIs(t, err, device.ErrUnsupported)
}

func TestBLEConnection_Read(t *testing.T) {
	profile, notify, _ := fountainProfile()
	client := new(MockClient)
	conn := newConnection("AA:BB:CC:DD:EE:FF", client, profile, testLogger())

	client.On("ReadCharacteristic", notify).Return([]byte{42}, nil).Once()
	v, err := conn.Read(context.Background(), "aaa1")
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, v)
}

func TestBLEConnection_DisconnectIsIdempotent(t *testing.T) {
	profile, notify, _ := fountainProfile()
	client := new(MockClient)
	conn := newConnection("AA:BB:CC:DD:EE:FF", client, profile, testLogger())

	client.On("Subscribe", notify, false, mock.Anything).Return(nil)
	client.On("Unsubscribe", notify, false).Return(nil).Once()
	client.On("Unsubscribe", notify, true).Return(errors.New("not indicating")).Once()
	client.On("CancelConnection").Return(nil).Once()

	require.NoError(t, conn.Subscribe("aaa1", func([]byte) {}))
	require.NoError(t, conn.Disconnect())
	require.NoError(t, conn.Disconnect())

	err := conn.Write(context.Background(), "aaa2", []byte{1})
	assert.ErrorIs(t, err, device.ErrNotConnected, "writes after disconnect MUST fail")
	client.AssertExpectations(t)
}
