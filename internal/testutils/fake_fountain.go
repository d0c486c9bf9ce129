package testutils

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/protocol"
)

// Fountain GATT layout and command ids as implemented by the firmware.
const (
	FountainNotifyUUID = "0000aaa1-0000-1000-8000-00805f9b34fb"
	FountainWriteUUID  = "0000aaa2-0000-1000-8000-00805f9b34fb"

	cmdBattery       = 66
	cmdInit          = 73
	cmdSetDatetime   = 84
	cmdSync          = 86
	cmdDeviceInfo    = 200
	cmdDeviceType    = 201
	cmdState         = 210
	cmdConfig        = 211
	cmdDetails       = 213
	cmdSetMode       = 220
	cmdSetConfig     = 221
	cmdResetFilter   = 222
	responseType     = 2
	filterLifetimeDy = 30
)

// FountainState is the firmware's status block (command 210).
type FountainState struct {
	Power         byte
	Mode          byte
	WarnBreakdown byte
	WarnWater     byte
	WarnFilter    byte
	FilterDays    byte
	PumpMinutes   uint32
	Running       byte
}

// Bytes encodes the state as the 12-byte status payload.
func (s FountainState) Bytes() []byte {
	b := make([]byte, 12)
	b[0] = s.Power
	b[1] = s.Mode
	b[2] = s.WarnBreakdown
	b[3] = s.WarnWater
	b[4] = s.WarnFilter
	b[5] = s.FilterDays
	binary.LittleEndian.PutUint32(b[6:10], s.PumpMinutes)
	b[10] = s.Running
	return b
}

// DefaultFountainState is a healthy fountain in smart mode.
func DefaultFountainState() FountainState {
	return FountainState{Power: 1, Mode: 2, FilterDays: 15, PumpMinutes: 1440, Running: 1}
}

// FakeFountain emulates the fountain firmware behind the transport boundary.
// Its state persists across connections; each Open returns a fresh link.
//
// Requests are reassembled from writes, answered with framed notifications
// split into FragmentSize chunks, and delivered asynchronously in order.
type FakeFountain struct {
	mu sync.Mutex

	DeviceID     []byte
	State        []byte
	Config       []byte
	Battery      byte
	FragmentSize int
	ReplyDelay   time.Duration

	silent      map[uint8]bool
	corrupt     map[uint8]int // remaining corrupted replies per command, -1 forever
	overrides   map[uint8][]byte
	failWrites  int
	unsolicited [][]byte
	requireAuth bool

	received  []protocol.Frame
}

// NewFakeFountain returns a fountain with a fixed id and a healthy state.
func NewFakeFountain() *FakeFountain {
	cfg := make([]byte, 12)
	return &FakeFountain{
		DeviceID:     []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60},
		State:        DefaultFountainState().Bytes(),
		Config:       cfg,
		Battery:      87,
		FragmentSize: protocol.DefaultFragmentSize,
		silent:       map[uint8]bool{cmdSetDatetime: true},
		corrupt:      make(map[uint8]int),
		overrides:    make(map[uint8][]byte),
		requireAuth:  true,
	}
}

// WithState replaces the status block.
func (f *FakeFountain) WithState(s FountainState) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.State = s.Bytes()
	return f
}

// WithStateBytes replaces the raw status payload, for malformed layouts.
func (f *FakeFountain) WithStateBytes(b []byte) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.State = append([]byte(nil), b...)
	return f
}

// WithDND sets the do-not-disturb byte of the config block.
func (f *FakeFountain) WithDND(on bool) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Config[8] = boolByte(on)
	return f
}

// WithBattery sets the battery percentage.
func (f *FakeFountain) WithBattery(pct byte) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Battery = pct
	return f
}

// WithFragmentSize sets the notification fragment size.
func (f *FakeFountain) WithFragmentSize(n int) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FragmentSize = n
	return f
}

// WithReplyDelay delays every reply.
func (f *FakeFountain) WithReplyDelay(d time.Duration) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReplyDelay = d
	return f
}

// Silence makes the firmware ignore cmd.
func (f *FakeFountain) Silence(cmd uint8) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent[cmd] = true
	return f
}

// Unsilence restores replies to cmd.
func (f *FakeFountain) Unsilence(cmd uint8) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.silent, cmd)
	return f
}

// CorruptReplies flips the checksum of the next n replies to cmd; n < 0 means always.
func (f *FakeFountain) CorruptReplies(cmd uint8, n int) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.corrupt[cmd] = n
	return f
}

// OverrideReply answers cmd with payload instead of the emulated one.
func (f *FakeFountain) OverrideReply(cmd uint8, payload []byte) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[cmd] = append([]byte(nil), payload...)
	return f
}

// FailWrites makes the next n writes fail.
func (f *FakeFountain) FailWrites(n int) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failWrites = n
	return f
}

// WithUnsolicited queues raw notifications pushed right after subscription.
func (f *FakeFountain) WithUnsolicited(raw ...[]byte) *FakeFountain {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsolicited = append(f.unsolicited, raw...)
	return f
}

// Received returns every request frame the firmware decoded.
func (f *FakeFountain) Received() []protocol.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Frame(nil), f.received...)
}

// ReceivedCommands returns the command ids of Received in order.
func (f *FakeFountain) ReceivedCommands() []uint8 {
	frames := f.Received()
	out := make([]uint8, len(frames))
	for i, fr := range frames {
		out[i] = fr.Command
	}
	return out
}

// StateBytes returns a copy of the current status block.
func (f *FakeFountain) StateBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.State...)
}

// ConfigBytes returns a copy of the current config block.
func (f *FakeFountain) ConfigBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.Config...)
}

// Open implements Peripheral.
func (f *FakeFountain) Open(address string) (device.Connection, error) {
	return &fakeFountainConn{
		FakeConn:    newFakeConn(address),
		fountain:    f,
		reassembler: protocol.NewAnyReassembler(protocol.DefaultCodec),
	}, nil
}

type fakeFountainConn struct {
	*FakeConn
	fountain      *FakeFountain
	reassembler   *protocol.Reassembler
	authenticated bool
}

func (c *fakeFountainConn) Subscribe(uuid string, onFragment func([]byte)) error {
	if device.NormalizeUUID(uuid) != device.NormalizeUUID(FountainNotifyUUID) {
		return &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}
	}
	if err := c.FakeConn.Subscribe(uuid, onFragment); err != nil {
		return err
	}

	c.fountain.mu.Lock()
	pushed := c.fountain.unsolicited
	c.fountain.mu.Unlock()
	for _, raw := range pushed {
		c.Notify(uuid, raw)
	}
	return nil
}

func (c *fakeFountainConn) Read(ctx context.Context, uuid string) ([]byte, error) {
	return nil, fmt.Errorf("characteristic %q is not readable: %w", uuid, device.ErrUnsupported)
}

func (c *fakeFountainConn) Write(ctx context.Context, uuid string, data []byte) error {
	if err := c.FakeConn.checkWrite(ctx, uuid); err != nil {
		return err
	}
	if device.NormalizeUUID(uuid) != device.NormalizeUUID(FountainWriteUUID) {
		return &device.WriteError{Characteristic: uuid, Err: &device.NotFoundError{Resource: "characteristic", UUIDs: []string{uuid}}}
	}

	f := c.fountain
	f.mu.Lock()
	if f.failWrites > 0 {
		f.failWrites--
		f.mu.Unlock()
		return &device.WriteError{Characteristic: uuid, Err: fmt.Errorf("injected write failure")}
	}
	f.mu.Unlock()

	// The host may chunk writes; reassemble them like the firmware does.
	for _, chunk := range protocol.Split(data, protocol.DefaultFragmentSize) {
		frame, status, err := c.reassembler.TryReassemble(chunk)
		if status == protocol.Invalid {
			return &device.WriteError{Characteristic: uuid, Err: err}
		}
		if status == protocol.Complete {
			c.handle(frame)
		}
	}
	return nil
}

func (c *fakeFountainConn) handle(req protocol.Frame) {
	f := c.fountain
	f.mu.Lock()
	defer f.mu.Unlock()

	f.received = append(f.received, req)

	var reply []byte
	answer := true
	switch req.Command {
	case cmdDetails:
		reply = append(append([]byte(nil), f.DeviceID...), 0x01, 0x02, 0x03, 0x04)
	case cmdInit:
		want := append(padded(f.DeviceID), padded(reversed(f.DeviceID))...)
		if len(req.Payload) < 2 || string(req.Payload[2:]) != string(want) {
			return
		}
		c.authenticated = true
		reply = []byte{1}
	case cmdSync:
		reply = []byte{1}
	case cmdSetDatetime:
		reply = []byte{1} // silenced by default
	case cmdState:
		reply = append([]byte(nil), f.State...)
	case cmdConfig:
		reply = append([]byte(nil), f.Config...)
	case cmdBattery:
		reply = []byte{f.Battery}
	case cmdDeviceInfo, cmdDeviceType:
		reply = []byte{0x01}
	case cmdSetMode:
		if len(req.Payload) >= 12 {
			f.State = append([]byte(nil), req.Payload...)
		}
		answer = false
	case cmdSetConfig:
		if len(req.Payload) >= 9 {
			f.Config = append([]byte(nil), req.Payload...)
		}
		answer = false
	case cmdResetFilter:
		if len(f.State) > 5 {
			f.State[5] = filterLifetimeDy
			f.State[4] = 0
		}
		answer = false
	default:
		answer = false
	}

	gated := req.Command == cmdState || req.Command == cmdConfig || req.Command == cmdBattery
	if !answer || f.silent[req.Command] || (gated && f.requireAuth && !c.authenticated) {
		return
	}
	if o, ok := f.overrides[req.Command]; ok {
		reply = append([]byte(nil), o...)
	}

	raw, err := protocol.Encode(protocol.Frame{Seq: req.Seq, Command: req.Command, Type: responseType, Payload: reply})
	if err != nil {
		return
	}
	if n, ok := f.corrupt[req.Command]; ok && n != 0 {
		raw[len(raw)-1] ^= 0xFF
		if n > 0 {
			f.corrupt[req.Command] = n - 1
		}
	}

	delay := f.ReplyDelay
	size := f.FragmentSize
	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		for _, frag := range protocol.Split(raw, size) {
			c.Notify(FountainNotifyUUID, frag)
		}
	}()
}

func padded(b []byte) []byte {
	out := make([]byte, 8)
	copy(out, b)
	return out
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[len(b)-1-i] = b[i]
	}
	return out
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
