// Package session runs request/response exchanges over one BLE connection:
// a request is written to the write characteristic and the matching response
// is reassembled from notifications on the notify characteristic.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/protocol"
	"github.com/srg/blepoll/internal/ringchan"
)

// Options configures a Session.
type Options struct {
	WriteCharacteristic  string
	NotifyCharacteristic string

	// RetryDelay separates a failed attempt from its retry.
	RetryDelay time.Duration `default:"2s"`

	// InboxSize bounds the fragments buffered for one exchange.
	InboxSize int `default:"32"`

	// Checksum overrides the frame checksum; nil selects XOR.
	Checksum protocol.ChecksumFunc
}

// Request is one outbound command.
type Request struct {
	Command uint8
	Type    uint8
	Payload []byte
}

// exchange is the pending request a notification fragment is routed to.
type exchange struct {
	command uint8
	inbox   *ringchan.RingChannel[[]byte]
}

// Session serializes exchanges over a connection: at most one request is
// outstanding at a time.
type Session struct {
	conn   device.Connection
	opts   Options
	codec  protocol.Codec
	logger *logrus.Logger

	mu      sync.Mutex // held for the whole of Send/Post
	seq     uint8
	pending atomic.Pointer[exchange]

	unsolicited atomic.Int64
	overwritten atomic.Int64
	late        atomic.Int64
	closed      atomic.Bool
}

// Stats counts notification fragments a session could not deliver.
type Stats struct {
	// Unsolicited fragments arrived with no exchange pending.
	Unsolicited int64
	// Overwritten fragments were pushed out of a full exchange inbox.
	Overwritten int64
	// Late fragments reached an exchange after it was resolved.
	Late int64
}

// Dropped returns the total of undelivered fragments.
func (st Stats) Dropped() int64 {
	return st.Unsolicited + st.Overwritten + st.Late
}

// New subscribes to the notify characteristic and returns a ready session.
func New(conn device.Connection, opts Options, logger *logrus.Logger) (*Session, error) {
	defaults.SetDefaults(&opts)
	if opts.WriteCharacteristic == "" || opts.NotifyCharacteristic == "" {
		return nil, errors.New("session: write and notify characteristics are required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	s := &Session{
		conn:   conn,
		opts:   opts,
		codec:  protocol.Codec{Checksum: opts.Checksum},
		logger: logger,
	}

	if err := conn.Subscribe(opts.NotifyCharacteristic, s.onFragment); err != nil {
		return nil, fmt.Errorf("session: subscribe to notifications: %w", err)
	}
	return s, nil
}

// onFragment runs on the transport's dispatch goroutine; it only routes.
func (s *Session) onFragment(fragment []byte) {
	if ex := s.pending.Load(); ex != nil {
		ex.inbox.Send(fragment)
		return
	}
	s.unsolicited.Add(1)
	s.logger.WithFields(logrus.Fields{
		"address":  s.conn.Address(),
		"fragment": fmt.Sprintf("% x", fragment),
	}).Debug("Dropping notification with no pending exchange")
}

// Stats returns the fragment counters accumulated over every exchange so far.
func (s *Session) Stats() Stats {
	return Stats{
		Unsolicited: s.unsolicited.Load(),
		Overwritten: s.overwritten.Load(),
		Late:        s.late.Load(),
	}
}

// retire closes the inbox of a finished exchange and folds its counters in.
func (s *Session) retire(ex *exchange) {
	ex.inbox.Close()
	m := ex.inbox.GetMetrics()
	s.overwritten.Add(m.Overwritten)
	s.late.Add(m.Errors)
}

func (s *Session) nextSeq() uint8 {
	seq := s.seq
	s.seq++ // wraps at 256
	return seq
}

// Send writes req and waits up to timeout for the correlated response,
// re-sending up to retries more times on timeout or write failure. Protocol
// errors are returned immediately.
func (s *Session) Send(ctx context.Context, req Request, timeout time.Duration, retries int) (protocol.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return protocol.Frame{}, device.ErrNotConnected
	}

	attempts := 1 + max(retries, 0)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := sleepContext(ctx, s.opts.RetryDelay); err != nil {
				return protocol.Frame{}, err
			}
		}

		frame, err := s.roundTrip(ctx, req, timeout)
		if err == nil {
			return frame, nil
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			return protocol.Frame{}, err
		}
		s.logger.WithFields(logrus.Fields{
			"address": s.conn.Address(),
			"command": req.Command,
			"attempt": attempt,
			"of":      attempts,
			"error":   err,
		}).Warn("Command attempt failed")
	}
	return protocol.Frame{}, lastErr
}

// Post writes req without waiting for any response.
func (s *Session) Post(ctx context.Context, req Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return device.ErrNotConnected
	}
	raw, err := s.codec.Encode(protocol.Frame{Seq: s.nextSeq(), Command: req.Command, Type: req.Type, Payload: req.Payload})
	if err != nil {
		return err
	}
	return s.write(ctx, raw)
}

// roundTrip runs one attempt. The exchange is registered before the write so
// a response racing the write completion is never lost.
func (s *Session) roundTrip(ctx context.Context, req Request, timeout time.Duration) (protocol.Frame, error) {
	raw, err := s.codec.Encode(protocol.Frame{Seq: s.nextSeq(), Command: req.Command, Type: req.Type, Payload: req.Payload})
	if err != nil {
		return protocol.Frame{}, &protocol.ProtocolError{Command: req.Command, Err: err}
	}

	ex := &exchange{command: req.Command, inbox: ringchan.New[[]byte](s.opts.InboxSize)}
	s.pending.Store(ex)
	defer func() {
		s.pending.CompareAndSwap(ex, nil)
		s.retire(ex)
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.write(attemptCtx, raw); err != nil {
		return protocol.Frame{}, err
	}

	r := protocol.NewReassembler(s.codec, req.Command)
	for {
		fragment, err := ex.inbox.ReceiveContext(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return protocol.Frame{}, ctx.Err()
			}
			return protocol.Frame{}, fmt.Errorf("%w: no response to command %d within %s", device.ErrTimeout, req.Command, timeout)
		}

		frame, status, err := r.TryReassemble(fragment)
		switch status {
		case protocol.Complete:
			s.logger.WithFields(logrus.Fields{
				"address": s.conn.Address(),
				"command": frame.Command,
				"seq":     frame.Seq,
				"bytes":   len(frame.Payload),
			}).Debug("Received response")
			return frame, nil
		case protocol.Invalid:
			if errors.Is(err, protocol.ErrForeignFrame) {
				s.logger.WithFields(logrus.Fields{
					"address": s.conn.Address(),
					"command": req.Command,
					"reason":  err,
				}).Debug("Ignoring notification for another exchange")
				continue
			}
			return protocol.Frame{}, &protocol.ProtocolError{Command: req.Command, Err: err}
		}
	}
}

func (s *Session) write(ctx context.Context, raw []byte) error {
	err := s.conn.Write(ctx, s.opts.WriteCharacteristic, raw)
	if err == nil {
		return nil
	}
	var we *device.WriteError
	if errors.As(err, &we) {
		return err
	}
	return &device.WriteError{Characteristic: s.opts.WriteCharacteristic, Err: err}
}

// Close unsubscribes from notifications. The connection itself stays with its owner.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if ex := s.pending.Swap(nil); ex != nil {
		s.retire(ex)
	}
	return s.conn.Unsubscribe(s.opts.NotifyCharacteristic)
}

func retryable(err error) bool {
	return errors.Is(err, device.ErrTimeout) || errors.Is(err, device.ErrWrite)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
