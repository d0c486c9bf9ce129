// Package fountain implements the Petkit fountain protocol: the
// authentication handshake, the status read and its decoding, and the
// control commands.
package fountain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/session"
)

// State is the position of an engine within one cycle.
type State int

const (
	StateConnected State = iota
	StateHandshaking
	StateAuthenticated
	StateReading
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateHandshaking:
		return "handshaking"
	case StateAuthenticated:
		return "authenticated"
	case StateReading:
		return "reading"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Engine drives one cycle over one session. It is single use.
type Engine struct {
	sess    *session.Session
	opts    Options
	logger  *logrus.Logger
	address string
	now     func() time.Time

	state    State
	err      error
	deviceID []byte
	secret   []byte
	observe  func(from, to State)
}

func newEngine(sess *session.Session, address string, opts Options, logger *logrus.Logger, now func() time.Time) *Engine {
	return &Engine{
		sess:    sess,
		opts:    opts,
		logger:  logger,
		address: address,
		now:     now,
		state:   StateConnected,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Err returns the failure reason once the engine is in StateFailed.
func (e *Engine) Err() error {
	return e.err
}

func (e *Engine) transition(to State) {
	from := e.state
	e.state = to
	e.logger.WithFields(logrus.Fields{
		"address": e.address,
		"from":    from.String(),
		"to":      to.String(),
	}).Debug("Fountain state transition")
	if e.observe != nil {
		e.observe(from, to)
	}
}

func (e *Engine) fail(stage driver.Stage, cmd uint8, err error) error {
	cerr := &driver.CycleError{Stage: stage, Err: err}
	if cmd != 0 {
		cerr.Command = CommandName(cmd)
	}
	e.err = cerr
	e.transition(StateFailed)
	return cerr
}

// Run performs the handshake and the status read.
func (e *Engine) Run(ctx context.Context) (*Reading, error) {
	if err := e.Authenticate(ctx); err != nil {
		return nil, err
	}

	e.transition(StateReading)
	state, err := e.query(ctx, CmdDeviceState)
	if err != nil {
		return nil, e.fail(driver.StageRead, CmdDeviceState, err)
	}
	if err := e.pause(ctx); err != nil {
		return nil, e.fail(driver.StageRead, CmdDeviceConfig, err)
	}
	config, err := e.query(ctx, CmdDeviceConfig)
	if err != nil {
		return nil, e.fail(driver.StageRead, CmdDeviceConfig, err)
	}
	if err := e.pause(ctx); err != nil {
		return nil, e.fail(driver.StageRead, CmdBattery, err)
	}
	battery, err := e.query(ctx, CmdBattery)
	if err != nil {
		return nil, e.fail(driver.StageRead, CmdBattery, err)
	}

	reading, err := DecodeReading(e.deviceID, state, config, battery)
	if err != nil {
		return nil, e.fail(driver.StageDecode, 0, err)
	}
	reading.Link = e.sess.Stats()
	e.transition(StateDone)
	return reading, nil
}

// Authenticate runs the handshake and leaves the engine in StateAuthenticated.
func (e *Engine) Authenticate(ctx context.Context) error {
	e.transition(StateHandshaking)

	resp, err := e.sess.Send(ctx, request(CmdDeviceDetails, query), e.opts.InitTimeout, e.opts.Retries)
	if err != nil {
		return e.fail(driver.StageHandshake, CmdDeviceDetails, err)
	}
	if len(resp.Payload) < idLength {
		return e.fail(driver.StageHandshake, CmdDeviceDetails,
			driver.Decodef("device_id", "payload is %d bytes, want at least %d", len(resp.Payload), idLength))
	}
	e.deviceID = append([]byte(nil), resp.Payload[:idLength]...)
	e.secret = secretFor(e.deviceID)
	e.logger.WithFields(logrus.Fields{
		"address":   e.address,
		"device_id": hex.EncodeToString(e.deviceID),
	}).Debug("Fountain identified")

	if _, err := e.sess.Send(ctx, request(CmdInitDevice, initPayload(e.deviceID, e.secret)), e.opts.InitTimeout, e.opts.Retries); err != nil {
		return e.fail(driver.StageHandshake, CmdInitDevice, err)
	}
	if _, err := e.sess.Send(ctx, request(CmdDeviceSync, syncPayload(e.secret)), e.opts.InitTimeout, e.opts.Retries); err != nil {
		return e.fail(driver.StageHandshake, CmdDeviceSync, err)
	}

	// The firmware does not always acknowledge the clock update.
	_, err = e.sess.Send(ctx, request(CmdSetDatetime, datetimePayload(e.now())), e.opts.DatetimeTimeout, 0)
	switch {
	case err == nil:
	case errors.Is(err, device.ErrTimeout) && ctx.Err() == nil:
		e.logger.WithField("address", e.address).Debug("No reply to SET_DATETIME, continuing")
	default:
		return e.fail(driver.StageHandshake, CmdSetDatetime, err)
	}

	e.transition(StateAuthenticated)
	return nil
}

func (e *Engine) query(ctx context.Context, cmd uint8) ([]byte, error) {
	resp, err := e.sess.Send(ctx, request(cmd, query), e.opts.CommandTimeout, e.opts.Retries)
	if err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// pause spaces consecutive commands; the firmware drops requests sent back to back.
func (e *Engine) pause(ctx context.Context) error {
	t := time.NewTimer(e.opts.CommandGap)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
