package fountain

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/driver"
)

// Control command names accepted by Apply.
const (
	CommandPower       = "power"
	CommandMode        = "mode"
	CommandDND         = "dnd"
	CommandResetFilter = "reset_filter"
)

func (d *Driver) CommandNames() []string {
	return []string{CommandPower, CommandMode, CommandDND, CommandResetFilter}
}

// change is a validated control command.
type change struct {
	name  string
	on    bool
	mode  Mode
	fetch uint8 // block read before modification, 0 for none
	write uint8
}

// ValidateCommand checks cmd without touching the device.
func ValidateCommand(cmd driver.Command) error {
	_, err := parseCommand(cmd)
	return err
}

func parseCommand(cmd driver.Command) (change, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(cmd.Name)), "-", "_")
	c := change{name: name}
	var err error
	switch name {
	case CommandPower:
		c.fetch, c.write = CmdDeviceState, CmdSetDeviceMode
		c.on, err = parseSwitch(cmd.Value)
	case CommandDND:
		c.fetch, c.write = CmdDeviceConfig, CmdSetConfig
		c.on, err = parseSwitch(cmd.Value)
	case CommandMode:
		c.fetch, c.write = CmdDeviceState, CmdSetDeviceMode
		m, ok := ParseMode(cmd.Value)
		if !ok {
			err = fmt.Errorf("mode must be smart or normal, got %q", cmd.Value)
		}
		c.mode = m
	case CommandResetFilter:
		c.write = CmdResetFilter
	default:
		err = fmt.Errorf("%w %q", driver.ErrUnknownCommand, cmd.Name)
	}
	if err != nil {
		return change{}, &driver.CycleError{Stage: driver.StageControl, Err: err}
	}
	return c, nil
}

// Apply authenticates and sends one control command. The firmware does not
// acknowledge control writes; the next status read reflects the change.
func (d *Driver) Apply(ctx context.Context, conn device.Connection, cmd driver.Command) error {
	c, err := parseCommand(cmd)
	if err != nil {
		return err
	}

	e, closeSession, err := d.engine(conn)
	if err != nil {
		return err
	}
	defer closeSession()

	if err := e.Authenticate(ctx); err != nil {
		return err
	}

	payload := query
	if c.fetch != 0 {
		block, err := e.query(ctx, c.fetch)
		if err != nil {
			return e.fail(driver.StageControl, c.fetch, err)
		}
		if payload, err = c.modify(block); err != nil {
			return e.fail(driver.StageControl, c.fetch, err)
		}
		if err := e.pause(ctx); err != nil {
			return e.fail(driver.StageControl, c.write, err)
		}
	}

	if err := e.sess.Post(ctx, request(c.write, payload)); err != nil {
		return e.fail(driver.StageControl, c.write, err)
	}
	e.transition(StateDone)

	d.logger.WithFields(logrus.Fields{
		"address": conn.Address(),
		"command": cmd.String(),
	}).Info("Fountain command sent")
	return nil
}

// modify returns a copy of the fetched block with the change applied.
func (c change) modify(block []byte) ([]byte, error) {
	out := append([]byte(nil), block...)
	switch c.name {
	case CommandPower, CommandMode:
		if len(out) < StatePayloadSize {
			return nil, driver.Decodef("state", "payload is %d bytes, want at least %d", len(out), StatePayloadSize)
		}
		if c.name == CommandPower {
			out[offPower] = boolByte(c.on)
		} else {
			out[offMode] = byte(c.mode)
		}
	case CommandDND:
		if len(out) < ConfigPayloadSize {
			return nil, driver.Decodef("config", "payload is %d bytes, want at least %d", len(out), ConfigPayloadSize)
		}
		out[offDND] = boolByte(c.on)
	}
	return out, nil
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", v)
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
