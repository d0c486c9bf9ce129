package main

import (
	"errors"

	"github.com/srg/blepoll/internal/coordinator"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/driver"
)

// Command-level errors
var (
	// ErrNoDevices indicates a configuration without any device to poll.
	ErrNoDevices = errors.New("no devices configured")
)

// FormatUserError turns an error chain into a one-line message with a hint
// for the failures users can act on.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()

	var cycleErr *driver.CycleError
	switch {
	case device.IsConnectionState(err, device.BluetoothOff):
		return msg + " (is the Bluetooth adapter powered on?)"
	case device.IsConnectionState(err, device.ConnectFailed):
		return msg + " (is the device in range and not connected to another host?)"
	case errors.Is(err, coordinator.ErrUnknownDevice):
		return msg + " (check the address)"
	case errors.Is(err, coordinator.ErrNotSupported), errors.Is(err, driver.ErrUnknownCommand):
		return msg
	case errors.Is(err, ErrNoDevices):
		return msg + " (add at least one entry under 'devices:')"
	case errors.As(err, &cycleErr) && cycleErr.Stage == driver.StageHandshake:
		return msg + " (the device did not complete the handshake; try again closer to it)"
	case errors.Is(err, device.ErrTimeout):
		return msg + " (the device stopped responding)"
	}

	return msg
}
