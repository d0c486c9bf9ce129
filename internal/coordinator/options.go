package coordinator

import (
	"fmt"
	"time"

	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/driver"
)

// Options configures scheduling. Zero fields take the tagged defaults.
type Options struct {
	// ConnectTimeout bounds establishing one link.
	ConnectTimeout time.Duration `default:"20s"`
	// CycleTimeout bounds a whole cycle, connect included.
	CycleTimeout time.Duration `default:"10m"`
	// RetryBackoff is the delay before retrying a failed cycle while the
	// device still has retry budget.
	RetryBackoff time.Duration `default:"5s"`
	// MinPollInterval is the shortest accepted poll interval.
	MinPollInterval time.Duration `default:"30s"`
	// StaleAfter is the number of poll intervals after which the last
	// reading no longer keeps a device available.
	StaleAfter int `default:"3"`
	// EventBuffer is the capacity of the event ring; oldest events are
	// overwritten when it is full.
	EventBuffer uint32 `default:"64"`
}

// Device is the polling configuration of one peripheral.
type Device struct {
	Address      string
	Name         string
	Kind         driver.Kind
	PollInterval time.Duration
	// MaxRetries is the number of consecutive failed cycles after which the
	// device is reported unavailable.
	MaxRetries int
}

// ID is the normalized address the device is keyed by.
func (d Device) ID() string {
	return device.NormalizeAddress(d.Address)
}

// DisplayName returns Name, or the address when no name is set.
func (d Device) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID()
}

func (d Device) validate(opts Options) error {
	if err := device.ValidateAddress(d.Address); err != nil {
		return err
	}
	if d.PollInterval < opts.MinPollInterval {
		return fmt.Errorf("device %s: poll interval %s is below the minimum %s", d.ID(), d.PollInterval, opts.MinPollInterval)
	}
	if d.MaxRetries < 1 {
		return fmt.Errorf("device %s: max retries must be at least 1, got %d", d.ID(), d.MaxRetries)
	}
	return nil
}
