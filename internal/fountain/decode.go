package fountain

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/srg/blepoll/internal/driver"
)

// Minimum payload sizes of the read commands.
const (
	StatePayloadSize   = 12
	ConfigPayloadSize  = 9
	BatteryPayloadSize = 1

	// FilterLifetimeDays is the filter lifetime the firmware counts down from.
	FilterLifetimeDays = 30
)

// Status block offsets.
const (
	offPower         = 0
	offMode          = 1
	offWarnBreakdown = 2
	offWarnWater     = 3
	offWarnFilter    = 4
	offFilterDays    = 5
	offPumpRuntime   = 6 // uint32 minutes, little endian
	offRunning       = 10
	offDND           = 8 // in the config block
)

// DecodeReading builds a Reading from the three read payloads. Every field is
// range checked; any violation returns a *driver.DecodeError and no reading.
func DecodeReading(id, state, config, battery []byte) (*Reading, error) {
	r := &Reading{DeviceID: append([]byte(nil), id...)}
	if err := decodeState(r, state); err != nil {
		return nil, err
	}
	if err := decodeConfig(r, config); err != nil {
		return nil, err
	}
	if err := decodeBattery(r, battery); err != nil {
		return nil, err
	}
	return r, nil
}

func decodeState(r *Reading, p []byte) error {
	if len(p) < StatePayloadSize {
		return driver.Decodef("state", "payload is %d bytes, want at least %d", len(p), StatePayloadSize)
	}

	var err error
	if r.Power, err = flag("power", p[offPower]); err != nil {
		return err
	}
	switch m := Mode(p[offMode]); m {
	case ModeNormal, ModeSmart:
		r.Mode = m
	default:
		return driver.Decodef("mode", "value %d out of range", p[offMode])
	}
	if r.WarnBreakdown, err = flag("warn_breakdown", p[offWarnBreakdown]); err != nil {
		return err
	}
	if r.WarnWater, err = flag("warn_water", p[offWarnWater]); err != nil {
		return err
	}
	if r.WarnFilter, err = flag("warn_filter", p[offWarnFilter]); err != nil {
		return err
	}
	if r.Running, err = flag("running", p[offRunning]); err != nil {
		return err
	}

	r.FilterDays = int(p[offFilterDays])
	r.FilterPercent = FilterPercent(r.FilterDays)
	minutes := binary.LittleEndian.Uint32(p[offPumpRuntime : offPumpRuntime+4])
	r.PumpRuntime = time.Duration(minutes) * time.Minute
	return nil
}

func decodeConfig(r *Reading, p []byte) error {
	if len(p) < ConfigPayloadSize {
		return driver.Decodef("config", "payload is %d bytes, want at least %d", len(p), ConfigPayloadSize)
	}
	var err error
	r.DND, err = flag("dnd", p[offDND])
	return err
}

func decodeBattery(r *Reading, p []byte) error {
	if len(p) < BatteryPayloadSize {
		return driver.Decodef("battery", "empty payload")
	}
	if p[0] > 100 {
		return driver.Decodef("battery", "value %d out of range", p[0])
	}
	r.Battery = int(p[0])
	return nil
}

// FilterPercent converts remaining filter days to a 0..100 percentage.
func FilterPercent(days int) int {
	if days <= 0 {
		return 0
	}
	pct := float64(days) / FilterLifetimeDays * 100
	return int(math.Round(math.Max(0, math.Min(100, pct))))
}

func flag(name string, b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, driver.Decodef(name, "value %d is not a flag", b)
}
