package fountain

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/session"
)

// Mode is the pump operating mode.
type Mode byte

const (
	ModeNormal Mode = 1
	ModeSmart  Mode = 2
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "Normal"
	case ModeSmart:
		return "Smart"
	}
	return "Unknown"
}

// ParseMode accepts "smart" or "normal" in any case.
func ParseMode(s string) (Mode, bool) {
	switch {
	case strings.EqualFold(strings.TrimSpace(s), "smart"):
		return ModeSmart, true
	case strings.EqualFold(strings.TrimSpace(s), "normal"):
		return ModeNormal, true
	}
	return 0, false
}

// Field keys.
const (
	KeyBattery       = "battery"
	KeyPowerStatus   = "power_status"
	KeyMode          = "mode"
	KeyDNDState      = "dnd_state"
	KeyWarnBreakdown = "warn_breakdown"
	KeyWarnWater     = "warn_water"
	KeyWarnFilter    = "warn_filter"
	KeyPumpRuntime   = "pump_runtime"
	KeyFilterPercent = "filter_percent"
	KeyRunning       = "running_status"
)

// Reading is one complete fountain status snapshot.
type Reading struct {
	DeviceID      []byte
	Power         bool
	Mode          Mode
	WarnBreakdown bool
	WarnWater     bool
	WarnFilter    bool
	FilterDays    int
	FilterPercent int
	PumpRuntime   time.Duration
	Running       bool
	DND           bool
	Battery       int

	// Link counts the notification fragments dropped while reading.
	Link session.Stats
}

func (r *Reading) Kind() driver.Kind {
	return driver.KindPetkitFountain
}

// Identity returns the hex device id learned during the handshake.
func (r *Reading) Identity() string {
	return hex.EncodeToString(r.DeviceID)
}

// LinkStats returns the fragment counters of the cycle that produced r.
func (r *Reading) LinkStats() session.Stats {
	return r.Link
}

func (r *Reading) Values() *driver.Values {
	v := driver.NewValues()
	v.Set(KeyBattery, r.Battery)
	v.Set(KeyPowerStatus, onOff(r.Power))
	v.Set(KeyMode, r.Mode.String())
	v.Set(KeyDNDState, onOff(r.DND))
	v.Set(KeyWarnBreakdown, r.WarnBreakdown)
	v.Set(KeyWarnWater, r.WarnWater)
	v.Set(KeyWarnFilter, r.WarnFilter)
	v.Set(KeyPumpRuntime, int64(r.PumpRuntime/time.Second))
	v.Set(KeyFilterPercent, r.FilterPercent)
	if r.Running {
		v.Set(KeyRunning, "Running")
	} else {
		v.Set(KeyRunning, "Idle")
	}
	return v
}

// Fields describes the values of a Reading, in Values order.
func Fields() []driver.Field {
	return []driver.Field{
		{Key: KeyBattery, Name: "Battery", Unit: "%", Class: driver.ClassSensor, Diagnostic: true},
		{Key: KeyPowerStatus, Name: "Power", Class: driver.ClassSwitch},
		{Key: KeyMode, Name: "Mode", Class: driver.ClassSelect, Options: []string{ModeSmart.String(), ModeNormal.String()}},
		{Key: KeyDNDState, Name: "Do Not Disturb", Class: driver.ClassSwitch},
		{Key: KeyWarnBreakdown, Name: "Breakdown Warning", Class: driver.ClassBinary, Diagnostic: true},
		{Key: KeyWarnWater, Name: "Water Warning", Class: driver.ClassBinary, Diagnostic: true},
		{Key: KeyWarnFilter, Name: "Filter Warning", Class: driver.ClassBinary, Diagnostic: true},
		{Key: KeyPumpRuntime, Name: "Pump Runtime", Unit: "s", Class: driver.ClassSensor, Diagnostic: true},
		{Key: KeyFilterPercent, Name: "Filter Life", Unit: "%", Class: driver.ClassSensor, Diagnostic: true},
		{Key: KeyRunning, Name: "Status", Class: driver.ClassSensor},
	}
}

func onOff(v bool) string {
	if v {
		return "On"
	}
	return "Off"
}
