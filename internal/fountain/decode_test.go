package fountain

import (
	"testing"
	"time"

	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testID = []byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}

func configWithDND(on bool) []byte {
	c := make([]byte, ConfigPayloadSize)
	c[offDND] = boolByte(on)
	return c
}

func TestDecodeReading(t *testing.T) {
	state := testutils.FountainState{
		Power: 1, Mode: 2, WarnWater: 1, FilterDays: 15, PumpMinutes: 90, Running: 1,
	}.Bytes()

	r, err := DecodeReading(testID, state, configWithDND(true), []byte{87})
	require.NoError(t, err)

	assert.True(t, r.Power)
	assert.Equal(t, ModeSmart, r.Mode)
	assert.False(t, r.WarnBreakdown)
	assert.True(t, r.WarnWater)
	assert.False(t, r.WarnFilter)
	assert.Equal(t, 15, r.FilterDays)
	assert.Equal(t, 50, r.FilterPercent)
	assert.Equal(t, 90*time.Minute, r.PumpRuntime)
	assert.True(t, r.Running)
	assert.True(t, r.DND)
	assert.Equal(t, 87, r.Battery)
	assert.Equal(t, "102030405060", r.Identity())
}

func TestDecodeReading_Values(t *testing.T) {
	state := testutils.FountainState{Power: 0, Mode: 1, FilterDays: 0, PumpMinutes: 2}.Bytes()
	r, err := DecodeReading(testID, state, configWithDND(false), []byte{5})
	require.NoError(t, err)

	v := r.Values()
	var keys []string
	for pair := v.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	var fieldKeys []string
	for _, f := range Fields() {
		fieldKeys = append(fieldKeys, f.Key)
	}
	assert.Equal(t, fieldKeys, keys, "values MUST follow the field description order")

	get := func(k string) any {
		val, _ := v.Get(k)
		return val
	}
	assert.Equal(t, "Off", get(KeyPowerStatus))
	assert.Equal(t, "Normal", get(KeyMode))
	assert.Equal(t, "Off", get(KeyDNDState))
	assert.Equal(t, int64(120), get(KeyPumpRuntime))
	assert.Equal(t, 0, get(KeyFilterPercent))
	assert.Equal(t, "Idle", get(KeyRunning))
	assert.Equal(t, 5, get(KeyBattery))
	assert.Equal(t, driver.KindPetkitFountain, r.Kind())
}

func TestDecodeReading_Rejects(t *testing.T) {
	good := testutils.DefaultFountainState().Bytes()
	with := func(i int, b byte) []byte {
		s := append([]byte(nil), good...)
		s[i] = b
		return s
	}

	tests := []struct {
		name    string
		state   []byte
		config  []byte
		battery []byte
		field   string
	}{
		{"short state", good[:11], configWithDND(false), []byte{50}, "state"},
		{"mode out of range", with(offMode, 7), configWithDND(false), []byte{50}, "mode"},
		{"mode zero", with(offMode, 0), configWithDND(false), []byte{50}, "mode"},
		{"power not a flag", with(offPower, 2), configWithDND(false), []byte{50}, "power"},
		{"warning not a flag", with(offWarnFilter, 0x80), configWithDND(false), []byte{50}, "warn_filter"},
		{"running not a flag", with(offRunning, 3), configWithDND(false), []byte{50}, "running"},
		{"short config", good, make([]byte, 8), []byte{50}, "config"},
		{"dnd not a flag", good, append(make([]byte, 8), 9), []byte{50}, "dnd"},
		{"empty battery", good, configWithDND(false), nil, "battery"},
		{"battery over 100", good, configWithDND(false), []byte{101}, "battery"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeReading(testID, tt.state, tt.config, tt.battery)
			require.Error(t, err)
			assert.Nil(t, r, "a failed decode MUST NOT yield a partial reading")

			var de *driver.DecodeError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.field, de.Field)
		})
	}
}

func TestFilterPercent(t *testing.T) {
	tests := map[int]int{
		-1:  0,
		0:   0,
		1:   3,
		2:   7,
		15:  50,
		29:  97,
		30:  100,
		255: 100,
	}
	for days, want := range tests {
		assert.Equal(t, want, FilterPercent(days), "days=%d", days)
	}
}

func TestHandshakePayloads(t *testing.T) {
	secret := secretFor(testID)
	assert.Equal(t, []byte{0x60, 0x50, 0x40, 0x30, 0x20, 0x10, 0, 0}, secret)

	assert.Equal(t, []byte{
		0, 0,
		0x10, 0x20, 0x30, 0x40, 0x50, 0x60, 0, 0,
		0x60, 0x50, 0x40, 0x30, 0x20, 0x10, 0, 0,
	}, initPayload(testID, secret))

	assert.Equal(t, []byte{0, 0, 0x60, 0x50, 0x40, 0x30, 0x20, 0x10, 0, 0}, syncPayload(secret))
}

func TestDatetimePayload(t *testing.T) {
	ts := time.Date(2026, time.October, 16, 14, 30, 5, 0, time.UTC)
	assert.Equal(t, []byte{20, 26, 10, 16, 14, 30, 5}, datetimePayload(ts))

	ts = time.Date(2031, time.January, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, []byte{20, 31, 1, 2, 3, 4, 5}, datetimePayload(ts))
}

func TestParseMode(t *testing.T) {
	m, ok := ParseMode(" Smart")
	assert.True(t, ok)
	assert.Equal(t, ModeSmart, m)

	m, ok = ParseMode("NORMAL")
	assert.True(t, ok)
	assert.Equal(t, ModeNormal, m)

	_, ok = ParseMode("eco")
	assert.False(t, ok)
	assert.Equal(t, "Unknown", Mode(9).String())
}

func TestCommandName(t *testing.T) {
	assert.Equal(t, "GET_DEVICE_STATE", CommandName(CmdDeviceState))
	assert.Equal(t, "CMD_7", CommandName(7))
}
