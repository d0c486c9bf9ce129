package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/srg/blepoll/internal/coordinator"
	"github.com/srg/blepoll/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name string
		v    any
		unit string
		want string
	}{
		{"absent", nil, "°C", "-"},
		{"bool", true, "", "yes"},
		{"float", 21.5, "°C", "21.5 °C"},
		{"int", 87, "%", "87 %"},
		{"string", "Smart", "", "Smart"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatValue(tt.v, tt.unit))
		})
	}
}

func TestPrintDiagnostics(t *testing.T) {
	color.NoColor = true
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	var out bytes.Buffer
	require.NoError(t, printDiagnostics(&out, now, []coordinator.Diagnostic{
		{DeviceID: "AA:BB:CC:DD:EE:01", Name: "Kitchen", Kind: "petkit_fountain", Available: true, LastAttempt: now, LastSuccess: now.Add(-90 * time.Second), Link: session.Stats{Unsolicited: 2, Overwritten: 1}},
		{DeviceID: "AA:BB:CC:DD:EE:02", Name: "Garden", Kind: "soil_tester", LastAttempt: now, ConsecutiveFailures: 3, LastError: "connect_failed"},
		{DeviceID: "AA:BB:CC:DD:EE:03", Name: "Garage", Kind: "soil_tester"},
	}))

	text := out.String()
	assert.Contains(t, lineWith(text, "Kitchen"), "1m30s ago")
	assert.Contains(t, lineWith(text, "Garden"), "unavailable")
	assert.Contains(t, lineWith(text, "Garden"), "connect_failed")
	assert.Contains(t, lineWith(text, "Garage"), "pending")
	assert.Contains(t, lineWith(text, "Garage"), "never")
	assert.Contains(t, strings.Fields(lineWith(text, "Kitchen")), "3", "dropped fragments MUST be summed into one column")
	assert.Contains(t, lineWith(text, "DEVICE"), "DROPPED")
}

func TestPrintEvent(t *testing.T) {
	color.NoColor = true
	at := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

	var out bytes.Buffer
	printEvent(&out, coordinator.Event{Type: coordinator.EventUnavailable, DeviceID: "AA:BB:CC:DD:EE:01", At: at, Err: errors.New("timeout")}, "Kitchen")
	assert.Equal(t, "2026-10-16T12:00:00Z  Kitchen (AA:BB:CC:DD:EE:01) unavailable: timeout\n", out.String())
}
