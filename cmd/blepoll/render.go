package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/blepoll/internal/coordinator"
	"github.com/srg/blepoll/internal/driver"
)

var (
	availableColor   = color.New(color.FgGreen)
	unavailableColor = color.New(color.FgRed)
	pendingColor     = color.New(color.FgYellow)
	headerColor      = color.New(color.Bold)
)

// formatValue renders a reading value for a terminal.
func formatValue(v any, unit string) string {
	var s string
	switch x := v.(type) {
	case nil:
		return "-"
	case bool:
		if x {
			s = "yes"
		} else {
			s = "no"
		}
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	default:
		s = fmt.Sprint(x)
	}
	if unit != "" {
		s += " " + unit
	}
	return s
}

// printReading writes one row per described field, in the driver's order.
func printReading(out io.Writer, fields []driver.Field, reading driver.Reading) error {
	values := reading.Values()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	headerColor.Fprintln(w, "FIELD\tVALUE")
	for _, f := range fields {
		v, _ := values.Get(f.Key)
		fmt.Fprintf(w, "%s\t%s\n", f.Name, formatValue(v, f.Unit))
	}
	return w.Flush()
}

// printFields describes the fields and commands of one device kind.
func printFields(out io.Writer, kind driver.Kind, fields []driver.Field, commands []string) error {
	fmt.Fprintf(out, "%s\n", kind)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	headerColor.Fprintln(w, "  KEY\tNAME\tUNIT\tCLASS\tOPTIONS")
	for _, f := range fields {
		name := f.Name
		if f.Diagnostic {
			name += " (diagnostic)"
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%s\n", f.Key, name, f.Unit, f.Class, strings.Join(f.Options, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(commands) > 0 {
		fmt.Fprintf(out, "  commands: %s\n", strings.Join(commands, ", "))
	}
	return nil
}

func availability(available bool, d coordinator.Diagnostic) string {
	switch {
	case available:
		return availableColor.Sprint("available")
	case d.LastAttempt.IsZero():
		return pendingColor.Sprint("pending")
	default:
		return unavailableColor.Sprint("unavailable")
	}
}

func since(now, t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Truncate(time.Second).String() + " ago"
}

// printDiagnostics writes the per-device status table. DROPPED counts the
// notification fragments lost during the last successful cycle.
func printDiagnostics(out io.Writer, now time.Time, diags []coordinator.Diagnostic) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	headerColor.Fprintln(w, "DEVICE\tNAME\tKIND\tSTATUS\tLAST SUCCESS\tFAILURES\tDROPPED\tLAST ERROR")
	for _, d := range diags {
		lastErr := d.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			d.DeviceID, d.Name, d.Kind, availability(d.Available, d),
			since(now, d.LastSuccess), d.ConsecutiveFailures, d.Link.Dropped(), lastErr)
	}
	return w.Flush()
}

// printEvent writes one coordinator event as a log line.
func printEvent(out io.Writer, ev coordinator.Event, name string) {
	label := ev.Type.String()
	switch ev.Type {
	case coordinator.EventAvailable:
		label = availableColor.Sprint(label)
	case coordinator.EventUnavailable:
		label = unavailableColor.Sprint(label)
	}
	line := fmt.Sprintf("%s  %s (%s) %s", ev.At.Format(time.RFC3339), name, ev.DeviceID, label)
	if ev.Err != nil {
		line += ": " + ev.Err.Error()
	}
	fmt.Fprintln(out, line)
}
