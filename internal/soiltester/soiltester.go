// Package soiltester reads the S-06 soil tester: a single GATT read of a
// fixed measurement record, no command protocol.
package soiltester

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/driver"
)

// GATT layout.
const (
	ServiceUUID        = "0000ff01-0000-1000-8000-00805f9b34fb"
	CharacteristicUUID = "0000ff02-0000-1000-8000-00805f9b34fb"

	// RecordSize is the minimum measurement record length.
	RecordSize = 23
)

// Field keys.
const (
	KeyTemperature = "temperature"
	KeyHumidity    = "humidity"
	KeyPressure    = "pressure"
	KeyBattery     = "battery"
)

// Plausible sensor ranges; values outside are decode failures. The record
// carries unsigned hundredths, so pressure tops out at 655.34 hPa.
const (
	maxTemperature = 85.0
	minPressure    = 300.0
)

// Options tunes the read loop.
type Options struct {
	Attempts    int           `default:"3"`
	RetryDelay  time.Duration `default:"2s"`
	ReadTimeout time.Duration `default:"10s"`
}

// Reading is one soil tester record. A nil measurement was not reported.
type Reading struct {
	Temperature *float64 // °C
	Humidity    *float64 // %RH
	Pressure    *float64 // hPa
	Battery     float64  // %
}

func (r *Reading) Kind() driver.Kind {
	return driver.KindSoilTester
}

func (r *Reading) Values() *driver.Values {
	v := driver.NewValues()
	v.Set(KeyTemperature, optional(r.Temperature))
	v.Set(KeyHumidity, optional(r.Humidity))
	v.Set(KeyPressure, optional(r.Pressure))
	v.Set(KeyBattery, r.Battery)
	return v
}

func optional(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// Fields describes the values of a Reading.
func Fields() []driver.Field {
	return []driver.Field{
		{Key: KeyTemperature, Name: "Temperature", Unit: "°C", Class: driver.ClassSensor},
		{Key: KeyHumidity, Name: "Humidity", Unit: "%", Class: driver.ClassSensor},
		{Key: KeyPressure, Name: "Pressure", Unit: "hPa", Class: driver.ClassSensor},
		{Key: KeyBattery, Name: "Battery", Unit: "%", Class: driver.ClassSensor, Diagnostic: true},
	}
}

// Decode parses a measurement record.
func Decode(data []byte) (*Reading, error) {
	if len(data) < RecordSize {
		return nil, driver.Decodef("record", "payload is %d bytes, want at least %d", len(data), RecordSize)
	}

	r := &Reading{
		Temperature: centi(data[17:19]),
		Humidity:    centi(data[19:21]),
		Pressure:    centi(data[21:23]),
		Battery:     math.Round(float64(data[3])/255*100*100) / 100,
	}

	if t := r.Temperature; t != nil && *t > maxTemperature {
		return nil, driver.Decodef(KeyTemperature, "%.2f °C out of range", *t)
	}
	if h := r.Humidity; h != nil && *h > 100 {
		return nil, driver.Decodef(KeyHumidity, "%.2f %% out of range", *h)
	}
	if p := r.Pressure; p != nil && *p < minPressure {
		return nil, driver.Decodef(KeyPressure, "%.2f hPa out of range", *p)
	}
	return r, nil
}

// centi decodes a big-endian hundredths value; 0x0000 and 0xFFFF mean not reported.
func centi(b []byte) *float64 {
	raw := binary.BigEndian.Uint16(b)
	if raw == 0 || raw == 0xFFFF {
		return nil
	}
	v := float64(raw) / 100
	return &v
}

// Driver reads soil tester records.
type Driver struct {
	opts   Options
	logger *logrus.Logger
}

var _ driver.Driver = (*Driver)(nil)

// New returns a soil tester driver.
func New(opts Options, logger *logrus.Logger) *Driver {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{opts: opts, logger: logger}
}

func (d *Driver) Kind() driver.Kind {
	return driver.KindSoilTester
}

func (d *Driver) Services() []string {
	return []string{ServiceUUID}
}

func (d *Driver) DescribeFields() []driver.Field {
	return Fields()
}

// RunCycle reads and decodes one record, retrying timeouts and undecodable
// records. Other transport errors end the cycle at once.
func (d *Driver) RunCycle(ctx context.Context, conn device.Connection) (driver.Reading, error) {
	var lastErr error
	for attempt := 1; attempt <= d.opts.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, d.opts.RetryDelay); err != nil {
				return nil, &driver.CycleError{Stage: driver.StageRead, Err: err}
			}
		}

		reading, err := d.readOnce(ctx, conn)
		if err == nil {
			return reading, nil
		}
		lastErr = err

		var de *driver.DecodeError
		if !errors.Is(err, device.ErrTimeout) && !errors.As(err, &de) {
			return nil, err
		}
		d.logger.WithFields(logrus.Fields{
			"address": conn.Address(),
			"attempt": attempt,
			"of":      d.opts.Attempts,
			"error":   err,
		}).Warn("Soil tester read attempt failed")
	}
	return nil, lastErr
}

func (d *Driver) readOnce(ctx context.Context, conn device.Connection) (*Reading, error) {
	readCtx, cancel := context.WithTimeout(ctx, d.opts.ReadTimeout)
	defer cancel()

	data, err := conn.Read(readCtx, CharacteristicUUID)
	if err != nil {
		if readCtx.Err() != nil && ctx.Err() == nil && !errors.Is(err, device.ErrTimeout) {
			err = fmt.Errorf("%w: %v", device.ErrTimeout, err)
		}
		return nil, &driver.CycleError{Stage: driver.StageRead, Command: "read " + device.NormalizeUUID(CharacteristicUUID), Err: err}
	}

	reading, err := Decode(data)
	if err != nil {
		return nil, &driver.CycleError{Stage: driver.StageDecode, Err: err}
	}
	d.logger.WithFields(logrus.Fields{
		"address": conn.Address(),
		"record":  fmt.Sprintf("% x", data),
	}).Debug("Soil tester record decoded")
	return reading, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
