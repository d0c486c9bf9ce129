package testutils

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/srg/blepoll/internal/device"
)

// SoilDataUUID is the soil tester's measurement characteristic.
const SoilDataUUID = "ff02"

// FakeSoilTester serves a fixed 23-byte measurement record on SoilDataUUID.
type FakeSoilTester struct {
	mu      sync.Mutex
	payload []byte
}

// NewFakeSoilTester returns a tester reporting the given readings.
// Temperature, humidity and pressure are unsigned hundredths on the wire, so
// each must lie in 0..655.35; it panics otherwise.
func NewFakeSoilTester(tempC, humidity, pressureHPa float64, batteryRaw byte) *FakeSoilTester {
	p := make([]byte, 23)
	p[3] = batteryRaw
	binary.BigEndian.PutUint16(p[17:19], centi("temperature", tempC))
	binary.BigEndian.PutUint16(p[19:21], centi("humidity", humidity))
	binary.BigEndian.PutUint16(p[21:23], centi("pressure", pressureHPa))
	return &FakeSoilTester{payload: p}
}

func centi(field string, v float64) uint16 {
	raw := math.Round(v * 100)
	if raw < 0 || raw > math.MaxUint16 {
		panic(fmt.Sprintf("fake soil tester: %s %.2f does not fit the record", field, v))
	}
	return uint16(raw)
}

// WithPayload replaces the raw record.
func (s *FakeSoilTester) WithPayload(p []byte) *FakeSoilTester {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payload = append([]byte(nil), p...)
	return s
}

// Payload returns a copy of the raw record.
func (s *FakeSoilTester) Payload() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.payload...)
}

func (s *FakeSoilTester) Open(address string) (device.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := newFakeConn(address)
	c.values[device.NormalizeUUID(SoilDataUUID)] = append([]byte(nil), s.payload...)
	return c, nil
}
