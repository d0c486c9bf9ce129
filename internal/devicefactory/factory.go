// Package devicefactory builds the transport backend and the per-kind
// drivers the coordinator works with.
package devicefactory

import (
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/device/go-ble"
	"github.com/srg/blepoll/internal/device/tinygo"
	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/fountain"
	"github.com/srg/blepoll/internal/soiltester"
)

// Transport backends.
const (
	BackendGoBLE  = "go-ble"
	BackendTinyGo = "tinygo"
)

// Backends lists the supported transport backends.
func Backends() []string {
	return []string{BackendGoBLE, BackendTinyGo}
}

// TransportFactory creates the BLE transport for a backend.
// This is a variable so that it can be overridden in tests.
var TransportFactory = func(backend string, logger *logrus.Logger) (device.Transport, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendGoBLE:
		return goble.NewTransport(logger), nil
	case BackendTinyGo:
		return tinygo.NewTransport(logger), nil
	}
	return nil, fmt.Errorf("unknown transport backend %q (supported: %s)", backend, strings.Join(Backends(), ", "))
}

// NewTransport creates the BLE transport for backend; empty selects go-ble.
func NewTransport(backend string, logger *logrus.Logger) (device.Transport, error) {
	return TransportFactory(backend, logger)
}

// DriverOptions carries the per-family tuning.
type DriverOptions struct {
	Fountain   fountain.Options
	SoilTester soiltester.Options
}

// NewDriver creates the driver for kind.
func NewDriver(kind driver.Kind, opts DriverOptions, logger *logrus.Logger) (driver.Driver, error) {
	switch kind {
	case driver.KindPetkitFountain:
		return fountain.New(opts.Fountain, logger), nil
	case driver.KindSoilTester:
		return soiltester.New(opts.SoilTester, logger), nil
	}
	return nil, fmt.Errorf("no driver for device kind %q", kind)
}

// DriverSet resolves drivers per kind, creating each at most once.
type DriverSet struct {
	opts    DriverOptions
	logger  *logrus.Logger
	drivers map[driver.Kind]driver.Driver
}

// NewDriverSet returns an empty set.
func NewDriverSet(opts DriverOptions, logger *logrus.Logger) *DriverSet {
	return &DriverSet{opts: opts, logger: logger, drivers: make(map[driver.Kind]driver.Driver)}
}

// Get returns the driver for kind. Not safe for concurrent use.
func (s *DriverSet) Get(kind driver.Kind) (driver.Driver, error) {
	if d, ok := s.drivers[kind]; ok {
		return d, nil
	}
	d, err := NewDriver(kind, s.opts, s.logger)
	if err != nil {
		return nil, err
	}
	s.drivers[kind] = d
	return d, nil
}
