// Package driver defines the capability every device family implements: run
// one acquisition cycle over an established connection and describe the
// fields of the resulting reading.
package driver

import (
	"context"
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"github.com/srg/blepoll/internal/device"
)

// Kind identifies a device family. The set is closed: see Kinds.
type Kind string

const (
	KindPetkitFountain Kind = "petkit_fountain"
	KindSoilTester     Kind = "soil_tester"
)

// Kinds lists every supported device family.
func Kinds() []Kind {
	return []Kind{KindPetkitFountain, KindSoilTester}
}

// ParseKind validates a configured kind name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown device kind %q (supported: %s, %s)", s, KindPetkitFountain, KindSoilTester)
}

// Values is an ordered field map; iteration follows the driver's field order.
type Values = orderedmap.OrderedMap[string, any]

// NewValues returns an empty Values map.
func NewValues() *Values {
	return orderedmap.New[string, any]()
}

// Reading is a fully decoded snapshot. Readings are immutable once returned.
type Reading interface {
	Kind() Kind
	// Values returns a fresh ordered copy of the fields, keyed by Field.Key.
	Values() *Values
}

// Driver runs acquisition cycles for one device family.
type Driver interface {
	Kind() Kind
	// Services lists the GATT services that must be present after connecting.
	Services() []string
	// RunCycle acquires one reading over conn. It never disconnects conn and
	// never retries the whole sequence. Failures are *CycleError.
	RunCycle(ctx context.Context, conn device.Connection) (Reading, error)
	// DescribeFields lists the fields a reading carries, in display order.
	DescribeFields() []Field
}

// Command is a device control request.
type Command struct {
	Name  string // see the Controller's CommandNames
	Value string
}

func (c Command) String() string {
	if c.Value == "" {
		return c.Name
	}
	return c.Name + "=" + c.Value
}

// Controller is implemented by drivers whose devices accept control commands.
type Controller interface {
	CommandNames() []string
	Apply(ctx context.Context, conn device.Connection, cmd Command) error
}
