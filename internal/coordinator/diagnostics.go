package coordinator

import (
	"time"

	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/session"
)

// Diagnostic summarizes the runtime state of one device.
type Diagnostic struct {
	DeviceID            string
	Name                string
	Kind                driver.Kind
	Available           bool
	ConsecutiveFailures int
	LastError           string
	LastSuccess         time.Time
	LastAttempt         time.Time
	NextPoll            time.Time
	// Identity is the firmware id learned on the last success, if the
	// device family reports one.
	Identity string
	Fields   int
	// Link counts notification fragments dropped during the last success,
	// for device families that talk over a command session.
	Link session.Stats
}

type identified interface {
	Identity() string
}

type linked interface {
	LinkStats() session.Stats
}

// Diagnostics returns one entry per configured device, sorted by id.
func (c *Coordinator) Diagnostics() []Diagnostic {
	states := c.store.Snapshot()
	out := make([]Diagnostic, 0, len(states))
	for _, st := range states {
		w, err := c.worker(st.DeviceID)
		if err != nil {
			// Removed; its entry is retired with the worker.
			continue
		}
		d := w.dev
		diag := Diagnostic{
			DeviceID:            d.ID(),
			Name:                d.DisplayName(),
			Kind:                d.Kind,
			Available:           c.IsDeviceAvailable(d.ID()),
			ConsecutiveFailures: st.ConsecutiveFailures,
			LastSuccess:         st.LastSuccess,
			LastAttempt:         st.LastAttempt,
			NextPoll:            st.NextPoll,
			Fields:              len(w.drv.DescribeFields()),
		}
		if st.LastError != nil {
			diag.LastError = st.LastError.Error()
		}
		if r, ok := st.Reading.(identified); ok {
			diag.Identity = r.Identity()
		}
		if r, ok := st.Reading.(linked); ok {
			diag.Link = r.LinkStats()
		}
		out = append(out, diag)
	}
	return out
}
