package fountain

import (
	"context"
	"fmt"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/internal/session"
)

// Options tunes the exchange timing of a fountain cycle.
type Options struct {
	// InitTimeout bounds each handshake exchange.
	InitTimeout time.Duration `default:"30s"`
	// CommandTimeout bounds each read or control exchange.
	CommandTimeout time.Duration `default:"10s"`
	// DatetimeTimeout bounds the unacknowledged SET_DATETIME exchange.
	DatetimeTimeout time.Duration `default:"5s"`
	// Retries is the number of re-sends per exchange. Negative disables them.
	Retries int `default:"3"`
	// RetryDelay separates an exchange attempt from its retry.
	RetryDelay time.Duration `default:"2s"`
	// CommandGap separates consecutive read commands.
	CommandGap time.Duration `default:"500ms"`
}

// CycleBudget is the longest a status cycle can take when every exchange
// exhausts its retries: the three handshake commands, the clock sync and the
// three reads with their gaps.
func (o Options) CycleBudget() time.Duration {
	defaults.SetDefaults(&o)
	attempts := time.Duration(1 + max(o.Retries, 0))
	exchange := func(timeout time.Duration) time.Duration {
		return attempts*timeout + (attempts-1)*o.RetryDelay
	}
	return 3*exchange(o.InitTimeout) + o.DatetimeTimeout + 3*exchange(o.CommandTimeout) + 2*o.CommandGap
}

// Driver runs fountain cycles. It holds no per-device state and may be shared.
type Driver struct {
	opts   Options
	logger *logrus.Logger
	now    func() time.Time
}

var (
	_ driver.Driver     = (*Driver)(nil)
	_ driver.Controller = (*Driver)(nil)
)

// New returns a fountain driver.
func New(opts Options, logger *logrus.Logger) *Driver {
	defaults.SetDefaults(&opts)
	if logger == nil {
		logger = logrus.New()
	}
	return &Driver{opts: opts, logger: logger, now: time.Now}
}

func (d *Driver) Kind() driver.Kind {
	return driver.KindPetkitFountain
}

// Services is empty: the firmware does not advertise a stable service UUID.
func (d *Driver) Services() []string {
	return nil
}

func (d *Driver) DescribeFields() []driver.Field {
	return Fields()
}

// RunCycle authenticates and reads one status snapshot. conn stays open.
func (d *Driver) RunCycle(ctx context.Context, conn device.Connection) (driver.Reading, error) {
	e, closeSession, err := d.engine(conn)
	if err != nil {
		return nil, err
	}
	defer closeSession()

	reading, err := e.Run(ctx)
	if err != nil {
		return nil, err
	}
	d.logger.WithFields(logrus.Fields{
		"address":   conn.Address(),
		"device_id": reading.Identity(),
		"battery":   reading.Battery,
		"mode":      reading.Mode.String(),
	}).Info("Fountain status read")
	return reading, nil
}

func (d *Driver) engine(conn device.Connection) (*Engine, func(), error) {
	sess, err := session.New(conn, session.Options{
		WriteCharacteristic:  WriteCharacteristic,
		NotifyCharacteristic: NotifyCharacteristic,
		RetryDelay:           d.opts.RetryDelay,
	}, d.logger)
	if err != nil {
		return nil, nil, &driver.CycleError{Stage: driver.StageHandshake, Err: err}
	}
	closeSession := func() {
		if err := sess.Close(); err != nil {
			d.logger.WithFields(logrus.Fields{
				"address": conn.Address(),
				"error":   err,
			}).Debug("Failed to close fountain session")
		}
	}
	return newEngine(sess, conn.Address(), d.opts, d.logger, d.now), closeSession, nil
}

func (d *Driver) String() string {
	return fmt.Sprintf("fountain(init=%s, command=%s, retries=%d)", d.opts.InitTimeout, d.opts.CommandTimeout, d.opts.Retries)
}
