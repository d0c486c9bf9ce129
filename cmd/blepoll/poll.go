package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blepoll/internal/coordinator"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/driver"
)

// pollCmd represents the poll command
var pollCmd = &cobra.Command{
	Use:   "poll <device-address>",
	Short: "Read one device once and print its fields",
	Long: fmt.Sprintf(`Connects to a device, runs one acquisition cycle and prints the decoded fields.

Examples:
  # Read a Petkit fountain
  blepoll poll %s

  # Read a soil tester with the tinygo backend
  blepoll poll %s --kind soil_tester --backend tinygo

%s`, exampleDeviceAddress, exampleDeviceAddress, deviceAddressNote),
	Args: cobra.ExactArgs(1),
	RunE: runPoll,
}

var pollKind string

func init() {
	addDeviceFlags(pollCmd, &pollKind)
}

func runPoll(cmd *cobra.Command, args []string) error {
	kind, err := driver.ParseKind(pollKind)
	if err != nil {
		return err
	}
	dev, err := oneShotDevice(args[0], kind)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := configureLogger(cmd, logrus.PanicLevel)
	if err != nil {
		return err
	}
	warnConfig(cfg, logger)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	progress := NewProgressPrinter(cmd.ErrOrStderr(), "Polling "+dev.ID(), phaseConnecting, phaseDone)
	progress.Start()
	defer progress.Stop()

	coord, err := newCoordinator(cfg, logger, func(t device.Transport) device.Transport {
		return trackPhases(t, progress.Callback())
	})
	if err != nil {
		return err
	}
	if err := coord.Reconfigure([]coordinator.Device{dev}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	err = coord.RunCycle(ctx, dev.ID())
	progress.Callback()(phaseDone)
	if err != nil {
		return err
	}

	reading, ok := coord.GetDeviceData(dev.ID())
	if !ok {
		return fmt.Errorf("%s returned no reading", dev.ID())
	}
	drv, err := coord.Driver(dev.ID())
	if err != nil {
		return err
	}
	return printReading(cmd.OutOrStdout(), drv.DescribeFields(), reading)
}
