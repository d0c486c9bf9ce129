package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blepoll/internal/coordinator"
	"github.com/srg/blepoll/pkg/config"
)

const eventFlushInterval = 250 * time.Millisecond

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run --config <file>",
	Short: "Poll every configured device until interrupted",
	Long: `Polls every device listed in the configuration file on its own schedule and
prints availability changes and updates as they happen.

Send SIGHUP to reload the device list without restarting; devices whose
settings did not change keep their schedule.

Examples:
  # Poll and print events
  blepoll run --config blepoll.yaml

  # Also print a status table every minute
  blepoll run --config blepoll.yaml --status-every 1m`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var runStatusEvery time.Duration

func init() {
	runCmd.Flags().String("config", "", "Configuration file (required)")
	runCmd.Flags().String("backend", "", "Override the configured BLE backend")
	runCmd.Flags().DurationVar(&runStatusEvery, "status-every", 0, "Print the device status table at this interval; 0 disables")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	devices, err := cfg.CoordinatorDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		return ErrNoDevices
	}
	logger, err := configureLogger(cmd, cfg.LogLevel)
	if err != nil {
		return err
	}
	warnConfig(cfg, logger)

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	coord, err := newCoordinator(cfg, logger, nil)
	if err != nil {
		return err
	}
	if err := coord.Reconfigure(devices); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer coord.Stop()

	path, _ := cmd.Flags().GetString("config")
	reload := func() error {
		next, err := config.Load(path)
		if err != nil {
			return err
		}
		warnConfig(next, logger)
		if next.Backend != cfg.Backend {
			logger.WithFields(logrus.Fields{
				"configured": next.Backend,
				"active":     cfg.Backend,
			}).Warn("Backend change requires a restart")
		}
		devices, err := next.CoordinatorDevices()
		if err != nil {
			return err
		}
		if len(devices) == 0 {
			return ErrNoDevices
		}
		return coord.Reconfigure(devices)
	}

	return serve(ctx, cmd.OutOrStdout(), coord, hup, reload, runStatusEvery, logger)
}

// serve prints events until ctx ends, reloading on every hup signal.
func serve(ctx context.Context, out io.Writer, coord *coordinator.Coordinator, hup <-chan os.Signal, reload func() error, statusEvery time.Duration, logger *logrus.Logger) error {
	flush := time.NewTicker(eventFlushInterval)
	defer flush.Stop()

	var status <-chan time.Time
	if statusEvery > 0 {
		t := time.NewTicker(statusEvery)
		defer t.Stop()
		status = t.C
	}

	printEvents := func() {
		for _, ev := range coord.DrainEvents() {
			name := ev.DeviceID
			if st, ok := coord.State(ev.DeviceID); ok && st.Name != "" {
				name = st.Name
			}
			printEvent(out, ev, name)
		}
	}

	for {
		select {
		case <-ctx.Done():
			printEvents()
			return nil
		case <-hup:
			if err := reload(); err != nil {
				logger.WithField("error", err).Error("Configuration reload failed; keeping the current devices")
				fmt.Fprintf(out, "reload failed: %s\n", FormatUserError(err))
				continue
			}
			logger.WithField("devices", len(coord.Devices())).Info("Configuration reloaded")
		case <-flush.C:
			printEvents()
		case <-status:
			if err := printDiagnostics(out, time.Now(), coord.Diagnostics()); err != nil {
				return err
			}
		}
	}
}
