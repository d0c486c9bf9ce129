package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blepoll/internal/groutine"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status --config <file>",
	Short: "Poll every configured device once and print a status table",
	Long: `Runs one acquisition cycle for every configured device in parallel and prints
their availability. Exits non-zero when any device could not be read.

Examples:
  blepoll status --config blepoll.yaml`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("config", "", "Configuration file (required)")
	statusCmd.Flags().String("backend", "", "Override the configured BLE backend")
	_ = statusCmd.MarkFlagRequired("config")
}

func runStatus(cmd *cobra.Command, _ []string) error {
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
	logger, err := configureLogger(cmd, logrus.PanicLevel)
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

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Polling %d devices", len(devices)), phaseExchanging, phaseDone)
	progress.Start()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		failed int
	)
	for _, d := range devices {
		wg.Add(1)
		groutine.Go(ctx, "status-"+d.ID(), func(ctx context.Context) {
			defer wg.Done()
			if err := coord.RunCycle(ctx, d.ID()); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		})
	}
	wg.Wait()
	progress.Callback()(phaseDone)

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := printDiagnostics(cmd.OutOrStdout(), time.Now(), coord.Diagnostics()); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d devices could not be read", failed, len(devices))
	}
	return nil
}
