package main

import (
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blepoll/internal/coordinator"
	"github.com/srg/blepoll/internal/device"
	"github.com/srg/blepoll/internal/devicefactory"
	"github.com/srg/blepoll/internal/driver"
	"github.com/srg/blepoll/pkg/config"
)

// loadConfig reads --config when given and applies --backend on top.
// Without --config the defaults are used.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg := config.DefaultConfig()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("backend") {
		backend, _ := cmd.Flags().GetString("backend")
		cfg.Backend = strings.ToLower(backend)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// warnConfig logs settings that are valid but inconsistent.
func warnConfig(cfg *config.Config, logger *logrus.Logger) {
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}
}

// newCoordinator builds a coordinator for cfg's backend and driver options.
// wrap, when set, decorates the transport.
func newCoordinator(cfg *config.Config, logger *logrus.Logger, wrap func(device.Transport) device.Transport) (*coordinator.Coordinator, error) {
	transport, err := devicefactory.NewTransport(cfg.Backend, logger)
	if err != nil {
		return nil, err
	}
	if wrap != nil {
		transport = wrap(transport)
	}
	drivers := devicefactory.NewDriverSet(cfg.DriverOptions(), logger)
	return coordinator.New(transport, drivers, cfg.CoordinatorOptions(), logger), nil
}

// oneShotDevice describes a device addressed on the command line.
func oneShotDevice(address string, kind driver.Kind) (coordinator.Device, error) {
	if err := device.ValidateAddress(address); err != nil {
		return coordinator.Device{}, err
	}
	return coordinator.Device{
		Address:      device.NormalizeAddress(address),
		Kind:         kind,
		PollInterval: config.MinPollInterval,
		MaxRetries:   1,
	}, nil
}

// addDeviceFlags registers the flags shared by commands that target one device.
func addDeviceFlags(cmd *cobra.Command, kind *string) {
	cmd.Flags().StringVar(kind, "kind", string(driver.KindPetkitFountain), "Device kind ("+kindList()+")")
	cmd.Flags().String("config", "", "Configuration file for protocol timeouts and backend")
	cmd.Flags().String("backend", devicefactory.BackendGoBLE, "BLE backend ("+strings.Join(devicefactory.Backends(), ", ")+")")
}

func kindList() string {
	kinds := driver.Kinds()
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}
	return strings.Join(names, ", ")
}
