package main

import (
	"github.com/spf13/cobra"
	"github.com/srg/blepoll/internal/devicefactory"
	"github.com/srg/blepoll/internal/driver"
)

// fieldsCmd represents the fields command
var fieldsCmd = &cobra.Command{
	Use:   "fields [kind]",
	Short: "Describe the fields and commands of supported device kinds",
	Long: `Lists every field a device kind reports, with its unit and presentation class,
and the control commands the kind accepts.

Examples:
  # All kinds
  blepoll fields

  # Only the fountain
  blepoll fields petkit_fountain`,
	Args: cobra.MaximumNArgs(1),
	RunE: runFields,
}

func runFields(cmd *cobra.Command, args []string) error {
	kinds := driver.Kinds()
	if len(args) == 1 {
		kind, err := driver.ParseKind(args[0])
		if err != nil {
			return err
		}
		kinds = []driver.Kind{kind}
	}
	cmd.SilenceUsage = true

	drivers := devicefactory.NewDriverSet(devicefactory.DriverOptions{}, nil)
	out := cmd.OutOrStdout()
	for i, kind := range kinds {
		drv, err := drivers.Get(kind)
		if err != nil {
			return err
		}
		var commands []string
		if ctrl, ok := drv.(driver.Controller); ok {
			commands = ctrl.CommandNames()
		}
		if i > 0 {
			if _, err := out.Write([]byte("\n")); err != nil {
				return err
			}
		}
		if err := printFields(out, kind, drv.DescribeFields(), commands); err != nil {
			return err
		}
	}
	return nil
}
