package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	mtbfagent "github.com/httprunner/MTBFAgent"
	"github.com/httprunner/MTBFAgent/internal/execx"
	"github.com/httprunner/MTBFAgent/pkg/forward"
)

func newForwardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "forward",
		Short: "Inspect or establish control-channel forwarding",
	}
	cmd.AddCommand(newForwardListCmd(), newForwardEnsureCmd())
	return cmd
}

func newForwardManager() *forward.Manager {
	cfg := mtbfagent.LoadConfigFromEnv()
	return forward.NewManager(forward.Config{ADBPath: cfg.ADBPath}, execx.NewExecRunner(nil))
}

func newForwardListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List adb forwarding entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := newForwardManager().List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintf(out, "%s\t%s\t%s\n", e.Serial, e.Local, e.Remote)
			}
			return nil
		},
	}
}

func newForwardEnsureCmd() *cobra.Command {
	var (
		flagSerial string
		flagPort   int
	)
	cmd := &cobra.Command{
		Use:   "ensure",
		Short: "Reuse or create forwarding for a device and print the local port",
		RunE: func(cmd *cobra.Command, args []string) error {
			serial := firstNonEmpty(flagSerial, mtbfagent.LoadConfigFromEnv().Serial)
			if strings.TrimSpace(serial) == "" {
				return errors.Wrapf(mtbfagent.ErrConfiguration, "--serial or $%s is required", mtbfagent.EnvSerial)
			}
			port := flagPort
			if port <= 0 {
				var err error
				if port, err = forward.AllocatePort(); err != nil {
					return err
				}
			}
			port, err := newForwardManager().EnsureForwarded(cmd.Context(), serial, port)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), port)
			return nil
		},
	}
	cmd.Flags().StringVar(&flagSerial, "serial", "", "Device serial overriding $ANDROID_SERIAL")
	cmd.Flags().IntVar(&flagPort, "port", 0, "Preferred local port (0 picks a free one)")
	return cmd
}
