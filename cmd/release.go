package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	mtbfagent "github.com/httprunner/MTBFAgent"
	"github.com/httprunner/MTBFAgent/internal/execx"
	"github.com/httprunner/MTBFAgent/pkg/forward"
	"github.com/httprunner/MTBFAgent/pkg/storage"
)

func newReleaseCmd() *cobra.Command {
	var (
		flagSerial string
		flagList   bool
	)
	cmd := &cobra.Command{
		Use:   "release",
		Short: "Drop a device lease and its forwarding left by a crashed job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := mtbfagent.LoadConfigFromEnv()
			db, err := storage.Open(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			leases := db.Leases(cfg.LeaseTTL)

			if flagList {
				current, err := leases.List(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, l := range current {
					fmt.Fprintf(out, "%s\t%s\t%s\t%d\t%s\n", l.Serial, l.Owner, l.Host, l.PID, l.AcquiredAt.Format("2006-01-02 15:04:05"))
				}
				return nil
			}

			serial := strings.TrimSpace(flagSerial)
			if serial == "" {
				return errors.Wrap(mtbfagent.ErrConfiguration, "--serial is required")
			}
			fwd := forward.NewManager(forward.Config{ADBPath: cfg.ADBPath}, execx.NewExecRunner(nil))
			if port, ok, err := fwd.IsForwarded(ctx, serial); err != nil {
				log.Warn().Err(err).Str("serial", serial).Msg("query forwarding failed")
			} else if ok {
				if err := fwd.Remove(ctx, serial, port); err != nil {
					return err
				}
			}
			dropped, err := leases.ForceUnlock(ctx, serial)
			if err != nil {
				return err
			}
			log.Info().Str("serial", serial).Bool("lease_dropped", dropped).Msg("device released")
			return nil
		},
	}
	cmd.Flags().StringVar(&flagSerial, "serial", "", "Device serial to release")
	cmd.Flags().BoolVar(&flagList, "list", false, "List current leases instead of releasing")
	return cmd
}
