package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	mtbfagent "github.com/httprunner/MTBFAgent"
	"github.com/httprunner/MTBFAgent/internal/env"
)

var rootCmd = &cobra.Command{
	Use:           "mtbfagent",
	Short:         "Run MTBF jobs on devices borrowed from the shared pool",
	Long:          `mtbfagent acquires a device from the shared pool, forwards its control channel, flashes the configured build, runs the MTBF suite and always releases the device. Configuration comes from the environment and .env.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(rootLogLevel)))
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(level)
		return nil
	},
}

var rootLogLevel string

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(
		newRunCmd(),
		newResolveCmd(),
		newForwardCmd(),
		newReleaseCmd(),
	)
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("mtbfagent command failed")
		os.Exit(mtbfagent.ExitCode(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
