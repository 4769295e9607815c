package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	mtbfagent "github.com/httprunner/MTBFAgent"
)

func newRunCmd() *cobra.Command {
	var (
		flagSerial   string
		flagBuildID  string
		flagBaseDir  string
		flagFlashDir string
		flagSettings string
		flagTestVars string
		flagNoFTU    bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one MTBF job",
		Long:  "Acquire a device, flash the configured build, run the MTBF suite and release the device.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mtbfagent.LoadConfigFromEnv()
			cfg.Serial = firstNonEmpty(flagSerial, cfg.Serial)
			cfg.BuildID = firstNonEmpty(flagBuildID, cfg.BuildID)
			cfg.FlashBaseDir = firstNonEmpty(flagBaseDir, cfg.FlashBaseDir)
			cfg.FlashDir = firstNonEmpty(flagFlashDir, cfg.FlashDir)
			cfg.SettingsPath = firstNonEmpty(flagSettings, cfg.SettingsPath)
			cfg.TestVars = firstNonEmpty(flagTestVars, cfg.TestVars)
			if cmd.Flags().Changed("no-ftu") {
				cfg.NoFTU = flagNoFTU
			}

			settings, err := mtbfagent.LoadSettings(cfg.SettingsPath)
			if err != nil {
				return err
			}
			rt, err := mtbfagent.NewRuntime(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			deps, err := rt.Dependencies(settings)
			if err != nil {
				return err
			}
			job, err := mtbfagent.NewJob(cfg, deps)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			log.Info().
				Str("job_id", job.ID()).
				Str("serial", cfg.Serial).
				Str("build_id", cfg.BuildID).
				Str("settings", cfg.SettingsPath).
				Msg("mtbf job starting")
			return job.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&flagSerial, "serial", "", "Device serial overriding $ANDROID_SERIAL")
	cmd.Flags().StringVar(&flagBuildID, "build-id", "", "Build id overriding $FLASH_BUILDID")
	cmd.Flags().StringVar(&flagBaseDir, "flash-basedir", "", "Build tree root overriding $FLASH_BASEDIR")
	cmd.Flags().StringVar(&flagFlashDir, "flash-dir", "", "Resolved build directory overriding $FLASH_DIR")
	cmd.Flags().StringVar(&flagSettings, "settings", "", "Task settings file overriding $MTBF_SETTINGS")
	cmd.Flags().StringVar(&flagTestVars, "testvars", "", "Test variables file overriding $MTBF_TESTVARS")
	cmd.Flags().BoolVar(&flagNoFTU, "no-ftu", false, "Disable the first time use wizard after a full flash")
	return cmd
}
