package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	mtbfagent "github.com/httprunner/MTBFAgent"
	"github.com/httprunner/MTBFAgent/pkg/flashsrc"
)

func newResolveCmd() *cobra.Command {
	var (
		flagBuildID  string
		flagBaseDir  string
		flagFlashDir string
	)

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the flash artifacts of the configured build",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mtbfagent.LoadConfigFromEnv()
			cfg.BuildID = firstNonEmpty(flagBuildID, cfg.BuildID)
			cfg.FlashBaseDir = firstNonEmpty(flagBaseDir, cfg.FlashBaseDir)
			cfg.FlashDir = firstNonEmpty(flagFlashDir, cfg.FlashDir)

			dir, err := flashsrc.BuildDir(cfg.FlashParams(), cfg.FlashOptions())
			if err != nil {
				return err
			}
			src, err := flashsrc.Resolve(cfg.FlashParams(), cfg.FlashOptions())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dir\t%s\n", dir)
			kinds := make([]string, 0, len(src))
			for kind := range src {
				kinds = append(kinds, string(kind))
			}
			sort.Strings(kinds)
			for _, kind := range kinds {
				fmt.Fprintf(out, "%s\t%s\n", kind, src[flashsrc.Kind(kind)])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&flagBuildID, "build-id", "", "Build id overriding $FLASH_BUILDID")
	cmd.Flags().StringVar(&flagBaseDir, "flash-basedir", "", "Build tree root overriding $FLASH_BASEDIR")
	cmd.Flags().StringVar(&flagFlashDir, "flash-dir", "", "Resolved build directory overriding $FLASH_DIR")
	return cmd
}
