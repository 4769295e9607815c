package mtbfagent

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Actions switches the optional steps of a job on or off.
type Actions struct {
	ShallowFlash             bool `yaml:"shallow_flash"`
	FullFlash                bool `yaml:"full_flash"`
	ChangeMemory             bool `yaml:"change_memory"`
	NetworkProfile           bool `yaml:"network_profile"`
	EnableCertifiedAppsDebug bool `yaml:"enable_certified_apps_debug"`
	RunMTBF                  bool `yaml:"run_mtbf"`
	MTBFDaily                bool `yaml:"mtbf_daily"`
}

// Settings is the content of the task settings file.
type Settings struct {
	Actions Actions `yaml:"actions"`
}

// DefaultSettings returns the switches used when no settings file exists.
func DefaultSettings() Settings {
	return Settings{Actions: Actions{
		ShallowFlash:             true,
		FullFlash:                true,
		NetworkProfile:           true,
		EnableCertifiedAppsDebug: true,
		RunMTBF:                  true,
	}}
}

// LoadSettings reads a YAML or JSON settings file over DefaultSettings. A
// missing file yields the defaults.
func LoadSettings(path string) (Settings, error) {
	settings := DefaultSettings()
	path = strings.TrimSpace(path)
	if path == "" {
		return settings, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", path).Msg("settings file not found, using default actions")
			return settings, nil
		}
		return settings, errors.Wrapf(err, "read settings %s", path)
	}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return DefaultSettings(), errors.Wrapf(ErrConfiguration, "parse settings %s: %v", path, err)
	}
	log.Debug().Str("path", path).Interface("actions", settings.Actions).Msg("settings loaded")
	return settings, nil
}
