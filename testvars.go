package mtbfagent

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// DefaultTestVarsFile is the last resort test-variables file in the working
// directory.
const DefaultTestVarsFile = "default.json"

// ResolveTestVars picks the test-variables file for serial: the explicit path
// when given, then <dir>/testvars_<serial>.json, then default.json in workDir.
func ResolveTestVars(explicit, dir, serial, workDir string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", errors.Wrapf(ErrConfiguration, "testvars %s: %v", explicit, err)
		}
		return explicit, nil
	}
	if dir != "" && serial != "" {
		candidate := filepath.Join(dir, "testvars_"+serial+".json")
		if fileExists(candidate) {
			log.Info().Str("testvars", candidate).Msg("testvars found")
			return candidate, nil
		}
	}
	if workDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", errors.Wrap(err, "get working directory")
		}
		workDir = wd
	}
	fallback := filepath.Join(workDir, DefaultTestVarsFile)
	if fileExists(fallback) {
		log.Info().Str("testvars", fallback).Msg("using default testvars")
		return fallback, nil
	}
	return "", errors.Wrapf(ErrConfiguration, "default testvars %s doesn't exist", fallback)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
