package env

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// EnvDotEnvPath points at an explicit dotenv file and disables the upward search.
const EnvDotEnvPath = "MTBF_DOTENV"

var (
	loadOnce   sync.Once
	loadedPath string
	loadErr    error
)

// Ensure loads the dotenv file named by MTBF_DOTENV, or else the first .env
// found from the working directory up to the filesystem root. Variables that
// are already set in the process environment are never overridden.
// Subsequent calls are no-ops.
func Ensure() error {
	// go test runs stay hermetic unless GOTEST_LOAD_DOTENV=1.
	if testing.Testing() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	loadOnce.Do(func() {
		path, err := locate()
		if err != nil {
			loadErr = err
			log.Debug().Err(err).Msg("mtbfagent: search .env failed")
			return
		}
		if path == "" {
			return
		}
		if err := godotenv.Load(path); err != nil {
			loadErr = err
			log.Warn().Err(err).Str("dotenv", path).Msg("mtbfagent: load .env failed")
			return
		}
		loadedPath = path
		log.Debug().Str("dotenv", path).Msg("mtbfagent: loaded .env")
	})
	return loadErr
}

// LoadedPath returns the dotenv path that was loaded, otherwise "".
func LoadedPath() string {
	return loadedPath
}

func locate() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvDotEnvPath)); explicit != "" {
		info, err := os.Stat(explicit)
		if err != nil {
			return "", err
		}
		if info.IsDir() {
			return filepath.Join(explicit, ".env"), nil
		}
		return explicit, nil
	}
	return findDotEnv()
}

// findDotEnv walks from the working directory towards the root and returns
// the first regular .env file.
func findDotEnv() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for prev := ""; dir != prev; prev, dir = dir, filepath.Dir(dir) {
		candidate := filepath.Join(dir, ".env")
		info, err := os.Stat(candidate)
		switch {
		case err == nil && !info.IsDir():
			return candidate, nil
		case err != nil && !errors.Is(err, os.ErrNotExist):
			return "", err
		}
	}
	return "", nil
}
