package mtbfagent

import (
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/MTBFAgent/internal/config"
	"github.com/httprunner/MTBFAgent/pkg/devicepool"
	"github.com/httprunner/MTBFAgent/pkg/flash"
	"github.com/httprunner/MTBFAgent/pkg/flashsrc"
)

// Environment variables recognized by LoadConfigFromEnv.
const (
	EnvSerial          = devicepool.EnvSerial
	EnvAcquireRetries  = "MTBF_ACQUIRE_RETRIES"
	EnvAcquireBackoff  = "MTBF_ACQUIRE_BACKOFF"
	EnvFlashBaseDir    = "FLASH_BASEDIR"
	EnvFlashDir        = "FLASH_DIR"
	EnvFlashBuildID    = "FLASH_BUILDID"
	EnvFlashBranch     = "FLASH_BRANCH"
	EnvFlashBuild      = "FLASH_BUILD"
	EnvNoFTU           = "NO_FTU"
	EnvFlashToolDir    = "FLASH_TOOL_DIR"
	EnvTempCleanup     = "FLASH_TEMP_CLEANUP"
	EnvTimeBudget      = "MTBF_TIME"
	EnvProfile         = "MTBF_CONF"
	EnvTestVars        = "MTBF_TESTVARS"
	EnvTestVarsDir     = "MTBF_TESTVARS_DIR"
	EnvSettingsPath    = "MTBF_SETTINGS"
	EnvNetworkProfile  = "MTBF_NETWORK_PROFILE"
	EnvMemoryMB        = "MTBF_MEMORY_MB"
	EnvADBPath         = "ADB_PATH"
	EnvFastbootPath    = "FASTBOOT_PATH"
	EnvRunner          = "MTBF_RUNNER"
	EnvDailyRunner     = "MTBF_DAILY_RUNNER"
	EnvDBPath          = "MTBF_DB_PATH"
	EnvLeaseTTL        = "MTBF_LEASE_TTL"
	EnvDeviceAllowlist = devicepool.EnvDeviceAllowlist
)

const (
	DefaultBranch       = "mozilla-b2g34_v2_1-flame-kk-eng"
	DefaultTimeBudget   = 120
	DefaultProfile      = "default.conf"
	DefaultTestVarsDir  = "/mnt/mtbf_shared/testvars"
	DefaultSettingsPath = "tasks/task_default.json"
	DefaultMemoryMB     = 319
	DefaultFlashToolDir = "flash_tool"
)

// Config enumerates every option of one job run. Build it with
// LoadConfigFromEnv or by hand; Validate runs once at job start.
type Config struct {
	// Serial pins the job to one device; empty takes any free device.
	Serial          string
	DeviceAllowlist []string
	AcquireRetries  int
	AcquireBackoff  time.Duration

	FlashBaseDir string
	// FlashDir is a pre-resolved build directory and skips build id decoding.
	FlashDir     string
	BuildID      string
	Branch       string
	Build        string
	NoFTU        bool
	FlashToolDir string
	TempCleanup  flash.CleanupPolicy

	// TimeBudget is exported to the test runner as MTBF_TIME.
	TimeBudget int
	// Profile is exported to the test runner as MTBF_CONF.
	Profile        string
	TestVars       string
	TestVarsDir    string
	SettingsPath   string
	NetworkProfile string
	MemoryMB       int

	ADBPath            string
	FastbootPath       string
	RunnerCommand      string
	DailyRunnerCommand string

	DBPath   string
	LeaseTTL time.Duration

	// envErr keeps the first unparsable variable seen by LoadConfigFromEnv.
	envErr error
}

// LoadConfigFromEnv reads Config from the process environment (and .env).
func LoadConfigFromEnv() Config {
	var envErr error
	cfg := Config{
		Serial:             config.String(EnvSerial, ""),
		DeviceAllowlist:    config.List(EnvDeviceAllowlist),
		AcquireRetries:     intEnv(&envErr, EnvAcquireRetries, 1),
		AcquireBackoff:     config.Duration(EnvAcquireBackoff, 30*time.Second),
		FlashBaseDir:       config.String(EnvFlashBaseDir, ""),
		FlashDir:           config.String(EnvFlashDir, ""),
		BuildID:            config.String(EnvFlashBuildID, ""),
		Branch:             config.String(EnvFlashBranch, DefaultBranch),
		Build:              config.String(EnvFlashBuild, ""),
		NoFTU:              strings.EqualFold(config.String(EnvNoFTU, ""), "true"),
		FlashToolDir:       config.String(EnvFlashToolDir, DefaultFlashToolDir),
		TempCleanup:        flash.ParseCleanupPolicy(config.String(EnvTempCleanup, "")),
		TimeBudget:         intEnv(&envErr, EnvTimeBudget, DefaultTimeBudget),
		Profile:            config.String(EnvProfile, DefaultProfile),
		TestVars:           config.String(EnvTestVars, ""),
		TestVarsDir:        config.String(EnvTestVarsDir, DefaultTestVarsDir),
		SettingsPath:       config.String(EnvSettingsPath, DefaultSettingsPath),
		NetworkProfile:     config.String(EnvNetworkProfile, ""),
		MemoryMB:           intEnv(&envErr, EnvMemoryMB, DefaultMemoryMB),
		ADBPath:            config.String(EnvADBPath, "adb"),
		FastbootPath:       config.String(EnvFastbootPath, "fastboot"),
		RunnerCommand:      config.String(EnvRunner, "mtbf"),
		DailyRunnerCommand: config.String(EnvDailyRunner, "gaiatest"),
		DBPath:             config.String(EnvDBPath, ""),
		LeaseTTL:           config.Duration(EnvLeaseTTL, 0),
	}
	cfg.envErr = envErr
	cfg.applyDefaults()
	return cfg
}

func intEnv(first *error, key string, fallback int) int {
	v, err := config.ParseInt(key, fallback)
	if err != nil && *first == nil {
		*first = err
	}
	return v
}

func (c *Config) applyDefaults() {
	if c.AcquireRetries < 0 {
		c.AcquireRetries = 0
	}
	if c.Branch == "" {
		c.Branch = DefaultBranch
	}
	if c.FlashToolDir == "" {
		c.FlashToolDir = DefaultFlashToolDir
	}
	if c.TempCleanup == "" {
		c.TempCleanup = flash.CleanupLog
	}
	if c.TestVarsDir == "" {
		c.TestVarsDir = DefaultTestVarsDir
	}
	if c.MemoryMB <= 0 {
		c.MemoryMB = DefaultMemoryMB
	}
	if c.ADBPath == "" {
		c.ADBPath = "adb"
	}
	if c.FastbootPath == "" {
		c.FastbootPath = "fastboot"
	}
	if c.RunnerCommand == "" {
		c.RunnerCommand = "mtbf"
	}
	if c.DailyRunnerCommand == "" {
		c.DailyRunnerCommand = "gaiatest"
	}
}

// Validate checks the options every job needs before touching the device.
func (c Config) Validate() error {
	if c.envErr != nil {
		return errors.Wrap(ErrConfiguration, c.envErr.Error())
	}
	if c.TimeBudget <= 0 {
		return errors.Wrapf(ErrConfiguration, "%s must be positive, got %d", EnvTimeBudget, c.TimeBudget)
	}
	if strings.TrimSpace(c.Profile) == "" {
		return errors.Wrapf(ErrConfiguration, "%s must not be empty", EnvProfile)
	}
	if strings.TrimSpace(c.FlashBaseDir) == "" && strings.TrimSpace(c.FlashDir) == "" {
		return errors.Wrapf(ErrConfiguration, "no %s set", EnvFlashBaseDir)
	}
	if c.NetworkProfile != "" {
		if _, ok := NetworkProfile(c.NetworkProfile); !ok {
			return errors.Wrapf(ErrConfiguration, "unknown %s %q, known: %s",
				EnvNetworkProfile, c.NetworkProfile, strings.Join(NetworkProfiles(), ","))
		}
	}
	return nil
}

// FlashParams returns the build description.
func (c Config) FlashParams() flashsrc.Params {
	return flashsrc.Params{Branch: c.Branch, Build: c.Build, BuildID: c.BuildID}
}

// FlashOptions returns where builds are looked up.
func (c Config) FlashOptions() flashsrc.Options {
	return flashsrc.Options{BaseDir: c.FlashBaseDir, Dir: c.FlashDir}
}
