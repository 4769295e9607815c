package mtbfagent

import (
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/MTBFAgent/internal/execx"
)

var (
	multiSpace = regexp.MustCompile(` {2,}`)
	colorReset = regexp.MustCompile(`\x1b?\[0m`)
)

// postFlash brings the device into the state the suite expects.
func (j *Job) postFlash(ctx context.Context) error {
	if err := j.setupSession(ctx); err != nil {
		return err
	}
	j.checkVersions(ctx)
	if j.settings.Actions.ChangeMemory {
		if _, err := j.changeMemory(ctx); err != nil {
			return err
		}
	}
	if j.settings.Actions.NetworkProfile && j.cfg.NetworkProfile != "" {
		if err := j.applyNetworkProfile(ctx); err != nil {
			return err
		}
	}
	if j.settings.Actions.EnableCertifiedAppsDebug {
		j.enableCertifiedAppsDebug(ctx)
	}
	return nil
}

func (j *Job) setupSession(ctx context.Context) error {
	if j.Serial() == "" || j.Port() == 0 {
		return errors.New("fail to get device: no serial or port")
	}
	if j.session != nil {
		if err := j.session.Cleanup(ctx); err != nil {
			log.Warn().Err(err).Msg("cleanup previous session failed")
		}
	}
	j.session = j.deps.Sessions(j.Serial(), j.Port())
	if err := j.session.Start(ctx); err != nil {
		return errors.Wrap(err, "start device session")
	}
	return nil
}

// checkVersions logs the build versions reported by the flash tool.
func (j *Job) checkVersions(ctx context.Context) {
	res, err := j.deps.Runner.Run(ctx, execx.Cmd{
		Name: "./check_versions.py",
		Dir:  j.cfg.FlashToolDir,
		Env:  map[string]string{"NO_COLOR": "TRUE", EnvSerial: j.Serial()},
	})
	if err != nil || !res.Success() {
		log.Warn().Err(err).Int("exit_code", res.ExitCode).Msg("check versions failed")
		return
	}
	for _, line := range strings.Split(CleanVersionOutput(res.Stdout), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			log.Info().Str("serial", j.Serial()).Msg(line)
		}
	}
}

// CleanVersionOutput drops column padding and color resets from the version
// check output.
func CleanVersionOutput(out string) string {
	out = multiSpace.ReplaceAllString(out, "")
	return colorReset.ReplaceAllString(out, "")
}

// changeMemory reboots into the bootloader and sets the usable memory. When
// the device does not answer it only waits for the control channel. Either
// way forwarding is re-established.
func (j *Job) changeMemory(ctx context.Context) (bool, error) {
	serial := j.Serial()
	changed := false
	if j.deps.Prober != nil && j.deps.Prober.Probe(ctx, serial) == nil {
		env := map[string]string{EnvSerial: serial}
		steps := []execx.Cmd{
			{Name: j.cfg.ADBPath, Args: []string{"reboot", "bootloader"}, Env: env},
			{Name: j.cfg.FastbootPath, Args: []string{"oem", "mem", strconv.Itoa(j.cfg.MemoryMB)}, Env: env},
			{Name: j.cfg.FastbootPath, Args: []string{"reboot"}, Env: env},
		}
		for _, cmd := range steps {
			res, err := j.deps.Runner.Run(ctx, cmd)
			if err != nil || !res.Success() {
				log.Warn().Err(err).Str("cmd", cmd.String()).Int("exit_code", res.ExitCode).Msg("change memory step failed")
			}
		}
		changed = true
		log.Info().Str("serial", serial).Int("memory_mb", j.cfg.MemoryMB).Msg("memory changed")
	} else {
		log.Error().Str("serial", serial).Msg("device not found or can't be controlled")
		if err := j.session.WaitForPort(ctx, j.deps.SessionTimeout); err != nil {
			log.Warn().Err(err).Msg("wait for control port failed")
		}
	}
	port, err := j.deps.Forwarder.EnsureForwarded(ctx, serial, j.Port())
	if err != nil {
		return changed, err
	}
	j.handle.Port = port
	return changed, nil
}

func (j *Job) applyNetworkProfile(ctx context.Context) error {
	apns, ok := NetworkProfile(j.cfg.NetworkProfile)
	if !ok {
		return errors.Wrapf(ErrConfiguration, "unknown network profile %s", j.cfg.NetworkProfile)
	}
	if err := j.session.SetSetting(ctx, SettingAPN, apns); err != nil {
		return errors.Wrapf(err, "apply network profile %s", j.cfg.NetworkProfile)
	}
	log.Info().Str("serial", j.Serial()).Str("profile", j.cfg.NetworkProfile).Msg("network profile applied")
	return nil
}

func (j *Job) enableCertifiedAppsDebug(ctx context.Context) {
	env := map[string]string{EnvSerial: j.Serial()}
	res, err := j.deps.Runner.Run(ctx, execx.Cmd{
		Name: filepath.Join(j.cfg.FlashToolDir, "enable_certified_apps_for_devtools.sh"),
		Env:  env,
	})
	if err != nil || !res.Success() {
		log.Warn().Err(err).Int("exit_code", res.ExitCode).Msg("enable certified apps debugging failed")
		return
	}
	if res, err := j.deps.Runner.Run(ctx, execx.Cmd{Name: j.cfg.ADBPath, Args: []string{"wait-for-device"}, Env: env}); err != nil || !res.Success() {
		log.Warn().Err(err).Msg("wait for device failed")
		return
	}
	log.Debug().Msg("successfully enabled certified apps for debugging")
}

// execute rebuilds the control-channel session and hands off to the test
// runners.
func (j *Job) execute(ctx context.Context) error {
	if j.session != nil {
		if err := j.session.Cleanup(ctx); err != nil {
			log.Warn().Err(err).Msg("cleanup session failed")
		}
	}
	j.session = j.deps.Sessions(j.Serial(), j.Port())
	if err := j.session.WaitForPort(ctx, j.deps.SessionTimeout); err != nil {
		return errors.Wrap(err, "wait for control channel")
	}
	log.Info().Str("address", j.address()).Msg("using address")

	env := suiteEnv(j.cfg, j.Serial())
	suites := []struct {
		enabled bool
		suite   Suite
	}{
		{j.settings.Actions.MTBFDaily, Suite{
			Name: "mtbf_daily", Command: j.cfg.DailyRunnerCommand,
			Address: j.address(), TestVars: j.testVars, Args: []string{"tests"}, Env: env,
		}},
		{j.settings.Actions.RunMTBF, Suite{
			Name: "run_mtbf", Command: j.cfg.RunnerCommand,
			Address: j.address(), TestVars: j.testVars, Env: env,
		}},
	}
	for _, s := range suites {
		if !s.enabled {
			continue
		}
		if err := j.deps.TestRunner.RunSuite(ctx, s.suite); err != nil {
			return err
		}
	}
	return nil
}
