// Package flash drives the per-job flashing state machine: full flash from an
// image archive or shallow flash from gecko and gaia archives, at most once
// per job.
package flash

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/MTBFAgent/internal/execx"
	"github.com/httprunner/MTBFAgent/pkg/errkind"
	"github.com/httprunner/MTBFAgent/pkg/flashsrc"
)

// State of the flashing state machine.
type State string

const (
	StateUnflashed State = "UNFLASHED"
	StateFlashing  State = "FLASHING"
	StateFlashed   State = "FLASHED"
	// StateSkipped records that the last attempt lacked artifacts. The other
	// flash path may still run from here; only StateFlashed is terminal.
	StateSkipped State = "SKIPPED"
)

// CleanupPolicy decides what a failed temp-directory removal means.
type CleanupPolicy string

const (
	// CleanupLog logs the failure and keeps the flash result.
	CleanupLog CleanupPolicy = "log"
	// CleanupStrict turns the failure into ErrTempCleanup.
	CleanupStrict CleanupPolicy = "strict"
)

// ParseCleanupPolicy maps a config value onto a policy; unknown values log.
func ParseCleanupPolicy(raw string) CleanupPolicy {
	if strings.EqualFold(strings.TrimSpace(raw), string(CleanupStrict)) {
		return CleanupStrict
	}
	return CleanupLog
}

// ArgStyle formats key/value script options.
type ArgStyle int

const (
	// ArgJoined renders --key=value as one argument.
	ArgJoined ArgStyle = iota
	// ArgSeparate renders --key value as two arguments; the shallow flash
	// script on darwin only accepts this form.
	ArgSeparate
)

// ArgStyleFor selects the option style for a GOOS value.
func ArgStyleFor(goos string) ArgStyle {
	if goos == "darwin" {
		return ArgSeparate
	}
	return ArgJoined
}

// Format renders one option.
func (s ArgStyle) Format(key, value string) []string {
	if s == ArgSeparate {
		return []string{key, value}
	}
	return []string{key + "=" + value}
}

// Forwarder re-establishes control-channel forwarding.
type Forwarder interface {
	EnsureForwarded(ctx context.Context, serial string, preferredPort int) (int, error)
}

// SourceFunc resolves the artifacts to flash.
type SourceFunc func() (flashsrc.Source, error)

// Config controls the Orchestrator.
type Config struct {
	Serial       string
	ADBPath      string
	FlashToolDir string
	// NoFTU disables the first-time-use wizard after a full flash.
	NoFTU            bool
	DisableFTUScript string
	Cleanup          CleanupPolicy
	// Platform selects the shallow flash option style; defaults to runtime.GOOS.
	Platform string
	// TempDir is the parent of scoped extraction directories.
	TempDir      string
	RemountPause time.Duration
}

// Orchestrator is per-job state: create one for every job.
type Orchestrator struct {
	cfg       Config
	runner    execx.Runner
	resolve   SourceFunc
	forwarder Forwarder

	state    State
	source   flashsrc.Source
	resolved bool

	removeAll func(string) error
	sleep     func(ctx context.Context, d time.Duration) error
}

// New builds an Orchestrator in StateUnflashed.
func New(cfg Config, runner execx.Runner, resolve SourceFunc, forwarder Forwarder) *Orchestrator {
	if strings.TrimSpace(cfg.ADBPath) == "" {
		cfg.ADBPath = "adb"
	}
	if strings.TrimSpace(cfg.FlashToolDir) == "" {
		cfg.FlashToolDir = "flash_tool"
	}
	if strings.TrimSpace(cfg.DisableFTUScript) == "" {
		cfg.DisableFTUScript = "./disable_ftu.py"
	}
	if cfg.Cleanup == "" {
		cfg.Cleanup = CleanupLog
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	if cfg.RemountPause <= 0 {
		cfg.RemountPause = 5 * time.Second
	}
	return &Orchestrator{
		cfg:       cfg,
		runner:    runner,
		resolve:   resolve,
		forwarder: forwarder,
		state:     StateUnflashed,
		removeAll: os.RemoveAll,
		sleep:     sleepContext,
	}
}

// State returns the current state.
func (o *Orchestrator) State() State {
	return o.state
}

// Flashed reports whether a flash completed in this job.
func (o *Orchestrator) Flashed() bool {
	return o.state == StateFlashed
}

// Source resolves the artifacts once and caches the result.
func (o *Orchestrator) Source() (flashsrc.Source, error) {
	if o.resolved {
		return o.source, nil
	}
	if o.resolve == nil {
		return nil, errors.Wrap(errkind.ErrConfiguration, "no flash source resolver configured")
	}
	src, err := o.resolve()
	if err != nil {
		return nil, err
	}
	o.source = src
	o.resolved = true
	return src, nil
}

// FullFlash flashes the image archive. It returns true without flashing again
// when the job already flashed, false with no error when no image is
// available, and ErrFlashFailed when the image cannot be prepared or the
// flashing script exits non-zero. The
// scoped extraction directory is removed on every path.
func (o *Orchestrator) FullFlash(ctx context.Context) (bool, error) {
	if o.state == StateFlashed {
		log.Warn().Str("serial", o.cfg.Serial).Msg("flash performed, skip flashing")
		return true, nil
	}
	src, err := o.Source()
	if err != nil {
		return false, err
	}
	if len(src) == 0 {
		log.Warn().Msg("invalid build folder/build_id, skip flashing")
		o.state = StateSkipped
		return false, nil
	}
	if !src.Has(flashsrc.KindImage) {
		log.Warn().Msg("no available image for flash, skip flashing")
		o.state = StateSkipped
		return false, nil
	}

	o.state = StateFlashing
	if err := o.flashImage(ctx, src[flashsrc.KindImage]); err != nil {
		o.state = StateUnflashed
		return false, err
	}
	o.state = StateFlashed
	if o.cfg.NoFTU {
		o.disableFTU(ctx)
	}
	return true, nil
}

func (o *Orchestrator) flashImage(ctx context.Context, image string) (err error) {
	tmp, err := os.MkdirTemp(o.cfg.TempDir, "mtbf-flash-")
	if err != nil {
		return errors.Wrap(err, "create temporary folder")
	}
	log.Info().Str("dir", tmp).Msg("create temporary folder")
	defer func() {
		if rmErr := o.removeAll(tmp); rmErr != nil {
			log.Error().Err(rmErr).Str("dir", tmp).Msg("can not remove temporary folder")
			if o.cfg.Cleanup == CleanupStrict && err == nil {
				err = errors.Wrapf(errkind.ErrTempCleanup, "remove %s: %v", tmp, rmErr)
			}
		}
	}()

	if err := unzip(image, tmp); err != nil {
		return errors.Wrapf(errkind.ErrFlashFailed, "extract image: %v", err)
	}
	distro := filepath.Join(tmp, "b2g-distro")
	for _, script := range []string{"flash.sh", "load-config.sh"} {
		if err := os.Chmod(filepath.Join(distro, script), 0o775); err != nil {
			return errors.Wrapf(errkind.ErrFlashFailed, "set permission on %s: %v", script, err)
		}
	}

	log.Info().Str("serial", o.cfg.Serial).Str("image", image).Msg("full flash started")
	res, err := o.runner.Run(ctx, execx.Cmd{
		Name: filepath.Join(distro, "flash.sh"),
		Args: []string{"-f"},
		Dir:  distro,
		Env:  o.serialEnv(),
	})
	if ctxErr := ctx.Err(); ctxErr != nil && (err != nil || !res.Success()) {
		return errors.Wrap(ctxErr, "run flash.sh")
	}
	if err != nil {
		return errors.Wrapf(errkind.ErrFlashFailed, "run flash.sh: %v", err)
	}
	if !res.Success() {
		return errors.Wrapf(errkind.ErrFlashFailed, "flash.sh exited with %d", res.ExitCode)
	}
	log.Info().Str("serial", o.cfg.Serial).Dur("elapsed", res.Elapsed).Msg("full flash finished")
	return nil
}

// disableFTU stops b2g, runs the FTU disabling script with root and reboots.
// Failures are logged; the device is rebooted in every case.
func (o *Orchestrator) disableFTU(ctx context.Context) {
	log.Info().Msg("NO_FTU is true, disabling first time use")
	o.adb(ctx, "wait-for-device")
	o.adb(ctx, "shell", "stop", "b2g")
	defer o.adb(ctx, "reboot")

	res, ok := o.adb(ctx, "root")
	if !ok || strings.Contains(res.Output(), "cannot") {
		log.Warn().Str("serial", o.cfg.Serial).Msg("no root permission, cannot setup NO_FTU")
		return
	}
	o.adb(ctx, "remount")
	if err := o.sleep(ctx, o.cfg.RemountPause); err != nil {
		return
	}
	res, err := o.runner.Run(ctx, execx.Cmd{Name: o.cfg.DisableFTUScript, Env: o.serialEnv()})
	if err != nil || !res.Success() {
		log.Warn().Err(err).Int("exit_code", res.ExitCode).Msg("disable FTU script failed")
	}
}

// ShallowFlash flashes gecko and gaia archives through the shallow flash
// script. Same idempotence and skip rules as FullFlash.
func (o *Orchestrator) ShallowFlash(ctx context.Context) (bool, error) {
	if o.state == StateFlashed {
		log.Warn().Str("serial", o.cfg.Serial).Msg("flash performed, skip flashing")
		return true, nil
	}
	src, err := o.Source()
	if err != nil {
		return false, err
	}
	if len(src) == 0 {
		log.Warn().Msg("invalid build folder/build_id, skip flashing")
		o.state = StateSkipped
		return false, nil
	}
	if !src.Has(flashsrc.KindGecko, flashsrc.KindGaia) {
		log.Warn().Msg("no gaia or gecko archive, skip flashing")
		o.state = StateSkipped
		return false, nil
	}

	o.state = StateFlashing
	style := ArgStyleFor(o.cfg.Platform)
	args := []string{"-y"}
	args = append(args, style.Format("--gecko", src[flashsrc.KindGecko])...)
	args = append(args, style.Format("--gaia", src[flashsrc.KindGaia])...)
	res, err := o.runner.Run(ctx, execx.Cmd{
		Name: filepath.Join(o.cfg.FlashToolDir, "shallow_flash.sh"),
		Args: args,
		Env:  o.serialEnv(),
	})
	if err != nil || !res.Success() {
		o.state = StateUnflashed
		log.Info().Err(err).Int("exit_code", res.ExitCode).Msg("shallow flash ended abnormally")
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, errors.Wrap(ctxErr, "run shallow_flash.sh")
		}
		if err != nil {
			return false, errors.Wrapf(errkind.ErrFlashFailed, "run shallow_flash.sh: %v", err)
		}
		return false, errors.Wrapf(errkind.ErrFlashFailed, "shallow_flash.sh exited with %d", res.ExitCode)
	}
	o.state = StateFlashed
	o.adb(ctx, "wait-for-device")
	return true, nil
}

// Reconcile waits for the device after a reboot and re-establishes
// forwarding, returning the port now in use.
func (o *Orchestrator) Reconcile(ctx context.Context, preferredPort int) (int, error) {
	if o.forwarder == nil {
		return 0, errors.New("flash: no forwarder configured")
	}
	o.adb(ctx, "wait-for-device")
	return o.forwarder.EnsureForwarded(ctx, o.cfg.Serial, preferredPort)
}

func (o *Orchestrator) adb(ctx context.Context, args ...string) (execx.Result, bool) {
	res, err := o.runner.Run(ctx, execx.Cmd{Name: o.cfg.ADBPath, Args: args, Env: o.serialEnv()})
	if err != nil {
		log.Warn().Err(err).Strs("args", args).Msg("adb command failed")
		return res, false
	}
	if !res.Success() {
		log.Warn().Strs("args", args).Int("exit_code", res.ExitCode).Msg("adb command exited non-zero")
		return res, false
	}
	return res, true
}

func (o *Orchestrator) serialEnv() map[string]string {
	if o.cfg.Serial == "" {
		return nil
	}
	return map[string]string{"ANDROID_SERIAL": o.cfg.Serial}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
