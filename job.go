// Package mtbfagent runs one MTBF job on a device borrowed from the shared
// pool: acquire, flash, run the stability suite and always release.
package mtbfagent

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/MTBFAgent/internal/execx"
	"github.com/httprunner/MTBFAgent/pkg/devicepool"
	"github.com/httprunner/MTBFAgent/pkg/flash"
	"github.com/httprunner/MTBFAgent/pkg/flashsrc"
	"github.com/httprunner/MTBFAgent/pkg/recorder"
	"github.com/httprunner/MTBFAgent/pkg/session"
)

// JobState is the lifecycle phase of a job.
type JobState string

const (
	StateAcquiring  JobState = "ACQUIRING"
	StateFlashing   JobState = "FLASHING"
	StateForwarding JobState = "FORWARDING"
	StatePostFlash  JobState = "POST_FLASH"
	StateExecuting  JobState = "EXECUTING"
	StateReleasing  JobState = "RELEASING"
	StateDone       JobState = "DONE"
	StateFailed     JobState = "FAILED"
)

// DefaultSessionTimeout bounds waiting for the control channel port.
const DefaultSessionTimeout = 60 * time.Second

// DevicePool hands out exclusive device handles.
type DevicePool interface {
	Acquire(ctx context.Context) (*devicepool.Handle, error)
	Release(ctx context.Context, h *devicepool.Handle) (bool, error)
}

// Forwarder establishes control-channel forwarding.
type Forwarder interface {
	EnsureForwarded(ctx context.Context, serial string, preferredPort int) (int, error)
}

// DeviceProber checks that a device answers shell commands.
type DeviceProber interface {
	Probe(ctx context.Context, serial string) error
}

// Hook is an extension point run between phases.
type Hook func(ctx context.Context, job *Job) error

// Dependencies are the collaborators of a Job.
type Dependencies struct {
	Pool         DevicePool
	Forwarder    Forwarder
	Runner       execx.Runner
	Prober       DeviceProber
	Sessions     session.Factory
	TestRunner   TestRunner
	Recorder     recorder.JobRecorder
	AllocatePort func() (int, error)
	// Settings are the action switches; zero value means DefaultSettings.
	Settings *Settings

	PreFlash      Hook
	CollectReport Hook

	// WorkDir holds the default testvars file; empty means the current directory.
	WorkDir        string
	SessionTimeout time.Duration
	Clock          func() time.Time
	Sleep          func(ctx context.Context, d time.Duration) error
}

// Job is the lifecycle of one run. Create one per run; Run may be called once.
type Job struct {
	id   string
	cfg  Config
	deps Dependencies

	settings Settings
	started  atomic.Bool

	state    JobState
	handle   *devicepool.Handle
	flasher  *flash.Orchestrator
	session  session.Session
	testVars string
	startAt  time.Time
}

// NewJob validates the dependencies and builds a Job with a fresh id.
func NewJob(cfg Config, deps Dependencies) (*Job, error) {
	if deps.Pool == nil {
		return nil, errors.New("job: device pool cannot be nil")
	}
	if deps.Forwarder == nil {
		return nil, errors.New("job: forwarder cannot be nil")
	}
	if deps.Runner == nil {
		return nil, errors.New("job: command runner cannot be nil")
	}
	if deps.Sessions == nil {
		return nil, errors.New("job: session factory cannot be nil")
	}
	if deps.TestRunner == nil {
		deps.TestRunner = CommandTestRunner{Runner: deps.Runner}
	}
	if deps.Recorder == nil {
		deps.Recorder = recorder.NoopRecorder{}
	}
	if deps.AllocatePort == nil {
		return nil, errors.New("job: port allocator cannot be nil")
	}
	if deps.SessionTimeout <= 0 {
		deps.SessionTimeout = DefaultSessionTimeout
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	cfg.applyDefaults()

	settings := DefaultSettings()
	if deps.Settings != nil {
		settings = *deps.Settings
	}
	return &Job{
		id:       uuid.NewString(),
		cfg:      cfg,
		deps:     deps,
		settings: settings,
	}, nil
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.id }

// State returns the current phase.
func (j *Job) State() JobState { return j.state }

// Config returns the job configuration.
func (j *Job) Config() Config { return j.cfg }

// Serial returns the acquired device serial, empty before acquisition.
func (j *Job) Serial() string {
	if j.handle == nil {
		return ""
	}
	return j.handle.Serial
}

// Port returns the local control-channel port.
func (j *Job) Port() int {
	if j.handle == nil {
		return 0
	}
	return j.handle.Port
}

// Flashed reports whether this job flashed the device.
func (j *Job) Flashed() bool {
	return j.flasher != nil && j.flasher.Flashed()
}

// TestVars returns the resolved test-variables file.
func (j *Job) TestVars() string { return j.testVars }

// Run executes every phase and releases the device on every exit path,
// including a panic in a phase, which is re-raised after the release.
func (j *Job) Run(ctx context.Context) (err error) {
	if !j.started.CompareAndSwap(false, true) {
		return errors.Errorf("job %s already ran", j.id)
	}
	j.startAt = j.deps.Clock()
	j.state = StateAcquiring
	if recErr := j.deps.Recorder.CreateJob(ctx, &recorder.JobRecord{
		JobID:   j.id,
		Serial:  j.cfg.Serial,
		State:   string(j.state),
		StartAt: j.startAt,
	}); recErr != nil {
		log.Warn().Err(recErr).Str("job_id", j.id).Msg("record job creation failed")
	}
	log.Info().Str("job_id", j.id).Str("state", string(j.state)).Msg("job started")

	defer func() {
		recovered := recover()
		if recovered != nil {
			err = errors.Errorf("job panicked: %v", recovered)
		}
		err = j.finish(context.WithoutCancel(ctx), err)
		if recovered != nil {
			panic(recovered)
		}
	}()
	return j.runPhases(ctx)
}

func (j *Job) runPhases(ctx context.Context) error {
	if err := j.acquire(ctx); err != nil {
		return err
	}
	if err := j.configure(); err != nil {
		return err
	}
	if err := j.hook(ctx, "pre_flash", j.deps.PreFlash); err != nil {
		return err
	}

	j.transition(ctx, StateFlashing, nil)
	if err := j.flash(ctx); err != nil {
		return err
	}

	j.transition(ctx, StateForwarding, nil)
	port, err := j.flasher.Reconcile(ctx, j.handle.Port)
	if err != nil {
		return err
	}
	j.handle.Port = port

	j.transition(ctx, StatePostFlash, nil)
	if err := j.postFlash(ctx); err != nil {
		return err
	}

	j.transition(ctx, StateExecuting, nil)
	if err := j.execute(ctx); err != nil {
		return err
	}
	return j.hook(ctx, "collect_report", j.deps.CollectReport)
}

// finish routes failures through FAILED, then releases the device exactly
// once and ends in DONE.
func (j *Job) finish(ctx context.Context, runErr error) error {
	if runErr != nil {
		log.Error().Err(runErr).Str("job_id", j.id).Str("serial", j.Serial()).
			Str("phase", string(j.state)).Msg("job failed")
		j.transition(ctx, StateFailed, runErr)
	}
	if j.session != nil {
		if err := j.session.Cleanup(ctx); err != nil {
			log.Warn().Err(err).Str("job_id", j.id).Msg("cleanup session failed")
		}
		j.session = nil
	}

	j.transition(ctx, StateReleasing, runErr)
	serial := j.Serial()
	released, relErr := j.deps.Pool.Release(ctx, j.handle)
	if relErr != nil {
		log.Error().Err(relErr).Str("job_id", j.id).Str("serial", serial).Msg("release device failed")
	} else if !released {
		log.Warn().Str("job_id", j.id).Msg("no device allocated")
	}

	err := runErr
	if err == nil && relErr != nil {
		err = relErr
	}
	j.transition(ctx, StateDone, err)
	log.Info().Str("job_id", j.id).Str("serial", serial).Bool("flashed", j.Flashed()).
		Dur("elapsed", j.deps.Clock().Sub(j.startAt)).Bool("success", err == nil).Msg("job finished")
	return err
}

// acquire locks a device, retrying NoDeviceAvailable, and forwards a fresh
// local port to its control channel.
func (j *Job) acquire(ctx context.Context) error {
	var (
		handle *devicepool.Handle
		err    error
	)
	for attempt := 0; ; attempt++ {
		handle, err = j.deps.Pool.Acquire(ctx)
		if err == nil || !errors.Is(err, ErrNoDeviceAvailable) || attempt >= j.cfg.AcquireRetries {
			break
		}
		log.Info().Int("attempt", attempt+1).Dur("backoff", j.cfg.AcquireBackoff).
			Msg("no available device, retry after backoff")
		if sleepErr := j.deps.Sleep(ctx, j.cfg.AcquireBackoff); sleepErr != nil {
			return sleepErr
		}
	}
	if err != nil {
		return err
	}
	j.handle = handle

	port, err := j.deps.AllocatePort()
	if err != nil {
		return errors.Wrap(err, "allocate local port")
	}
	port, err = j.deps.Forwarder.EnsureForwarded(ctx, handle.Serial, port)
	if err != nil {
		log.Error().Err(err).Str("serial", handle.Serial).Msg("port forwarding failed")
		return err
	}
	handle.Port = port
	j.record(ctx, nil)
	log.Info().Str("job_id", j.id).Str("serial", handle.Serial).Int("port", port).Msg("device ready")
	return nil
}

// configure validates the job options and resolves the test variables.
func (j *Job) configure() error {
	if err := j.cfg.Validate(); err != nil {
		return err
	}
	testVars, err := ResolveTestVars(j.cfg.TestVars, j.cfg.TestVarsDir, j.handle.Serial, j.deps.WorkDir)
	if err != nil {
		return err
	}
	j.testVars = testVars
	j.flasher = flash.New(flash.Config{
		Serial:       j.handle.Serial,
		ADBPath:      j.cfg.ADBPath,
		FlashToolDir: j.cfg.FlashToolDir,
		NoFTU:        j.cfg.NoFTU,
		Cleanup:      j.cfg.TempCleanup,
	}, j.deps.Runner, j.resolveSource, j.deps.Forwarder)
	log.Info().Str("job_id", j.id).Int("time_budget", j.cfg.TimeBudget).Str("profile", j.cfg.Profile).
		Str("testvars", testVars).Msg("job configured")
	return nil
}

func (j *Job) resolveSource() (flashsrc.Source, error) {
	return flashsrc.Resolve(j.cfg.FlashParams(), j.cfg.FlashOptions())
}

// flash tries the shallow path, then the full path. A failed flashing script
// is tolerated and the job goes on unflashed.
func (j *Job) flash(ctx context.Context) error {
	steps := []struct {
		name    string
		enabled bool
		run     func(context.Context) (bool, error)
	}{
		{"shallow_flash", j.settings.Actions.ShallowFlash, j.flasher.ShallowFlash},
		{"full_flash", j.settings.Actions.FullFlash, j.flasher.FullFlash},
	}
	for _, step := range steps {
		if !step.enabled {
			log.Debug().Str("action", step.name).Msg("action disabled")
			continue
		}
		ok, err := step.run(ctx)
		if err != nil {
			if errors.Is(err, ErrFlashFailed) {
				log.Warn().Err(err).Str("action", step.name).Msg("flash failed, continue unflashed")
				continue
			}
			return err
		}
		log.Info().Str("action", step.name).Bool("flashed", ok).Str("state", string(j.flasher.State())).Msg("flash step done")
	}
	j.record(ctx, nil)
	return nil
}

func (j *Job) hook(ctx context.Context, name string, h Hook) error {
	if h == nil {
		return nil
	}
	if err := h(ctx, j); err != nil {
		return errors.Wrapf(err, "%s hook", name)
	}
	return nil
}

func (j *Job) transition(ctx context.Context, to JobState, cause error) {
	from := j.state
	j.state = to
	log.Info().Str("job_id", j.id).Str("serial", j.Serial()).
		Str("from", string(from)).Str("to", string(to)).Msg("job state changed")
	j.record(ctx, cause)
}

func (j *Job) record(ctx context.Context, cause error) {
	upd := &recorder.JobUpdate{
		Serial:  j.Serial(),
		State:   string(j.state),
		Flashed: j.Flashed(),
		Port:    j.Port(),
	}
	if cause != nil {
		upd.Error = cause.Error()
	}
	if j.state == StateDone {
		end := j.deps.Clock()
		upd.EndAt = &end
	}
	if err := j.deps.Recorder.UpdateJob(ctx, j.id, upd); err != nil {
		log.Warn().Err(err).Str("job_id", j.id).Str("state", upd.State).Msg("record job state failed")
	}
}

func (j *Job) address() string {
	return fmt.Sprintf("localhost:%d", j.Port())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
