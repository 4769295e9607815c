package mtbfagent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/httprunner/MTBFAgent/internal/execx"
	"github.com/httprunner/MTBFAgent/pkg/devicepool"
	"github.com/httprunner/MTBFAgent/pkg/recorder"
	"github.com/httprunner/MTBFAgent/pkg/session"
)

type stubPool struct {
	mu       sync.Mutex
	serial   string
	acquire  []error
	acquired int
	releases int
	handles  []*devicepool.Handle
}

func (p *stubPool) Acquire(ctx context.Context) (*devicepool.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquired++
	if len(p.acquire) > 0 {
		err := p.acquire[0]
		p.acquire = p.acquire[1:]
		if err != nil {
			return nil, err
		}
	}
	return &devicepool.Handle{Serial: p.serial}, nil
}

func (p *stubPool) Release(ctx context.Context, h *devicepool.Handle) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases++
	p.handles = append(p.handles, h)
	return h != nil, nil
}

type stubForwarder struct {
	calls []int
	port  int
	err   error
}

func (f *stubForwarder) EnsureForwarded(ctx context.Context, serial string, preferredPort int) (int, error) {
	f.calls = append(f.calls, preferredPort)
	if f.err != nil {
		return 0, f.err
	}
	if f.port != 0 {
		return f.port, nil
	}
	return preferredPort, nil
}

type fakeSession struct {
	tracker *sessionTracker
}

type sessionTracker struct {
	mu       sync.Mutex
	created  int
	started  int
	cleaned  int
	waited   int
	settings map[string]any
	ports    []int
}

func (s fakeSession) Start(ctx context.Context) error {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	s.tracker.started++
	return nil
}

func (s fakeSession) Cleanup(ctx context.Context) error {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	s.tracker.cleaned++
	return nil
}

func (s fakeSession) WaitForPort(ctx context.Context, timeout time.Duration) error {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	s.tracker.waited++
	return nil
}

func (s fakeSession) GetSetting(ctx context.Context, name string) (any, error) {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	return s.tracker.settings[name], nil
}

func (s fakeSession) SetSetting(ctx context.Context, name string, value any) error {
	s.tracker.mu.Lock()
	defer s.tracker.mu.Unlock()
	s.tracker.settings[name] = value
	return nil
}

func (t *sessionTracker) factory() session.Factory {
	return func(serial string, port int) session.Session {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.created++
		t.ports = append(t.ports, port)
		return fakeSession{tracker: t}
	}
}

type stubTestRunner struct {
	suites []Suite
	err    error
}

func (r *stubTestRunner) RunSuite(ctx context.Context, suite Suite) error {
	r.suites = append(r.suites, suite)
	return r.err
}

type memRecorder struct {
	created []string
	states  []string
	errs    []string
}

func (r *memRecorder) CreateJob(ctx context.Context, rec *recorder.JobRecord) error {
	r.created = append(r.created, rec.JobID)
	return nil
}

func (r *memRecorder) UpdateJob(ctx context.Context, jobID string, upd *recorder.JobUpdate) error {
	r.states = append(r.states, upd.State)
	r.errs = append(r.errs, upd.Error)
	return nil
}

// sequence collapses consecutive duplicates.
func (r *memRecorder) sequence() []string {
	var out []string
	for _, s := range r.states {
		if len(out) == 0 || out[len(out)-1] != s {
			out = append(out, s)
		}
	}
	return out
}

type stubProber struct{ err error }

func (p stubProber) Probe(ctx context.Context, serial string) error { return p.err }

type fixture struct {
	cfg       Config
	pool      *stubPool
	forwarder *stubForwarder
	runner    *execx.FakeRunner
	sessions  *sessionTracker
	tests     *stubTestRunner
	recorder  *memRecorder
	sleeps    int
	deps      Dependencies
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	buildDir := filepath.Join(dir, "build")
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	testVars := filepath.Join(dir, "testvars.json")
	if err := os.WriteFile(testVars, []byte("{}"), 0o644); err != nil {
		t.Fatalf("write testvars: %v", err)
	}
	f := &fixture{
		cfg: Config{
			FlashDir:   buildDir,
			TimeBudget: 120,
			Profile:    DefaultProfile,
			TestVars:   testVars,
		},
		pool:      &stubPool{serial: "serial-1"},
		forwarder: &stubForwarder{},
		runner:    &execx.FakeRunner{},
		sessions:  &sessionTracker{settings: map[string]any{}},
		tests:     &stubTestRunner{},
		recorder:  &memRecorder{},
	}
	f.deps = Dependencies{
		Pool:         f.pool,
		Forwarder:    f.forwarder,
		Runner:       f.runner,
		Sessions:     f.sessions.factory(),
		TestRunner:   f.tests,
		Recorder:     f.recorder,
		AllocatePort: func() (int, error) { return 40000, nil },
		WorkDir:      dir,
		Sleep: func(ctx context.Context, d time.Duration) error {
			f.sleeps++
			return nil
		},
	}
	return f
}

func (f *fixture) job(t *testing.T) *Job {
	t.Helper()
	job, err := NewJob(f.cfg, f.deps)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	return job
}

func TestJobRunHappyPath(t *testing.T) {
	f := newFixture(t)
	job := f.job(t)

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"ACQUIRING", "FLASHING", "FORWARDING", "POST_FLASH", "EXECUTING", "RELEASING", "DONE"}
	if got := f.recorder.sequence(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected state sequence %v", got)
	}
	if len(f.recorder.created) != 1 || f.recorder.created[0] != job.ID() {
		t.Fatalf("job should be recorded once, got %v", f.recorder.created)
	}
	if f.pool.releases != 1 || f.pool.handles[0] == nil {
		t.Fatalf("device should be released once, got %d", f.pool.releases)
	}
	if job.State() != StateDone {
		t.Fatalf("expected DONE, got %s", job.State())
	}
	if job.Flashed() {
		t.Fatal("empty build directory must not flash")
	}
	if len(f.forwarder.calls) != 2 || f.forwarder.calls[0] != 40000 {
		t.Fatalf("expected initial and post-flash forwarding, got %v", f.forwarder.calls)
	}

	if len(f.tests.suites) != 1 {
		t.Fatalf("only run_mtbf is enabled by default, got %v", f.tests.suites)
	}
	suite := f.tests.suites[0]
	if suite.Name != "run_mtbf" || suite.Address != "localhost:40000" || suite.TestVars != f.cfg.TestVars {
		t.Fatalf("unexpected suite %#v", suite)
	}
	if suite.Env[EnvTimeBudget] != "120" || suite.Env[EnvProfile] != DefaultProfile || suite.Env[EnvSerial] != "serial-1" {
		t.Fatalf("unexpected suite env %v", suite.Env)
	}

	if f.sessions.created != 2 || f.sessions.started != 1 || f.sessions.waited != 1 {
		t.Fatalf("unexpected session usage %+v", f.sessions)
	}
	if f.sessions.cleaned != f.sessions.created {
		t.Fatalf("every session must be cleaned up: created %d cleaned %d", f.sessions.created, f.sessions.cleaned)
	}
	if f.runner.Count("./check_versions.py") != 1 {
		t.Fatalf("version check expected: %v", f.runner.Commands())
	}
	if f.runner.Count(filepath.Join(DefaultFlashToolDir, "enable_certified_apps_for_devtools.sh")) != 1 {
		t.Fatalf("certified apps debugging expected: %v", f.runner.Commands())
	}
}

func TestJobRunReleasesOnceWhenPhaseFails(t *testing.T) {
	f := newFixture(t)
	f.deps.PreFlash = func(ctx context.Context, job *Job) error {
		return errors.New("injected")
	}
	job := f.job(t)

	err := job.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "injected") {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if f.pool.releases != 1 {
		t.Fatalf("release must run exactly once, ran %d", f.pool.releases)
	}
	want := []string{"ACQUIRING", "FAILED", "RELEASING", "DONE"}
	if got := f.recorder.sequence(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected state sequence %v", got)
	}
	if last := f.recorder.errs[len(f.recorder.errs)-1]; !strings.Contains(last, "injected") {
		t.Fatalf("final record should carry the error, got %q", last)
	}
	if len(f.tests.suites) != 0 {
		t.Fatal("suites must not run after a failed phase")
	}
	if ExitCode(err) != ExitFailure {
		t.Fatalf("expected generic failure exit code, got %d", ExitCode(err))
	}
}

func TestJobRunReleasesOnPanic(t *testing.T) {
	f := newFixture(t)
	f.deps.CollectReport = func(ctx context.Context, job *Job) error {
		panic("report collector crashed")
	}
	job := f.job(t)

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("panic should be re-raised after release")
			}
		}()
		_ = job.Run(context.Background())
	}()
	if f.pool.releases != 1 {
		t.Fatalf("release must run exactly once, ran %d", f.pool.releases)
	}
	if job.State() != StateDone {
		t.Fatalf("expected DONE, got %s", job.State())
	}
}

func TestJobRunReleasesWhenContextCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	f.deps.PreFlash = func(context.Context, *Job) error {
		cancel()
		return context.Canceled
	}
	job := f.job(t)
	if err := job.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if f.pool.releases != 1 {
		t.Fatalf("release must run after cancellation, ran %d", f.pool.releases)
	}
}

func TestJobRunOnlyOnce(t *testing.T) {
	f := newFixture(t)
	job := f.job(t)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := job.Run(context.Background()); err == nil {
		t.Fatal("second run must fail")
	}
	if f.pool.releases != 1 {
		t.Fatalf("second run must not release again, got %d", f.pool.releases)
	}
}

func TestJobAcquireRetry(t *testing.T) {
	f := newFixture(t)
	f.cfg.AcquireRetries = 2
	f.cfg.AcquireBackoff = time.Second
	f.pool.acquire = []error{ErrNoDeviceAvailable, ErrNoDeviceAvailable, nil}
	if err := f.job(t).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.pool.acquired != 3 || f.sleeps != 2 {
		t.Fatalf("expected 3 attempts with 2 backoffs, got %d and %d", f.pool.acquired, f.sleeps)
	}
}

func TestJobNoDeviceAvailable(t *testing.T) {
	f := newFixture(t)
	f.cfg.AcquireRetries = 1
	f.pool.acquire = []error{ErrNoDeviceAvailable, ErrNoDeviceAvailable}
	err := f.job(t).Run(context.Background())
	if !errors.Is(err, ErrNoDeviceAvailable) || ExitCode(err) != ExitNoDeviceAvailable {
		t.Fatalf("expected no device available, got %v", err)
	}
	if f.pool.releases != 1 || f.pool.handles[0] != nil {
		t.Fatalf("release should still run with no handle, got %d", f.pool.releases)
	}
}

func TestJobStaleLockIsNotRetried(t *testing.T) {
	f := newFixture(t)
	f.cfg.AcquireRetries = 3
	f.pool.acquire = []error{errors.Wrap(ErrStaleLock, "device serial-1 forwarded on tcp:1234")}
	err := f.job(t).Run(context.Background())
	if ExitCode(err) != ExitStaleLock {
		t.Fatalf("expected stale lock exit code, got %v", err)
	}
	if f.pool.acquired != 1 || f.sleeps != 0 {
		t.Fatalf("stale lock must not be retried, got %d attempts", f.pool.acquired)
	}
}

func TestJobForwardFailure(t *testing.T) {
	f := newFixture(t)
	f.forwarder.err = errors.Wrap(ErrForward, "adb forward exited 1")
	err := f.job(t).Run(context.Background())
	if ExitCode(err) != ExitForward {
		t.Fatalf("expected forward exit code, got %v", err)
	}
	if f.pool.releases != 1 || f.pool.handles[0] == nil {
		t.Fatal("acquired device must be released after forward failure")
	}
}

func TestJobConfigurationValidatedBeforeFlash(t *testing.T) {
	f := newFixture(t)
	f.cfg.FlashDir = ""
	err := f.job(t).Run(context.Background())
	if !errors.Is(err, ErrConfiguration) || ExitCode(err) != ExitConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if len(f.runner.Calls()) != 0 {
		t.Fatalf("no device command may run before validation, got %v", f.runner.Commands())
	}
	if f.pool.releases != 1 {
		t.Fatal("release must run")
	}
}

func TestJobMissingBuildDirectory(t *testing.T) {
	f := newFixture(t)
	f.cfg.FlashDir = filepath.Join(t.TempDir(), "missing")
	err := f.job(t).Run(context.Background())
	if ExitCode(err) != ExitDirectoryNotFound {
		t.Fatalf("expected directory not found, got %v", err)
	}
}

func TestJobToleratesShallowFlashFailure(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"b2g.tar.gz", "gaia.zip"} {
		if err := os.WriteFile(filepath.Join(f.cfg.FlashDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
	}
	f.runner.Handler = func(cmd execx.Cmd) (execx.Result, error) {
		if strings.HasSuffix(cmd.Name, "shallow_flash.sh") {
			return execx.Result{ExitCode: 1}, nil
		}
		return execx.Result{}, nil
	}
	job := f.job(t)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("flash failure must be tolerated, got %v", err)
	}
	if job.Flashed() {
		t.Fatal("job must stay unflashed")
	}
	if len(f.tests.suites) != 1 {
		t.Fatal("suite must still run")
	}
}

func TestJobContinuesWhenImageIsUnusable(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(filepath.Join(f.cfg.FlashDir, "flame.zip"), []byte("not a zip"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	job := f.job(t)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("unusable image must be tolerated, got %v", err)
	}
	if job.Flashed() {
		t.Fatal("job must stay unflashed")
	}
	want := []string{"ACQUIRING", "FLASHING", "FORWARDING", "POST_FLASH", "EXECUTING", "RELEASING", "DONE"}
	if got := f.recorder.sequence(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected state sequence %v", got)
	}
	if len(f.tests.suites) != 1 {
		t.Fatal("suite must still run")
	}
}

func TestJobShallowFlashSuccess(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"b2g.tar.gz", "gaia.zip"} {
		if err := os.WriteFile(filepath.Join(f.cfg.FlashDir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write artifact: %v", err)
		}
	}
	job := f.job(t)
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if !job.Flashed() {
		t.Fatal("shallow flash should mark the job flashed")
	}
	if f.runner.Count(filepath.Join(DefaultFlashToolDir, "shallow_flash.sh")) != 1 {
		t.Fatalf("shallow flash expected once: %v", f.runner.Commands())
	}
}

func TestJobChangeMemoryAndNetworkProfile(t *testing.T) {
	f := newFixture(t)
	f.cfg.NetworkProfile = "7mobile"
	settings := DefaultSettings()
	settings.Actions.ChangeMemory = true
	f.deps.Settings = &settings
	f.deps.Prober = stubProber{}

	if err := f.job(t).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, want := range []string{"adb reboot bootloader", "fastboot oem mem 319", "fastboot reboot"} {
		if f.runner.Count(want) != 1 {
			t.Fatalf("expected %q once: %v", want, f.runner.Commands())
		}
	}
	if len(f.forwarder.calls) != 3 {
		t.Fatalf("change memory must re-forward, got %v", f.forwarder.calls)
	}
	apns, ok := f.sessions.settings[SettingAPN].([][]APN)
	if !ok || len(apns) != 1 || apns[0][0].APN != "opentalk" {
		t.Fatalf("unexpected apn setting %#v", f.sessions.settings[SettingAPN])
	}
}

func TestJobChangeMemoryWithoutDevice(t *testing.T) {
	f := newFixture(t)
	settings := DefaultSettings()
	settings.Actions.ChangeMemory = true
	f.deps.Settings = &settings
	f.deps.Prober = stubProber{err: errors.New("device offline")}

	if err := f.job(t).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if f.runner.Count("fastboot") != 0 {
		t.Fatalf("fastboot must not run without a device: %v", f.runner.Commands())
	}
	if f.sessions.waited != 2 || len(f.forwarder.calls) != 3 {
		t.Fatalf("expected port wait and re-forward, waited %d forwards %v", f.sessions.waited, f.forwarder.calls)
	}
}

func TestJobRunsDailySuiteFirst(t *testing.T) {
	f := newFixture(t)
	settings := DefaultSettings()
	settings.Actions.MTBFDaily = true
	f.deps.Settings = &settings
	if err := f.job(t).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.tests.suites) != 2 || f.tests.suites[0].Name != "mtbf_daily" || f.tests.suites[1].Name != "run_mtbf" {
		t.Fatalf("unexpected suites %#v", f.tests.suites)
	}
	if f.tests.suites[0].Command != "gaiatest" || f.tests.suites[1].Command != "mtbf" {
		t.Fatalf("unexpected commands %q %q", f.tests.suites[0].Command, f.tests.suites[1].Command)
	}
}

func TestNewJobRequiresCollaborators(t *testing.T) {
	if _, err := NewJob(Config{}, Dependencies{}); err == nil {
		t.Fatal("expected error without collaborators")
	}
}

func TestExitCode(t *testing.T) {
	cases := map[error]int{
		nil:                                    ExitOK,
		errors.New("boom"):                     ExitFailure,
		errors.Wrap(ErrNoDeviceAvailable, "x"): ExitNoDeviceAvailable,
		errors.Wrap(ErrStaleLock, "x"):         ExitStaleLock,
		errors.Wrap(ErrConfiguration, "x"):     ExitConfiguration,
		errors.Wrap(ErrDirectoryNotFound, "x"): ExitDirectoryNotFound,
		errors.Wrap(ErrForward, "x"):           ExitForward,
		errors.Wrap(ErrFlashFailed, "x"):       ExitFailure,
	}
	for err, want := range cases {
		if got := ExitCode(err); got != want {
			t.Fatalf("ExitCode(%v) = %d, want %d", err, got, want)
		}
	}
}
