package mtbfagent

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/MTBFAgent/internal/execx"
	"github.com/httprunner/MTBFAgent/pkg/devicepool"
	"github.com/httprunner/MTBFAgent/pkg/forward"
	"github.com/httprunner/MTBFAgent/pkg/recorder"
	"github.com/httprunner/MTBFAgent/pkg/session"
	"github.com/httprunner/MTBFAgent/pkg/storage"
	adbprovider "github.com/httprunner/MTBFAgent/providers/adb"
)

// Runtime owns the default collaborators of a job on this host: the sqlite
// lease table as pool lock, gadb for device discovery, adb for forwarding
// and Marionette sessions.
type Runtime struct {
	DB      *storage.DB
	Leases  *storage.LeaseStore
	Environ *execx.Environ
	Runner  *execx.ExecRunner
	Forward *forward.Manager
	Pool    *devicepool.Client
	Devices *adbprovider.Provider
}

// NewRuntime opens the shared database and wires the default collaborators.
func NewRuntime(cfg Config) (*Runtime, error) {
	cfg.applyDefaults()
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		DB:      db,
		Leases:  db.Leases(cfg.LeaseTTL),
		Environ: execx.NewEnviron(),
	}
	rt.Runner = execx.NewExecRunner(rt.Environ)
	rt.Forward = forward.NewManager(forward.Config{ADBPath: cfg.ADBPath}, rt.Runner)

	devices, err := adbprovider.NewDefault()
	if err != nil {
		if cfg.Serial == "" {
			db.Close()
			return nil, err
		}
		log.Warn().Err(err).Msg("adb device provider unavailable, shell probe disabled")
	} else {
		rt.Devices = devices
	}

	poolCfg := devicepool.Config{
		Serial:    cfg.Serial,
		Allowlist: cfg.DeviceAllowlist,
		Locker:    rt.Leases,
		Forwarder: rt.Forward,
		Env:       rt.Environ,
	}
	if rt.Devices != nil {
		poolCfg.Provider = rt.Devices
	}
	rt.Pool, err = devicepool.NewClient(poolCfg)
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create device pool client")
	}
	return rt, nil
}

// Dependencies returns job dependencies backed by the runtime. Recorders
// come from the environment on top of the local job history.
func (rt *Runtime) Dependencies(settings Settings) (Dependencies, error) {
	rec, err := recorder.FromEnv(rt.DB.Jobs())
	if err != nil {
		return Dependencies{}, err
	}
	deps := Dependencies{
		Pool:         rt.Pool,
		Forwarder:    rt.Forward,
		Runner:       rt.Runner,
		Sessions:     session.MarionetteFactory(),
		TestRunner:   CommandTestRunner{Runner: rt.Runner},
		Recorder:     rec,
		AllocatePort: forward.AllocatePort,
		Settings:     &settings,
	}
	if rt.Devices != nil {
		deps.Prober = rt.Devices
	}
	return deps, nil
}

// Close releases the database.
func (rt *Runtime) Close() error {
	if rt == nil {
		return nil
	}
	return rt.DB.Close()
}
