// Package devicepool grants one job exclusive use of a device from the shared
// pool and guarantees the device comes back clean.
package devicepool

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/MTBFAgent/pkg/errkind"
)

// EnvSerial is the variable downstream tools read the active device from.
const EnvSerial = "ANDROID_SERIAL"

// DeviceProvider returns the currently connected device serials.
type DeviceProvider interface {
	ListDevices(ctx context.Context) ([]string, error)
}

// Locker is the external lock service shared by every job.
type Locker interface {
	TryLock(ctx context.Context, serial, owner string) (bool, error)
	Unlock(ctx context.Context, serial, owner string) (bool, error)
}

// Forwarder is the subset of forwarding operations the pool needs.
type Forwarder interface {
	IsForwarded(ctx context.Context, serial string) (int, bool, error)
	Remove(ctx context.Context, serial string, port int) error
}

// EnvBinding exports the active device to downstream tool invocations.
type EnvBinding interface {
	Set(key, value string)
	Unset(key string)
}

// Config controls Client behavior.
type Config struct {
	// Serial pins acquisition to one device; empty takes any free device.
	Serial    string
	Allowlist []string
	Provider  DeviceProvider
	Locker    Locker
	Forwarder Forwarder
	Env       EnvBinding
}

// Handle is the exclusive claim on one device. It is invalid after Release.
type Handle struct {
	Serial string
	// Port is the local control-channel port; the job updates it whenever
	// forwarding is re-established.
	Port int

	owner    string
	mu       sync.Mutex
	released bool
}

// Owner returns the lease owner token.
func (h *Handle) Owner() string {
	if h == nil {
		return ""
	}
	return h.owner
}

// Released reports whether the handle was released.
func (h *Handle) Released() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Client acquires and releases devices.
type Client struct {
	cfg Config
}

// NewClient validates cfg and builds a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Locker == nil {
		return nil, errors.New("device pool: locker cannot be nil")
	}
	if cfg.Forwarder == nil {
		return nil, errors.New("device pool: forwarder cannot be nil")
	}
	if cfg.Provider == nil && strings.TrimSpace(cfg.Serial) == "" {
		return nil, errors.New("device pool: provider is required when no serial is pinned")
	}
	cfg.Serial = strings.TrimSpace(cfg.Serial)
	cfg.Allowlist = normalizeSerials(cfg.Allowlist)
	return &Client{cfg: cfg}, nil
}

// Acquire locks a free device. It returns ErrNoDeviceAvailable when every
// candidate is held, and ErrStaleLock when the locked device already appears
// in the forwarding list; in that case the lock is dropped again and the
// foreign forwarding is left untouched.
func (c *Client) Acquire(ctx context.Context) (*Handle, error) {
	candidates, err := c.candidates(ctx)
	if err != nil {
		return nil, err
	}
	owner := uuid.NewString()
	var serial string
	for _, candidate := range candidates {
		ok, err := c.cfg.Locker.TryLock(ctx, candidate, owner)
		if err != nil {
			return nil, errors.Wrapf(err, "lock device %s", candidate)
		}
		if ok {
			serial = candidate
			break
		}
		log.Debug().Str("serial", candidate).Msg("device busy")
	}
	if serial == "" {
		log.Warn().Int("candidates", len(candidates)).Msg("no available device, retry after a device is released")
		return nil, errkind.ErrNoDeviceAvailable
	}

	if port, forwarded, err := c.cfg.Forwarder.IsForwarded(ctx, serial); err != nil {
		c.unlock(ctx, serial, owner)
		return nil, errors.Wrapf(err, "check forwarding of %s", serial)
	} else if forwarded {
		c.unlock(ctx, serial, owner)
		log.Error().Str("serial", serial).Int("port", port).Msg("device forwarded before acquisition, refusing stale device")
		return nil, errors.Wrapf(errkind.ErrStaleLock, "device %s forwarded on tcp:%d", serial, port)
	}

	if c.cfg.Env != nil {
		c.cfg.Env.Set(EnvSerial, serial)
	}
	log.Info().Str("serial", serial).Str("owner", owner).Msg("device acquired")
	return &Handle{Serial: serial, owner: owner}, nil
}

// Release returns the device to the pool after removing its forwarding and
// unsetting the environment binding. Releasing a nil or already released
// handle reports false with no error. Every step runs even if an earlier one
// fails; the first failure is returned.
func (c *Client) Release(ctx context.Context, h *Handle) (bool, error) {
	if h == nil {
		log.Warn().Msg("no device allocated")
		return false, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		log.Warn().Str("serial", h.Serial).Msg("device already released")
		return false, nil
	}

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	port, forwarded, err := c.cfg.Forwarder.IsForwarded(ctx, h.Serial)
	if err != nil {
		log.Error().Err(err).Str("serial", h.Serial).Msg("query forwarding on release failed")
		keep(err)
	} else if forwarded {
		if err := c.cfg.Forwarder.Remove(ctx, h.Serial, port); err != nil {
			log.Error().Err(err).Str("serial", h.Serial).Int("port", port).Msg("remove forwarding on release failed")
			keep(err)
		}
	}

	if c.cfg.Env != nil {
		c.cfg.Env.Unset(EnvSerial)
	}

	if ok, err := c.cfg.Locker.Unlock(ctx, h.Serial, h.owner); err != nil {
		log.Error().Err(err).Str("serial", h.Serial).Msg("unlock device failed")
		keep(errors.Wrapf(err, "unlock device %s", h.Serial))
	} else if !ok {
		log.Warn().Str("serial", h.Serial).Msg("device lease was already gone")
	}

	h.released = true
	h.Port = 0
	log.Info().Str("serial", h.Serial).Msg("device released")
	return true, firstErr
}

func (c *Client) candidates(ctx context.Context) ([]string, error) {
	if c.cfg.Serial != "" {
		if len(c.cfg.Allowlist) > 0 && len(filterAllowed([]string{c.cfg.Serial}, c.cfg.Allowlist)) == 0 {
			return nil, errors.Wrapf(errkind.ErrConfiguration, "device %s is not in %s", c.cfg.Serial, EnvDeviceAllowlist)
		}
		return []string{c.cfg.Serial}, nil
	}
	serials, err := c.cfg.Provider.ListDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list devices failed")
	}
	return filterAllowed(serials, c.cfg.Allowlist), nil
}

func (c *Client) unlock(ctx context.Context, serial, owner string) {
	if _, err := c.cfg.Locker.Unlock(ctx, serial, owner); err != nil {
		log.Error().Err(err).Str("serial", serial).Msg("unlock device failed")
	}
}

// AllowlistFromString parses a DEVICE_ALLOWLIST style value.
func AllowlistFromString(raw string) []string {
	return parseDeviceAllowlist(raw)
}
