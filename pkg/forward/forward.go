// Package forward detects, establishes and removes adb port forwarding for the
// device control channel.
package forward

import (
	"bufio"
	"context"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/MTBFAgent/internal/execx"
	"github.com/httprunner/MTBFAgent/pkg/errkind"
)

const (
	// DefaultControlPort is the fixed device-side port of the control channel.
	DefaultControlPort = 2828
	// MinListVersion is the first adb version that supports `forward --list`.
	MinListVersion = "1.0.31"

	EnvSerial = "ANDROID_SERIAL"
)

var (
	versionPattern = regexp.MustCompile(`[0-9]+(?:\.[0-9]+)*`)
	portPattern    = regexp.MustCompile(`\btcp:(\d+)\b`)
)

// Config controls the forwarding manager.
type Config struct {
	ADBPath     string
	ControlPort int
	MinVersion  string
}

// Manager wraps the bridge tool. It keeps no forwarding state of its own:
// every query goes to `adb forward --list`.
type Manager struct {
	cfg    Config
	runner execx.Runner
}

// NewManager builds a Manager, filling defaults for empty fields.
func NewManager(cfg Config, runner execx.Runner) *Manager {
	if strings.TrimSpace(cfg.ADBPath) == "" {
		cfg.ADBPath = "adb"
	}
	if cfg.ControlPort <= 0 {
		cfg.ControlPort = DefaultControlPort
	}
	if strings.TrimSpace(cfg.MinVersion) == "" {
		cfg.MinVersion = MinListVersion
	}
	return &Manager{cfg: cfg, runner: runner}
}

// ControlPort returns the device-side control channel port.
func (m *Manager) ControlPort() int {
	return m.cfg.ControlPort
}

// Version returns the bridge tool version string, e.g. "1.0.41".
func (m *Manager) Version(ctx context.Context) (string, error) {
	res, err := m.runner.Run(ctx, execx.Cmd{Name: m.cfg.ADBPath, Args: []string{"version"}})
	if err != nil {
		return "", errors.Wrap(err, "query adb version")
	}
	if !res.Success() {
		return "", errors.Errorf("adb version exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Output()))
	}
	v := ParseVersion(res.Stdout)
	if v == "" {
		return "", errors.Errorf("unrecognized adb version output %q", strings.TrimSpace(res.Stdout))
	}
	return v, nil
}

// IsForwarded returns the local port bound to serial's control channel. When
// the bridge tool is too old to list forwards it reports false regardless of
// the actual forwarding state.
func (m *Manager) IsForwarded(ctx context.Context, serial string) (int, bool, error) {
	version, err := m.Version(ctx)
	if err != nil {
		return 0, false, err
	}
	if CompareVersions(version, m.cfg.MinVersion) < 0 {
		log.Info().
			Str("adb_version", version).
			Str("min_version", m.cfg.MinVersion).
			Msg("adb forward --list not supported; upgrade adb to list forwarding")
		return 0, false, nil
	}
	out, err := m.list(ctx)
	if err != nil {
		return 0, false, err
	}
	port, ok := FindForward(out, serial)
	if ok {
		log.Info().Str("serial", serial).Int("port", port).Msg("device serial forwarded")
	}
	return port, ok, nil
}

// EnsureForwarded reuses an existing forward for serial, otherwise forwards
// preferredPort to the control port. Existing mappings win over preferredPort.
func (m *Manager) EnsureForwarded(ctx context.Context, serial string, preferredPort int) (int, error) {
	if port, ok, err := m.IsForwarded(ctx, serial); err != nil {
		return 0, err
	} else if ok {
		log.Info().Str("serial", serial).Int("port", port).Int("preferred_port", preferredPort).
			Msg("using existing port forwarding")
		return port, nil
	}
	if strings.TrimSpace(serial) == "" || preferredPort <= 0 {
		return 0, errors.Wrapf(errkind.ErrForward, "invalid forward request serial=%q port=%d", serial, preferredPort)
	}
	res, err := m.runner.Run(ctx, execx.Cmd{
		Name: m.cfg.ADBPath,
		Args: []string{"forward", tcp(preferredPort), tcp(m.cfg.ControlPort)},
		Env:  map[string]string{EnvSerial: serial},
	})
	if err != nil {
		return 0, errors.Wrapf(errkind.ErrForward, "forward port to %s: %v", serial, err)
	}
	if !res.Success() {
		return 0, errors.Wrapf(errkind.ErrForward, "can't forward port to %s[%s]: exit %d %s",
			EnvSerial, serial, res.ExitCode, strings.TrimSpace(res.Output()))
	}
	log.Info().Str("serial", serial).Int("port", preferredPort).Msg("port forwarding success")
	return preferredPort, nil
}

// Remove drops the forward bound to local port.
func (m *Manager) Remove(ctx context.Context, serial string, port int) error {
	res, err := m.runner.Run(ctx, execx.Cmd{
		Name: m.cfg.ADBPath,
		Args: []string{"forward", "--remove", tcp(port)},
		Env:  map[string]string{EnvSerial: serial},
	})
	if err != nil {
		return errors.Wrapf(err, "remove forward tcp:%d", port)
	}
	if !res.Success() {
		return errors.Errorf("remove forward tcp:%d exited with %d: %s", port, res.ExitCode, strings.TrimSpace(res.Output()))
	}
	log.Info().Str("serial", serial).Int("port", port).Msg("port forwarding removed")
	return nil
}

// List returns the current forwarding entries.
func (m *Manager) List(ctx context.Context) ([]Entry, error) {
	out, err := m.list(ctx)
	if err != nil {
		return nil, err
	}
	return ParseForwardList(out), nil
}

func (m *Manager) list(ctx context.Context) (string, error) {
	res, err := m.runner.Run(ctx, execx.Cmd{Name: m.cfg.ADBPath, Args: []string{"forward", "--list"}})
	if err != nil {
		return "", errors.Wrap(err, "list adb forwards")
	}
	if !res.Success() {
		return "", errors.Errorf("adb forward --list exited with %d: %s", res.ExitCode, strings.TrimSpace(res.Output()))
	}
	return res.Stdout, nil
}

// AllocatePort asks the OS for a free local TCP port and releases it at once.
// Nothing reserves the port afterwards; another process may take it first.
func AllocatePort() (int, error) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		return 0, errors.Wrap(err, "allocate local port")
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// Entry is one line of `adb forward --list`.
type Entry struct {
	Serial    string
	LocalPort int
	Local     string
	Remote    string
}

// ParseForwardList parses lines of the form "SERIAL tcp:LOCAL tcp:REMOTE".
// Lines whose local side is not a tcp port are kept with LocalPort 0.
func ParseForwardList(out string) []Entry {
	var entries []Entry
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		e := Entry{Serial: fields[0], Local: fields[1], Remote: fields[2]}
		if m := portPattern.FindStringSubmatch(fields[1]); m != nil {
			e.LocalPort, _ = strconv.Atoi(m[1])
		}
		entries = append(entries, e)
	}
	return entries
}

// FindForward returns the local port of the first tcp forward for serial.
func FindForward(out, serial string) (int, bool) {
	for _, e := range ParseForwardList(out) {
		if e.Serial == serial && e.LocalPort > 0 {
			return e.LocalPort, true
		}
	}
	return 0, false
}

// ParseVersion extracts the first dotted version number from adb output.
func ParseVersion(out string) string {
	return versionPattern.FindString(out)
}

// CompareVersions compares dotted numeric versions segment by segment and
// returns -1, 0 or 1. Missing segments count as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(as) {
			x, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			y, _ = strconv.Atoi(bs[i])
		}
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func tcp(port int) string {
	return "tcp:" + strconv.Itoa(port)
}
