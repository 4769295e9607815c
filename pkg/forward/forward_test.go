package forward

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/httprunner/MTBFAgent/internal/execx"
	"github.com/httprunner/MTBFAgent/pkg/errkind"
)

func fakeADB(version, list string, forwardExit int) *execx.FakeRunner {
	return &execx.FakeRunner{Handler: func(cmd execx.Cmd) (execx.Result, error) {
		switch {
		case len(cmd.Args) == 1 && cmd.Args[0] == "version":
			return execx.Result{Stdout: "Android Debug Bridge version " + version + "\nVersion 35.0.1\n"}, nil
		case len(cmd.Args) == 2 && cmd.Args[1] == "--list":
			return execx.Result{Stdout: list}, nil
		case len(cmd.Args) >= 1 && cmd.Args[0] == "forward":
			return execx.Result{ExitCode: forwardExit, Stderr: "error: device not found"}, nil
		}
		return execx.Result{}, nil
	}}
}

func TestIsForwardedOldADBAlwaysReportsNone(t *testing.T) {
	runner := fakeADB("1.0.29", "serial-1 tcp:40000 tcp:2828\n", 0)
	m := NewManager(Config{}, runner)

	port, ok, err := m.IsForwarded(context.Background(), "serial-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, port)
	assert.Zero(t, runner.Count("adb forward --list"), "list must not be queried on old adb")
}

func TestIsForwardedFindsMatchingSerial(t *testing.T) {
	list := "other-9 tcp:39000 tcp:2828\nserial-1 tcp:40000 tcp:2828\nserial-1 tcp:41000 tcp:2828\n"
	m := NewManager(Config{}, fakeADB("1.0.41", list, 0))

	port, ok, err := m.IsForwarded(context.Background(), "serial-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 40000, port)

	_, ok, err = m.IsForwarded(context.Background(), "serial-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEnsureForwardedExistingMappingWins(t *testing.T) {
	runner := fakeADB("1.0.32", "serial-1 tcp:40000 tcp:2828\n", 0)
	m := NewManager(Config{}, runner)

	port, err := m.EnsureForwarded(context.Background(), "serial-1", 50000)
	require.NoError(t, err)
	assert.Equal(t, 40000, port)
	assert.Zero(t, runner.Count("adb forward tcp:"), "no new forward expected")
}

func TestEnsureForwardedCreatesForward(t *testing.T) {
	runner := fakeADB("1.0.41", "", 0)
	m := NewManager(Config{ADBPath: "/usr/bin/adb"}, runner)

	port, err := m.EnsureForwarded(context.Background(), "serial-1", 50000)
	require.NoError(t, err)
	assert.Equal(t, 50000, port)

	var forward *execx.Cmd
	for _, c := range runner.Calls() {
		if c.String() == "/usr/bin/adb forward tcp:50000 tcp:2828" {
			c := c
			forward = &c
		}
	}
	require.NotNil(t, forward, "commands: %v", runner.Commands())
	assert.Equal(t, "serial-1", forward.Env[EnvSerial])
}

func TestEnsureForwardedNonZeroExitIsForwardError(t *testing.T) {
	m := NewManager(Config{}, fakeADB("1.0.41", "", 1))
	_, err := m.EnsureForwarded(context.Background(), "serial-1", 50000)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.ErrForward))
}

func TestRemoveForward(t *testing.T) {
	runner := fakeADB("1.0.41", "", 0)
	m := NewManager(Config{}, runner)
	require.NoError(t, m.Remove(context.Background(), "serial-1", 40000))
	assert.Equal(t, 1, runner.Count("adb forward --remove tcp:40000"))
}

func TestParseForwardList(t *testing.T) {
	out := "serial-1 tcp:40000 tcp:2828\nserial-2 localabstract:foo tcp:1\nbroken\n"
	entries := ParseForwardList(out)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{Serial: "serial-1", LocalPort: 40000, Local: "tcp:40000", Remote: "tcp:2828"}, entries[0])
	assert.Zero(t, entries[1].LocalPort)
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0.31", "1.0.31", 0},
		{"1.0.4", "1.0.31", -1},
		{"1.0.100", "1.0.31", 1},
		{"1.1", "1.0.31", 1},
		{"1.0", "1.0.0", 0},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, CompareVersions(c.a, c.b), "%s vs %s", c.a, c.b)
	}
	assert.Equal(t, "1.0.41", ParseVersion("Android Debug Bridge version 1.0.41"))
}

func TestAllocatePort(t *testing.T) {
	port, err := AllocatePort()
	require.NoError(t, err)
	assert.True(t, port > 0 && port < 65536)
}

func TestVersionFailure(t *testing.T) {
	runner := &execx.FakeRunner{Handler: func(cmd execx.Cmd) (execx.Result, error) {
		return execx.Result{ExitCode: 127, Stderr: "adb: not found"}, nil
	}}
	_, _, err := NewManager(Config{}, runner).IsForwarded(context.Background(), "serial-1")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "127"))
}
