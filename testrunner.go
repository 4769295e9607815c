package mtbfagent

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/httprunner/MTBFAgent/internal/execx"
)

// Suite describes one hand-off to an external test runner.
type Suite struct {
	Name     string
	Command  string
	Address  string
	TestVars string
	// Args are appended after the address and testvars options.
	Args []string
	Env  map[string]string
}

// TestRunner executes a test suite against the device.
type TestRunner interface {
	RunSuite(ctx context.Context, suite Suite) error
}

// CommandTestRunner runs suites as external commands.
type CommandTestRunner struct {
	Runner execx.Runner
}

// RunSuite invokes the suite command with --address and --testvars. A
// non-zero exit is an error.
func (r CommandTestRunner) RunSuite(ctx context.Context, suite Suite) error {
	if r.Runner == nil {
		return errors.New("test runner: command runner is nil")
	}
	args := make([]string, 0, 4+len(suite.Args))
	if suite.Address != "" {
		args = append(args, "--address", suite.Address)
	}
	if suite.TestVars != "" {
		args = append(args, "--testvars", suite.TestVars)
	}
	args = append(args, suite.Args...)

	log.Info().Str("suite", suite.Name).Str("address", suite.Address).
		Str("testvars", suite.TestVars).Msg("test runner started")
	res, err := r.Runner.Run(ctx, execx.Cmd{Name: suite.Command, Args: args, Env: suite.Env})
	if err != nil {
		return errors.Wrapf(err, "run %s", suite.Name)
	}
	if !res.Success() {
		return errors.Errorf("%s exited with %d", suite.Name, res.ExitCode)
	}
	log.Info().Str("suite", suite.Name).Dur("elapsed", res.Elapsed).Msg("test runner finished")
	return nil
}

func suiteEnv(cfg Config, serial string) map[string]string {
	env := map[string]string{
		EnvTimeBudget: strconv.Itoa(cfg.TimeBudget),
		EnvProfile:    cfg.Profile,
	}
	if serial != "" {
		env[EnvSerial] = serial
	}
	return env
}
