// Package execx runs external tools as structured argument lists with an
// explicit environment instead of shell strings.
package execx

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Cmd describes one external invocation.
type Cmd struct {
	Name string
	Args []string
	// Dir is the working directory; empty inherits the current one.
	Dir string
	// Env is merged over the process environment and the Environ binding.
	Env map[string]string
}

// String renders the command for logs only.
func (c Cmd) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Result carries the outcome of a finished command. A non-zero exit is a
// Result, not an error; errors are reserved for failing to start or wait.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Elapsed  time.Duration
}

// Success reports a zero exit code.
func (r Result) Success() bool {
	return r.ExitCode == 0
}

// Output returns stdout followed by stderr.
func (r Result) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (Result, error)
}

// Environ is the process-wide environment binding for downstream tools, such
// as the active device serial. It mirrors every change into the process
// environment so tools started outside a Runner observe it too.
type Environ struct {
	mu   sync.RWMutex
	vars map[string]string
}

// NewEnviron returns an empty binding.
func NewEnviron() *Environ {
	return &Environ{vars: make(map[string]string)}
}

// Set binds key to value.
func (e *Environ) Set(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vars[key] = value
	if err := os.Setenv(key, value); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("export environment variable failed")
	}
}

// Unset removes key from the binding and the process environment.
func (e *Environ) Unset(key string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.vars, key)
	if err := os.Unsetenv(key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("unset environment variable failed")
	}
}

// Get returns the bound value of key.
func (e *Environ) Get(key string) (string, bool) {
	if e == nil {
		return "", false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.vars[key]
	return v, ok
}

// Snapshot copies the current binding.
func (e *Environ) Snapshot() map[string]string {
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]string, len(e.vars))
	for k, v := range e.vars {
		out[k] = v
	}
	return out
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	Environ *Environ
}

// NewExecRunner builds a runner that injects environ into every command.
func NewExecRunner(environ *Environ) *ExecRunner {
	return &ExecRunner{Environ: environ}
}

// Run starts cmd and waits for it. Context cancellation kills the process.
func (r *ExecRunner) Run(ctx context.Context, cmd Cmd) (Result, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return Result{}, errors.New("execx: empty command name")
	}
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = MergeEnv(os.Environ(), r.Environ.Snapshot(), cmd.Env)
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Elapsed: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			res.ExitCode = exitErr.ExitCode()
			err = nil
		} else {
			res.ExitCode = -1
			log.Debug().Err(err).Str("cmd", cmd.String()).Msg("command failed to run")
			return res, errors.Wrapf(err, "run %s", cmd.Name)
		}
	}
	log.Debug().
		Str("cmd", cmd.String()).
		Str("dir", cmd.Dir).
		Int("exit_code", res.ExitCode).
		Dur("elapsed", res.Elapsed).
		Msg("command finished")
	return res, nil
}

// MergeEnv overlays maps onto a KEY=VALUE list; later maps win.
func MergeEnv(base []string, overlays ...map[string]string) []string {
	merged := make(map[string]string, len(base))
	order := make([]string, 0, len(base))
	for _, kv := range base {
		key, val, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if _, seen := merged[key]; !seen {
			order = append(order, key)
		}
		merged[key] = val
	}
	for _, overlay := range overlays {
		keys := make([]string, 0, len(overlay))
		for k := range overlay {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, seen := merged[k]; !seen {
				order = append(order, k)
			}
			merged[k] = overlay[k]
		}
	}
	out := make([]string, 0, len(order))
	for _, k := range order {
		out = append(out, k+"="+merged[k])
	}
	return out
}
