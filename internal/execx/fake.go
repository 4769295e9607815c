package execx

import (
	"context"
	"strings"
	"sync"
)

// FakeRunner records commands and answers them through Handler. A nil Handler
// answers every command with a zero exit code.
type FakeRunner struct {
	Handler func(cmd Cmd) (Result, error)

	mu    sync.Mutex
	calls []Cmd
}

// Run implements Runner.
func (f *FakeRunner) Run(ctx context.Context, cmd Cmd) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handler := f.Handler
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{ExitCode: -1}, err
	}
	if handler == nil {
		return Result{}, nil
	}
	return handler(cmd)
}

// Calls returns a copy of every recorded command.
func (f *FakeRunner) Calls() []Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Cmd, len(f.calls))
	copy(out, f.calls)
	return out
}

// Commands returns the recorded commands rendered as strings.
func (f *FakeRunner) Commands() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.String())
	}
	return out
}

// Count returns how many recorded commands start with prefix.
func (f *FakeRunner) Count(prefix string) int {
	n := 0
	for _, c := range f.Commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}
