// Package session defines the device control-channel capabilities a job needs
// and a Marionette adapter implementing them.
package session

import (
	"context"
	"time"
)

// Session is the capability set of a device control channel.
type Session interface {
	// Start opens a new automation session.
	Start(ctx context.Context) error
	// Cleanup ends the session and closes the connection. Safe to call on a
	// session that never started.
	Cleanup(ctx context.Context) error
	// WaitForPort blocks until the control channel accepts connections.
	WaitForPort(ctx context.Context, timeout time.Duration) error
	GetSetting(ctx context.Context, name string) (any, error)
	SetSetting(ctx context.Context, name string, value any) error
}

// Factory builds a session bound to a device serial and a forwarded local port.
type Factory func(serial string, port int) Session

// MarionetteFactory returns a Factory producing Marionette sessions on localhost.
func MarionetteFactory() Factory {
	return func(serial string, port int) Session {
		return NewMarionette(serial, "localhost", port)
	}
}
