package session

import "errors"

// Command rejection errors. None of these mutate session state except
// ErrSandboxLost, which is returned after the dead sandbox has been
// recorded.
var (
	// ErrBusy indicates a prompt is already in flight.
	ErrBusy = errors.New("a prompt is already in flight")

	// ErrNotReady indicates the sandbox is still starting.
	ErrNotReady = errors.New("sandbox is starting")

	// ErrNoSandbox indicates there is no sandbox and no snapshot to
	// resume from.
	ErrNoSandbox = errors.New("no sandbox available")

	// ErrSandboxLost indicates a previously running sandbox became
	// unreachable and could not be recovered.
	ErrSandboxLost = errors.New("sandbox unreachable")

	// ErrNotRunning indicates pause was requested outside running.
	ErrNotRunning = errors.New("session is not running")

	// ErrNotPaused indicates resume was requested without a snapshot
	// to resume from.
	ErrNotPaused = errors.New("session is not paused")
)
