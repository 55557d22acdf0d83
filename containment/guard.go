// Package containment ties the lifetime of worker processes to the supervisor's
// own process, so workers are killed even when the supervisor dies without
// calling Stop.
//
// New returns the strongest guard the platform offers:
//
//   - Windows: a job object created with KILL_ON_JOB_CLOSE. The OS closes the
//     handle when the supervisor exits for any reason, which kills every member.
//   - Linux: workers are started with a parent-death signal (SIGKILL) and in their
//     own process group; Release kills the recorded groups.
//   - Elsewhere: a no-op guard. Workers are not protected against a supervisor
//     crash on these platforms, and New logs that fact once.
package containment

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
)

// ErrReleased is returned by Register after Release has been called.
var ErrReleased = errors.New("containment guard released")

// Guard is an OS-level construct that kills its member processes when released
// or when the supervising process exits.
type Guard interface {
	// Prepare adjusts cmd before Start so the child can be contained.
	Prepare(cmd *exec.Cmd)

	// Register adds a started process to the guard. The underlying construct is
	// created on the first call and reused for every later worker.
	Register(p *os.Process) error

	// Release closes the construct, killing any members still running.
	// Only the first call has any effect.
	Release() error

	// Supported reports whether the guard protects against supervisor crashes.
	Supported() bool
}

// New returns the platform guard.
func New(log *slog.Logger) Guard {
	g := newPlatformGuard(log)
	if !g.Supported() {
		log.Warn("process containment unavailable on this platform; workers may outlive a crashed supervisor")
	}
	return g
}

// Noop is a Guard that contains nothing.
type Noop struct {
	released atomic.Bool
}

func (n *Noop) Prepare(cmd *exec.Cmd) {}

func (n *Noop) Register(p *os.Process) error {
	if n.released.Load() {
		return ErrReleased
	}
	return nil
}

func (n *Noop) Release() error {
	n.released.Store(true)
	return nil
}

func (n *Noop) Supported() bool { return false }

var _ Guard = (*Noop)(nil)
