//go:build linux

package containment

import (
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/zhubert/csharply-sidecar/process"
)

// deathSigGuard relies on PR_SET_PDEATHSIG for the crash case and on process
// groups for Release.
type deathSigGuard struct {
	log       *slog.Logger
	killGroup func(pgid int) error

	mu       sync.Mutex
	groups   map[int]struct{} // pgids of registered workers
	released bool
}

func newPlatformGuard(log *slog.Logger) Guard {
	return &deathSigGuard{log: log, killGroup: process.KillGroup}
}

// Prepare puts the worker in its own process group and asks the kernel to
// SIGKILL it when the supervisor exits.
func (g *deathSigGuard) Prepare(cmd *exec.Cmd) {
	process.ConfigureGroup(cmd)
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
}

func (g *deathSigGuard) Register(p *os.Process) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return ErrReleased
	}
	if g.groups == nil {
		g.groups = make(map[int]struct{})
		g.log.Debug("containment created", "kind", "pdeathsig")
	}

	// Groups whose members have all exited drop out of the set.
	for pgid := range g.groups {
		if !process.GroupAlive(pgid) {
			delete(g.groups, pgid)
		}
	}
	g.groups[p.Pid] = struct{}{}
	g.log.Debug("worker registered with containment", "pid", p.Pid, "members", len(g.groups))
	return nil
}

func (g *deathSigGuard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return nil
	}
	g.released = true

	var errs []error
	for pgid := range g.groups {
		if !process.GroupAlive(pgid) {
			continue
		}
		if err := g.killGroup(pgid); err != nil {
			errs = append(errs, err)
		}
	}
	g.groups = nil
	g.log.Debug("containment released")
	return errors.Join(errs...)
}

func (g *deathSigGuard) Supported() bool { return true }
