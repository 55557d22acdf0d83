//go:build windows

package containment

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/zhubert/csharply-sidecar/process"
)

// jobGuard assigns workers to a single job object that kills its members when
// the last handle to it is closed.
type jobGuard struct {
	log *slog.Logger

	mu       sync.Mutex
	job      windows.Handle
	released bool
}

func newPlatformGuard(log *slog.Logger) Guard {
	return &jobGuard{log: log}
}

func (g *jobGuard) Prepare(cmd *exec.Cmd) {
	process.ConfigureGroup(cmd)
}

func (g *jobGuard) Register(p *os.Process) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return ErrReleased
	}
	if g.job == 0 {
		job, err := createKillOnCloseJob()
		if err != nil {
			return err
		}
		g.job = job
		g.log.Debug("containment created", "kind", "job object")
	}

	h, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(p.Pid))
	if err != nil {
		return fmt.Errorf("open process %d: %w", p.Pid, err)
	}
	defer windows.CloseHandle(h)

	if err := windows.AssignProcessToJobObject(g.job, h); err != nil {
		return fmt.Errorf("assign process %d to job: %w", p.Pid, err)
	}
	g.log.Debug("worker registered with containment", "pid", p.Pid)
	return nil
}

func createKillOnCloseJob() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, fmt.Errorf("create job object: %w", err)
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	if _, err := windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	); err != nil {
		windows.CloseHandle(job)
		return 0, fmt.Errorf("configure job object: %w", err)
	}
	return job, nil
}

func (g *jobGuard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.released {
		return nil
	}
	g.released = true

	if g.job == 0 {
		return nil
	}
	err := windows.CloseHandle(g.job)
	g.job = 0
	g.log.Debug("containment released")
	return err
}

func (g *jobGuard) Supported() bool { return true }
