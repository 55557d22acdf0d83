// Package supervisor owns the lifecycle of the single worker process.
//
// Start and Stop are serialized by one lifecycle lock, so concurrent callers
// that find no live worker share a single spawn, and a Stop issued while a
// Start is in flight waits for it and then stops the worker it produced.
// Crash detection is lazy: the worker's exit is only noticed when a caller
// next asks through IsAlive, Port or Start.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhubert/csharply-sidecar/config"
	"github.com/zhubert/csharply-sidecar/containment"
	"github.com/zhubert/csharply-sidecar/process"
)

// ErrSpawnFailed is returned when the worker could not be started, exited
// before becoming ready, or could not be placed under containment.
var ErrSpawnFailed = errors.New("worker failed to start")

// waitDelay bounds how long the monitor waits for output pipes after the
// worker exits, in case a descendant still holds them open.
const waitDelay = time.Second

// Installer confirms the worker binary is available.
type Installer interface {
	EnsureInstalled(ctx context.Context) error
}

// PortAllocator picks the port for a new worker.
type PortAllocator interface {
	Allocate(preferred int) (int, error)
}

// ReadinessProber waits until a worker accepts connections on port.
type ReadinessProber interface {
	WaitReady(ctx context.Context, port int) error
}

// worker is the handle for one spawned process. It never leaves the package.
type worker struct {
	cmd    *exec.Cmd
	pid    int
	port   int
	output *outputBuffer

	done    chan struct{} // closed by monitor after cmd.Wait returns
	exitErr error         // valid once done is closed
}

func (w *worker) exited() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Supervisor starts, tracks and stops the worker process.
type Supervisor struct {
	cfg       *config.Config
	installer Installer
	ports     PortAllocator
	guard     containment.Guard
	ready     ReadinessProber
	log       *slog.Logger

	// lifecycle is a one-slot semaphore held for the whole of Start and Stop.
	// A channel rather than a mutex lets Start give up when ctx is done.
	lifecycle chan struct{}

	mu         sync.Mutex // guards handle and lastOutput
	handle     *worker
	lastOutput *outputBuffer

	spawns atomic.Int64
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithReadiness makes Start wait until the worker accepts connections.
func WithReadiness(p ReadinessProber) Option {
	return func(s *Supervisor) {
		s.ready = p
	}
}

// New creates a Supervisor. Nothing is started until Start is called.
func New(cfg *config.Config, installer Installer, ports PortAllocator, guard containment.Guard, log *slog.Logger, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		installer: installer,
		ports:     ports,
		guard:     guard,
		log:       log,
		lifecycle: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Supervisor) lock(ctx context.Context) error {
	select {
	case s.lifecycle <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) unlock() {
	<-s.lifecycle
}

// Start makes sure a live worker exists. It is a no-op when one is already
// running; otherwise it installs if needed, allocates a port, spawns the
// worker, registers it with the containment guard and, when configured,
// waits for it to accept connections.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.unlock()

	s.mu.Lock()
	live := s.liveLocked()
	s.mu.Unlock()
	if live != nil {
		return nil
	}

	if err := s.installer.EnsureInstalled(ctx); err != nil {
		return err
	}

	port, err := s.ports.Allocate(s.cfg.Port.Preferred)
	if err != nil {
		return err
	}

	w, err := s.spawn(port)
	if err != nil {
		return err
	}

	if err := s.guard.Register(w.cmd.Process); err != nil {
		s.log.Error("containment registration failed, killing worker", "pid", w.pid, "error", err)
		s.kill(w)
		return fmt.Errorf("%w: containment: %v", ErrSpawnFailed, err)
	}

	if s.ready != nil {
		if err := s.awaitReady(ctx, w); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.handle = w
	s.mu.Unlock()

	s.log.Info("worker running", "pid", w.pid, "port", w.port)
	return nil
}

// spawn launches `<binary> <server> --port <port>` with output captured.
func (s *Supervisor) spawn(port int) (*worker, error) {
	args := s.cfg.ServerArgs(port)
	cmd := exec.Command(s.cfg.Worker.Binary, args...)
	cmd.Dir = s.cfg.Worker.Dir
	if len(s.cfg.Worker.Env) > 0 {
		cmd.Env = s.cfg.Environ()
	}

	out := newOutputBuffer(s.log)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.WaitDelay = waitDelay

	process.ConfigureGroup(cmd)
	s.guard.Prepare(cmd)

	s.log.Debug("spawning worker", "command", s.cfg.Worker.Binary+" "+strings.Join(args, " "))
	if err := cmd.Start(); err != nil {
		s.log.Error("failed to start worker", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	s.spawns.Add(1)

	w := &worker{
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		port:   port,
		output: out,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.lastOutput = out
	s.mu.Unlock()

	go s.monitor(w)

	s.log.Info("worker started", "pid", w.pid, "port", port)
	return w, nil
}

// monitor is the sole caller of cmd.Wait for w.
func (s *Supervisor) monitor(w *worker) {
	err := w.cmd.Wait()
	w.exitErr = err
	close(w.done)
	s.log.Debug("worker exited", "pid", w.pid, "port", w.port, "error", err)
}

// awaitReady waits for w to accept connections, bounded by timeouts.startup.
// A worker that exits or never becomes ready is killed and reported as
// ErrSpawnFailed.
func (s *Supervisor) awaitReady(ctx context.Context, w *worker) error {
	readyCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeouts.Startup.Duration)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.ready.WaitReady(readyCtx, w.port)
	}()

	select {
	case err := <-errCh:
		if err == nil {
			return nil
		}
		s.kill(w)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: not ready on port %d within %s: %s",
			ErrSpawnFailed, w.port, s.cfg.Timeouts.Startup.Duration, w.output.String())
	case <-w.done:
		cancel()
		<-errCh
		s.log.Error("worker exited during startup", "pid", w.pid, "error", w.exitErr, "output", w.output.String())
		return fmt.Errorf("%w: exited during startup (%v): %s", ErrSpawnFailed, w.exitErr, w.output.String())
	}
}

// kill terminates w's process tree and waits up to the stop grace period.
// It reports whether the worker exited.
func (s *Supervisor) kill(w *worker) bool {
	if err := process.KillTree(w.pid); err != nil {
		s.log.Warn("kill worker tree failed", "pid", w.pid, "error", err)
	}
	select {
	case <-w.done:
		return true
	case <-time.After(s.cfg.Timeouts.StopGrace.Duration):
		s.log.Warn("worker did not exit within grace period", "pid", w.pid, "grace", s.cfg.Timeouts.StopGrace.Duration)
		return false
	}
}

// liveLocked returns the current handle if its process is still running,
// discarding it otherwise. Caller must hold s.mu.
func (s *Supervisor) liveLocked() *worker {
	w := s.handle
	if w == nil {
		return nil
	}
	if w.exited() {
		s.log.Warn("worker crash detected", "pid", w.pid, "port", w.port, "error", w.exitErr, "output", w.output.String())
		s.handle = nil
		return nil
	}
	return w
}

// Stop kills the worker's process tree and waits for it to exit. It is a
// no-op when no worker is running, and a worker that had already exited
// counts as stopped. The handle is cleared whatever the outcome.
func (s *Supervisor) Stop() error {
	s.lifecycle <- struct{}{}
	defer s.unlock()

	s.mu.Lock()
	w := s.handle
	s.mu.Unlock()
	if w == nil {
		return nil
	}

	defer func() {
		s.mu.Lock()
		s.handle = nil
		s.mu.Unlock()
	}()

	if w.exited() {
		s.log.Info("worker already exited", "pid", w.pid)
		return nil
	}

	s.log.Info("stopping worker", "pid", w.pid, "port", w.port)
	if !s.kill(w) {
		return fmt.Errorf("worker %d did not exit within %s", w.pid, s.cfg.Timeouts.StopGrace.Duration)
	}
	s.log.Info("worker stopped", "pid", w.pid)
	return nil
}

// IsAlive reports whether a worker is running. A worker found to have exited
// is discarded so the next Start spawns a new one.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked() != nil
}

// Port returns the live worker's port, or 0.
func (s *Supervisor) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.liveLocked(); w != nil {
		return w.port
	}
	return 0
}

// PID returns the live worker's process ID, or 0.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w := s.liveLocked(); w != nil {
		return w.pid
	}
	return 0
}

// Spawns returns how many worker processes have been started.
func (s *Supervisor) Spawns() int {
	return int(s.spawns.Load())
}

// Output returns the retained output of the most recently spawned worker.
func (s *Supervisor) Output() string {
	s.mu.Lock()
	out := s.lastOutput
	s.mu.Unlock()
	if out == nil {
		return ""
	}
	return out.String()
}
