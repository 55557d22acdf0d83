// Package install verifies the worker binary is reachable and bootstraps it
// through the package manager when it is not.
package install

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zhubert/csharply-sidecar/config"
	"github.com/zhubert/csharply-sidecar/exec"
)

var (
	// ErrInstallationFailed is returned when the install command exits non-zero.
	ErrInstallationFailed = errors.New("worker installation failed")

	// ErrProcessTimeout is returned when a probe or install helper exceeds its bound.
	// The helper's process tree has been killed by the time it is returned.
	ErrProcessTimeout = errors.New("helper process timed out")
)

// Error carries the output of a failed install command.
type Error struct {
	Command string
	Stderr  string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrInstallationFailed, e.Command)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrInstallationFailed.
func (e *Error) Is(target error) bool { return target == ErrInstallationFailed }

// Checker memoizes a successful install check for the life of the process.
// A failed check or install is not remembered, so the next call starts over.
type Checker struct {
	binary      string
	versionArgs []string
	installCmd  []string
	dir         string
	timeout     time.Duration
	executor    exec.CommandExecutor
	log         *slog.Logger

	checkMu   sync.Mutex // serializes probe and install
	installed atomic.Bool
	version   atomic.Value // string
}

// NewChecker returns a Checker for the worker described by cfg.
func NewChecker(cfg *config.Config, executor exec.CommandExecutor, log *slog.Logger) *Checker {
	return &Checker{
		binary:      cfg.Worker.Binary,
		versionArgs: cfg.Worker.VersionArgs,
		installCmd:  cfg.Worker.InstallCommand,
		dir:         cfg.Worker.Dir,
		timeout:     cfg.Timeouts.Helper.Duration,
		executor:    executor,
		log:         log,
	}
}

// EnsureInstalled probes the worker binary and runs the install command if the
// probe fails. Concurrent callers share one check.
func (c *Checker) EnsureInstalled(ctx context.Context) error {
	if c.installed.Load() {
		return nil
	}

	c.checkMu.Lock()
	defer c.checkMu.Unlock()

	if c.installed.Load() {
		return nil
	}

	stdout, err := c.probe(ctx)
	if err == nil {
		version := firstLine(stdout)
		c.version.Store(version)
		c.installed.Store(true)
		c.log.Info("worker installed", "binary", c.binary, "version", version)
		return nil
	}
	if errors.Is(err, ErrProcessTimeout) || ctx.Err() != nil {
		return fmt.Errorf("probing %s: %w", c.binary, err)
	}

	c.log.Info("worker not found, installing", "binary", c.binary, "probe_error", err)

	stderr, err := c.install(ctx)
	if err != nil {
		if errors.Is(err, ErrProcessTimeout) || ctx.Err() != nil {
			return fmt.Errorf("installing %s: %w", c.binary, err)
		}
		installErr := &Error{
			Command: strings.Join(c.installCmd, " "),
			Stderr:  strings.TrimSpace(string(stderr)),
			Err:     err,
		}
		c.log.Error("worker install failed", "command", installErr.Command, "error", err, "stderr", installErr.Stderr)
		return installErr
	}

	c.installed.Store(true)
	c.log.Info("worker install complete", "command", strings.Join(c.installCmd, " "))
	return nil
}

// probe runs the version command and returns its stdout.
func (c *Checker) probe(ctx context.Context) ([]byte, error) {
	var stdout []byte
	err := c.timed(ctx, c.binary, func(runCtx context.Context) error {
		var err error
		stdout, err = c.executor.Output(runCtx, c.dir, c.binary, c.versionArgs...)
		return err
	})
	return stdout, err
}

// install runs the install command and returns its stderr.
func (c *Checker) install(ctx context.Context) ([]byte, error) {
	var stderr []byte
	err := c.timed(ctx, c.installCmd[0], func(runCtx context.Context) error {
		var err error
		_, stderr, err = c.executor.Run(runCtx, c.dir, c.installCmd[0], c.installCmd[1:]...)
		return err
	})
	return stderr, err
}

// timed runs one helper under the configured timeout, mapping expiry of that
// timeout (but not cancellation of ctx) to ErrProcessTimeout.
func (c *Checker) timed(ctx context.Context, name string, fn func(context.Context) error) error {
	runCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	err := fn(runCtx)
	if err != nil && ctx.Err() == nil && runCtx.Err() == context.DeadlineExceeded {
		c.log.Warn("helper timed out", "command", name, "timeout", c.timeout)
		return fmt.Errorf("%w: %s after %s", ErrProcessTimeout, name, c.timeout)
	}
	c.log.Debug("helper finished", "command", name, "elapsed_ms", time.Since(start).Milliseconds(), "error", err)
	return err
}

// Installed reports whether installation has been confirmed.
func (c *Checker) Installed() bool {
	return c.installed.Load()
}

// Version returns the first line of the probe's output, or "" if the worker
// was confirmed through the install command instead of the probe.
func (c *Checker) Version() string {
	v, _ := c.version.Load().(string)
	return v
}

// firstLine returns the first line of output, trimmed and length-limited.
func firstLine(output []byte) string {
	line, _, _ := strings.Cut(string(output), "\n")
	version := strings.TrimSpace(line)
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}
