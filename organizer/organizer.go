// Package organizer is the entry point for organizing C# source through the
// CSharply worker. An Organizer is created once by the host, brings the worker
// up on first use, restarts it after a crash and tears everything down on
// Shutdown.
package organizer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/zhubert/csharply-sidecar/config"
	"github.com/zhubert/csharply-sidecar/containment"
	"github.com/zhubert/csharply-sidecar/exec"
	"github.com/zhubert/csharply-sidecar/ignore"
	"github.com/zhubert/csharply-sidecar/install"
	"github.com/zhubert/csharply-sidecar/logger"
	"github.com/zhubert/csharply-sidecar/port"
	"github.com/zhubert/csharply-sidecar/sidecar"
	"github.com/zhubert/csharply-sidecar/supervisor"
)

// ErrShutdown is returned by every lifecycle call made after Shutdown.
var ErrShutdown = errors.New("organizer is shut down")

// Outcome and action labels produced by Format itself rather than the worker.
const (
	OutcomeIgnored     = "ignored"
	ActionEmptyContent = "empty content"
	ActionNoChange     = "no change"
)

// FormatResult describes what Format did to one file.
type FormatResult struct {
	// Content is the organized text. It is empty unless Changed.
	Content string
	Changed bool

	// Outcome is the worker's label, OutcomeIgnored, or empty when the worker
	// was not consulted.
	Outcome string

	// Action explains an unchanged result: ActionEmptyContent or ActionNoChange.
	Action string

	Elapsed time.Duration
}

// Organizer composes the installer, port allocator, supervisor, containment
// guard and sidecar client behind one API. It is safe for concurrent use.
type Organizer struct {
	log     *slog.Logger
	checker *install.Checker
	guard   containment.Guard
	client  *sidecar.Client
	sup     *supervisor.Supervisor
	matcher *ignore.Matcher

	mu       sync.Mutex
	starting int
	stopping bool
	closed   bool

	shutdownOnce sync.Once
	shutdownErr  error
}

type options struct {
	executor    exec.CommandExecutor
	guard       containment.Guard
	log         *slog.Logger
	portOpts    []port.Option
	clientOpts  []sidecar.Option
	watchIgnore bool
}

// Option configures an Organizer.
type Option func(*options)

// WithExecutor sets the runner for the install probe and install command.
func WithExecutor(e exec.CommandExecutor) Option {
	return func(o *options) {
		o.executor = e
	}
}

// WithGuard replaces the platform containment guard.
func WithGuard(g containment.Guard) Option {
	return func(o *options) {
		o.guard = g
	}
}

// WithLogger sends every component's logs to log instead of the
// component loggers from the logger package.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithPortOptions adds options for the port allocator.
func WithPortOptions(opts ...port.Option) Option {
	return func(o *options) {
		o.portOpts = append(o.portOpts, opts...)
	}
}

// WithClientOptions adds options for the sidecar client.
func WithClientOptions(opts ...sidecar.Option) Option {
	return func(o *options) {
		o.clientOpts = append(o.clientOpts, opts...)
	}
}

// WithIgnoreWatch reloads ignore files when they change on disk.
func WithIgnoreWatch() Option {
	return func(o *options) {
		o.watchIgnore = true
	}
}

// New builds an Organizer from cfg. No process is started until the first
// EnsureRunning, Submit or Format.
func New(cfg *config.Config, opts ...Option) *Organizer {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	componentLog := func(name string) *slog.Logger {
		if o.log != nil {
			return o.log
		}
		return logger.WithComponent(name)
	}

	if o.executor == nil {
		o.executor = &exec.RealExecutor{Env: cfg.Environ()}
	}
	if o.guard == nil {
		o.guard = containment.New(componentLog("containment"))
	}

	portOpts := append([]port.Option{
		port.WithHost(cfg.Port.Host),
		port.WithWindow(cfg.Port.Window),
		port.WithLogger(componentLog("port")),
	}, o.portOpts...)

	clientOpts := append([]sidecar.Option{
		sidecar.WithHost(cfg.Port.Host),
		sidecar.WithPath(cfg.Protocol.Path),
		sidecar.WithOutcomeHeader(cfg.Protocol.OutcomeHeader),
		sidecar.WithTimeout(cfg.Timeouts.Request.Duration),
		sidecar.WithLogger(componentLog("sidecar")),
	}, o.clientOpts...)

	checker := install.NewChecker(cfg, o.executor, componentLog("install"))
	client := sidecar.NewClient(clientOpts...)

	sup := supervisor.New(cfg, checker, port.NewAllocator(portOpts...), o.guard,
		componentLog("supervisor"), supervisor.WithReadiness(client))

	org := &Organizer{
		log:     componentLog("organizer"),
		checker: checker,
		guard:   o.guard,
		client:  client,
		sup:     sup,
		matcher: ignore.NewMatcher(cfg.IgnoreFile, componentLog("ignore")),
	}

	if o.watchIgnore {
		if err := org.matcher.Watch(); err != nil {
			org.log.Warn("ignore file watching disabled", "error", err)
		}
	}
	return org
}

// EnsureRunning installs the worker if needed and starts it if no live worker
// exists. Concurrent callers share a single start.
func (o *Organizer) EnsureRunning(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return ErrShutdown
	}
	o.mu.Unlock()

	if o.sup.IsAlive() {
		return nil
	}

	o.mu.Lock()
	o.starting++
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.starting--
		o.mu.Unlock()
	}()

	if err := o.sup.Start(ctx); err != nil {
		if o.isClosed() {
			return ErrShutdown
		}
		o.log.Error("failed to start worker", "error", err)
		return err
	}
	return nil
}

func (o *Organizer) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Submit sends text to the worker, starting or restarting it first when
// needed. The error is non-nil only when the worker could not be brought up;
// every failure of the request itself is reported in the Result's outcome.
func (o *Organizer) Submit(ctx context.Context, text string) (sidecar.Result, error) {
	if err := o.EnsureRunning(ctx); err != nil {
		return sidecar.Result{}, err
	}

	p := o.sup.Port()
	if p == 0 {
		// Exited between the start and the request.
		return sidecar.Result{Outcome: sidecar.ErrorPrefix + "worker exited before the request was sent"}, nil
	}
	return o.client.Submit(ctx, p, text), nil
}

// Format organizes the contents of the file at path. Files matched by an
// ignore file are skipped, as is empty text. The returned content is only set
// when the worker produced something different from text.
func (o *Organizer) Format(ctx context.Context, path, text string) (FormatResult, error) {
	if path != "" {
		ignored, err := o.matcher.Ignore(path)
		if err != nil {
			o.log.Warn("ignore lookup failed", "path", path, "error", err)
		} else if ignored {
			o.log.Info("skipping ignored file", "path", path)
			return FormatResult{Outcome: OutcomeIgnored}, nil
		}
	}

	if text == "" {
		return FormatResult{Action: ActionNoChange}, nil
	}

	start := time.Now()
	res, err := o.Submit(ctx, text)
	if err != nil {
		return FormatResult{}, err
	}

	fr := FormatResult{Outcome: res.Outcome, Elapsed: time.Since(start)}
	switch res.Content {
	case "":
		fr.Action = ActionEmptyContent
	case text:
		fr.Action = ActionNoChange
	default:
		fr.Content = res.Content
		fr.Changed = true
	}

	o.log.Info("organized file",
		"path", path,
		"outcome", res.Outcome,
		"action", fr.Action,
		"elapsed_ms", fr.Elapsed.Milliseconds())
	return fr, nil
}

// Shutdown stops the worker and releases the containment guard and client
// connections. Every step runs even if an earlier one fails; the errors are
// joined and logged. Later calls return the first call's result, and every
// other method returns ErrShutdown from then on.
func (o *Organizer) Shutdown() error {
	o.shutdownOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		o.stopping = true
		o.mu.Unlock()

		o.log.Info("shutting down")

		var errs []error
		if err := o.sup.Stop(); err != nil {
			errs = append(errs, err)
		}
		if err := o.guard.Release(); err != nil {
			errs = append(errs, err)
		}
		// A start already past its closed check may have finished between the
		// first Stop and Release.
		if err := o.sup.Stop(); err != nil {
			errs = append(errs, err)
		}
		o.client.Close()
		if err := o.matcher.Close(); err != nil {
			errs = append(errs, err)
		}

		o.shutdownErr = errors.Join(errs...)
		if o.shutdownErr != nil {
			o.log.Warn("shutdown completed with errors", "error", o.shutdownErr)
		} else {
			o.log.Info("shutdown complete")
		}

		o.mu.Lock()
		o.stopping = false
		o.mu.Unlock()
	})
	return o.shutdownErr
}

// IsAlive reports whether a worker is running.
func (o *Organizer) IsAlive() bool {
	return o.sup.IsAlive()
}

// State reports where the worker is in its lifecycle.
func (o *Organizer) State() State {
	o.mu.Lock()
	closed, stopping, starting := o.closed, o.stopping, o.starting
	o.mu.Unlock()

	switch {
	case stopping:
		return StateStopping
	case closed:
		return StateShutdown
	case starting > 0:
		return StateStarting
	case o.sup.IsAlive():
		return StateRunning
	case o.checker.Installed():
		return StateNotRunning
	default:
		return StateUninstalled
	}
}

// Version returns the worker's reported version once installation has been
// confirmed by a probe.
func (o *Organizer) Version() string {
	return o.checker.Version()
}

// Port returns the live worker's port, or 0.
func (o *Organizer) Port() int {
	return o.sup.Port()
}

// PID returns the live worker's process ID, or 0.
func (o *Organizer) PID() int {
	return o.sup.PID()
}

// ContainmentSupported reports whether workers die with this process.
func (o *Organizer) ContainmentSupported() bool {
	return o.guard.Supported()
}

// WorkerOutput returns the tail of the most recent worker's output.
func (o *Organizer) WorkerOutput() string {
	return o.sup.Output()
}
