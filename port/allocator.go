// Package port finds a free loopback TCP port for the worker.
package port

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
)

// Defaults match the worker's documented listening port.
const (
	DefaultHost   = "127.0.0.1"
	DefaultWindow = 100
	maxPort       = 65535
)

// ErrPortExhausted is returned when no port in the scan window could be bound.
var ErrPortExhausted = errors.New("no free port in scan window")

// ProbeFunc reports whether host:port is free to bind.
type ProbeFunc func(host string, port int) bool

// Allocator probes consecutive loopback ports starting at a preferred one.
// It holds no lease: every call re-probes, so the result must not be cached
// across worker restarts.
type Allocator struct {
	host   string
	window int
	probe  ProbeFunc
	log    *slog.Logger
}

// Option configures an Allocator.
type Option func(*Allocator)

// WithHost sets the interface to probe.
func WithHost(host string) Option {
	return func(a *Allocator) {
		a.host = host
	}
}

// WithWindow sets how many consecutive ports are tried.
func WithWindow(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.window = n
		}
	}
}

// WithProbe replaces the bind-and-release availability check.
func WithProbe(p ProbeFunc) Option {
	return func(a *Allocator) {
		a.probe = p
	}
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Allocator) {
		a.log = log
	}
}

// NewAllocator returns an Allocator scanning DefaultWindow ports on DefaultHost.
func NewAllocator(opts ...Option) *Allocator {
	a := &Allocator{
		host:   DefaultHost,
		window: DefaultWindow,
		probe:  Available,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns the first port in [preferred, preferred+window) that can be
// bound on the allocator's host.
func (a *Allocator) Allocate(preferred int) (int, error) {
	if preferred < 1 || preferred > maxPort {
		return 0, fmt.Errorf("invalid preferred port %d", preferred)
	}

	last := min(preferred+a.window-1, maxPort)
	for p := preferred; p <= last; p++ {
		if a.probe(a.host, p) {
			if p != preferred {
				a.log.Debug("preferred port busy, using next free port", "preferred", preferred, "port", p)
			}
			return p, nil
		}
	}

	a.log.Warn("port scan exhausted", "from", preferred, "to", last)
	return 0, fmt.Errorf("%w: %s ports %d-%d", ErrPortExhausted, a.host, preferred, last)
}

// Available binds host:port and immediately releases it.
func Available(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
