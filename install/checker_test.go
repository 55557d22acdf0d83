package install

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhubert/csharply-sidecar/config"
	"github.com/zhubert/csharply-sidecar/exec"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var installArgs = []string{"tool", "install", "-g", "CSharply"}

func TestEnsureInstalled_ProbeSucceeds(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("csharply", []string{"--version"}, exec.MockResponse{
		Stdout: []byte("1.4.0+3f2a1c\nCopyright\n"),
	})
	c := NewChecker(config.Default(), mock, discardLogger())

	require.NoError(t, c.EnsureInstalled(context.Background()))
	assert.True(t, c.Installed())
	assert.Equal(t, "1.4.0+3f2a1c", c.Version())
	assert.Equal(t, 0, mock.CountCalls("dotnet"), "install must not run when the probe succeeds")
}

func TestEnsureInstalled_Memoized(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("csharply", []string{"--version"}, exec.MockResponse{Stdout: []byte("1.4.0")})
	c := NewChecker(config.Default(), mock, discardLogger())

	require.NoError(t, c.EnsureInstalled(context.Background()))
	require.Len(t, mock.GetCalls(), 1)

	require.NoError(t, c.EnsureInstalled(context.Background()))
	assert.Len(t, mock.GetCalls(), 1, "second call must not probe again")
}

func TestEnsureInstalled_ConcurrentCallersShareOneProbe(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("csharply", []string{"--version"}, exec.MockResponse{Stdout: []byte("1.4.0")})
	c := NewChecker(config.Default(), mock, discardLogger())

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.EnsureInstalled(context.Background()))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, mock.CountCalls("csharply"))
}

func TestEnsureInstalled_InstallsWhenProbeFails(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("csharply", []string{"--version"}, exec.MockResponse{
		Err: errors.New(`exec: "csharply": executable file not found in $PATH`),
	})
	mock.AddExactMatch("dotnet", installArgs, exec.MockResponse{
		Stdout: []byte("You can invoke the tool using the following command: csharply"),
	})
	c := NewChecker(config.Default(), mock, discardLogger())

	require.NoError(t, c.EnsureInstalled(context.Background()))
	assert.True(t, c.Installed())
	assert.Equal(t, "", c.Version())

	calls := mock.GetCalls()
	require.Len(t, calls, 2)
	assert.Equal(t, "dotnet", calls[1].Name)
	assert.Equal(t, installArgs, calls[1].Args)

	require.NoError(t, c.EnsureInstalled(context.Background()))
	assert.Len(t, mock.GetCalls(), 2)
}

func TestEnsureInstalled_InstallFailureIsRetried(t *testing.T) {
	mock := exec.NewMockExecutor(nil)
	mock.AddExactMatch("csharply", []string{"--version"}, exec.MockResponse{Err: errors.New("exit status 127")})
	mock.AddExactMatch("dotnet", installArgs, exec.MockResponse{
		Stderr: []byte("  error NU1101: Unable to find package CSharply.\n"),
		Err:    errors.New("exit status 1"),
	})
	c := NewChecker(config.Default(), mock, discardLogger())

	err := c.EnsureInstalled(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInstallationFailed)

	var installErr *Error
	require.True(t, errors.As(err, &installErr))
	assert.Equal(t, "error NU1101: Unable to find package CSharply.", installErr.Stderr)
	assert.Equal(t, "dotnet tool install -g CSharply", installErr.Command)
	assert.Contains(t, err.Error(), "NU1101")
	assert.False(t, c.Installed())

	// The failure is not cached: the next call probes again.
	_ = c.EnsureInstalled(context.Background())
	assert.Equal(t, 2, mock.CountCalls("csharply"))
	assert.Equal(t, 2, mock.CountCalls("dotnet"))
}

// blockingExecutor blocks every command until its context is done.
type blockingExecutor struct{}

func (blockingExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	<-ctx.Done()
	return nil, nil, ctx.Err()
}

func (blockingExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

// stdoutOnlyExecutor answers Output with a version and fails every Run.
type stdoutOnlyExecutor struct{}

func (stdoutOnlyExecutor) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, error) {
	return nil, nil, errors.New("unexpected Run")
}

func (stdoutOnlyExecutor) Output(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return []byte("2.0.1\n"), nil
}

func TestEnsureInstalled_VersionReadFromStdout(t *testing.T) {
	c := NewChecker(config.Default(), stdoutOnlyExecutor{}, discardLogger())

	require.NoError(t, c.EnsureInstalled(context.Background()))
	assert.Equal(t, "2.0.1", c.Version())
}

func TestEnsureInstalled_ProbeTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Timeouts.Helper = config.Duration{Duration: 50 * time.Millisecond}
	c := NewChecker(cfg, blockingExecutor{}, discardLogger())

	err := c.EnsureInstalled(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessTimeout)
	assert.NotErrorIs(t, err, ErrInstallationFailed)
	assert.False(t, c.Installed())
}

func TestEnsureInstalled_InstallTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.Timeouts.Helper = config.Duration{Duration: 50 * time.Millisecond}
	mock := exec.NewMockExecutor(blockingExecutor{})
	mock.AddExactMatch("csharply", []string{"--version"}, exec.MockResponse{Err: errors.New("exit status 127")})
	c := NewChecker(cfg, mock, discardLogger())

	err := c.EnsureInstalled(context.Background())
	assert.ErrorIs(t, err, ErrProcessTimeout)
}

func TestEnsureInstalled_CallerCancellation(t *testing.T) {
	c := NewChecker(config.Default(), blockingExecutor{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.EnsureInstalled(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrProcessTimeout)
}

func TestFirstLine(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   string
	}{
		{"single line", "1.4.0\n", "1.4.0"},
		{"multi line", "1.4.0\nmore\n", "1.4.0"},
		{"padded", "  1.4.0  ", "1.4.0"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, firstLine([]byte(tt.output)))
		})
	}

	long := make([]byte, 150)
	for i := range long {
		long[i] = 'x'
	}
	assert.Len(t, firstLine(long), 103)
}
