package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zhubert/csharply-sidecar/config"
	"github.com/zhubert/csharply-sidecar/logger"
	"github.com/zhubert/csharply-sidecar/testworker"
)

func TestMain(m *testing.M) {
	if testworker.Enabled() {
		testworker.Main()
	}

	logger.Reset()
	logger.Init(os.DevNull)

	code := m.Run()

	logger.Reset()
	os.Exit(code)
}

// writeConfig writes a config that runs this test binary as the worker.
func writeConfig(t *testing.T, mode string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	preferred := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	cfg := config.Default()
	cfg.Worker.Binary = os.Args[0]
	cfg.Worker.Env = testworker.Env(mode)
	cfg.Port.Preferred = preferred

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// execute runs the root command with args and returns its combined output.
func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		resetFlags(rootCmd)
		rootCmd.SetArgs(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

func writeSource(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "App.cs")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	for _, name := range []string{"organize", "status", "clean", "logs"} {
		cmd, _, err := rootCmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("config"))
	assert.NotNil(t, rootCmd.PersistentFlags().Lookup("debug"))
	assert.Equal(t, "c", rootCmd.PersistentFlags().Lookup("config").Shorthand)
}

func TestOrganize_Write(t *testing.T) {
	cfgPath := writeConfig(t, "upper")
	file := writeSource(t, "class a {}")

	out, err := execute(t, "", "organize", "--config", cfgPath, "--write", file)
	require.NoError(t, err)
	assert.Contains(t, out, "organized")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "CLASS A {}", string(data))
}

func TestOrganize_DryRunLeavesFile(t *testing.T) {
	cfgPath := writeConfig(t, "upper")
	file := writeSource(t, "class a {}")

	out, err := execute(t, "", "organize", "--config", cfgPath, file)
	require.NoError(t, err)
	assert.Contains(t, out, "(would change)")

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, "class a {}", string(data))
}

func TestOrganize_Unchanged(t *testing.T) {
	cfgPath := writeConfig(t, "echo")
	file := writeSource(t, "class A {}")

	out, err := execute(t, "", "organize", "--config", cfgPath, file)
	require.NoError(t, err)
	assert.Contains(t, out, "no-op (no change)")
}

func TestOrganize_Stdin(t *testing.T) {
	cfgPath := writeConfig(t, "upper")

	out, err := execute(t, "class a {}", "organize", "--config", cfgPath, "-")
	require.NoError(t, err)
	assert.Equal(t, "CLASS A {}", out)
}

func TestOrganize_WorkerErrorFails(t *testing.T) {
	cfgPath := writeConfig(t, "status500")
	file := writeSource(t, "class A {}")

	out, err := execute(t, "", "organize", "--config", cfgPath, file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 1 files failed")
	assert.Contains(t, out, "Error: 500 Internal Server Error")
}

func TestOrganize_MissingFile(t *testing.T) {
	cfgPath := writeConfig(t, "echo")
	missing := filepath.Join(t.TempDir(), "Missing.cs")

	out, err := execute(t, "", "organize", "--config", cfgPath, missing)
	require.Error(t, err)
	assert.Contains(t, out, missing)
}

func TestOrganize_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port:\n  preferred: 70000\n"), 0o644))

	_, err := execute(t, "", "organize", "--config", path, "x.cs")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestStatus(t *testing.T) {
	cfgPath := writeConfig(t, "echo")

	out, err := execute(t, "", "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, testworker.Version)
	assert.Contains(t, out, "running")
}

func TestLogs_PrintsPath(t *testing.T) {
	out, err := execute(t, "", "logs")
	require.NoError(t, err)
	assert.Equal(t, os.DevNull+"\n", out)
}
