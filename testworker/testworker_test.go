package testworker

import (
	"testing"
)

func TestEnabled(t *testing.T) {
	t.Setenv(EnvEnabled, "")
	if Enabled() {
		t.Error("Enabled should be false without the env var")
	}
	t.Setenv(EnvEnabled, "1")
	if !Enabled() {
		t.Error("Enabled should be true with the env var")
	}
}

func TestEnv(t *testing.T) {
	env := Env("status500")
	if env[EnvEnabled] != "1" || env[EnvMode] != "status500" {
		t.Errorf("Env = %v", env)
	}
}

func TestRun_Usage(t *testing.T) {
	t.Setenv(EnvMode, "")
	tests := []struct {
		name string
		args []string
		want int
	}{
		{"version", []string{"--version"}, 0},
		{"no args", nil, 2},
		{"missing port", []string{"server"}, 2},
		{"bad port", []string{"server", "--port", "abc"}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := run(tt.args); got != tt.want {
				t.Errorf("run(%q) = %d, want %d", tt.args, got, tt.want)
			}
		})
	}
}

func TestRun_ExitMode(t *testing.T) {
	t.Setenv(EnvMode, "exit")
	if got := run([]string{"server", "--port", "1"}); got != 3 {
		t.Errorf("exit mode returned %d, want 3", got)
	}
}
