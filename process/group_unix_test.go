//go:build !windows

package process

import (
	"os"
	"os/exec"
	"testing"
	"time"
)

func TestKillGroup_ExitedGroup(t *testing.T) {
	if err := KillGroup(0); err != nil {
		t.Errorf("KillGroup(0) = %v, want nil", err)
	}

	cmd := exec.Command(os.Args[0], "-test.run=^$")
	ConfigureGroup(cmd)
	if err := cmd.Run(); err != nil {
		t.Fatalf("run: %v", err)
	}
	if GroupAlive(cmd.Process.Pid) {
		t.Fatal("group should be gone after its only member was reaped")
	}
	if err := KillGroup(cmd.Process.Pid); err != nil {
		t.Errorf("KillGroup on exited group = %v, want nil", err)
	}
}

func TestKillGroup_KillsMembers(t *testing.T) {
	cmd := exec.Command("sleep", "60")
	ConfigureGroup(cmd)
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid

	if err := KillGroup(pid); err != nil {
		t.Fatalf("KillGroup: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("process %d survived KillGroup", pid)
	}
}
