// Package process provides process-tree helpers and cleanup of orphaned worker processes.
package process

import (
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/zhubert/csharply-sidecar/logger"
)

// WorkerProcess represents a running worker server process found on the system.
type WorkerProcess struct {
	PID     int    // Process ID
	Port    int    // Port parsed from --port, 0 if absent
	Command string // Full command line
}

// pattern returns the pgrep expression matching "<binary> <server> --port".
func pattern(binary, serverCommand string) string {
	return fmt.Sprintf("%s.*%s.*--port", binary, serverCommand)
}

// FindWorkerProcesses finds all running worker server processes on the system.
// This is useful for detecting workers left behind on platforms where the
// containment guard cannot kill them on supervisor exit.
func FindWorkerProcesses(binary, serverCommand string) ([]WorkerProcess, error) {
	var processes []WorkerProcess
	log := logger.WithComponent("process")

	switch runtime.GOOS {
	case "darwin", "linux":
		cmd := exec.Command("pgrep", "-f", pattern(binary, serverCommand))
		output, err := cmd.Output()
		if err != nil {
			// pgrep returns exit code 1 if no processes found
			if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
				return processes, nil
			}
			return nil, err
		}

		for _, pidStr := range strings.Fields(string(output)) {
			pid, err := strconv.Atoi(strings.TrimSpace(pidStr))
			if err != nil {
				continue
			}

			psOutput, err := exec.Command("ps", "-p", pidStr, "-o", "args=").Output()
			if err != nil {
				continue
			}

			command := strings.TrimSpace(string(psOutput))
			processes = append(processes, WorkerProcess{
				PID:     pid,
				Port:    extractPort(command),
				Command: command,
			})
		}

	case "windows":
		image := binary
		if !strings.HasSuffix(strings.ToLower(image), ".exe") {
			image += ".exe"
		}
		cmd := exec.Command("tasklist", "/FI", "IMAGENAME eq "+image, "/FO", "CSV", "/NH")
		output, err := cmd.Output()
		if err != nil {
			return nil, err
		}
		processes = parseTasklist(string(output))
	}

	log.Debug("found worker processes", "count", len(processes))
	return processes, nil
}

// parseTasklist parses `tasklist /FO CSV /NH` output.
func parseTasklist(output string) []WorkerProcess {
	var processes []WorkerProcess
	for line := range strings.SplitSeq(output, "\n") {
		fields := strings.Split(line, ",")
		if len(fields) < 2 {
			continue
		}
		pid, err := strconv.Atoi(strings.Trim(strings.TrimSpace(fields[1]), "\""))
		if err != nil {
			continue
		}
		processes = append(processes, WorkerProcess{
			PID:     pid,
			Command: strings.Trim(fields[0], "\""),
		})
	}
	return processes
}

// extractPort extracts the port from a worker command line.
func extractPort(cmdLine string) int {
	_, after, ok := strings.Cut(cmdLine, "--port")
	if !ok {
		return 0
	}
	fields := strings.Fields(strings.TrimLeft(after, " ="))
	if len(fields) == 0 {
		return 0
	}
	port, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0
	}
	return port
}

// FindOrphanedWorkers returns worker processes whose PID is not in knownPIDs.
func FindOrphanedWorkers(binary, serverCommand string, knownPIDs map[int]bool) ([]WorkerProcess, error) {
	all, err := FindWorkerProcesses(binary, serverCommand)
	if err != nil {
		return nil, err
	}

	log := logger.WithComponent("process")
	var orphans []WorkerProcess
	for _, proc := range all {
		if knownPIDs[proc.PID] {
			continue
		}
		orphans = append(orphans, proc)
		log.Info("found orphaned worker process", "pid", proc.PID, "port", proc.Port)
	}
	return orphans, nil
}

// CleanupOrphanedWorkers kills every worker process tree not in knownPIDs.
// Returns the number of processes killed.
func CleanupOrphanedWorkers(binary, serverCommand string, knownPIDs map[int]bool) (int, error) {
	orphans, err := FindOrphanedWorkers(binary, serverCommand, knownPIDs)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, proc := range orphans {
		log.Info("killing orphaned worker process", "pid", proc.PID)
		if err := KillTree(proc.PID); err != nil {
			log.Error("failed to kill process", "pid", proc.PID, "error", err)
			continue
		}
		killed++
	}

	return killed, nil
}
