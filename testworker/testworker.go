// Package testworker is a stand-in for the CSharply worker used by tests.
//
// A test binary calls Main from TestMain when Enabled reports true, then
// points the worker binary at os.Args[0]. The fake answers the version probe,
// serves the organize protocol on `server --port N`, and switches behaviour on
// CSHARPLY_TEST_WORKER_MODE:
//
//	echo         body echoed back, outcome "no-op" (default)
//	upper        body upper-cased, outcome "organized"
//	empty        empty body, outcome "empty"
//	status500    every request fails with 500
//	slow         responses are delayed by SlowDelay
//	spawn-child  a long-lived child is started; its pid is sent in X-Child-Pid
//	exit         exits with status 3 before listening
//	child        sleeps; used as the spawn-child descendant
package testworker

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const (
	// EnvEnabled switches a test binary into worker mode.
	EnvEnabled = "CSHARPLY_TEST_WORKER"
	// EnvMode selects the worker behaviour.
	EnvMode = "CSHARPLY_TEST_WORKER_MODE"

	// Version is what the fake prints for --version.
	Version = "0.0.0-test"

	// SlowDelay is how long the slow mode holds each request.
	SlowDelay = 5 * time.Second

	ChildPIDHeader = "X-Child-Pid"
)

// Enabled reports whether the current process was started as a fake worker.
func Enabled() bool {
	return os.Getenv(EnvEnabled) == "1"
}

// Env returns the environment overrides that start a fake worker in mode.
func Env(mode string) map[string]string {
	return map[string]string{EnvEnabled: "1", EnvMode: mode}
}

// Main runs the fake worker and exits the process.
func Main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	mode := os.Getenv(EnvMode)
	if mode == "child" {
		time.Sleep(time.Hour)
		return 0
	}

	if len(args) == 1 && args[0] == "--version" {
		fmt.Println(Version)
		return 0
	}

	if len(args) != 3 || args[0] != "server" || args[1] != "--port" {
		fmt.Fprintf(os.Stderr, "usage: server --port N | --version (got %q)\n", args)
		return 2
	}
	port, err := strconv.Atoi(args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q\n", args[2])
		return 2
	}

	if mode == "exit" {
		fmt.Fprintln(os.Stderr, "boom: worker failed to initialize")
		return 3
	}

	var childPID int
	if mode == "spawn-child" {
		child := exec.Command(os.Args[0])
		child.Env = append(os.Environ(), EnvMode+"=child")
		if err := child.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "spawn child: %v\n", err)
			return 1
		}
		childPID = child.Process.Pid
	}

	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		return 1
	}
	fmt.Printf("listening on port %d\n", port)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /organize", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(os.Stderr, "request %s: %d bytes\n", r.Header.Get("X-Request-Id"), len(body))

		if childPID != 0 {
			w.Header().Set(ChildPIDHeader, strconv.Itoa(childPID))
		}

		switch mode {
		case "status500":
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		case "slow":
			select {
			case <-time.After(SlowDelay):
			case <-r.Context().Done():
				return
			}
		case "empty":
			w.Header().Set("x-outcome", "empty")
			return
		case "upper":
			w.Header().Set("x-outcome", "organized")
			io.WriteString(w, strings.ToUpper(string(body)))
			return
		}

		w.Header().Set("x-outcome", "no-op")
		w.Write(body)
	})

	if err := http.Serve(ln, mux); err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 1
	}
	return 0
}
