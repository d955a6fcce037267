// Package runner executes orchestrator client commands and captures their output.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"unicode"
)

// proxyVars are cleared for every command so the client talks to the cluster directly.
var proxyVars = []string{"http_proxy", "https_proxy", "HTTP_PROXY", "HTTPS_PROXY"}

// FetchError describes a command that could not start, exited non-zero or was cancelled.
type FetchError struct {
	Command  string
	ExitCode int
	Err      error
}

func (e *FetchError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q: %v", e.Command, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Result holds the captured output of a command.
// Lines is populated even when Err is set.
type Result struct {
	Lines []string
	Err   error
}

// Runner runs shell command lines.
type Runner struct {
	// Env is additional environment variables.
	Env map[string]string
}

// Run executes command with sh -c and returns its stdout split into lines.
// Stderr is discarded.
func (r *Runner) Run(ctx context.Context, command string) Result {
	var stdout bytes.Buffer

	// Don't use CommandContext - we handle cancellation ourselves with process groups
	cmd := exec.Command("sh", "-c", command)
	cmd.Env = r.buildEnv()
	cmd.Stdout = &stdout
	cmd.Stderr = io.Discard
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Result{Err: &FetchError{Command: command, ExitCode: -1, Err: err}}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		err = ctx.Err()
	}

	res := Result{Lines: splitLines(stdout.Bytes())}
	if err != nil {
		res.Err = &FetchError{Command: command, ExitCode: exitCode(err), Err: err}
	}
	return res
}

func (r *Runner) buildEnv() []string {
	env := os.Environ()
	for _, k := range proxyVars {
		env = append(env, k+"=")
	}
	for k, v := range r.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// splitLines splits output on newlines and strips trailing whitespace from each line.
func splitLines(out []byte) []string {
	if len(out) == 0 {
		return nil
	}
	parts := strings.Split(strings.TrimSuffix(string(out), "\n"), "\n")
	lines := make([]string, 0, len(parts))
	for _, p := range parts {
		lines = append(lines, strings.TrimRightFunc(p, unicode.IsSpace))
	}
	return lines
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			return status.ExitStatus()
		}
	}
	return -1
}

// CheckCommand verifies a command exists in PATH.
func CheckCommand(name string) error {
	_, err := exec.LookPath(name)
	if err != nil {
		return fmt.Errorf("%s not found in PATH", name)
	}
	return nil
}
