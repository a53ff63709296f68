// Package build runs the external build commands that compile watched sources.
package build

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Result is the outcome of one build invocation.
type Result struct {
	Success  bool
	Output   string
	ExitCode int
	Duration time.Duration
	// Err is set when the command could not be started or exited non-zero.
	Err error
}

// Runner executes shell commands synchronously in a fixed directory.
type Runner struct {
	dir string
	env []string
}

// NewRunner creates a Runner. An empty dir runs commands in the current
// working directory. env entries are appended to the process environment.
func NewRunner(dir string, env ...string) *Runner {
	return &Runner{dir: dir, env: env}
}

// Run executes command to completion and reports its outcome. It blocks the
// caller, has no timeout and never returns an error or panics: every failure
// is reported once, as a Result with Success set to false.
func (r *Runner) Run(command string) (res Result) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			res = Result{Success: false, ExitCode: -1, Err: fmt.Errorf("build panicked: %v", p)}
		}
		res.Duration = time.Since(start)
	}()

	if strings.TrimSpace(command) == "" {
		return Result{ExitCode: -1, Err: errors.New("empty build command")}
	}

	cmd := shellCommand(command)
	cmd.Dir = r.dir
	if len(r.env) > 0 {
		cmd.Env = append(cmd.Environ(), r.env...)
	}

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res = Result{Output: out.String()}
	if err == nil {
		res.Success = true
		return res
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		res.Err = fmt.Errorf("%s: exit status %d", command, res.ExitCode)
		return res
	}

	res.ExitCode = -1
	res.Err = fmt.Errorf("run %s: %w", command, err)
	if res.Output == "" {
		res.Output = err.Error()
	}
	return res
}

// Diagnostic returns the text worth showing for a failed build: the captured
// output when there is any, otherwise the error.
func (r Result) Diagnostic() string {
	if text := strings.TrimSpace(r.Output); text != "" {
		return text
	}
	if r.Err != nil {
		return r.Err.Error()
	}
	return ""
}

func shellCommand(command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.Command("cmd", "/C", command)
	}
	return exec.Command("sh", "-c", command)
}
