// Package runtime runs R scripts out of process through Rscript.
//
// Every job gets its own temporary directory holding the parameter bundle,
// the script and the runner; the directory is removed on every exit path.
// A weighted semaphore bounds how many Rscript processes run at once.
package runtime

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/rmcp-dev/rmcp/internal/logging"
)

//go:embed runner.R
var runnerScript []byte

const (
	DefaultTimeout   = 120 * time.Second
	MaxTimeout       = 30 * time.Minute
	DefaultMaxOutput = 64 * 1024
	SigkillTimeout   = 200 * time.Millisecond
)

// Options configures a Runtime.
type Options struct {
	// Command is the interpreter invocation; the runner, parameter file,
	// result file and script paths are appended. Default: Rscript --vanilla.
	Command []string
	// Timeout applies to jobs that do not set their own.
	Timeout time.Duration
	// MaxConcurrent bounds simultaneous processes.
	MaxConcurrent int
	// MaxOutput caps the stdout and stderr kept per job.
	MaxOutput int
	// Environment is added to the process environment.
	Environment map[string]string
	// WorkDir is the default working directory.
	WorkDir string
}

// Job is one script execution.
type Job struct {
	Script  string
	Params  map[string]any
	Timeout time.Duration
	WorkDir string
}

// Executor runs jobs. *Runtime implements it; tests substitute fakes.
type Executor interface {
	Execute(ctx context.Context, job Job) (map[string]any, error)
}

// TimeoutError reports a job killed for exceeding its deadline.
type TimeoutError struct {
	Timeout time.Duration
	Stdout  string
	Stderr  string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("R script timed out after %v", e.Timeout)
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += "\nStderr:\n" + tail
	}
	if tail := lastLines(e.Stdout, 5); tail != "" {
		msg += "\nStdout:\n" + tail
	}
	return msg
}

// IsTimeout checks if an error is a runtime timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// ScriptError reports a failure inside R, or a process that exited without
// producing a result.
type ScriptError struct {
	Message  string
	ExitCode int
	Stderr   string
}

func (e *ScriptError) Error() string {
	if e.Message != "" {
		return "R error: " + e.Message
	}
	msg := fmt.Sprintf("R exited with status %d without a result", e.ExitCode)
	if tail := lastLines(e.Stderr, 5); tail != "" {
		msg += ":\n" + tail
	}
	return msg
}

// IsScriptError checks if an error came from the R side.
func IsScriptError(err error) bool {
	var se *ScriptError
	return errors.As(err, &se)
}

// Runtime executes jobs with bounded concurrency.
type Runtime struct {
	opts Options
	sem  *semaphore.Weighted
}

// New creates a runtime, filling defaults.
func New(opts Options) *Runtime {
	if len(opts.Command) == 0 {
		opts.Command = []string{"Rscript", "--vanilla"}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = DefaultMaxOutput
	}
	return &Runtime{opts: opts, sem: semaphore.NewWeighted(int64(opts.MaxConcurrent))}
}

// Options returns the effective options.
func (r *Runtime) Options() Options {
	return r.opts
}

// Available reports whether the interpreter can be found on PATH.
func (r *Runtime) Available() bool {
	_, err := exec.LookPath(r.opts.Command[0])
	return err == nil
}

// Execute runs a job and returns the decoded result object. It waits for a
// free slot, honoring ctx while waiting.
func (r *Runtime) Execute(ctx context.Context, job Job) (map[string]any, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer r.sem.Release(1)

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = r.opts.Timeout
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}

	dir, err := os.MkdirTemp("", "rmcp-job-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}
	defer os.RemoveAll(dir)

	files, err := writeJobFiles(dir, job)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := r.run(ctx, job, files, timeout)
	logging.Debug().
		Dur("elapsed", time.Since(start)).
		Bool("ok", err == nil).
		Msg("R job finished")
	return res, err
}

type jobFiles struct {
	runner, params, result, script string
}

func writeJobFiles(dir string, job Job) (jobFiles, error) {
	f := jobFiles{
		runner: filepath.Join(dir, "runner.R"),
		params: filepath.Join(dir, "params.json"),
		result: filepath.Join(dir, "result.json"),
		script: filepath.Join(dir, "script.R"),
	}

	params := job.Params
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return f, fmt.Errorf("failed to encode parameters: %w", err)
	}

	for path, content := range map[string][]byte{
		f.runner: runnerScript,
		f.params: data,
		f.script: []byte(job.Script),
	} {
		if err := os.WriteFile(path, content, 0600); err != nil {
			return f, fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
		}
	}
	return f, nil
}

func (r *Runtime) run(ctx context.Context, job Job, files jobFiles, timeout time.Duration) (map[string]any, error) {
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout := &limitedBuffer{max: r.opts.MaxOutput}
	stderr := &limitedBuffer{max: r.opts.MaxOutput}

	var cmd *exec.Cmd
	start := func() error {
		cmd = r.command(cmdCtx, job, files)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		err := cmd.Start()
		if err == nil || isTransientStartError(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	if err := backoff.Retry(start, newStartBackoff(cmdCtx)); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", r.opts.Command[0], err)
	}

	waitErr := cmd.Wait()
	if waitErr != nil {
		logging.Debug().Err(waitErr).Msg("R process exited with error")
	}

	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, &TimeoutError{Timeout: timeout, Stdout: stdout.String(), Stderr: stderr.String()}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}

	data, readErr := os.ReadFile(files.result)
	if readErr != nil || len(bytes.TrimSpace(data)) == 0 {
		return nil, &ScriptError{ExitCode: exitCode, Stderr: stderr.String()}
	}

	return decodeResult(data)
}

func (r *Runtime) command(ctx context.Context, job Job, files jobFiles) *exec.Cmd {
	args := append(append([]string{}, r.opts.Command[1:]...),
		files.runner, files.params, files.result, files.script)
	cmd := exec.CommandContext(ctx, r.opts.Command[0], args...)

	cmd.Dir = job.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = r.opts.WorkDir
	}
	cmd.Env = os.Environ()
	for k, v := range r.opts.Environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd)
		return nil
	}
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

// decodeResult parses the runner's output. A top-level "error" string is the
// R side's failure signal, whatever other fields come with it.
func decodeResult(data []byte) (map[string]any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, &ScriptError{Message: "result is not valid JSON"}
	}

	obj, ok := v.(map[string]any)
	if !ok {
		return map[string]any{"result": v}, nil
	}
	if msg, ok := unbox(obj["error"]).(string); ok {
		return nil, &ScriptError{Message: msg}
	}
	return obj, nil
}

// unbox collapses a length-one JSON array, as R vectors serialize that way.
func unbox(v any) any {
	if arr, ok := v.([]any); ok && len(arr) == 1 {
		return arr[0]
	}
	return v
}

func newStartBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)
}

func isTransientStartError(err error) bool {
	return errors.Is(err, syscall.ETXTBSY) || errors.Is(err, syscall.EAGAIN)
}

// limitedBuffer keeps the last max bytes written.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
		b.truncated = true
	}
	return n, nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return "(output truncated)\n" + b.buf.String()
	}
	return b.buf.String()
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
