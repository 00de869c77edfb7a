// Package runner executes one extractor invocation under a hard timeout and
// turns whatever happened into an ExtractorResult. It never returns an error;
// every failure mode is a recorded outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/web-archiver/internal/archive"
	"github.com/JakeFAU/web-archiver/internal/clock/system"
	"github.com/JakeFAU/web-archiver/internal/extractor"
)

const (
	// DefaultOutputLimit bounds captured stdout and stderr per stream.
	DefaultOutputLimit = 64 * 1024
	// DefaultKillGrace is how long a process group gets between SIGTERM and SIGKILL.
	DefaultKillGrace = 2 * time.Second
	maxErrorLength   = 2048
	canceledMessage  = "canceled"
)

// Outcome is the result of a single attempt.
type Outcome struct {
	Result archive.ExtractorResult
	Stdout string
	Stderr string
	// Permanent marks failures a retry cannot fix, e.g. a missing binary.
	Permanent bool
	// Unconfirmed means the caller canceled and an in-process call did not
	// stop within the grace period. Its result must not be persisted.
	Unconfirmed bool
}

// Config controls the runner.
type Config struct {
	OutputLimit int
	KillGrace   time.Duration
	Hasher      archive.Hasher
	Clock       archive.Clock
	Logger      *zap.Logger
}

// Runner executes extractors. It is safe for concurrent use.
type Runner struct {
	outputLimit int
	killGrace   time.Duration
	hasher      archive.Hasher
	clock       archive.Clock
	logger      *zap.Logger
}

// New builds a Runner, filling defaults.
func New(cfg Config) *Runner {
	if cfg.OutputLimit <= 0 {
		cfg.OutputLimit = DefaultOutputLimit
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Runner{
		outputLimit: cfg.OutputLimit,
		killGrace:   cfg.KillGrace,
		hasher:      cfg.Hasher,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
	}
}

// Run executes ext for task. The Attempts field is left for the caller.
func (r *Runner) Run(ctx context.Context, ext extractor.Extractor, task extractor.Task) Outcome {
	started := r.clock.Now()
	res := archive.ExtractorResult{
		Extractor: ext.Name(),
		Status:    archive.StatusFailed,
		StartedAt: &started,
		Pwd:       task.OutDir,
	}

	inv, err := ext.Invocation(task)
	if err != nil {
		return r.finish(Outcome{Result: res, Permanent: extractor.IsPermanent(err)}, err)
	}

	if task.Timeout <= 0 {
		task.Timeout = extractor.DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	var out Outcome
	if inv.External() {
		res.Cmd = append([]string(nil), inv.Args...)
		out = r.runCommand(ctx, runCtx, inv, task, res)
	} else {
		res.Cmd = []string{"builtin:" + ext.Name(), task.Snapshot.URL}
		out = r.runCall(ctx, runCtx, inv, task, res)
	}
	if out.Unconfirmed || out.Result.Status != archive.StatusSucceeded {
		return out
	}

	artifacts, err := r.collectArtifacts(task, ext.Artifacts())
	if err != nil {
		out.Result.Status = archive.StatusFailed
		out.Result.Error = errorSummary(err.Error())
		return out
	}
	out.Result.Artifacts = artifacts
	return out
}

func (r *Runner) runCommand(
	parent, runCtx context.Context,
	inv extractor.Invocation,
	task extractor.Task,
	res archive.ExtractorResult,
) Outcome {
	stdout := newBoundedBuffer(r.outputLimit)
	stderr := newBoundedBuffer(r.outputLimit)

	cmd := exec.CommandContext(runCtx, inv.Args[0], inv.Args[1:]...) // #nosec G204 -- argv built by registered extractors.
	cmd.Dir = task.OutDir
	cmd.Env = append(os.Environ(), inv.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	group := configureProcessGroup(cmd, r.killGrace)

	err := cmd.Run()
	group.reap(cmd)

	out := Outcome{Result: res, Stdout: stdout.String(), Stderr: stderr.String()}
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		if code >= 0 {
			out.Result.ExitCode = &code
		}
	}

	switch {
	case parent.Err() != nil:
		return r.finish(out, errors.New(canceledMessage))
	case err == nil:
		out.Result.Status = archive.StatusSucceeded
		return r.finish(out, nil)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.Result.Status = archive.StatusTimedOut
		return r.finish(out, fmt.Errorf("timed out after %s", task.Timeout))
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if inv.Succeeded(exitErr.ExitCode()) {
			out.Result.Status = archive.StatusSucceeded
			return r.finish(out, nil)
		}
		return r.finish(out, fmt.Errorf("%w: %s", err, lastLine(out.Stderr)))
	}
	// The process never started.
	out.Permanent = errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission)
	return r.finish(out, err)
}

func (r *Runner) runCall(
	parent, runCtx context.Context,
	inv extractor.Invocation,
	task extractor.Task,
	res archive.ExtractorResult,
) Outcome {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("extractor panicked",
					zap.String("extractor", res.Extractor),
					zap.Any("panic", p),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- fmt.Errorf("panic: %v", p)
			}
		}()
		done <- inv.Call(runCtx, task)
	}()

	out := Outcome{Result: res}
	var err error
	select {
	case err = <-done:
	case <-runCtx.Done():
		grace := time.NewTimer(r.killGrace)
		defer grace.Stop()
		select {
		case err = <-done:
		case <-grace.C:
			if parent.Err() != nil {
				out.Unconfirmed = true
				end := r.clock.Now()
				out.Result.EndedAt = &end
				return out
			}
			// Deadline passed and the call is still running; record the timeout.
			err = runCtx.Err()
		}
	}

	switch {
	case parent.Err() != nil:
		return r.finish(out, errors.New(canceledMessage))
	case err == nil:
		out.Result.Status = archive.StatusSucceeded
		return r.finish(out, nil)
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		out.Result.Status = archive.StatusTimedOut
		return r.finish(out, fmt.Errorf("timed out after %s", task.Timeout))
	}
	out.Permanent = extractor.IsPermanent(err)
	return r.finish(out, err)
}

// finish stamps the end time and error summary.
func (r *Runner) finish(out Outcome, err error) Outcome {
	end := r.clock.Now()
	out.Result.EndedAt = &end
	if err != nil {
		out.Result.Error = errorSummary(err.Error())
	}
	return out
}

func errorSummary(msg string) *string {
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength] + "..."
	}
	return &msg
}

func lastLine(s string) string {
	s = strings.TrimSpace(strings.TrimSuffix(s, truncationMarker))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
