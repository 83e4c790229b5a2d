// Package runner executes subscription commands and reports the outcome.
// Commands run under /bin/sh -c with a merged stdout/stderr capture,
// bounded output, and a SIGTERM-then-SIGKILL termination ladder for
// timeouts and shutdown.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/occd/internal/config"
	"github.com/mattjoyce/occd/internal/feed"
	"github.com/mattjoyce/occd/internal/log"
	"github.com/mattjoyce/occd/internal/registry"
)

// terminationGracePeriod is the time between SIGTERM and SIGKILL when a
// command must be stopped.
const terminationGracePeriod = 5 * time.Second

// Status classifies how an execution ended.
type Status string

const (
	StatusSucceeded    Status = "succeeded"
	StatusFailed       Status = "failed"
	StatusTimedOut     Status = "timed_out"
	StatusLaunchFailed Status = "launch_failed"
	// StatusAborted marks runs killed by daemon shutdown rather than by
	// their own timeout. Aborted runs never trigger blame mail.
	StatusAborted Status = "aborted"
)

// Result records one command execution. ExitCode is -1 whenever no real
// exit status exists (launch failures, timeouts, aborts).
type Result struct {
	ID           string    `json:"id"`
	Subscription string    `json:"subscription"`
	Topic        string    `json:"topic"`
	Revision     string    `json:"revision,omitempty"`
	Command      string    `json:"command"`
	Status       Status    `json:"status"`
	ExitCode     int       `json:"exit_code"`
	Output       string    `json:"output,omitempty"`
	Truncated    bool      `json:"truncated,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Failed reports whether the execution should be treated as a failure.
func (r *Result) Failed() bool {
	return r.Status == StatusFailed || r.Status == StatusTimedOut || r.Status == StatusLaunchFailed
}

// Duration returns how long the execution ran.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Runner executes subscription commands.
type Runner struct {
	outputLimit int
	logger      *slog.Logger
}

// New creates a Runner with the configured capture limit.
func New(cfg config.RunnerConfig) *Runner {
	return &Runner{
		outputLimit: cfg.OutputLimit,
		logger:      log.WithComponent("runner"),
	}
}

// Execute runs the subscription's command for one event and always
// returns a Result; failures are encoded in Result.Status, never as an
// error. Cancelling ctx stops the command with the termination ladder
// and marks the run aborted.
func (r *Runner) Execute(ctx context.Context, sub *registry.Subscription, ev *feed.Event) *Result {
	res := &Result{
		ID:           uuid.NewString(),
		Subscription: sub.Name,
		Topic:        ev.Topic,
		Revision:     ev.Revision(),
		Command:      sub.Command,
		StartedAt:    time.Now(),
		ExitCode:     -1,
	}

	logger := log.WithExecution(res.ID).With(
		"subscription", sub.Name,
		"topic", ev.Topic,
		"command", sub.Command)
	logger.Info("executing command", "timeout", sub.Timeout)

	workDir := sub.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}

	cmd := exec.Command("/bin/sh", "-c", sub.Command)
	cmd.Dir = sub.WorkDir
	cmd.Env = buildEnv(sub, ev, workDir)

	if sub.RunAs != "" {
		cred, credEnv, err := credentialFor(sub.RunAs)
		if err != nil {
			return r.launchFailed(res, logger, err)
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Credential: cred}
		cmd.Env = append(cmd.Env, credEnv...)
	}

	capture := newCapWriter(r.outputLimit)
	cmd.Stdout = capture
	cmd.Stderr = capture

	// Without a wait delay, a background child inheriting the output
	// pipe would block Wait past the command's own exit.
	cmd.WaitDelay = terminationGracePeriod

	timeoutTimer := time.NewTimer(sub.Timeout)
	defer timeoutTimer.Stop()

	if err := cmd.Start(); err != nil {
		return r.launchFailed(res, logger, fmt.Errorf("start command: %w", err))
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		logger.Warn("command timed out, sending SIGTERM", "timeout", sub.Timeout)
		r.terminate(logger, cmd, waitErr)
		r.finish(res, StatusTimedOut, -1, capture)

	case <-ctx.Done():
		logger.Warn("shutdown while command running, sending SIGTERM")
		r.terminate(logger, cmd, waitErr)
		r.finish(res, StatusAborted, -1, capture)

	case err := <-waitErr:
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			r.finish(res, StatusSucceeded, 0, capture)
		case errors.Is(err, exec.ErrWaitDelay):
			// Command exited zero but something kept its output pipe
			// open past the wait delay.
			r.finish(res, StatusSucceeded, 0, capture)
		case errors.As(err, &exitErr):
			r.finish(res, StatusFailed, exitErr.ExitCode(), capture)
		default:
			// Wait itself failed; no usable exit status.
			capture.note(fmt.Sprintf("wait for command: %v", err))
			r.finish(res, StatusFailed, -1, capture)
		}
	}

	logger.Info("command finished",
		"status", res.Status,
		"exit_code", res.ExitCode,
		"duration", res.Duration(),
		"truncated", res.Truncated)
	return res
}

// terminate sends SIGTERM, waits out the grace period, and escalates to
// SIGKILL if the process is still alive.
func (r *Runner) terminate(logger *slog.Logger, cmd *exec.Cmd, waitErr <-chan error) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("command exited after SIGTERM")
	case <-grace.C:
		logger.Warn("command did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}

func (r *Runner) launchFailed(res *Result, logger *slog.Logger, err error) *Result {
	logger.Error("command launch failed", "error", err)
	res.Status = StatusLaunchFailed
	res.ExitCode = -1
	res.Output = err.Error()
	res.FinishedAt = time.Now()
	return res
}

func (r *Runner) finish(res *Result, status Status, exitCode int, capture *capWriter) {
	res.Status = status
	res.ExitCode = exitCode
	res.Output = capture.String()
	res.Truncated = capture.Truncated()
	res.FinishedAt = time.Now()
}

// buildEnv extends the daemon environment with the commit context the
// command may want to inspect. Changed paths are newline-separated since
// paths can contain spaces.
func buildEnv(sub *registry.Subscription, ev *feed.Event, workDir string) []string {
	return append(os.Environ(),
		"OCCD_SUBSCRIPTION="+sub.Name,
		"OCCD_TOPIC="+ev.Topic,
		"OCCD_REVISION="+ev.Revision(),
		"OCCD_AUTHOR="+ev.Author(),
		"OCCD_REPOSITORY="+ev.Repository(),
		"OCCD_CHANGED_PATHS="+strings.Join(ev.ChangedPaths(), "\n"),
		"OCCD_WORKDIR="+workDir,
	)
}

// credentialFor resolves a runas user to process credentials plus the
// identity environment the command expects (HOME, LOGNAME, USER).
func credentialFor(username string) (*syscall.Credential, []string, error) {
	u, err := user.Lookup(username)
	if err != nil {
		return nil, nil, fmt.Errorf("user %s not found", username)
	}

	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("user %s has non-numeric uid %q", username, u.Uid)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("user %s has non-numeric gid %q", username, u.Gid)
	}

	env := []string{
		"HOME=" + u.HomeDir,
		"LOGNAME=" + u.Username,
		"USER=" + u.Username,
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, env, nil
}

// capWriter stores up to limit bytes and counts the rest. Write always
// reports full success so the process never sees a broken pipe. Stdout
// and stderr share one capWriter, which makes exec funnel both streams
// through a single pipe; no locking needed.
type capWriter struct {
	buf     bytes.Buffer
	limit   int
	dropped int64
}

func newCapWriter(limit int) *capWriter {
	return &capWriter{limit: limit}
}

func (w *capWriter) Write(p []byte) (int, error) {
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) <= room {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:room])
			w.dropped += int64(len(p) - room)
		}
	} else {
		w.dropped += int64(len(p))
	}
	return len(p), nil
}

// note appends a diagnostic line, ignoring the capture limit.
func (w *capWriter) note(s string) {
	if w.buf.Len() > 0 {
		w.buf.WriteByte('\n')
	}
	w.buf.WriteString(s)
}

func (w *capWriter) String() string {
	return w.buf.String()
}

func (w *capWriter) Truncated() bool {
	return w.dropped > 0
}
