// SPDX-License-Identifier: MIT

package supervisor

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/capturemgrd/internal/instance"
	"github.com/tomtom215/capturemgrd/internal/util"
)

// ringBufferedStderr captures the last maxLines of a child's stderr, the
// way the teacher's stream.Manager keeps an in-memory tail for diagnostics
// instead of writing unbounded log files.
type ringBufferedStderr struct {
	mu       sync.Mutex
	lines    []string
	maxLines int
}

func newRingBufferedStderr(cmd *exec.Cmd, maxLines int, logger *slog.Logger) (*ringBufferedStderr, error) {
	pipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	r := &ringBufferedStderr{maxLines: maxLines}
	util.SafeGo("stderr-drain", util.SlogWriter{Logger: logger}, func() { r.drain(pipe) }, nil)
	return r, nil
}

func (r *ringBufferedStderr) drain(pipe io.ReadCloser) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		r.mu.Lock()
		r.lines = append(r.lines, scanner.Text())
		if len(r.lines) > r.maxLines {
			r.lines = r.lines[len(r.lines)-r.maxLines:]
		}
		r.mu.Unlock()
	}
}

func (r *ringBufferedStderr) tail() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.lines, "\n")
}

func (r *ringBufferedStderr) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

// interruptSignal returns the signal sent to request graceful shutdown of a
// launcher child, matching the teacher's stream.Manager SIGINT-first
// convention so a media pipeline has a chance to flush and close cleanly
// before the grace window expires and Stop force-kills it.
func interruptSignal() syscall.Signal {
	return syscall.SIGINT
}

// childService adapts one running instance's child process into a
// suture.Service. Run blocks until the process exits (or the suture tree's
// context is cancelled), classifies the exit via classify.go, persists the
// error tail and retry bookkeeping, and either restarts the instance itself
// (returning suture.ErrDoNotRestart so suture does not also apply its own
// restart policy) or leaves it in StatusError for an operator/automation to
// retry.
type childService struct {
	sup    *Supervisor
	id     string
	cmd    *exec.Cmd
	stderr *ringBufferedStderr
	args   []string
}

func (c *childService) String() string { return "instance:" + c.id }

func (c *childService) Serve(ctx context.Context) error {
	waitErr := make(chan error, 1)
	util.SafeGoWithRecover("child-wait:"+c.id, util.SlogWriter{Logger: c.sup.logger}, func() error {
		return c.cmd.Wait()
	}, waitErr, nil)

	var exitErr error
	select {
	case exitErr = <-waitErr:
	case <-ctx.Done():
		c.sup.finishChild(c.id)
		return suture.ErrDoNotRestart
	}

	c.sup.mu.Lock()
	inst := c.sup.instances[c.id]
	wasStopping := inst != nil && inst.Status == instance.StatusStopping
	c.sup.mu.Unlock()

	c.sup.finishChild(c.id)

	if wasStopping {
		// Stop() already owns this transition and is waiting on cmd.Wait()
		// itself; nothing further to classify.
		return suture.ErrDoNotRestart
	}

	if exitErr == nil {
		// Clean exit (code 0) with no Stop() in flight: the pipeline ran to
		// completion on its own, matching the original's
		// "exit_code == 0 -> STOPPED" branch rather than the error classifier.
		c.sup.setStatus(c.id, instance.StatusStopped)
		return suture.ErrDoNotRestart
	}

	tail := c.stderr.tail()

	c.sup.mu.Lock()
	if inst != nil {
		inst.ErrorLogs = c.stderr.snapshot()
		if exitErr != nil {
			inst.ErrorMessage = exitErr.Error()
		}
	}
	retry := inst != nil && inst.Recovery.AutoRestart && shouldRetry(tail) &&
		inst.RetryCount < inst.Recovery.MaxRetries
	var retryDelay time.Duration
	if retry {
		inst.RetryCount++
		retryDelay = time.Duration(inst.Recovery.RetryDelaySeconds) * time.Second
	}
	c.sup.mu.Unlock()

	if retry {
		c.sup.logger.Info("restarting instance after transient failure",
			"id", c.id, "attempt", inst.RetryCount, "delay", retryDelay, "error_tail", tail)
		select {
		case <-time.After(retryDelay):
		case <-ctx.Done():
			return suture.ErrDoNotRestart
		}
		c.sup.mu.RLock()
		cur := c.sup.instances[c.id]
		stopped := cur == nil || cur.Status == instance.StatusStopped
		c.sup.mu.RUnlock()
		if stopped {
			return suture.ErrDoNotRestart
		}
		c.sup.setStatus(c.id, instance.StatusStarting)
		if err := c.sup.spawnAndSupervise(ctx, c.id, c.args); err != nil {
			c.sup.logger.Error("failed to respawn instance", "id", c.id, "error", err)
			c.sup.setStatus(c.id, instance.StatusError)
		}
		return suture.ErrDoNotRestart
	}

	c.sup.logger.Warn("instance exited without retry",
		"id", c.id, "error_tail", tail, "exit_error", exitErr)
	c.sup.setStatus(c.id, instance.StatusError)
	return suture.ErrDoNotRestart
}
