package drm

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/isadenghien/soma-workflow/pkg/log"
	"github.com/isadenghien/soma-workflow/pkg/types"
	"github.com/rs/zerolog"
)

// LocalAdapter submits templates as local child processes. It is the
// default adapter for single-machine deployments and for the test suite,
// standing in for a real Condor/SGE/LSF/PBS binding.
type LocalAdapter struct {
	logger zerolog.Logger
	mu     sync.Mutex
	jobs   map[string]*localJob
}

type localJob struct {
	cmd      *exec.Cmd
	status   Status
	done     chan struct{}
	exitInfo types.ExitInfo
	held     bool
}

// NewLocalAdapter creates a process-backed DRM adapter.
func NewLocalAdapter() *LocalAdapter {
	return &LocalAdapter{
		logger: log.WithComponent("drm-local"),
		jobs:   make(map[string]*localJob),
	}
}

func (a *LocalAdapter) Submit(ctx context.Context, tmpl types.Template) (string, error) {
	if len(tmpl.Command) == 0 {
		return "", fmt.Errorf("local adapter: empty command")
	}

	cmd := exec.Command(tmpl.Command[0], tmpl.Command[1:]...)
	if tmpl.WorkingDir != "" {
		cmd.Dir = tmpl.WorkingDir
	}
	if len(tmpl.Environment) > 0 {
		env := os.Environ()
		for k, v := range tmpl.Environment {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	if tmpl.StdinFile != "" {
		f, err := os.Open(tmpl.StdinFile)
		if err != nil {
			return "", fmt.Errorf("local adapter: open stdin: %w", err)
		}
		cmd.Stdin = f
	}
	if tmpl.StdoutFile != "" {
		f, err := os.Create(tmpl.StdoutFile)
		if err != nil {
			return "", fmt.Errorf("local adapter: create stdout: %w", err)
		}
		cmd.Stdout = f
		if tmpl.JoinStderr {
			cmd.Stderr = f
		}
	}
	if !tmpl.JoinStderr && tmpl.StderrFile != "" {
		f, err := os.Create(tmpl.StderrFile)
		if err != nil {
			return "", fmt.Errorf("local adapter: create stderr: %w", err)
		}
		cmd.Stderr = f
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("local adapter: start: %w", err)
	}

	drmID := uuid.NewString()
	job := &localJob{cmd: cmd, status: Running, done: make(chan struct{})}

	a.mu.Lock()
	a.jobs[drmID] = job
	a.mu.Unlock()

	go a.awaitExit(drmID, job)

	return drmID, nil
}

func (a *LocalAdapter) awaitExit(drmID string, job *localJob) {
	err := job.cmd.Wait()
	info := types.ExitInfo{Status: types.ExitUndetermined}

	if err == nil {
		info.Status = types.ExitFinishedRegularly
		info.Value = 0
	} else if exitErr, ok := err.(*exec.ExitError); ok {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				info.Status = types.ExitFinishedTermSignal
				info.TerminatingSignal = ws.Signal().String()
			} else {
				info.Status = types.ExitFinishedRegularly
				info.Value = ws.ExitStatus()
			}
		} else {
			info.Status = types.ExitFinishedUnclearCondition
		}
	} else {
		info.Status = types.ExitAborted
	}

	if ps := job.cmd.ProcessState; ps != nil {
		info.ResourceUsage = map[string]string{
			"user_time":   ps.UserTime().String(),
			"system_time": ps.SystemTime().String(),
		}
		if ru, ok := ps.SysUsage().(*syscall.Rusage); ok && ru != nil {
			info.ResourceUsage["max_rss_kb"] = strconv.FormatInt(ru.Maxrss, 10)
		}
	}

	a.mu.Lock()
	job.exitInfo = info
	if info.Status == types.ExitFinishedRegularly && info.Value == 0 {
		job.status = Done
	} else {
		job.status = Failed
	}
	// Close done before releasing the lock so a Status that reports a
	// terminal state is always followed by a Wait that sees the exit info.
	close(job.done)
	a.mu.Unlock()
}

func (a *LocalAdapter) Status(_ context.Context, drmID string) (Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[drmID]
	if !ok {
		return Undetermined, fmt.Errorf("local adapter: unknown drm id %s", drmID)
	}
	if job.held {
		return UserOnHold, nil
	}
	return job.status, nil
}

func (a *LocalAdapter) Hold(_ context.Context, drmID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[drmID]
	if !ok {
		return fmt.Errorf("local adapter: unknown drm id %s", drmID)
	}
	if job.cmd.Process != nil {
		_ = job.cmd.Process.Signal(syscall.SIGSTOP)
	}
	job.held = true
	return nil
}

func (a *LocalAdapter) Release(_ context.Context, drmID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	job, ok := a.jobs[drmID]
	if !ok {
		return fmt.Errorf("local adapter: unknown drm id %s", drmID)
	}
	if job.cmd.Process != nil {
		_ = job.cmd.Process.Signal(syscall.SIGCONT)
	}
	job.held = false
	return nil
}

func (a *LocalAdapter) Kill(_ context.Context, drmID string) error {
	a.mu.Lock()
	job, ok := a.jobs[drmID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("local adapter: unknown drm id %s", drmID)
	}
	if job.cmd.Process == nil {
		return nil
	}
	return job.cmd.Process.Kill()
}

func (a *LocalAdapter) Wait(ctx context.Context, drmID string, timeout time.Duration) (WaitResult, error) {
	a.mu.Lock()
	job, ok := a.jobs[drmID]
	a.mu.Unlock()
	if !ok {
		return WaitResult{}, fmt.Errorf("local adapter: unknown drm id %s", drmID)
	}

	switch {
	case timeout < 0:
		select {
		case <-job.done:
			return WaitResult{ExitInfo: job.exitInfo}, nil
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		}
	case timeout == 0:
		select {
		case <-job.done:
			return WaitResult{ExitInfo: job.exitInfo}, nil
		default:
			return WaitResult{}, ErrWaitTimeout
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-job.done:
			return WaitResult{ExitInfo: job.exitInfo}, nil
		case <-timer.C:
			return WaitResult{}, ErrWaitTimeout
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		}
	}
}
