// Package drm defines the abstract contract the engine uses to talk to a
// site's distributed resource manager (Condor, SGE, LSF, PBS, or a local
// stand-in) and two concrete adapters. The DRM itself is out of scope for
// this repository (spec.md §1); only the interface and a couple of
// reference implementations live here.
package drm

import (
	"context"
	"time"

	"github.com/isadenghien/soma-workflow/pkg/types"
)

// Status is the DRM-reported state of a submitted job, surfaced to the
// engine as an intermediate side-state alongside the job status lattice.
type Status string

const (
	Undetermined        Status = "UNDETERMINED"
	QueuedActive        Status = "QUEUED_ACTIVE"
	SystemOnHold        Status = "SYSTEM_ON_HOLD"
	UserOnHold          Status = "USER_ON_HOLD"
	UserSystemOnHold    Status = "USER_SYSTEM_ON_HOLD"
	Running             Status = "RUNNING"
	SystemSuspended     Status = "SYSTEM_SUSPENDED"
	UserSuspended       Status = "USER_SUSPENDED"
	UserSystemSuspended Status = "USER_SYSTEM_SUSPENDED"
	Done                Status = "DONE"
	Failed              Status = "FAILED"
)

// WaitResult is what a blocking Wait returns once a job has terminated.
type WaitResult struct {
	ExitInfo types.ExitInfo
}

// Adapter is the abstract contract over a site DRM. Every operation is
// idempotent with respect to the DRM id it was given; the adapter may fail
// transiently, in which case the caller (pkg/engine) retries with bounded
// exponential backoff before giving up.
type Adapter interface {
	// Submit hands a resolved template to the DRM and returns its opaque id.
	Submit(ctx context.Context, tmpl types.Template) (drmID string, err error)

	// Status queries the current DRM-side state of a previously submitted job.
	Status(ctx context.Context, drmID string) (Status, error)

	Hold(ctx context.Context, drmID string) error
	Release(ctx context.Context, drmID string) error
	Kill(ctx context.Context, drmID string) error

	// Wait blocks until the job terminates or timeout elapses. A negative
	// timeout blocks indefinitely; zero polls and returns immediately
	// (err is context.DeadlineExceeded-equivalent ErrWaitTimeout on no result).
	Wait(ctx context.Context, drmID string, timeout time.Duration) (WaitResult, error)
}

// ErrWaitTimeout is returned by Wait when timeout elapses (or a zero-timeout
// poll finds the job still running) before the job terminates.
var ErrWaitTimeout = waitTimeoutError{}

type waitTimeoutError struct{}

func (waitTimeoutError) Error() string { return "drm: wait timed out before job terminated" }
