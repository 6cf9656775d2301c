// Package engine is the workflow scheduler (spec.md §4.6): it advances
// ready jobs, submits them to the DRM adapter, polls in-flight jobs for
// status, and applies the resulting transitions back into the store.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/isadenghien/soma-workflow/pkg/drm"
	"github.com/isadenghien/soma-workflow/pkg/events"
	"github.com/isadenghien/soma-workflow/pkg/log"
	"github.com/isadenghien/soma-workflow/pkg/metrics"
	"github.com/isadenghien/soma-workflow/pkg/resolver"
	"github.com/isadenghien/soma-workflow/pkg/somaerr"
	"github.com/isadenghien/soma-workflow/pkg/store"
	"github.com/isadenghien/soma-workflow/pkg/transfer"
	"github.com/isadenghien/soma-workflow/pkg/types"
	"github.com/rs/zerolog"
)

// Config tunes the scheduling cycle.
type Config struct {
	TickInterval      time.Duration
	PerUserDRMCap     int
	MaxInFlightPolls  int
	RetryMaxElapsed   time.Duration
	RetryMaxAttempts  uint
}

// DefaultConfig is a reasonable single-site deployment's cycle tuning.
func DefaultConfig() Config {
	return Config{
		TickInterval:     2 * time.Second,
		PerUserDRMCap:    50,
		MaxInFlightPolls: 200,
		RetryMaxElapsed:  2 * time.Minute,
		RetryMaxAttempts: 6,
	}
}

// Engine is the workflow scheduler.
type Engine struct {
	store    store.Store
	resolver *resolver.Resolver
	adapter  drm.Adapter
	xfer     *transfer.Coordinator
	broker   *events.Broker
	streams  *transfer.StreamReader
	cfg      Config
	logger   zerolog.Logger

	mu     sync.Mutex
	stopCh chan struct{}
}

// New builds an Engine. broker may be nil, in which case lifecycle events
// are not published.
func New(st store.Store, res *resolver.Resolver, adapter drm.Adapter, xfer *transfer.Coordinator, broker *events.Broker, cfg Config) *Engine {
	return &Engine{
		store:    st,
		resolver: res,
		adapter:  adapter,
		xfer:     xfer,
		broker:   broker,
		streams:  transfer.NewStreamReader(128),
		cfg:      cfg,
		logger:   log.WithComponent("engine"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the scheduling loop, first reconciling any non-terminal
// jobs left over from a prior process (spec.md §4.6 crash recovery).
func (e *Engine) Start(ctx context.Context) error {
	if err := e.reconcile(ctx); err != nil {
		return err
	}
	go e.run(ctx)
	return nil
}

// Stop halts the scheduling loop.
func (e *Engine) Stop() { close(e.stopCh) }

func (e *Engine) run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.cycle(ctx); err != nil {
				e.logger.Error().Err(err).Msg("scheduling cycle failed")
			}
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// reconcile re-reads every non-terminal job and reconciles its recorded
// DRM id against the adapter, so an engine restart loses no state.
func (e *Engine) reconcile(ctx context.Context) error {
	jobs, err := e.store.ListNonTerminalJobs()
	if err != nil {
		return err
	}
	users := make(map[string]bool)
	for _, job := range jobs {
		users[job.UserID] = true
		if job.DRMID == "" {
			continue // never made it to the DRM; the next cycle will (re)submit it
		}
		status, err := e.adapter.Status(ctx, job.DRMID)
		if err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Str("drm_id", job.DRMID).Msg("reconcile: status query failed")
			continue
		}
		e.applyDRMStatus(ctx, job, status)
	}
	for userID := range users {
		e.advanceWorkflows(userID)
	}
	e.logger.Info().Int("count", len(jobs)).Msg("reconciled non-terminal jobs on startup")
	return nil
}

// cycle performs one scheduling iteration: advance newly-ready jobs, then
// poll in-flight jobs for status.
func (e *Engine) cycle(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingCycleDuration)

	jobs, err := e.store.ListNonTerminalJobs()
	if err != nil {
		return err
	}

	byUser := make(map[string][]*types.Job)
	counts := make(map[types.JobStatus]int)
	for _, j := range jobs {
		byUser[j.UserID] = append(byUser[j.UserID], j)
		counts[j.Status]++
	}
	metrics.JobsByStatus.Reset()
	for status, n := range counts {
		metrics.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}

	for userID, userJobs := range byUser {
		e.advanceBarriers(userID, userJobs)
		e.advanceUpstreamFailed(userID, userJobs)
		e.submitReady(ctx, userID, userJobs)
	}

	e.pollInFlight(ctx, jobs)

	for userID := range byUser {
		e.advanceWorkflows(userID)
	}
	return nil
}

// advanceWorkflows recomputes the aggregate status of every live workflow
// of userID from its jobs: ACTIVE while any job is queued or running, DONE
// once all jobs are DONE, FAILED once all jobs are terminal and at least
// one is not DONE.
func (e *Engine) advanceWorkflows(userID string) {
	wfs, err := e.store.ListWorkflowsByUser(userID)
	if err != nil {
		e.logger.Warn().Err(err).Str("user_id", userID).Msg("list workflows failed")
		return
	}
	for _, wf := range wfs {
		switch wf.Status {
		case types.WorkflowSubmitted, types.WorkflowActive:
		default:
			continue
		}
		jobs, err := e.store.ListJobsByWorkflow(userID, wf.ID)
		if err != nil || len(jobs) == 0 {
			continue
		}
		next := aggregateWorkflowStatus(jobs)
		if next == wf.Status {
			continue
		}
		wf.Status = next
		if err := e.store.UpdateWorkflow(userID, wf); err != nil {
			e.logger.Warn().Err(err).Str("workflow_id", wf.ID).Msg("update workflow status failed")
			continue
		}
		if e.broker != nil {
			e.broker.Publish(&events.Event{
				Type:       events.EventWorkflowStatusChanged,
				UserID:     userID,
				WorkflowID: wf.ID,
				Status:     string(wf.Status),
			})
		}
	}
}

func aggregateWorkflowStatus(jobs []*types.Job) types.WorkflowStatus {
	allTerminal, anyBad, anyActive := true, false, false
	for _, j := range jobs {
		switch {
		case j.Status == types.JobDone:
		case j.Status.IsTerminalNonDone():
			anyBad = true
		default:
			allTerminal = false
			if j.Status != types.JobNotSubmitted {
				anyActive = true
			}
		}
	}
	switch {
	case allTerminal && anyBad:
		return types.WorkflowFailed
	case allTerminal:
		return types.WorkflowDone
	case anyActive:
		return types.WorkflowActive
	default:
		return types.WorkflowSubmitted
	}
}

// advanceBarriers computes, but never submits, the status of every barrier
// job among userJobs once all its predecessors are resolved.
func (e *Engine) advanceBarriers(userID string, userJobs []*types.Job) {
	for _, job := range userJobs {
		if !job.IsBarrier() || job.Status != types.JobNotSubmitted {
			continue
		}
		preds, err := e.store.ListPredecessors(userID, job.ID)
		if err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("list predecessors failed")
			continue
		}
		allDone, anyBad, resolved := e.predecessorState(userID, preds)
		if !resolved {
			continue
		}
		switch {
		case anyBad:
			job.Status = types.JobFailed
			job.Cause = types.CauseUpstreamFailed
		case allDone:
			job.Status = types.JobDone
		default:
			continue
		}
		if err := e.store.UpdateJob(userID, job); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("update barrier job failed")
			continue
		}
		e.publishJobStatus(userID, job)
	}
}

// advanceUpstreamFailed fails, without submitting, every non-barrier ready
// job whose predecessors include a terminal-non-DONE job.
func (e *Engine) advanceUpstreamFailed(userID string, userJobs []*types.Job) {
	for _, job := range userJobs {
		if job.IsBarrier() || job.Status != types.JobNotSubmitted {
			continue
		}
		preds, err := e.store.ListPredecessors(userID, job.ID)
		if err != nil {
			continue
		}
		_, anyBad, _ := e.predecessorState(userID, preds)
		if !anyBad {
			continue
		}
		job.Status = types.JobFailed
		job.Cause = types.CauseUpstreamFailed
		if err := e.store.UpdateJob(userID, job); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("fail upstream job failed")
			continue
		}
		metrics.JobsFailedTotal.WithLabelValues(string(types.CauseUpstreamFailed)).Inc()
		e.publishJobStatus(userID, job)
	}
}

// predecessorState reports whether every predecessor is DONE (allDone),
// whether any is terminal-non-DONE (anyBad), and whether every predecessor
// has reached a decision either way (resolved).
func (e *Engine) predecessorState(userID string, predIDs []string) (allDone, anyBad, resolved bool) {
	allDone = true
	resolved = true
	for _, id := range predIDs {
		p, err := e.store.GetJob(userID, id)
		if err != nil {
			resolved = false
			continue
		}
		if p.Status.IsTerminalNonDone() {
			anyBad = true
		}
		if p.Status != types.JobDone {
			allDone = false
		}
		if !p.Status.IsTerminal() {
			resolved = false
		}
	}
	return allDone, anyBad, resolved
}

// submitReady finds every ready job for userID, moves it to PENDING,
// orders the pending pool by priority/timestamp/id, and submits as many as
// the per-user DRM cap allows; the excess stays PENDING until a slot frees
// up.
func (e *Engine) submitReady(ctx context.Context, userID string, userJobs []*types.Job) {
	inFlight := 0
	var candidates []*types.Job
	for _, job := range userJobs {
		switch job.Status {
		case types.JobQueuedActive, types.JobRunning, types.JobUserOnHold, types.JobUserSuspended:
			inFlight++
		case types.JobPending:
			candidates = append(candidates, job)
		case types.JobNotSubmitted:
			if job.IsBarrier() {
				continue
			}
			preds, err := e.store.ListPredecessors(userID, job.ID)
			if err != nil {
				continue
			}
			allDone, anyBad, resolved := e.predecessorState(userID, preds)
			if resolved && allDone && !anyBad {
				job.Status = types.JobPending
				if err := e.store.UpdateJob(userID, job); err != nil {
					continue
				}
				e.publishJobStatus(userID, job)
				candidates = append(candidates, job)
			}
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	slots := e.cfg.PerUserDRMCap - inFlight
	if slots <= 0 {
		return
	}
	if len(candidates) > slots {
		candidates = candidates[:slots]
	}

	for _, job := range candidates {
		e.submitOne(ctx, userID, job)
	}
}

func (e *Engine) submitOne(ctx context.Context, userID string, job *types.Job) {
	tmpl, err := e.resolver.Resolve(userID, job)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("resolve failed, failing job")
		job.Status = types.JobFailed
		job.Cause = types.CauseSubmissionError
		_ = e.store.UpdateJob(userID, job)
		metrics.JobsFailedTotal.WithLabelValues(string(types.CauseSubmissionError)).Inc()
		e.publishJobStatus(userID, job)
		return
	}

	timer := metrics.NewTimer()
	drmID, err := e.submitWithRetry(ctx, tmpl)
	timer.ObserveDuration(metrics.DRMSubmitDuration)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("drm submission exhausted retries")
		job.Status = types.JobFailed
		if somaerr.OfKind(err, somaerr.DRMUnavailable) {
			job.Cause = types.CauseDRMUnavailable
		} else {
			job.Cause = types.CauseSubmissionError
		}
		_ = e.store.UpdateJob(userID, job)
		metrics.JobsFailedTotal.WithLabelValues(string(job.Cause)).Inc()
		e.publishJobStatus(userID, job)
		return
	}

	job.DRMID = drmID
	job.Status = types.JobQueuedActive
	job.SubmittedAt = time.Now()
	job.StdoutPath = tmpl.StdoutFile
	job.StderrPath = tmpl.StderrFile
	if tmpl.JoinStderr {
		job.StderrPath = tmpl.StdoutFile
	}
	if err := e.store.UpdateJob(userID, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("record drm id failed")
		return
	}

	for _, tok := range job.ReferencedInputPaths {
		if tok.RefID != "" {
			_ = e.xfer.AddJobReference(job.ID, tok.RefID, types.DirectionInput)
		}
	}
	for _, tok := range job.ReferencedOutputPaths {
		if tok.RefID != "" {
			_ = e.xfer.AddJobReference(job.ID, tok.RefID, types.DirectionOutput)
		}
	}

	metrics.JobsSubmittedTotal.Inc()
	e.publishJobStatus(userID, job)
}

// submitWithRetry wraps adapter.Submit in a bounded exponential backoff,
// mapping a permanent DRM rejection (an adapter error of kind
// somaerr.SubmissionError) straight through and only retrying errors the
// adapter itself didn't classify as permanent.
func (e *Engine) submitWithRetry(ctx context.Context, tmpl types.Template) (string, error) {
	op := func() (string, error) {
		id, err := e.adapter.Submit(ctx, tmpl)
		if err != nil {
			if somaerr.OfKind(err, somaerr.SubmissionError) {
				return "", backoff.Permanent(err)
			}
			metrics.DRMRetriesTotal.Inc()
			return "", err
		}
		return id, nil
	}

	id, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(e.cfg.RetryMaxElapsed),
		backoff.WithMaxTries(e.cfg.RetryMaxAttempts),
	)
	if err != nil {
		if somaerr.OfKind(err, somaerr.SubmissionError) {
			return "", err
		}
		return "", somaerr.Wrap(somaerr.DRMUnavailable, err, "drm submit failed after retries")
	}
	return id, nil
}

// pollInFlight polls a bounded number of in-flight DRM ids for status and
// applies any resulting transitions.
func (e *Engine) pollInFlight(ctx context.Context, jobs []*types.Job) {
	polled := 0
	for _, job := range jobs {
		if polled >= e.cfg.MaxInFlightPolls {
			return
		}
		if job.DRMID == "" {
			continue
		}
		switch job.Status {
		case types.JobQueuedActive, types.JobRunning, types.JobUserOnHold, types.JobUserSuspended:
		default:
			continue
		}
		status, err := e.adapter.Status(ctx, job.DRMID)
		if err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("poll status failed")
			continue
		}
		polled++
		e.applyDRMStatus(ctx, job, status)
	}
}

func (e *Engine) applyDRMStatus(ctx context.Context, job *types.Job, status drm.Status) {
	var next types.JobStatus
	switch status {
	case drm.Running:
		next = types.JobRunning
	case drm.UserOnHold, drm.SystemOnHold, drm.UserSystemOnHold:
		next = types.JobUserOnHold
	case drm.UserSuspended, drm.SystemSuspended, drm.UserSystemSuspended:
		next = types.JobUserSuspended
	case drm.QueuedActive, drm.Undetermined:
		next = types.JobQueuedActive
	case drm.Done:
		next = types.JobDone
	case drm.Failed:
		next = types.JobFailed
	default:
		next = job.Status
	}

	if next == job.Status {
		return
	}
	job.Status = next
	terminal := next == types.JobDone || next == types.JobFailed

	if terminal {
		if res, err := e.adapter.Wait(ctx, job.DRMID, 0); err == nil {
			info := res.ExitInfo
			job.ExitInfo = &info
		}
		if next == types.JobFailed && job.Cause == types.CauseNone {
			// The job itself exited non-zero; there is no scheduler-side cause
			// to record, exit_info carries the classification.
			metrics.JobsFailedTotal.WithLabelValues("nonzero_exit").Inc()
		}
		if next == types.JobDone {
			for _, tok := range job.ReferencedOutputPaths {
				if tok.Kind == types.TokenTransfer && tok.RefID != "" {
					if err := e.xfer.MarkOutputReady(job.UserID, tok.RefID); err != nil {
						e.logger.Warn().Err(err).Str("job_id", job.ID).Str("server_path", tok.RefID).Msg("mark output ready failed")
					}
				}
			}
		}
	}

	if err := e.store.UpdateJob(job.UserID, job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("apply drm status failed")
		return
	}
	e.publishJobStatus(job.UserID, job)
}

// StopJob issues a DRM hold against a queued or running job and records it
// as USER_ON_HOLD.
func (e *Engine) StopJob(ctx context.Context, userID, jobID string) error {
	job, err := e.store.GetJob(userID, jobID)
	if err != nil {
		return err
	}
	if job.DRMID == "" {
		return somaerr.New(somaerr.InvalidArgument, "job %s is not submitted", jobID)
	}
	if err := e.adapter.Hold(ctx, job.DRMID); err != nil {
		return somaerr.Wrap(somaerr.DRMUnavailable, err, "hold failed")
	}
	job.Status = types.JobUserOnHold
	if err := e.store.UpdateJob(userID, job); err != nil {
		return err
	}
	e.publishJobStatus(userID, job)
	return nil
}

// RestartJob releases a held or suspended job.
func (e *Engine) RestartJob(ctx context.Context, userID, jobID string) error {
	job, err := e.store.GetJob(userID, jobID)
	if err != nil {
		return err
	}
	if job.DRMID == "" {
		return somaerr.New(somaerr.InvalidArgument, "job %s is not submitted", jobID)
	}
	if err := e.adapter.Release(ctx, job.DRMID); err != nil {
		return somaerr.Wrap(somaerr.DRMUnavailable, err, "release failed")
	}
	job.Status = types.JobQueuedActive
	if err := e.store.UpdateJob(userID, job); err != nil {
		return err
	}
	e.publishJobStatus(userID, job)
	return nil
}

// KillJob issues a DRM kill and transitions the job to KILLED; the job
// stays visible (its stdio still retrievable) until Dispose removes it.
func (e *Engine) KillJob(ctx context.Context, userID, jobID string) error {
	job, err := e.store.GetJob(userID, jobID)
	if err != nil {
		return err
	}
	if job.DRMID != "" {
		if err := e.adapter.Kill(ctx, job.DRMID); err != nil {
			return somaerr.Wrap(somaerr.DRMUnavailable, err, "kill failed")
		}
	}
	job.Status = types.JobKilled
	if err := e.store.UpdateJob(userID, job); err != nil {
		return err
	}
	e.publishJobStatus(userID, job)
	if job.WorkflowID != "" {
		e.advanceWorkflows(userID)
	}
	return nil
}

// DisposeJob kills a still-running job first, then removes it and its
// transfer references from the store.
func (e *Engine) DisposeJob(ctx context.Context, userID, jobID string) error {
	job, err := e.store.GetJob(userID, jobID)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		if err := e.KillJob(ctx, userID, jobID); err != nil {
			return err
		}
	}
	if err := e.xfer.ReleaseJobReferences(jobID); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("release job references failed")
	}
	e.streams.Forget(jobID)
	if err := e.store.DeleteJob(userID, jobID); err != nil {
		return err
	}
	if e.broker != nil {
		e.broker.Publish(&events.Event{Type: events.EventJobDisposed, UserID: userID, JobID: jobID})
	}
	return nil
}

// DisposeWorkflow cancels every non-terminal job of the workflow before
// removing it. The workflow is marked DELETE_PENDING first so concurrent
// status queries see the disposal in progress rather than a half-deleted
// graph.
func (e *Engine) DisposeWorkflow(ctx context.Context, userID, workflowID string) error {
	wf, err := e.store.GetWorkflow(userID, workflowID)
	if err != nil {
		return err
	}
	wf.Status = types.WorkflowDeletePending
	if err := e.store.UpdateWorkflow(userID, wf); err != nil {
		return err
	}

	jobs, err := e.store.ListJobsByWorkflow(userID, workflowID)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if err := e.DisposeJob(ctx, userID, job.ID); err != nil {
			e.logger.Warn().Err(err).Str("job_id", job.ID).Msg("dispose job during workflow disposal failed")
		}
	}
	if err := e.store.DeleteWorkflow(userID, workflowID); err != nil {
		return err
	}
	if e.broker != nil {
		e.broker.Publish(&events.Event{Type: events.EventWorkflowDisposed, UserID: userID, WorkflowID: workflowID})
	}
	return nil
}

// Wait blocks until every named job is terminal or timeout elapses,
// whichever comes first. A negative timeout blocks indefinitely; zero
// polls once and returns immediately. When a broker is wired, job status
// events wake the waiter; the short re-check tick is only a fallback.
func (e *Engine) Wait(ctx context.Context, userID string, jobIDs []string, timeout time.Duration) error {
	var sub events.Subscriber
	if e.broker != nil {
		sub = e.broker.Subscribe()
		defer e.broker.Unsubscribe(sub)
	}

	deadline := time.Now().Add(timeout)
	for {
		allTerminal := true
		for _, id := range jobIDs {
			job, err := e.store.GetJob(userID, id)
			if err != nil {
				return err
			}
			if !job.Status.IsTerminal() {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			return nil
		}
		if timeout == 0 {
			return drm.ErrWaitTimeout
		}
		if timeout > 0 && time.Now().After(deadline) {
			return drm.ErrWaitTimeout
		}
		select {
		case <-sub:
		case <-time.After(200 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (e *Engine) publishJobStatus(userID string, job *types.Job) {
	if e.broker == nil {
		return
	}
	e.broker.Publish(&events.Event{
		Type:       events.EventJobStatusChanged,
		UserID:     userID,
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		Status:     string(job.Status),
	})
}
