package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isadenghien/soma-workflow/pkg/drm"
	"github.com/isadenghien/soma-workflow/pkg/graph"
	"github.com/isadenghien/soma-workflow/pkg/resolver"
	"github.com/isadenghien/soma-workflow/pkg/somaerr"
	"github.com/isadenghien/soma-workflow/pkg/store"
	"github.com/isadenghien/soma-workflow/pkg/transfer"
	"github.com/isadenghien/soma-workflow/pkg/types"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, store.Store, string) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	res := resolver.New(st, nil, t.TempDir())
	adapter := drm.NewLocalAdapter()
	xfer := transfer.New(st, t.TempDir())

	user, err := st.RegisterUser("alice")
	require.NoError(t, err)

	e := New(st, res, adapter, xfer, nil, cfg)
	return e, st, user.ID
}

func runCyclesUntil(t *testing.T, e *Engine, ctx context.Context, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		require.NoError(t, e.cycle(ctx))
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestCycleSubmitsReadyJobToCompletion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	job := &types.Job{Command: []types.CommandToken{types.Lit("true")}}
	require.NoError(t, e.SubmitJob(userID, job))

	runCyclesUntil(t, e, ctx, func() bool {
		got, err := st.GetJob(userID, job.ID)
		require.NoError(t, err)
		return got.Status.IsTerminal()
	}, 3*time.Second)

	got, err := st.GetJob(userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDone, got.Status)
	assert.NotEmpty(t, got.DRMID)
}

func TestCycleRespectsTopologicalOrder(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	wf := &types.Workflow{Name: "chain"}
	require.NoError(t, st.CreateWorkflow(userID, wf))

	a := &types.Job{WorkflowID: wf.ID, Command: []types.CommandToken{types.Lit("sleep"), types.Lit("0.2")}}
	b := &types.Job{WorkflowID: wf.ID, Command: []types.CommandToken{types.Lit("true")}}
	require.NoError(t, st.CreateJob(userID, a))
	require.NoError(t, st.CreateJob(userID, b))
	require.NoError(t, st.AddDependency(userID, wf.ID, types.Dependency{PredecessorJobID: a.ID, SuccessorJobID: b.ID}))

	require.NoError(t, e.cycle(ctx))

	aAfter, err := st.GetJob(userID, a.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, aAfter.DRMID)

	bAfter, err := st.GetJob(userID, b.ID)
	require.NoError(t, err)
	assert.Empty(t, bAfter.DRMID)
	assert.Equal(t, types.JobNotSubmitted, bAfter.Status)

	runCyclesUntil(t, e, ctx, func() bool {
		got, err := st.GetJob(userID, b.ID)
		require.NoError(t, err)
		return got.Status.IsTerminal()
	}, 3*time.Second)

	bFinal, err := st.GetJob(userID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDone, bFinal.Status)
}

func TestUpstreamFailurePropagatesWithoutSubmission(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	wf := &types.Workflow{Name: "fail-chain"}
	require.NoError(t, st.CreateWorkflow(userID, wf))

	a := &types.Job{WorkflowID: wf.ID, Command: []types.CommandToken{types.Lit("false")}}
	b := &types.Job{WorkflowID: wf.ID, Command: []types.CommandToken{types.Lit("true")}}
	require.NoError(t, st.CreateJob(userID, a))
	require.NoError(t, st.CreateJob(userID, b))
	require.NoError(t, st.AddDependency(userID, wf.ID, types.Dependency{PredecessorJobID: a.ID, SuccessorJobID: b.ID}))

	runCyclesUntil(t, e, ctx, func() bool {
		got, err := st.GetJob(userID, a.ID)
		require.NoError(t, err)
		return got.Status.IsTerminal()
	}, 3*time.Second)

	require.NoError(t, e.cycle(ctx))

	bAfter, err := st.GetJob(userID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobFailed, bAfter.Status)
	assert.Equal(t, types.CauseUpstreamFailed, bAfter.Cause)
	assert.Empty(t, bAfter.DRMID)
}

func TestBarrierStatusComputedWithoutSubmission(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	wf := &types.Workflow{Name: "group-wf"}
	xx := &types.Job{ID: "xx", Command: []types.CommandToken{types.Lit("true")}}
	yy := &types.Job{ID: "yy", Command: []types.CommandToken{types.Lit("true")}}
	ww := &types.Job{ID: "ww", Command: []types.CommandToken{types.Lit("true")}}

	result, err := e.SubmitWorkflow(userID, WorkflowSubmission{
		Workflow: wf,
		Jobs:     []*types.Job{xx, yy, ww},
		Groups:   []*types.Group{{ID: "g", Name: "G", JobIDs: []string{"xx", "yy"}}},
		Dependencies: []graph.RawDependency{
			{From: graph.Endpoint{GroupID: "g"}, To: graph.Endpoint{JobID: "ww"}},
		},
	})
	require.NoError(t, err)

	var barrierIDs []string
	jobs, err := st.ListJobsByWorkflow(userID, result.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.IsBarrier() {
			barrierIDs = append(barrierIDs, j.ID)
		}
	}
	require.Len(t, barrierIDs, 2)

	runCyclesUntil(t, e, ctx, func() bool {
		allDone := true
		for _, id := range barrierIDs {
			got, err := st.GetJob(userID, id)
			require.NoError(t, err)
			if got.Status != types.JobDone {
				allDone = false
			}
		}
		return allDone
	}, 3*time.Second)

	for _, id := range barrierIDs {
		got, err := st.GetJob(userID, id)
		require.NoError(t, err)
		assert.Empty(t, got.DRMID)
	}
}

func TestSubmitWorkflowRejectsCyclicGraphWithoutPersistingJobs(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	wf := &types.Workflow{Name: "cyclic-wf"}
	a := &types.Job{ID: "a", Command: []types.CommandToken{types.Lit("true")}}
	b := &types.Job{ID: "b", Command: []types.CommandToken{types.Lit("true")}}

	_, err := e.SubmitWorkflow(userID, WorkflowSubmission{
		Workflow: wf,
		Jobs:     []*types.Job{a, b},
		Dependencies: []graph.RawDependency{
			{From: graph.Endpoint{JobID: "a"}, To: graph.Endpoint{JobID: "b"}},
			{From: graph.Endpoint{JobID: "b"}, To: graph.Endpoint{JobID: "a"}},
		},
	})
	require.Error(t, err)
	assert.True(t, somaerr.OfKind(err, somaerr.WorkflowCyclic))

	_, err = st.GetWorkflow(userID, wf.ID)
	assert.True(t, somaerr.OfKind(err, somaerr.NotFound), "rejected workflow must not be persisted")
	_, err = st.GetJob(userID, "a")
	assert.True(t, somaerr.OfKind(err, somaerr.NotFound), "rejected workflow's jobs must not be persisted")
	_, err = st.GetJob(userID, "b")
	assert.True(t, somaerr.OfKind(err, somaerr.NotFound), "rejected workflow's jobs must not be persisted")

	// Even if the caller ignored the error and the engine ran a cycle, there
	// is nothing in the store for it to find and submit.
	require.NoError(t, e.cycle(ctx))
	jobs, err := st.ListNonTerminalJobs()
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestSubmitReadyOrdersByPriorityThenTimestampThenID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerUserDRMCap = 1
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	low := &types.Job{Name: "low", Priority: 1, Command: []types.CommandToken{types.Lit("true")}}
	high := &types.Job{Name: "high", Priority: 10, Command: []types.CommandToken{types.Lit("true")}}
	mid := &types.Job{Name: "mid", Priority: 5, Command: []types.CommandToken{types.Lit("true")}}
	require.NoError(t, st.CreateJob(userID, low))
	require.NoError(t, st.CreateJob(userID, high))
	require.NoError(t, st.CreateJob(userID, mid))

	jobs, err := st.ListNonTerminalJobs()
	require.NoError(t, err)

	e.submitReady(ctx, userID, jobs)

	highAfter, err := st.GetJob(userID, high.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, highAfter.DRMID)

	lowAfter, err := st.GetJob(userID, low.ID)
	require.NoError(t, err)
	assert.Empty(t, lowAfter.DRMID)

	midAfter, err := st.GetJob(userID, mid.ID)
	require.NoError(t, err)
	assert.Empty(t, midAfter.DRMID)
}

func TestExcessReadyJobsWaitInPending(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerUserDRMCap = 1
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	first := &types.Job{Priority: 10, Command: []types.CommandToken{types.Lit("sleep"), types.Lit("1")}}
	second := &types.Job{Priority: 1, Command: []types.CommandToken{types.Lit("true")}}
	require.NoError(t, st.CreateJob(userID, first))
	require.NoError(t, st.CreateJob(userID, second))

	jobs, err := st.ListNonTerminalJobs()
	require.NoError(t, err)
	e.submitReady(ctx, userID, jobs)

	firstAfter, err := st.GetJob(userID, first.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueuedActive, firstAfter.Status)

	secondAfter, err := st.GetJob(userID, second.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobPending, secondAfter.Status)
	assert.Empty(t, secondAfter.DRMID)
}

func TestWorkflowStatusProgressesToDone(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	a := &types.Job{ID: "a", Command: []types.CommandToken{types.Lit("true")}}
	b := &types.Job{ID: "b", Command: []types.CommandToken{types.Lit("true")}}
	wf, err := e.SubmitWorkflow(userID, WorkflowSubmission{
		Workflow: &types.Workflow{Name: "chain"},
		Jobs:     []*types.Job{a, b},
		Dependencies: []graph.RawDependency{
			{From: graph.Endpoint{JobID: "a"}, To: graph.Endpoint{JobID: "b"}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, types.WorkflowSubmitted, wf.Status)

	runCyclesUntil(t, e, ctx, func() bool {
		got, err := st.GetWorkflow(userID, wf.ID)
		require.NoError(t, err)
		return got.Status == types.WorkflowDone
	}, 5*time.Second)
}

// TestDiamondFailurePropagation is the diamond scenario: A fans out to B
// and C, which fan back into D. B fails; C's branch still completes, and D
// fails with upstream_failed without ever reaching the DRM.
func TestDiamondFailurePropagation(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	a := &types.Job{ID: "a", Command: []types.CommandToken{types.Lit("true")}}
	b := &types.Job{ID: "b", Command: []types.CommandToken{types.Lit("false")}}
	c := &types.Job{ID: "c", Command: []types.CommandToken{types.Lit("true")}}
	d := &types.Job{ID: "d", Command: []types.CommandToken{types.Lit("true")}}
	wf, err := e.SubmitWorkflow(userID, WorkflowSubmission{
		Workflow: &types.Workflow{Name: "diamond"},
		Jobs:     []*types.Job{a, b, c, d},
		Dependencies: []graph.RawDependency{
			{From: graph.Endpoint{JobID: "a"}, To: graph.Endpoint{JobID: "b"}},
			{From: graph.Endpoint{JobID: "a"}, To: graph.Endpoint{JobID: "c"}},
			{From: graph.Endpoint{JobID: "b"}, To: graph.Endpoint{JobID: "d"}},
			{From: graph.Endpoint{JobID: "c"}, To: graph.Endpoint{JobID: "d"}},
		},
	})
	require.NoError(t, err)

	runCyclesUntil(t, e, ctx, func() bool {
		got, err := st.GetWorkflow(userID, wf.ID)
		require.NoError(t, err)
		return got.Status == types.WorkflowFailed
	}, 5*time.Second)

	expect := map[string]types.JobStatus{
		"a": types.JobDone,
		"b": types.JobFailed,
		"c": types.JobDone,
		"d": types.JobFailed,
	}
	for id, want := range expect {
		got, err := st.GetJob(userID, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "job %s", id)
	}

	dAfter, err := st.GetJob(userID, "d")
	require.NoError(t, err)
	assert.Equal(t, types.CauseUpstreamFailed, dAfter.Cause)
	assert.Empty(t, dAfter.DRMID, "a job failed upstream must never be submitted")
}

func TestStdoutReadLineStreamsJobOutput(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	stdout := filepath.Join(t.TempDir(), "stdout.log")
	job := &types.Job{
		Command:      []types.CommandToken{types.Lit("echo"), types.Lit("hi")},
		StdoutTarget: types.Lit(stdout),
	}
	require.NoError(t, e.SubmitJob(userID, job))

	runCyclesUntil(t, e, ctx, func() bool {
		got, err := st.GetJob(userID, job.ID)
		require.NoError(t, err)
		return got.Status.IsTerminal()
	}, 3*time.Second)

	info, err := e.ExitInfo(userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ExitFinishedRegularly, info.Status)
	assert.Equal(t, 0, info.Value)
	assert.Empty(t, info.TerminatingSignal)

	line, err := e.StdoutReadLine(userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "hi\n", line)

	line, err = e.StdoutReadLine(userID, job.ID)
	require.NoError(t, err)
	assert.Empty(t, line)
}

func TestWaitSemantics(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	job := &types.Job{Command: []types.CommandToken{types.Lit("true")}}
	require.NoError(t, e.SubmitJob(userID, job))

	err := e.Wait(ctx, userID, []string{job.ID}, 0)
	assert.ErrorIs(t, err, drm.ErrWaitTimeout, "zero timeout polls a non-terminal job and returns immediately")

	runCyclesUntil(t, e, ctx, func() bool {
		got, err := st.GetJob(userID, job.ID)
		require.NoError(t, err)
		return got.Status.IsTerminal()
	}, 3*time.Second)

	require.NoError(t, e.Wait(ctx, userID, []string{job.ID}, 0))
	require.NoError(t, e.Wait(ctx, userID, []string{job.ID}, -1))
}

func TestPerUserDRMCapLimitsConcurrentSubmissions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PerUserDRMCap = 2
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	var jobIDs []string
	for i := 0; i < 5; i++ {
		j := &types.Job{Command: []types.CommandToken{types.Lit("sleep"), types.Lit("1")}}
		require.NoError(t, st.CreateJob(userID, j))
		jobIDs = append(jobIDs, j.ID)
	}

	jobs, err := st.ListNonTerminalJobs()
	require.NoError(t, err)
	e.submitReady(ctx, userID, jobs)

	submitted := 0
	for _, id := range jobIDs {
		got, err := st.GetJob(userID, id)
		require.NoError(t, err)
		if got.DRMID != "" {
			submitted++
		}
	}
	assert.Equal(t, 2, submitted)
}

func TestReconcileRecoversNonTerminalJobsOnStart(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	job := &types.Job{Command: []types.CommandToken{types.Lit("true")}}
	require.NoError(t, st.CreateJob(userID, job))

	drmID, err := e.adapter.Submit(ctx, types.Template{Command: []string{"true"}})
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	job.DRMID = drmID
	job.Status = types.JobRunning
	require.NoError(t, st.UpdateJob(userID, job))

	require.NoError(t, e.reconcile(ctx))

	got, err := st.GetJob(userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDone, got.Status)
}

func TestControlOperations(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	job := &types.Job{Command: []types.CommandToken{types.Lit("sleep"), types.Lit("5")}}
	require.NoError(t, e.SubmitJob(userID, job))
	require.NoError(t, e.cycle(ctx))

	got, err := st.GetJob(userID, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.DRMID)

	require.NoError(t, e.StopJob(ctx, userID, job.ID))
	got, err = st.GetJob(userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobUserOnHold, got.Status)

	require.NoError(t, e.RestartJob(ctx, userID, job.ID))
	got, err = st.GetJob(userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobQueuedActive, got.Status)

	require.NoError(t, e.KillJob(ctx, userID, job.ID))
	got, err = st.GetJob(userID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobKilled, got.Status)

	require.NoError(t, e.DisposeJob(ctx, userID, job.ID))
	_, err = st.GetJob(userID, job.ID)
	assert.True(t, somaerr.OfKind(err, somaerr.NotFound))
}

func TestDisposeWorkflowCancelsNonTerminalJobs(t *testing.T) {
	cfg := DefaultConfig()
	e, st, userID := newTestEngine(t, cfg)
	ctx := context.Background()

	wf := &types.Workflow{Name: "disposable"}
	require.NoError(t, st.CreateWorkflow(userID, wf))

	job := &types.Job{WorkflowID: wf.ID, Command: []types.CommandToken{types.Lit("sleep"), types.Lit("5")}}
	require.NoError(t, st.CreateJob(userID, job))
	require.NoError(t, e.cycle(ctx))

	got, err := st.GetJob(userID, job.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got.DRMID)

	require.NoError(t, e.DisposeWorkflow(ctx, userID, wf.ID))

	_, err = st.GetJob(userID, job.ID)
	assert.True(t, somaerr.OfKind(err, somaerr.NotFound))
	_, err = st.GetWorkflow(userID, wf.ID)
	assert.True(t, somaerr.OfKind(err, somaerr.NotFound))
}
