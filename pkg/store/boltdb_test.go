package store

import (
	"testing"
	"time"

	"github.com/isadenghien/soma-workflow/pkg/somaerr"
	"github.com/isadenghien/soma-workflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	st, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestRegisterUserIsIdempotentByLogin(t *testing.T) {
	st := newTestStore(t)
	u1, err := st.RegisterUser("alice")
	require.NoError(t, err)
	u2, err := st.RegisterUser("alice")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)
}

func TestJobCRUDRoundTrip(t *testing.T) {
	st := newTestStore(t)
	user, err := st.RegisterUser("alice")
	require.NoError(t, err)

	job := &types.Job{Name: "job1", Command: []types.CommandToken{types.Lit("true")}}
	require.NoError(t, st.CreateJob(user.ID, job))
	assert.NotEmpty(t, job.ID)

	got, err := st.GetJob(user.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "job1", got.Name)

	got.Status = types.JobDone
	require.NoError(t, st.UpdateJob(user.ID, got))

	reread, err := st.GetJob(user.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobDone, reread.Status)

	require.NoError(t, st.DeleteJob(user.ID, job.ID))
	_, err = st.GetJob(user.ID, job.ID)
	assert.True(t, somaerr.OfKind(err, somaerr.NotFound))
}

// TestOwnershipIsolation is testable property 1: an operation on another
// user's entity returns unauthorized and leaves state unchanged.
func TestOwnershipIsolation(t *testing.T) {
	st := newTestStore(t)
	owner, err := st.RegisterUser("alice")
	require.NoError(t, err)
	intruder, err := st.RegisterUser("bob")
	require.NoError(t, err)

	job := &types.Job{Name: "secret", Command: []types.CommandToken{types.Lit("true")}}
	require.NoError(t, st.CreateJob(owner.ID, job))

	_, err = st.GetJob(intruder.ID, job.ID)
	assert.True(t, somaerr.OfKind(err, somaerr.Unauthorized))

	err = st.UpdateJob(intruder.ID, &types.Job{ID: job.ID, Name: "tampered"})
	assert.True(t, somaerr.OfKind(err, somaerr.Unauthorized))

	err = st.DeleteJob(intruder.ID, job.ID)
	assert.True(t, somaerr.OfKind(err, somaerr.Unauthorized))

	unchanged, err := st.GetJob(owner.ID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "secret", unchanged.Name)
}

func TestDependencyPredecessorsAndSuccessors(t *testing.T) {
	st := newTestStore(t)
	user, err := st.RegisterUser("alice")
	require.NoError(t, err)

	wf := &types.Workflow{Name: "wf"}
	require.NoError(t, st.CreateWorkflow(user.ID, wf))

	a := &types.Job{WorkflowID: wf.ID, Command: []types.CommandToken{types.Lit("a")}}
	b := &types.Job{WorkflowID: wf.ID, Command: []types.CommandToken{types.Lit("b")}}
	require.NoError(t, st.CreateJob(user.ID, a))
	require.NoError(t, st.CreateJob(user.ID, b))

	require.NoError(t, st.AddDependency(user.ID, wf.ID, types.Dependency{PredecessorJobID: a.ID, SuccessorJobID: b.ID}))

	preds, err := st.ListPredecessors(user.ID, b.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, preds)

	succs, err := st.ListSuccessors(user.ID, a.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, succs)
}

func TestTransferReferenceCounting(t *testing.T) {
	st := newTestStore(t)
	user, err := st.RegisterUser("alice")
	require.NoError(t, err)

	tr := &types.Transfer{ServerPath: "/tmp/x", Direction: types.DirectionInput, Status: types.TransferOnClient}
	require.NoError(t, st.CreateTransfer(user.ID, tr))

	require.NoError(t, st.AddJobTransferRef("job1", tr.ServerPath, types.DirectionInput))
	require.NoError(t, st.AddJobTransferRef("job2", tr.ServerPath, types.DirectionInput))

	count, err := st.CountTransferRefs(tr.ServerPath)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, st.RemoveJobTransferRefs("job1"))
	count, err = st.CountTransferRefs(tr.ServerPath)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestTemporaryPathAllocatedOnce(t *testing.T) {
	st := newTestStore(t)
	user, err := st.RegisterUser("alice")
	require.NoError(t, err)

	tp := &types.TemporaryPath{Suffix: ".tmp"}
	require.NoError(t, st.CreateTemporaryPath(user.ID, tp))

	require.NoError(t, st.AllocateTemporaryPath(user.ID, tp.ID, "/data/tmp/x.tmp"))
	require.NoError(t, st.AllocateTemporaryPath(user.ID, tp.ID, "/data/tmp/other.tmp"))

	got, err := st.GetTemporaryPath(user.ID, tp.ID)
	require.NoError(t, err)
	assert.Equal(t, "/data/tmp/x.tmp", got.ConcretePath)
}

func TestListExpiredJobs(t *testing.T) {
	st := newTestStore(t)
	user, err := st.RegisterUser("alice")
	require.NoError(t, err)

	past := &types.Job{Command: []types.CommandToken{types.Lit("x")}, ExpiresAt: time.Now().Add(-time.Hour)}
	future := &types.Job{Command: []types.CommandToken{types.Lit("x")}, ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, st.CreateJob(user.ID, past))
	require.NoError(t, st.CreateJob(user.ID, future))

	expired, err := st.ListExpiredJobs(time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, past.ID, expired[0].ID)
}

func TestCreateJobDerivesExpiresAtFromDisposalTimeout(t *testing.T) {
	st := newTestStore(t)
	user, err := st.RegisterUser("alice")
	require.NoError(t, err)

	job := &types.Job{Command: []types.CommandToken{types.Lit("x")}, DisposalTimeoutHours: 1}
	require.NoError(t, st.CreateJob(user.ID, job))

	got, err := st.GetJob(user.ID, job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, got.CreatedAt.Add(time.Hour), got.ExpiresAt, time.Second)
}
