package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/isadenghien/soma-workflow/pkg/somaerr"
	"github.com/isadenghien/soma-workflow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers               = []byte("users")
	bucketUsersByLogin        = []byte("users_by_login")
	bucketJobs                = []byte("jobs")
	bucketWorkflows           = []byte("workflows")
	bucketDependencies        = []byte("dependencies") // keyed by workflow id
	bucketGroups              = []byte("groups")
	bucketTransfers           = []byte("transfers")
	bucketJobTransfers        = []byte("job_transfers") // keyed by job id
	bucketTemporaries         = []byte("temporaries")
	bucketSharedResourcePaths = []byte("shared_resource_paths")
	bucketOptionPaths         = []byte("option_paths")
)

var allBuckets = [][]byte{
	bucketUsers, bucketUsersByLogin, bucketJobs, bucketWorkflows,
	bucketDependencies, bucketGroups, bucketTransfers, bucketJobTransfers,
	bucketTemporaries, bucketSharedResourcePaths, bucketOptionPaths,
}

// BoltStore implements Store on top of a single BoltDB file. Every entity
// lives in its own bucket, JSON-encoded, keyed by id; mutations go through
// db.Update so concurrent readers never observe a partial graph mutation.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a BoltDB-backed store rooted at
// dataDir/soma-workflow.db.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "soma-workflow.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func put(tx *bolt.Tx, bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucket).Put(key, data)
}

func get(tx *bolt.Tx, bucket, key []byte, v any) bool {
	data := tx.Bucket(bucket).Get(key)
	if data == nil {
		return false
	}
	_ = json.Unmarshal(data, v)
	return true
}

// ---------------------------------------------------------------- Users

func (s *BoltStore) RegisterUser(login string) (*types.User, error) {
	var user *types.User
	err := s.db.Update(func(tx *bolt.Tx) error {
		byLogin := tx.Bucket(bucketUsersByLogin)
		if id := byLogin.Get([]byte(login)); id != nil {
			u := &types.User{}
			get(tx, bucketUsers, id, u)
			user = u
			return nil
		}
		u := &types.User{ID: uuid.NewString(), Login: login}
		if err := put(tx, bucketUsers, []byte(u.ID), u); err != nil {
			return err
		}
		if err := byLogin.Put([]byte(login), []byte(u.ID)); err != nil {
			return err
		}
		user = u
		return nil
	})
	return user, err
}

func (s *BoltStore) GetUser(id string) (*types.User, error) {
	u := &types.User{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if !get(tx, bucketUsers, []byte(id), u) {
			return somaerr.New(somaerr.NotFound, "user %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

func (s *BoltStore) GetUserByLogin(login string) (*types.User, error) {
	u := &types.User{}
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketUsersByLogin).Get([]byte(login))
		if id == nil {
			return somaerr.New(somaerr.NotFound, "user login %s", login)
		}
		get(tx, bucketUsers, id, u)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ---------------------------------------------------------------- Jobs

func (s *BoltStore) CreateJob(userID string, job *types.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.UserID = userID
	job.CreatedAt = time.Now()
	if job.DisposalTimeoutHours > 0 {
		job.ExpiresAt = job.CreatedAt.Add(time.Duration(job.DisposalTimeoutHours) * time.Hour)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketJobs, []byte(job.ID), job)
	})
}

func (s *BoltStore) GetJob(userID, jobID string) (*types.Job, error) {
	j := &types.Job{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if !get(tx, bucketJobs, []byte(jobID), j) {
			return somaerr.New(somaerr.NotFound, "job %s", jobID)
		}
		if j.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "job %s", jobID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j, nil
}

func (s *BoltStore) UpdateJob(userID string, job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing := &types.Job{}
		if !get(tx, bucketJobs, []byte(job.ID), existing) {
			return somaerr.New(somaerr.NotFound, "job %s", job.ID)
		}
		if existing.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "job %s", job.ID)
		}
		job.UserID = existing.UserID
		job.CreatedAt = existing.CreatedAt
		return put(tx, bucketJobs, []byte(job.ID), job)
	})
}

func (s *BoltStore) DeleteJob(userID, jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing := &types.Job{}
		if !get(tx, bucketJobs, []byte(jobID), existing) {
			return somaerr.New(somaerr.NotFound, "job %s", jobID)
		}
		if existing.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "job %s", jobID)
		}
		_ = tx.Bucket(bucketJobTransfers).Delete([]byte(jobID))
		return tx.Bucket(bucketJobs).Delete([]byte(jobID))
	})
}

func (s *BoltStore) ListJobsByUser(userID string) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			j := &types.Job{}
			if err := json.Unmarshal(v, j); err != nil {
				return err
			}
			if j.UserID == userID {
				jobs = append(jobs, j)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListJobsByWorkflow(userID, workflowID string) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			j := &types.Job{}
			if err := json.Unmarshal(v, j); err != nil {
				return err
			}
			if j.UserID == userID && j.WorkflowID == workflowID {
				jobs = append(jobs, j)
			}
			return nil
		})
	})
	return jobs, err
}

// ListReadyJobs returns non-barrier jobs of userID still waiting for a DRM
// slot (NOT_SUBMITTED or PENDING); the engine still has to check
// predecessor completion itself (the store does not walk the dependency
// graph on every poll).
func (s *BoltStore) ListReadyJobs(userID string) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			j := &types.Job{}
			if err := json.Unmarshal(v, j); err != nil {
				return err
			}
			if j.UserID == userID && !j.IsBarrier() &&
				(j.Status == types.JobNotSubmitted || j.Status == types.JobPending) {
				jobs = append(jobs, j)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListExpiredJobs(now time.Time) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			j := &types.Job{}
			if err := json.Unmarshal(v, j); err != nil {
				return err
			}
			if !j.ExpiresAt.IsZero() && j.ExpiresAt.Before(now) {
				jobs = append(jobs, j)
			}
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) ListNonTerminalJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(_, v []byte) error {
			j := &types.Job{}
			if err := json.Unmarshal(v, j); err != nil {
				return err
			}
			if !j.Status.IsTerminal() {
				jobs = append(jobs, j)
			}
			return nil
		})
	})
	return jobs, err
}

// ---------------------------------------------------------------- Workflows

func (s *BoltStore) CreateWorkflow(userID string, wf *types.Workflow) error {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	wf.UserID = userID
	wf.CreatedAt = time.Now()
	if wf.DisposalTimeoutHours > 0 {
		wf.ExpiresAt = wf.CreatedAt.Add(time.Duration(wf.DisposalTimeoutHours) * time.Hour)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketWorkflows, []byte(wf.ID), wf)
	})
}

func (s *BoltStore) GetWorkflow(userID, workflowID string) (*types.Workflow, error) {
	wf := &types.Workflow{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if !get(tx, bucketWorkflows, []byte(workflowID), wf) {
			return somaerr.New(somaerr.NotFound, "workflow %s", workflowID)
		}
		if wf.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "workflow %s", workflowID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return wf, nil
}

func (s *BoltStore) UpdateWorkflow(userID string, wf *types.Workflow) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing := &types.Workflow{}
		if !get(tx, bucketWorkflows, []byte(wf.ID), existing) {
			return somaerr.New(somaerr.NotFound, "workflow %s", wf.ID)
		}
		if existing.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "workflow %s", wf.ID)
		}
		wf.UserID = existing.UserID
		wf.CreatedAt = existing.CreatedAt
		return put(tx, bucketWorkflows, []byte(wf.ID), wf)
	})
}

func (s *BoltStore) DeleteWorkflow(userID, workflowID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing := &types.Workflow{}
		if !get(tx, bucketWorkflows, []byte(workflowID), existing) {
			return somaerr.New(somaerr.NotFound, "workflow %s", workflowID)
		}
		if existing.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "workflow %s", workflowID)
		}
		_ = tx.Bucket(bucketDependencies).Delete([]byte(workflowID))
		return tx.Bucket(bucketWorkflows).Delete([]byte(workflowID))
	})
}

func (s *BoltStore) ListWorkflowsByUser(userID string) ([]*types.Workflow, error) {
	var wfs []*types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(_, v []byte) error {
			wf := &types.Workflow{}
			if err := json.Unmarshal(v, wf); err != nil {
				return err
			}
			if wf.UserID == userID {
				wfs = append(wfs, wf)
			}
			return nil
		})
	})
	return wfs, err
}

func (s *BoltStore) ListExpiredWorkflows(now time.Time) ([]*types.Workflow, error) {
	var wfs []*types.Workflow
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(_, v []byte) error {
			wf := &types.Workflow{}
			if err := json.Unmarshal(v, wf); err != nil {
				return err
			}
			if !wf.ExpiresAt.IsZero() && wf.ExpiresAt.Before(now) {
				wfs = append(wfs, wf)
			}
			return nil
		})
	})
	return wfs, err
}

// ---------------------------------------------------------------- Dependencies

func (s *BoltStore) AddDependency(userID, workflowID string, dep types.Dependency) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		wf := &types.Workflow{}
		if !get(tx, bucketWorkflows, []byte(workflowID), wf) {
			return somaerr.New(somaerr.NotFound, "workflow %s", workflowID)
		}
		if wf.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "workflow %s", workflowID)
		}
		var deps []types.Dependency
		get(tx, bucketDependencies, []byte(workflowID), &deps)
		deps = append(deps, dep)
		return put(tx, bucketDependencies, []byte(workflowID), deps)
	})
}

func (s *BoltStore) ListDependencies(userID, workflowID string) ([]types.Dependency, error) {
	var deps []types.Dependency
	err := s.db.View(func(tx *bolt.Tx) error {
		wf := &types.Workflow{}
		if !get(tx, bucketWorkflows, []byte(workflowID), wf) {
			return somaerr.New(somaerr.NotFound, "workflow %s", workflowID)
		}
		if wf.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "workflow %s", workflowID)
		}
		get(tx, bucketDependencies, []byte(workflowID), &deps)
		return nil
	})
	return deps, err
}

func (s *BoltStore) ListPredecessors(userID, jobID string) ([]string, error) {
	job, err := s.GetJob(userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.WorkflowID == "" {
		return nil, nil
	}
	deps, err := s.ListDependencies(userID, job.WorkflowID)
	if err != nil {
		return nil, err
	}
	var preds []string
	for _, d := range deps {
		if d.SuccessorJobID == jobID {
			preds = append(preds, d.PredecessorJobID)
		}
	}
	return preds, nil
}

func (s *BoltStore) ListSuccessors(userID, jobID string) ([]string, error) {
	job, err := s.GetJob(userID, jobID)
	if err != nil {
		return nil, err
	}
	if job.WorkflowID == "" {
		return nil, nil
	}
	deps, err := s.ListDependencies(userID, job.WorkflowID)
	if err != nil {
		return nil, err
	}
	var succs []string
	for _, d := range deps {
		if d.PredecessorJobID == jobID {
			succs = append(succs, d.SuccessorJobID)
		}
	}
	return succs, nil
}

// ---------------------------------------------------------------- Groups

func (s *BoltStore) CreateGroup(userID string, group *types.Group) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		wf := &types.Workflow{}
		if !get(tx, bucketWorkflows, []byte(group.WorkflowID), wf) {
			return somaerr.New(somaerr.NotFound, "workflow %s", group.WorkflowID)
		}
		if wf.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "workflow %s", group.WorkflowID)
		}
		return put(tx, bucketGroups, []byte(group.ID), group)
	})
}

func (s *BoltStore) GetGroup(userID, groupID string) (*types.Group, error) {
	g := &types.Group{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if !get(tx, bucketGroups, []byte(groupID), g) {
			return somaerr.New(somaerr.NotFound, "group %s", groupID)
		}
		wf := &types.Workflow{}
		get(tx, bucketWorkflows, []byte(g.WorkflowID), wf)
		if wf.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "group %s", groupID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (s *BoltStore) ListGroupsByWorkflow(userID, workflowID string) ([]*types.Group, error) {
	if _, err := s.GetWorkflow(userID, workflowID); err != nil {
		return nil, err
	}
	var groups []*types.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(_, v []byte) error {
			g := &types.Group{}
			if err := json.Unmarshal(v, g); err != nil {
				return err
			}
			if g.WorkflowID == workflowID {
				groups = append(groups, g)
			}
			return nil
		})
	})
	return groups, err
}

// ---------------------------------------------------------------- Transfers

func (s *BoltStore) CreateTransfer(userID string, t *types.Transfer) error {
	t.UserID = userID
	t.CreatedAt = time.Now()
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTransfers, []byte(t.ServerPath), t)
	})
}

func (s *BoltStore) GetTransfer(userID, serverPath string) (*types.Transfer, error) {
	t := &types.Transfer{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if !get(tx, bucketTransfers, []byte(serverPath), t) {
			return somaerr.New(somaerr.NotFound, "transfer %s", serverPath)
		}
		if t.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "transfer %s", serverPath)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *BoltStore) UpdateTransfer(userID string, t *types.Transfer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing := &types.Transfer{}
		if !get(tx, bucketTransfers, []byte(t.ServerPath), existing) {
			return somaerr.New(somaerr.NotFound, "transfer %s", t.ServerPath)
		}
		if existing.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "transfer %s", t.ServerPath)
		}
		t.UserID = existing.UserID
		t.CreatedAt = existing.CreatedAt
		return put(tx, bucketTransfers, []byte(t.ServerPath), t)
	})
}

func (s *BoltStore) DeleteTransfer(userID, serverPath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		existing := &types.Transfer{}
		if !get(tx, bucketTransfers, []byte(serverPath), existing) {
			return somaerr.New(somaerr.NotFound, "transfer %s", serverPath)
		}
		if existing.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "transfer %s", serverPath)
		}
		return tx.Bucket(bucketTransfers).Delete([]byte(serverPath))
	})
}

func (s *BoltStore) ListTransfersByUser(userID string) ([]*types.Transfer, error) {
	var out []*types.Transfer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransfers).ForEach(func(_, v []byte) error {
			t := &types.Transfer{}
			if err := json.Unmarshal(v, t); err != nil {
				return err
			}
			if t.UserID == userID {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) ListExpiredTransfers(now time.Time) ([]*types.Transfer, error) {
	var out []*types.Transfer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTransfers).ForEach(func(_, v []byte) error {
			t := &types.Transfer{}
			if err := json.Unmarshal(v, t); err != nil {
				return err
			}
			if !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(now) {
				out = append(out, t)
			}
			return nil
		})
	})
	return out, err
}

// ---------------------------------------------------------------- Job/transfer refs

type jobTransferRef struct {
	ServerPath string
	Direction  types.TransferDirection
}

func (s *BoltStore) AddJobTransferRef(jobID, serverPath string, direction types.TransferDirection) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var refs []jobTransferRef
		get(tx, bucketJobTransfers, []byte(jobID), &refs)
		refs = append(refs, jobTransferRef{ServerPath: serverPath, Direction: direction})
		return put(tx, bucketJobTransfers, []byte(jobID), refs)
	})
}

func (s *BoltStore) RemoveJobTransferRefs(jobID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobTransfers).Delete([]byte(jobID))
	})
}

func (s *BoltStore) CountTransferRefs(serverPath string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobTransfers).ForEach(func(_, v []byte) error {
			var refs []jobTransferRef
			if err := json.Unmarshal(v, &refs); err != nil {
				return err
			}
			for _, r := range refs {
				if r.ServerPath == serverPath {
					count++
				}
			}
			return nil
		})
	})
	return count, err
}

func (s *BoltStore) ListJobsReferencingTransfer(serverPath string) ([]string, error) {
	var jobIDs []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobTransfers).ForEach(func(k, v []byte) error {
			var refs []jobTransferRef
			if err := json.Unmarshal(v, &refs); err != nil {
				return err
			}
			for _, r := range refs {
				if r.ServerPath == serverPath {
					jobIDs = append(jobIDs, string(k))
					break
				}
			}
			return nil
		})
	})
	return jobIDs, err
}

// ---------------------------------------------------------------- Temporaries

func (s *BoltStore) CreateTemporaryPath(userID string, tp *types.TemporaryPath) error {
	if tp.ID == "" {
		tp.ID = uuid.NewString()
	}
	tp.UserID = userID
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketTemporaries, []byte(tp.ID), tp)
	})
}

func (s *BoltStore) GetTemporaryPath(userID, id string) (*types.TemporaryPath, error) {
	tp := &types.TemporaryPath{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if !get(tx, bucketTemporaries, []byte(id), tp) {
			return somaerr.New(somaerr.NotFound, "temporary path %s", id)
		}
		if tp.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "temporary path %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tp, nil
}

// AllocateTemporaryPath records the concrete name the first job to
// reference this temporary generated; later callers observe the same
// value (spec.md §3 TemporaryPath).
func (s *BoltStore) AllocateTemporaryPath(userID, id, concretePath string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tp := &types.TemporaryPath{}
		if !get(tx, bucketTemporaries, []byte(id), tp) {
			return somaerr.New(somaerr.NotFound, "temporary path %s", id)
		}
		if tp.UserID != userID {
			return somaerr.New(somaerr.Unauthorized, "temporary path %s", id)
		}
		if tp.ConcretePath == "" {
			tp.ConcretePath = concretePath
		}
		return put(tx, bucketTemporaries, []byte(id), tp)
	})
}

// ---------------------------------------------------------------- Shared resource / option paths

func (s *BoltStore) CreateSharedResourcePath(userID string, srp *types.SharedResourcePath) error {
	if srp.UUID == "" {
		srp.UUID = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketSharedResourcePaths, []byte(userID+"/"+srp.UUID), srp)
	})
}

func (s *BoltStore) GetSharedResourcePath(userID, id string) (*types.SharedResourcePath, error) {
	srp := &types.SharedResourcePath{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if !get(tx, bucketSharedResourcePaths, []byte(userID+"/"+id), srp) {
			return somaerr.New(somaerr.NotFound, "shared resource path %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return srp, nil
}

func (s *BoltStore) CreateOptionPath(userID string, op *types.OptionPath) error {
	if op.Name == "" {
		op.Name = uuid.NewString()
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketOptionPaths, []byte(userID+"/"+op.Name), op)
	})
}

func (s *BoltStore) GetOptionPath(userID, id string) (*types.OptionPath, error) {
	op := &types.OptionPath{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if !get(tx, bucketOptionPaths, []byte(userID+"/"+id), op) {
			return somaerr.New(somaerr.NotFound, "option path %s", id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

var _ Store = (*BoltStore)(nil)
