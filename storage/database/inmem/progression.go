package inmemdb

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-directory/core/progression"
)

type progressionRepository struct {
	db *DB
}

var _ progression.Repository = (*progressionRepository)(nil)

func NewProgressionRepository(db *DB) progression.Repository {
	return &progressionRepository{db: db}
}

func (repo *progressionRepository) StageWorkflow(
	ctx context.Context,
	wf progression.Workflow,
	changes []progression.Change,
	assignments []progression.Assignment,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.workflows[wf.ID]; ok {
		return progression.ErrWorkflowExists
	}
	repo.db.workflows[wf.ID] = wf
	repo.db.changes[wf.ID] = make(map[string]progression.Change, len(changes))
	for _, c := range changes {
		repo.db.changes[wf.ID][c.DependentID] = c
	}
	repo.db.assignments[wf.ID] = make(map[string]progression.Assignment, len(assignments))
	for _, a := range assignments {
		repo.db.assignments[wf.ID][a.DependentID] = a
	}
	repo.db.departing[wf.ID] = make(map[string]progression.DepartingRecord)
	repo.db.newDependents[wf.ID] = make(map[string]progression.NewDependent)
	repo.db.audit[wf.ID] = &auditLog{entries: make(map[string]progression.AuditEntry)}
	return nil
}

func (repo *progressionRepository) GetWorkflow(ctx context.Context, id string) (progression.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return progression.Workflow{}, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if wf, ok := repo.db.workflows[id]; ok {
		return wf, nil
	}
	return progression.Workflow{}, progression.ErrWorkflowNotFound
}

func (repo *progressionRepository) UpdateWorkflowPhase(ctx context.Context, id, phase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	wf, ok := repo.db.workflows[id]
	if !ok {
		return progression.ErrWorkflowNotFound
	}
	wf.Phase = phase
	repo.db.workflows[id] = wf
	return nil
}

func (repo *progressionRepository) GetChange(ctx context.Context, workflowID, dependentID string) (progression.Change, error) {
	if err := ctx.Err(); err != nil {
		return progression.Change{}, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if c, ok := repo.db.changes[workflowID][dependentID]; ok {
		return c, nil
	}
	return progression.Change{}, progression.ErrDependentNotFound
}

func (repo *progressionRepository) QueryChanges(ctx context.Context, workflowID string) ([]progression.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	list := make([]progression.Change, 0, len(repo.db.changes[workflowID]))
	for _, c := range repo.db.changes[workflowID] {
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DependentID < list[j].DependentID })
	return list, nil
}

func (repo *progressionRepository) GetAssignment(ctx context.Context, workflowID, dependentID string) (progression.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return progression.Assignment{}, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if a, ok := repo.db.assignments[workflowID][dependentID]; ok {
		return a, nil
	}
	return progression.Assignment{}, progression.ErrDependentNotFound
}

func (repo *progressionRepository) QueryAssignments(ctx context.Context, workflowID string) ([]progression.Assignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	list := make([]progression.Assignment, 0, len(repo.db.assignments[workflowID]))
	for _, a := range repo.db.assignments[workflowID] {
		list = append(list, a)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DependentID < list[j].DependentID })
	return list, nil
}

func (repo *progressionRepository) GetDeparting(ctx context.Context, workflowID, dependentID string) (progression.DepartingRecord, error) {
	if err := ctx.Err(); err != nil {
		return progression.DepartingRecord{}, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if d, ok := repo.db.departing[workflowID][dependentID]; ok {
		return d, nil
	}
	return progression.DepartingRecord{}, progression.ErrNotDeparting
}

func (repo *progressionRepository) QueryDeparting(ctx context.Context, workflowID string) ([]progression.DepartingRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	list := make([]progression.DepartingRecord, 0, len(repo.db.departing[workflowID]))
	for _, d := range repo.db.departing[workflowID] {
		list = append(list, d)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DependentID < list[j].DependentID })
	return list, nil
}

func (repo *progressionRepository) QueryNewDependents(ctx context.Context, workflowID string) ([]progression.NewDependent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	list := make([]progression.NewDependent, 0, len(repo.db.newDependents[workflowID]))
	for _, nd := range repo.db.newDependents[workflowID] {
		list = append(list, nd)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].AddedAt.Equal(list[j].AddedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].AddedAt.Before(list[j].AddedAt)
	})
	return list, nil
}

func (repo *progressionRepository) QueryAuditEntries(ctx context.Context, workflowID string) ([]progression.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	l, ok := repo.db.audit[workflowID]
	if !ok {
		return []progression.AuditEntry{}, nil
	}
	list := make([]progression.AuditEntry, 0, len(l.order))
	for _, id := range l.order {
		list = append(list, l.entries[id])
	}
	return list, nil
}

func (repo *progressionRepository) SaveStaged(ctx context.Context, workflowID string, w progression.StagedWrites) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if _, ok := repo.db.workflows[workflowID]; !ok {
		return progression.ErrWorkflowNotFound
	}
	for _, c := range w.Changes {
		repo.db.changes[workflowID][c.DependentID] = c
	}
	for _, a := range w.Assignments {
		repo.db.assignments[workflowID][a.DependentID] = a
	}
	for _, d := range w.Departing {
		repo.db.departing[workflowID][d.DependentID] = d
	}
	for _, id := range w.RemoveDeparting {
		delete(repo.db.departing[workflowID], id)
	}
	for _, nd := range w.NewDependents {
		repo.db.newDependents[workflowID][nd.ID] = nd
	}
	return nil
}

func (repo *progressionRepository) CommitBatch(ctx context.Context, ops []progression.Op) error {
	if len(ops) > progression.MaxBatchOps {
		return errors.Errorf("batch of %d ops exceeds %d", len(ops), progression.MaxBatchOps)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	repo.db.mutex.Lock()
	defer repo.db.mutex.Unlock()

	if n := repo.db.faults.FailCommitAt; n > 0 && repo.db.commits+1 == n {
		return ErrInjected
	}
	for _, op := range ops {
		if err := checkOp(op); err != nil {
			return err
		}
	}

	for _, op := range ops {
		switch op.Kind {
		case progression.OpSetDependent:
			repo.db.dependents[op.ID] = copyDependent(*op.Dependent)
		case progression.OpDeleteDependent:
			delete(repo.db.dependents, op.ID)
		case progression.OpSetGuardian:
			repo.db.guardians[op.ID] = *op.Guardian
		case progression.OpDeleteGuardian:
			delete(repo.db.guardians, op.ID)
		case progression.OpAppendAudit:
			l, ok := repo.db.audit[op.Audit.WorkflowID]
			if !ok {
				l = &auditLog{entries: make(map[string]progression.AuditEntry)}
				repo.db.audit[op.Audit.WorkflowID] = l
			}
			if _, exists := l.entries[op.ID]; !exists {
				l.entries[op.ID] = *op.Audit
				l.order = append(l.order, op.ID)
			}
		case progression.OpSetWorkflow:
			repo.db.workflows[op.ID] = *op.Workflow
		}
	}
	repo.db.commits++
	return nil
}

// checkOp rejects malformed ops before anything is written, keeping CommitBatch atomic.
func checkOp(op progression.Op) error {
	var ok bool
	switch op.Kind {
	case progression.OpSetDependent:
		ok = op.Dependent != nil
	case progression.OpSetGuardian:
		ok = op.Guardian != nil
	case progression.OpAppendAudit:
		ok = op.Audit != nil
	case progression.OpSetWorkflow:
		ok = op.Workflow != nil
	case progression.OpDeleteDependent, progression.OpDeleteGuardian:
		ok = true
	}
	if !ok || op.ID == "" {
		return errors.Errorf("invalid %q op", op.Kind)
	}
	return nil
}
