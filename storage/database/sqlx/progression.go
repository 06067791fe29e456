package sqlxrepos

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-directory/core/progression"
)

const uniqueViolation = "23505"

const (
	workflowColumns   = "id, year, status, phase, stats, created_by, created_at, updated_at, completed_at"
	changeColumns     = "workflow_id, dependent_id, dependent_name, current_level, current_class, new_level, new_class, change_type, requires_assignment, processed, guardian_ids"
	assignmentColumns = "workflow_id, dependent_id, dependent_name, current_class, new_level, assigned_class, assigned, assigned_by, assigned_at"
	departingColumns  = "workflow_id, dependent_id, reason, marked_by, marked_at"
	newDepColumns     = "workflow_id, id, dependent, guardians, added_by, added_at"
	auditColumns      = "id, workflow_id, type, subject_id, before, after, reason, created_at"
)

var (
	insertWorkflowQuery = `INSERT INTO progression_workflow (` + workflowColumns + `)
		VALUES (:id, :year, :status, :phase, :stats, :created_by, :created_at, :updated_at, :completed_at)`

	upsertChangeQuery = `INSERT INTO progression_change (` + changeColumns + `)
		VALUES (:workflow_id, :dependent_id, :dependent_name, :current_level, :current_class, :new_level, :new_class,
			:change_type, :requires_assignment, :processed, :guardian_ids)
		ON CONFLICT (workflow_id, dependent_id) DO UPDATE SET
			new_level = EXCLUDED.new_level, new_class = EXCLUDED.new_class, change_type = EXCLUDED.change_type,
			requires_assignment = EXCLUDED.requires_assignment, processed = EXCLUDED.processed`

	upsertAssignmentQuery = `INSERT INTO progression_assignment (` + assignmentColumns + `)
		VALUES (:workflow_id, :dependent_id, :dependent_name, :current_class, :new_level, :assigned_class, :assigned,
			:assigned_by, :assigned_at)
		ON CONFLICT (workflow_id, dependent_id) DO UPDATE SET
			new_level = EXCLUDED.new_level, assigned_class = EXCLUDED.assigned_class, assigned = EXCLUDED.assigned,
			assigned_by = EXCLUDED.assigned_by, assigned_at = EXCLUDED.assigned_at`

	upsertDepartingQuery = `INSERT INTO progression_departing (` + departingColumns + `)
		VALUES (:workflow_id, :dependent_id, :reason, :marked_by, :marked_at)
		ON CONFLICT (workflow_id, dependent_id) DO UPDATE SET
			reason = EXCLUDED.reason, marked_by = EXCLUDED.marked_by, marked_at = EXCLUDED.marked_at`

	insertNewDependentQuery = `INSERT INTO progression_new_dependent (` + newDepColumns + `)
		VALUES (:workflow_id, :id, :dependent, :guardians, :added_by, :added_at)
		ON CONFLICT (workflow_id, id) DO NOTHING`

	upsertDependentQuery = `INSERT INTO dependent (` + dependentColumns + `)
		VALUES (:id, :first_name, :last_name, :level, :class_name, :guardian_ids, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name, level = EXCLUDED.level,
			class_name = EXCLUDED.class_name, guardian_ids = EXCLUDED.guardian_ids, updated_at = EXCLUDED.updated_at`

	upsertGuardianQuery = `INSERT INTO guardian (` + guardianColumns + `)
		VALUES (:id, :first_name, :last_name, :email, :phone, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			first_name = EXCLUDED.first_name, last_name = EXCLUDED.last_name, email = EXCLUDED.email,
			phone = EXCLUDED.phone, updated_at = EXCLUDED.updated_at`

	appendAuditQuery = `INSERT INTO progression_audit (` + auditColumns + `)
		VALUES (:id, :workflow_id, :type, :subject_id, :before, :after, :reason, :created_at)
		ON CONFLICT (id) DO NOTHING`

	updateWorkflowQuery = `UPDATE progression_workflow SET
		status = :status, phase = :phase, stats = :stats, updated_at = :updated_at, completed_at = :completed_at
		WHERE id = :id`
)

type progressionRepository struct {
	db *sqlx.DB
}

var _ progression.Repository = (*progressionRepository)(nil) // interface compliance check

func NewProgressionRepository(db *sqlx.DB) progression.Repository {
	return &progressionRepository{db: db}
}

// inTx runs fn in a transaction, committed only when fn succeeds.
func (repo progressionRepository) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := repo.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(tx); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "committing transaction")
}

func namedExec(ctx context.Context, tx *sqlx.Tx, query string, arg interface{}) error {
	_, err := tx.NamedExecContext(ctx, query, arg)
	return err
}

func isUniqueViolation(err error) bool {
	pqErr, ok := errors.Cause(err).(*pq.Error)
	return ok && pqErr.Code == uniqueViolation
}

func (repo progressionRepository) StageWorkflow(
	ctx context.Context,
	wf progression.Workflow,
	changes []progression.Change,
	assignments []progression.Assignment,
) error {
	row, err := boilWorkflow(wf)
	if err != nil {
		return err
	}
	return repo.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := namedExec(ctx, tx, insertWorkflowQuery, row); err != nil {
			if isUniqueViolation(err) {
				return progression.ErrWorkflowExists
			}
			return errors.Wrap(err, "inserting workflow")
		}
		if err := saveChanges(ctx, tx, wf.ID, changes); err != nil {
			return err
		}
		return saveAssignments(ctx, tx, wf.ID, assignments)
	})
}

func saveChanges(ctx context.Context, tx *sqlx.Tx, workflowID string, changes []progression.Change) error {
	if len(changes) == 0 {
		return nil
	}
	stmt, err := tx.PrepareNamedContext(ctx, upsertChangeQuery)
	if err != nil {
		return errors.Wrap(err, "preparing change upsert")
	}
	defer func() { _ = stmt.Close() }()
	for _, c := range changes {
		if _, err = stmt.ExecContext(ctx, boilChange(workflowID, c)); err != nil {
			return errors.Wrapf(err, "saving change %s", c.DependentID)
		}
	}
	return nil
}

func saveAssignments(ctx context.Context, tx *sqlx.Tx, workflowID string, assignments []progression.Assignment) error {
	if len(assignments) == 0 {
		return nil
	}
	stmt, err := tx.PrepareNamedContext(ctx, upsertAssignmentQuery)
	if err != nil {
		return errors.Wrap(err, "preparing assignment upsert")
	}
	defer func() { _ = stmt.Close() }()
	for _, a := range assignments {
		if _, err = stmt.ExecContext(ctx, boilAssignment(workflowID, a)); err != nil {
			return errors.Wrapf(err, "saving assignment %s", a.DependentID)
		}
	}
	return nil
}

func (repo progressionRepository) GetWorkflow(ctx context.Context, id string) (progression.Workflow, error) {
	var row workflowRow
	q := "SELECT " + workflowColumns + " FROM progression_workflow WHERE id = $1"
	if err := repo.db.GetContext(ctx, &row, q, id); err != nil {
		if err == sql.ErrNoRows {
			return progression.Workflow{}, progression.ErrWorkflowNotFound
		}
		return progression.Workflow{}, errors.Wrap(err, "getting workflow")
	}
	return row.unboil()
}

func (repo progressionRepository) UpdateWorkflowPhase(ctx context.Context, id, phase string) error {
	res, err := repo.db.ExecContext(ctx, "UPDATE progression_workflow SET phase = $1 WHERE id = $2", phase, id)
	if err != nil {
		return errors.Wrap(err, "updating workflow phase")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return progression.ErrWorkflowNotFound
	}
	return nil
}

func (repo progressionRepository) GetChange(ctx context.Context, workflowID, dependentID string) (progression.Change, error) {
	var row changeRow
	q := "SELECT " + changeColumns + " FROM progression_change WHERE workflow_id = $1 AND dependent_id = $2"
	if err := repo.db.GetContext(ctx, &row, q, workflowID, dependentID); err != nil {
		if err == sql.ErrNoRows {
			return progression.Change{}, progression.ErrDependentNotFound
		}
		return progression.Change{}, errors.Wrap(err, "getting change")
	}
	return row.unboil(), nil
}

func (repo progressionRepository) QueryChanges(ctx context.Context, workflowID string) ([]progression.Change, error) {
	var rows []changeRow
	q := "SELECT " + changeColumns + " FROM progression_change WHERE workflow_id = $1 ORDER BY dependent_id"
	if err := repo.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, errors.Wrap(err, "querying changes")
	}
	changes := make([]progression.Change, 0, len(rows))
	for _, r := range rows {
		changes = append(changes, r.unboil())
	}
	return changes, nil
}

func (repo progressionRepository) GetAssignment(ctx context.Context, workflowID, dependentID string) (progression.Assignment, error) {
	var row assignmentRow
	q := "SELECT " + assignmentColumns + " FROM progression_assignment WHERE workflow_id = $1 AND dependent_id = $2"
	if err := repo.db.GetContext(ctx, &row, q, workflowID, dependentID); err != nil {
		if err == sql.ErrNoRows {
			return progression.Assignment{}, progression.ErrDependentNotFound
		}
		return progression.Assignment{}, errors.Wrap(err, "getting assignment")
	}
	return row.unboil(), nil
}

func (repo progressionRepository) QueryAssignments(ctx context.Context, workflowID string) ([]progression.Assignment, error) {
	var rows []assignmentRow
	q := "SELECT " + assignmentColumns + " FROM progression_assignment WHERE workflow_id = $1 ORDER BY dependent_id"
	if err := repo.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, errors.Wrap(err, "querying assignments")
	}
	assignments := make([]progression.Assignment, 0, len(rows))
	for _, r := range rows {
		assignments = append(assignments, r.unboil())
	}
	return assignments, nil
}

func (repo progressionRepository) GetDeparting(ctx context.Context, workflowID, dependentID string) (progression.DepartingRecord, error) {
	var row departingRow
	q := "SELECT " + departingColumns + " FROM progression_departing WHERE workflow_id = $1 AND dependent_id = $2"
	if err := repo.db.GetContext(ctx, &row, q, workflowID, dependentID); err != nil {
		if err == sql.ErrNoRows {
			return progression.DepartingRecord{}, progression.ErrNotDeparting
		}
		return progression.DepartingRecord{}, errors.Wrap(err, "getting departing")
	}
	return row.unboil(), nil
}

func (repo progressionRepository) QueryDeparting(ctx context.Context, workflowID string) ([]progression.DepartingRecord, error) {
	var rows []departingRow
	q := "SELECT " + departingColumns + " FROM progression_departing WHERE workflow_id = $1 ORDER BY dependent_id"
	if err := repo.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, errors.Wrap(err, "querying departing")
	}
	records := make([]progression.DepartingRecord, 0, len(rows))
	for _, r := range rows {
		records = append(records, r.unboil())
	}
	return records, nil
}

func (repo progressionRepository) QueryNewDependents(ctx context.Context, workflowID string) ([]progression.NewDependent, error) {
	var rows []newDependentRow
	q := "SELECT " + newDepColumns + " FROM progression_new_dependent WHERE workflow_id = $1 ORDER BY added_at, id"
	if err := repo.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, errors.Wrap(err, "querying new dependents")
	}
	list := make([]progression.NewDependent, 0, len(rows))
	for _, r := range rows {
		nd, err := r.unboil()
		if err != nil {
			return nil, err
		}
		list = append(list, nd)
	}
	return list, nil
}

func (repo progressionRepository) QueryAuditEntries(ctx context.Context, workflowID string) ([]progression.AuditEntry, error) {
	var rows []auditRow
	q := "SELECT " + auditColumns + " FROM progression_audit WHERE workflow_id = $1 ORDER BY seq"
	if err := repo.db.SelectContext(ctx, &rows, q, workflowID); err != nil {
		return nil, errors.Wrap(err, "querying audit entries")
	}
	entries := make([]progression.AuditEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.unboil()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (repo progressionRepository) SaveStaged(ctx context.Context, workflowID string, w progression.StagedWrites) error {
	return repo.inTx(ctx, func(tx *sqlx.Tx) error {
		// lock the workflow row: staged edits and Apply never interleave on it
		var status string
		err := tx.GetContext(ctx, &status, "SELECT status FROM progression_workflow WHERE id = $1 FOR UPDATE", workflowID)
		if err == sql.ErrNoRows {
			return progression.ErrWorkflowNotFound
		}
		if err != nil {
			return errors.Wrap(err, "locking workflow")
		}

		if err = saveChanges(ctx, tx, workflowID, w.Changes); err != nil {
			return err
		}
		if err = saveAssignments(ctx, tx, workflowID, w.Assignments); err != nil {
			return err
		}
		for _, d := range w.Departing {
			row := departingRow{
				WorkflowID:  workflowID,
				DependentID: d.DependentID,
				Reason:      d.Reason,
				MarkedBy:    d.MarkedBy,
				MarkedAt:    d.MarkedAt.UTC(),
			}
			if err = namedExec(ctx, tx, upsertDepartingQuery, row); err != nil {
				return errors.Wrapf(err, "saving departing %s", d.DependentID)
			}
		}
		if len(w.RemoveDeparting) > 0 {
			q, args, err := sqlx.In("DELETE FROM progression_departing WHERE workflow_id = ? AND dependent_id IN (?)", workflowID, w.RemoveDeparting)
			if err != nil {
				return errors.Wrap(err, "building departing delete")
			}
			if _, err = tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
				return errors.Wrap(err, "removing departing")
			}
		}
		for _, nd := range w.NewDependents {
			row, err := boilNewDependent(workflowID, nd)
			if err != nil {
				return err
			}
			if err = namedExec(ctx, tx, insertNewDependentQuery, row); err != nil {
				return errors.Wrapf(err, "saving new dependent %s", nd.ID)
			}
		}
		return nil
	})
}

// CommitBatch runs every op in one transaction. Each statement is idempotent.
func (repo progressionRepository) CommitBatch(ctx context.Context, ops []progression.Op) error {
	if len(ops) > progression.MaxBatchOps {
		return errors.Errorf("batch of %d ops exceeds %d", len(ops), progression.MaxBatchOps)
	}
	return repo.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, op := range ops {
			if err := execOp(ctx, tx, op); err != nil {
				return errors.Wrapf(err, "%s %s", op.Kind, op.ID)
			}
		}
		return nil
	})
}

func execOp(ctx context.Context, tx *sqlx.Tx, op progression.Op) error {
	switch op.Kind {
	case progression.OpSetDependent:
		return namedExec(ctx, tx, upsertDependentQuery, boilDependent(*op.Dependent))
	case progression.OpDeleteDependent:
		_, err := tx.ExecContext(ctx, "DELETE FROM dependent WHERE id = $1", op.ID)
		return err
	case progression.OpSetGuardian:
		return namedExec(ctx, tx, upsertGuardianQuery, boilGuardian(*op.Guardian))
	case progression.OpDeleteGuardian:
		_, err := tx.ExecContext(ctx, "DELETE FROM guardian WHERE id = $1", op.ID)
		return err
	case progression.OpAppendAudit:
		row, err := boilAudit(*op.Audit)
		if err != nil {
			return err
		}
		return namedExec(ctx, tx, appendAuditQuery, row)
	case progression.OpSetWorkflow:
		row, err := boilWorkflow(*op.Workflow)
		if err != nil {
			return err
		}
		return namedExec(ctx, tx, updateWorkflowQuery, row)
	}
	return errors.Errorf("unknown op kind %q", op.Kind)
}
