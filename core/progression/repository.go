package progression

import (
	"context"

	"github.com/trezcool/masomo-directory/core"
)

var (
	// errors
	ErrWorkflowNotFound  = core.NewNotFoundError("progression workflow not found")
	ErrDependentNotFound = core.NewNotFoundError("dependent not found in progression workflow")
	ErrNotDeparting      = core.NewNotFoundError("dependent is not marked as departing")
	ErrWorkflowExists    = core.NewConflictError("a progression workflow is already active for this year")
	ErrWorkflowCompleted = core.NewConflictError("progression workflow is already completed")
	ErrApplyInProgress   = core.NewConflictError("progression workflow is already being applied")
)

// Repository persists Workflows, their staged records and the Apply commits.
type Repository interface {
	// StageWorkflow creates wf together with its changes and assignments, atomically.
	// It returns ErrWorkflowExists when a Workflow with the same ID already exists.
	StageWorkflow(ctx context.Context, wf Workflow, changes []Change, assignments []Assignment) error
	GetWorkflow(ctx context.Context, id string) (Workflow, error)
	UpdateWorkflowPhase(ctx context.Context, id, phase string) error

	GetChange(ctx context.Context, workflowID, dependentID string) (Change, error)
	QueryChanges(ctx context.Context, workflowID string) ([]Change, error)
	GetAssignment(ctx context.Context, workflowID, dependentID string) (Assignment, error)
	QueryAssignments(ctx context.Context, workflowID string) ([]Assignment, error)
	// GetDeparting returns ErrNotDeparting when dependentID is not marked as departing.
	GetDeparting(ctx context.Context, workflowID, dependentID string) (DepartingRecord, error)
	QueryDeparting(ctx context.Context, workflowID string) ([]DepartingRecord, error)
	QueryNewDependents(ctx context.Context, workflowID string) ([]NewDependent, error)
	QueryAuditEntries(ctx context.Context, workflowID string) ([]AuditEntry, error)

	// SaveStaged persists operator edits atomically.
	SaveStaged(ctx context.Context, workflowID string, w StagedWrites) error

	// CommitBatch applies ops atomically, in order. len(ops) <= MaxBatchOps.
	CommitBatch(ctx context.Context, ops []Op) error
}
