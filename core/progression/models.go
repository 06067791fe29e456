package progression

import (
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-directory/core"
	"github.com/trezcool/masomo-directory/core/roster"
)

// Workflow statuses
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Workflow phases
const (
	PhaseStaged    = "staged"
	PhaseCompleted = "completed"
)

// ChangeType is the proposed outcome for one Dependent.
type ChangeType string

const (
	AdvanceInPlace    ChangeType = "advance_in_place"
	NeedsReassignment ChangeType = "needs_reassignment"
	Graduating        ChangeType = "graduating"
	Departing         ChangeType = "departing"
	Invalid           ChangeType = "invalid"
)

// AuditType is the kind of mutation recorded by an AuditEntry.
type AuditType string

const (
	AuditProgressed      AuditType = "progressed"
	AuditGraduated       AuditType = "graduated"
	AuditDeparted        AuditType = "departed"
	AuditDependentAdded  AuditType = "dependent_added"
	AuditGuardianRemoved AuditType = "guardian_removed"
)

// Workflow is one school year's progression run, keyed by year.
type Workflow struct {
	ID          string    `json:"id"`
	Year        string    `json:"year"`
	Status      string    `json:"status"`
	Phase       string    `json:"phase"`
	Stats       Stats     `json:"stats"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"` // UTC
	UpdatedAt   time.Time `json:"updated_at"` // UTC
	CompletedAt null.Time `json:"completed_at"`
}

func (wf Workflow) IsActive() bool    { return wf.Status == StatusActive }
func (wf Workflow) IsCompleted() bool { return wf.Status == StatusCompleted }

// Stats aggregates the staged outcomes; Applied is merged in once the Workflow completes.
type Stats struct {
	Total             int         `json:"total"`
	AdvanceInPlace    int         `json:"advance_in_place"`
	NeedsReassignment int         `json:"needs_reassignment"`
	Graduating        int         `json:"graduating"`
	Invalid           int         `json:"invalid"`
	Applied           *ApplyStats `json:"applied,omitempty"`
}

func (s *Stats) count(ct ChangeType) {
	s.Total++
	switch ct {
	case AdvanceInPlace:
		s.AdvanceInPlace++
	case NeedsReassignment:
		s.NeedsReassignment++
	case Graduating:
		s.Graduating++
	default:
		s.Invalid++
	}
}

// ApplyStats counts what an Apply actually did.
type ApplyStats struct {
	Progressed         int `json:"progressed,omitempty"`
	Graduated          int `json:"graduated,omitempty"`
	Departed           int `json:"departed,omitempty"`
	DependentsAdded    int `json:"dependents_added,omitempty"`
	GuardiansAdded     int `json:"guardians_added,omitempty"`
	GuardiansRemoved   int `json:"guardians_removed,omitempty"`
	Skipped            int `json:"skipped,omitempty"`
	OrphanChunksFailed int `json:"orphan_chunks_failed,omitempty"`
	Batches            int `json:"batches,omitempty"`
}

// Change is the staged (not yet committed) outcome for one Dependent.
type Change struct {
	DependentID        string      `json:"dependent_id"`
	DependentName      string      `json:"dependent_name"`
	CurrentLevel       int         `json:"current_level"`
	CurrentClass       string      `json:"current_class"`
	NewLevel           int         `json:"new_level"`
	NewClass           null.String `json:"new_class"`
	ChangeType         ChangeType  `json:"change_type"`
	RequiresAssignment bool        `json:"requires_assignment"`
	Processed          bool        `json:"processed"` // reserved for resumable applies
	GuardianIDs        []string    `json:"guardian_ids"`
}

// applyOutcome (re)computes the outcome fields of c from its CurrentLevel.
func (c *Change) applyOutcome() {
	out := Progress(c.CurrentLevel, c.CurrentClass)
	c.ChangeType = out.ChangeType
	c.NewLevel = out.NewLevel
	c.NewClass = out.NewClass
	c.RequiresAssignment = out.ChangeType == NeedsReassignment
}

// Assignment tracks the operator-supplied class of a needs_reassignment Dependent.
type Assignment struct {
	DependentID   string      `json:"dependent_id"`
	DependentName string      `json:"dependent_name"`
	CurrentClass  string      `json:"current_class"`
	NewLevel      int         `json:"new_level"`
	AssignedClass null.String `json:"assigned_class"`
	Assigned      bool        `json:"assigned"`
	AssignedBy    null.String `json:"assigned_by"`
	AssignedAt    null.Time   `json:"assigned_at"`
}

// DepartingRecord marks a Dependent as leaving early; its presence overrides the Change outcome.
type DepartingRecord struct {
	DependentID string    `json:"dependent_id"`
	Reason      string    `json:"reason"`
	MarkedBy    string    `json:"marked_by"`
	MarkedAt    time.Time `json:"marked_at"` // UTC
}

// NewDependent is a brand-new student staged for intake on Apply.
type NewDependent struct {
	ID        string             `json:"id"`
	Dependent NewDependentFields `json:"dependent"`
	Guardians []NewGuardian      `json:"guardians"`
	AddedBy   string             `json:"added_by"`
	AddedAt   time.Time          `json:"added_at"` // UTC
}

type NewDependentFields struct {
	FirstName string `json:"first_name" validate:"notblank"`
	LastName  string `json:"last_name" validate:"notblank"`
	Class     string `json:"class" validate:"notblank"`
	Level     int    `json:"level"`
}

// NewGuardian is either an existing Guardian (identified by Email) or a new one.
type NewGuardian struct {
	ID         string `json:"id,omitempty"` // set on intake for new guardians
	IsExisting bool   `json:"is_existing"`
	Email      string `json:"email" validate:"required,email"`
	FirstName  string `json:"first_name"`
	LastName   string `json:"last_name"`
	Phone      string `json:"phone"`
}

// NewDependentPayload is the intake request.
type NewDependentPayload struct {
	Dependent NewDependentFields `json:"dependent"`
	Guardians []NewGuardian      `json:"guardians" validate:"min=1,max=2,dive"`
}

// AuditEntry is an append-only record of a mutation performed by Apply.
type AuditEntry struct {
	ID         string                 `json:"id"`
	WorkflowID string                 `json:"workflow_id"`
	Type       AuditType              `json:"type"`
	SubjectID  string                 `json:"subject_id"`
	Before     map[string]interface{} `json:"before,omitempty"`
	After      map[string]interface{} `json:"after,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	CreatedAt  time.Time              `json:"created_at"` // UTC
}

// Status is everything staged under a Workflow.
type Status struct {
	Workflow      Workflow          `json:"workflow"`
	Changes       []Change          `json:"changes"`
	Assignments   []Assignment      `json:"assignments"`
	NewDependents []NewDependent    `json:"new_dependents"`
	Departing     []DepartingRecord `json:"departing"`
}

// StartResult is returned by Service.Start.
type StartResult struct {
	WorkflowID string `json:"workflow_id"`
	Stats      Stats  `json:"stats"`
}

// StagedWrites groups operator edits that must be persisted atomically.
type StagedWrites struct {
	Changes         []Change
	Assignments     []Assignment
	Departing       []DepartingRecord
	RemoveDeparting []string
	NewDependents   []NewDependent
}

// changeFromDependent stages the Change of a roster Dependent.
func changeFromDependent(dep roster.Dependent) Change {
	c := Change{
		DependentID:   dep.ID,
		DependentName: dep.FullName(),
		CurrentLevel:  ParseLevel(dep.Level),
		CurrentClass:  core.CleanString(dep.Class),
		GuardianIDs:   dep.GuardianIDs,
	}
	c.applyOutcome()
	return c
}

func assignmentFromChange(c Change) Assignment {
	return Assignment{
		DependentID:   c.DependentID,
		DependentName: c.DependentName,
		CurrentClass:  c.CurrentClass,
		NewLevel:      c.NewLevel,
	}
}
