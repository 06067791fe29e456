package sqlxrepos

import (
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-directory/core/progression"
	"github.com/trezcool/masomo-directory/core/roster"
)

type dependentRow struct {
	ID          string         `db:"id"`
	FirstName   string         `db:"first_name"`
	LastName    string         `db:"last_name"`
	Level       string         `db:"level"`
	ClassName   string         `db:"class_name"`
	GuardianIDs pq.StringArray `db:"guardian_ids"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

func boilDependent(dep roster.Dependent) dependentRow {
	ids := pq.StringArray(dep.GuardianIDs)
	if ids == nil {
		ids = pq.StringArray{}
	}
	return dependentRow{
		ID:          dep.ID,
		FirstName:   dep.FirstName,
		LastName:    dep.LastName,
		Level:       dep.Level,
		ClassName:   dep.Class,
		GuardianIDs: ids,
		CreatedAt:   dep.CreatedAt.UTC(),
		UpdatedAt:   dep.UpdatedAt.UTC(),
	}
}

func (r dependentRow) unboil() roster.Dependent {
	return roster.Dependent{
		ID:          r.ID,
		FirstName:   r.FirstName,
		LastName:    r.LastName,
		Level:       r.Level,
		Class:       r.ClassName,
		GuardianIDs: []string(r.GuardianIDs),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

type guardianRow struct {
	ID        string    `db:"id"`
	FirstName string    `db:"first_name"`
	LastName  string    `db:"last_name"`
	Email     string    `db:"email"`
	Phone     string    `db:"phone"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func boilGuardian(g roster.Guardian) guardianRow {
	return guardianRow{
		ID:        g.ID,
		FirstName: g.FirstName,
		LastName:  g.LastName,
		Email:     g.Email,
		Phone:     g.Phone,
		CreatedAt: g.CreatedAt.UTC(),
		UpdatedAt: g.UpdatedAt.UTC(),
	}
}

func (r guardianRow) unboil() roster.Guardian {
	return roster.Guardian{
		ID:        r.ID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Phone:     r.Phone,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type workflowRow struct {
	ID          string         `db:"id"`
	Year        string         `db:"year"`
	Status      string         `db:"status"`
	Phase       string         `db:"phase"`
	Stats       types.JSONText `db:"stats"`
	CreatedBy   string         `db:"created_by"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	CompletedAt null.Time      `db:"completed_at"`
}

func boilWorkflow(wf progression.Workflow) (workflowRow, error) {
	stats, err := json.Marshal(wf.Stats)
	if err != nil {
		return workflowRow{}, errors.Wrap(err, "encoding workflow stats")
	}
	if wf.CompletedAt.Valid {
		wf.CompletedAt.Time = wf.CompletedAt.Time.UTC()
	}
	return workflowRow{
		ID:          wf.ID,
		Year:        wf.Year,
		Status:      wf.Status,
		Phase:       wf.Phase,
		Stats:       types.JSONText(stats),
		CreatedBy:   wf.CreatedBy,
		CreatedAt:   wf.CreatedAt.UTC(),
		UpdatedAt:   wf.UpdatedAt.UTC(),
		CompletedAt: wf.CompletedAt,
	}, nil
}

func (r workflowRow) unboil() (progression.Workflow, error) {
	wf := progression.Workflow{
		ID:          r.ID,
		Year:        r.Year,
		Status:      r.Status,
		Phase:       r.Phase,
		CreatedBy:   r.CreatedBy,
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
		CompletedAt: r.CompletedAt,
	}
	if err := r.Stats.Unmarshal(&wf.Stats); err != nil {
		return progression.Workflow{}, errors.Wrap(err, "decoding workflow stats")
	}
	return wf, nil
}

type changeRow struct {
	WorkflowID         string         `db:"workflow_id"`
	DependentID        string         `db:"dependent_id"`
	DependentName      string         `db:"dependent_name"`
	CurrentLevel       int            `db:"current_level"`
	CurrentClass       string         `db:"current_class"`
	NewLevel           int            `db:"new_level"`
	NewClass           null.String    `db:"new_class"`
	ChangeType         string         `db:"change_type"`
	RequiresAssignment bool           `db:"requires_assignment"`
	Processed          bool           `db:"processed"`
	GuardianIDs        pq.StringArray `db:"guardian_ids"`
}

func boilChange(workflowID string, c progression.Change) changeRow {
	ids := pq.StringArray(c.GuardianIDs)
	if ids == nil {
		ids = pq.StringArray{}
	}
	return changeRow{
		WorkflowID:         workflowID,
		DependentID:        c.DependentID,
		DependentName:      c.DependentName,
		CurrentLevel:       c.CurrentLevel,
		CurrentClass:       c.CurrentClass,
		NewLevel:           c.NewLevel,
		NewClass:           c.NewClass,
		ChangeType:         string(c.ChangeType),
		RequiresAssignment: c.RequiresAssignment,
		Processed:          c.Processed,
		GuardianIDs:        ids,
	}
}

func (r changeRow) unboil() progression.Change {
	return progression.Change{
		DependentID:        r.DependentID,
		DependentName:      r.DependentName,
		CurrentLevel:       r.CurrentLevel,
		CurrentClass:       r.CurrentClass,
		NewLevel:           r.NewLevel,
		NewClass:           r.NewClass,
		ChangeType:         progression.ChangeType(r.ChangeType),
		RequiresAssignment: r.RequiresAssignment,
		Processed:          r.Processed,
		GuardianIDs:        []string(r.GuardianIDs),
	}
}

type assignmentRow struct {
	WorkflowID    string      `db:"workflow_id"`
	DependentID   string      `db:"dependent_id"`
	DependentName string      `db:"dependent_name"`
	CurrentClass  string      `db:"current_class"`
	NewLevel      int         `db:"new_level"`
	AssignedClass null.String `db:"assigned_class"`
	Assigned      bool        `db:"assigned"`
	AssignedBy    null.String `db:"assigned_by"`
	AssignedAt    null.Time   `db:"assigned_at"`
}

func boilAssignment(workflowID string, a progression.Assignment) assignmentRow {
	return assignmentRow{
		WorkflowID:    workflowID,
		DependentID:   a.DependentID,
		DependentName: a.DependentName,
		CurrentClass:  a.CurrentClass,
		NewLevel:      a.NewLevel,
		AssignedClass: a.AssignedClass,
		Assigned:      a.Assigned,
		AssignedBy:    a.AssignedBy,
		AssignedAt:    a.AssignedAt,
	}
}

func (r assignmentRow) unboil() progression.Assignment {
	return progression.Assignment{
		DependentID:   r.DependentID,
		DependentName: r.DependentName,
		CurrentClass:  r.CurrentClass,
		NewLevel:      r.NewLevel,
		AssignedClass: r.AssignedClass,
		Assigned:      r.Assigned,
		AssignedBy:    r.AssignedBy,
		AssignedAt:    r.AssignedAt,
	}
}

type departingRow struct {
	WorkflowID  string    `db:"workflow_id"`
	DependentID string    `db:"dependent_id"`
	Reason      string    `db:"reason"`
	MarkedBy    string    `db:"marked_by"`
	MarkedAt    time.Time `db:"marked_at"`
}

func (r departingRow) unboil() progression.DepartingRecord {
	return progression.DepartingRecord{
		DependentID: r.DependentID,
		Reason:      r.Reason,
		MarkedBy:    r.MarkedBy,
		MarkedAt:    r.MarkedAt.UTC(),
	}
}

type newDependentRow struct {
	WorkflowID string         `db:"workflow_id"`
	ID         string         `db:"id"`
	Dependent  types.JSONText `db:"dependent"`
	Guardians  types.JSONText `db:"guardians"`
	AddedBy    string         `db:"added_by"`
	AddedAt    time.Time      `db:"added_at"`
}

func boilNewDependent(workflowID string, nd progression.NewDependent) (newDependentRow, error) {
	dep, err := json.Marshal(nd.Dependent)
	if err != nil {
		return newDependentRow{}, errors.Wrap(err, "encoding new dependent")
	}
	guardians, err := json.Marshal(nd.Guardians)
	if err != nil {
		return newDependentRow{}, errors.Wrap(err, "encoding new guardians")
	}
	return newDependentRow{
		WorkflowID: workflowID,
		ID:         nd.ID,
		Dependent:  types.JSONText(dep),
		Guardians:  types.JSONText(guardians),
		AddedBy:    nd.AddedBy,
		AddedAt:    nd.AddedAt.UTC(),
	}, nil
}

func (r newDependentRow) unboil() (progression.NewDependent, error) {
	nd := progression.NewDependent{
		ID:      r.ID,
		AddedBy: r.AddedBy,
		AddedAt: r.AddedAt.UTC(),
	}
	if err := r.Dependent.Unmarshal(&nd.Dependent); err != nil {
		return progression.NewDependent{}, errors.Wrap(err, "decoding new dependent")
	}
	if err := r.Guardians.Unmarshal(&nd.Guardians); err != nil {
		return progression.NewDependent{}, errors.Wrap(err, "decoding new guardians")
	}
	return nd, nil
}

type auditRow struct {
	ID         string    `db:"id"`
	WorkflowID string    `db:"workflow_id"`
	Type       string    `db:"type"`
	SubjectID  string    `db:"subject_id"`
	Before     null.JSON `db:"before"`
	After      null.JSON `db:"after"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
}

func boilAudit(e progression.AuditEntry) (auditRow, error) {
	row := auditRow{
		ID:         e.ID,
		WorkflowID: e.WorkflowID,
		Type:       string(e.Type),
		SubjectID:  e.SubjectID,
		Reason:     e.Reason,
		CreatedAt:  e.CreatedAt.UTC(),
	}
	if e.Before != nil {
		if err := row.Before.Marshal(e.Before); err != nil {
			return auditRow{}, errors.Wrap(err, "encoding audit before")
		}
	}
	if e.After != nil {
		if err := row.After.Marshal(e.After); err != nil {
			return auditRow{}, errors.Wrap(err, "encoding audit after")
		}
	}
	return row, nil
}

func (r auditRow) unboil() (progression.AuditEntry, error) {
	e := progression.AuditEntry{
		ID:         r.ID,
		WorkflowID: r.WorkflowID,
		Type:       progression.AuditType(r.Type),
		SubjectID:  r.SubjectID,
		Reason:     r.Reason,
		CreatedAt:  r.CreatedAt.UTC(),
	}
	if r.Before.Valid {
		if err := r.Before.Unmarshal(&e.Before); err != nil {
			return progression.AuditEntry{}, errors.Wrap(err, "decoding audit before")
		}
	}
	if r.After.Valid {
		if err := r.After.Unmarshal(&e.After); err != nil {
			return progression.AuditEntry{}, errors.Wrap(err, "decoding audit after")
		}
	}
	return e, nil
}
