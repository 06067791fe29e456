package progression

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/trezcool/masomo-directory/core"
	"github.com/trezcool/masomo-directory/core/roster"
)

const tracerName = "github.com/trezcool/masomo-directory/core/progression"

var NowFunc = time.Now // mockable

type Service struct {
	rosterRepo roster.Repository
	repo       Repository
	validate   *validator.Validate
	mailSvc    core.EmailService
	logger     core.Logger
	conf       *core.Config

	orphans   orphanResolver
	locks     *applyLocks
	tracer    trace.Tracer
	batchSize int
	newID     func() string
}

func NewService(
	rosterRepo roster.Repository,
	repo Repository,
	validate *validator.Validate,
	mailSvc core.EmailService,
	logger core.Logger,
	conf *core.Config,
) *Service {
	return &Service{
		rosterRepo: rosterRepo,
		repo:       repo,
		validate:   validate,
		mailSvc:    mailSvc,
		logger:     logger,
		conf:       conf,
		orphans:    orphanResolver{roster: rosterRepo, logger: logger},
		locks:      newApplyLocks(),
		tracer:     otel.Tracer(tracerName),
		batchSize:  MaxBatchOps,
		newID:      func() string { return uuid.New().String() },
	}
}

// SetBatchSize lowers the number of ops per commit (capped at MaxBatchOps).
func (svc *Service) SetBatchSize(n int) {
	if n < 1 || n > MaxBatchOps {
		n = MaxBatchOps
	}
	svc.batchSize = n
}

func (svc *Service) getActiveWorkflow(ctx context.Context, id string) (Workflow, error) {
	wf, err := svc.repo.GetWorkflow(ctx, id)
	if err != nil {
		return Workflow{}, err
	}
	if !wf.IsActive() {
		return Workflow{}, ErrWorkflowCompleted
	}
	return wf, nil
}

// Start stages a Workflow for req.Year: one Change per roster Dependent, plus an Assignment for
// every Dependent needing a new class.
// The single-active-workflow check is read-before-write; the repository rejects the loser of a race.
func (svc *Service) Start(ctx context.Context, req StartRequest, operatorID string) (StartResult, error) {
	ctx, span := svc.tracer.Start(ctx, "progression.Start")
	defer span.End()

	if err := req.Validate(svc.validate); err != nil {
		return StartResult{}, err
	}
	span.SetAttributes(attribute.String("progression.year", req.Year))

	wf, err := svc.repo.GetWorkflow(ctx, req.Year)
	switch {
	case err == nil:
		if wf.IsCompleted() {
			return StartResult{}, ErrWorkflowCompleted
		}
		return StartResult{}, ErrWorkflowExists
	case errors.Cause(err) != ErrWorkflowNotFound:
		return StartResult{}, errors.Wrap(err, "finding workflow")
	}

	deps, err := svc.rosterRepo.QueryDependents(ctx)
	if err != nil {
		return StartResult{}, errors.Wrap(err, "querying dependents")
	}

	now := NowFunc().UTC()
	wf = Workflow{
		ID:        req.Year,
		Year:      req.Year,
		Status:    StatusActive,
		Phase:     PhaseStaged,
		CreatedBy: operatorID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	changes := make([]Change, 0, len(deps))
	var assignments []Assignment
	for _, dep := range deps {
		c := changeFromDependent(dep)
		wf.Stats.count(c.ChangeType)
		changes = append(changes, c)
		if c.RequiresAssignment {
			assignments = append(assignments, assignmentFromChange(c))
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].DependentID < changes[j].DependentID })

	if err = svc.repo.StageWorkflow(ctx, wf, changes, assignments); err != nil {
		if errors.Cause(err) == ErrWorkflowExists {
			return StartResult{}, ErrWorkflowExists
		}
		return StartResult{}, errors.Wrap(err, "staging workflow")
	}

	svc.logger.Info(
		fmt.Sprintf("progression %s started: %d dependents staged", wf.ID, wf.Stats.Total),
		map[string]interface{}{"stats": wf.Stats},
		core.Operator{ID: operatorID},
	)
	return StartResult{WorkflowID: wf.ID, Stats: wf.Stats}, nil
}

// GetStatus returns the Workflow and every record staged under it.
func (svc *Service) GetStatus(ctx context.Context, id string) (Status, error) {
	wf, err := svc.repo.GetWorkflow(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Workflow: wf}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		st.Changes, err = svc.repo.QueryChanges(gctx, id)
		return errors.Wrap(err, "querying changes")
	})
	g.Go(func() (err error) {
		st.Assignments, err = svc.repo.QueryAssignments(gctx, id)
		return errors.Wrap(err, "querying assignments")
	})
	g.Go(func() (err error) {
		st.NewDependents, err = svc.repo.QueryNewDependents(gctx, id)
		return errors.Wrap(err, "querying new dependents")
	})
	g.Go(func() (err error) {
		st.Departing, err = svc.repo.QueryDeparting(gctx, id)
		return errors.Wrap(err, "querying departing")
	})
	if err = g.Wait(); err != nil {
		return Status{}, err
	}

	if st.Changes == nil {
		st.Changes = []Change{}
	}
	if st.Assignments == nil {
		st.Assignments = []Assignment{}
	}
	if st.NewDependents == nil {
		st.NewDependents = []NewDependent{}
	}
	if st.Departing == nil {
		st.Departing = []DepartingRecord{}
	}
	return st, nil
}

// QueryAudit returns the audit trail written by the Workflow's Apply.
func (svc *Service) QueryAudit(ctx context.Context, id string) ([]AuditEntry, error) {
	if _, err := svc.repo.GetWorkflow(ctx, id); err != nil {
		return nil, err
	}
	entries, err := svc.repo.QueryAuditEntries(ctx, id)
	if err != nil {
		return nil, errors.Wrap(err, "querying audit entries")
	}
	if entries == nil {
		entries = []AuditEntry{}
	}
	return entries, nil
}

// AssignClass sets the destination class of a needs_reassignment Dependent,
// on both its Assignment and its Change.
func (svc *Service) AssignClass(ctx context.Context, workflowID, dependentID, className, operatorID string) (Assignment, error) {
	className = core.CleanString(className)
	if className == "" {
		return Assignment{}, core.NewValidationError(
			errors.New("assigned class is required"),
			core.FieldError{Field: "assigned_class", Error: "this field is required"},
		)
	}

	wf, err := svc.getActiveWorkflow(ctx, workflowID)
	if err != nil {
		return Assignment{}, err
	}
	a, err := svc.repo.GetAssignment(ctx, wf.ID, dependentID)
	if err != nil {
		return Assignment{}, err
	}
	c, err := svc.repo.GetChange(ctx, wf.ID, dependentID)
	if err != nil {
		return Assignment{}, err
	}

	now := NowFunc().UTC()
	a.AssignedClass = null.StringFrom(className)
	a.Assigned = true
	a.AssignedBy = null.StringFrom(operatorID)
	a.AssignedAt = null.TimeFrom(now)
	c.NewClass = null.StringFrom(className)

	if err = svc.repo.SaveStaged(ctx, wf.ID, StagedWrites{Changes: []Change{c}, Assignments: []Assignment{a}}); err != nil {
		return Assignment{}, errors.Wrap(err, "saving assignment")
	}
	return a, nil
}

// MarkDeparting flags dependents as leaving early. Every id must be staged; nothing is written otherwise.
func (svc *Service) MarkDeparting(ctx context.Context, workflowID string, req DepartingRequest, operatorID string) ([]DepartingRecord, error) {
	if err := req.Validate(svc.validate); err != nil {
		return nil, err
	}
	wf, err := svc.getActiveWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	now := NowFunc().UTC()
	var w StagedWrites
	for _, id := range req.DependentIDs {
		c, err := svc.repo.GetChange(ctx, wf.ID, id)
		if err != nil {
			return nil, err
		}
		c.ChangeType = Departing
		c.RequiresAssignment = false
		w.Changes = append(w.Changes, c)
		w.Departing = append(w.Departing, DepartingRecord{
			DependentID: id,
			Reason:      req.Reason,
			MarkedBy:    operatorID,
			MarkedAt:    now,
		})
	}

	if err = svc.repo.SaveStaged(ctx, wf.ID, w); err != nil {
		return nil, errors.Wrap(err, "saving departing")
	}
	return w.Departing, nil
}

// UnmarkDeparting drops the departing flag and restores the outcome the progression rule gives
// the Change's current level, exactly as staged by Start.
// It returns ErrNotDeparting, writing nothing, when the dependent is not marked as departing.
func (svc *Service) UnmarkDeparting(ctx context.Context, workflowID, dependentID string) (Change, error) {
	wf, err := svc.getActiveWorkflow(ctx, workflowID)
	if err != nil {
		return Change{}, err
	}
	if _, err = svc.repo.GetDeparting(ctx, wf.ID, dependentID); err != nil {
		return Change{}, err
	}
	c, err := svc.repo.GetChange(ctx, wf.ID, dependentID)
	if err != nil {
		return Change{}, err
	}
	c.applyOutcome()

	w := StagedWrites{Changes: []Change{c}, RemoveDeparting: []string{dependentID}}
	if c.RequiresAssignment {
		// any earlier class assignment is dropped, as on a fresh stage
		w.Assignments = []Assignment{assignmentFromChange(c)}
	}

	if err = svc.repo.SaveStaged(ctx, wf.ID, w); err != nil {
		return Change{}, errors.Wrap(err, "removing departing")
	}
	return c, nil
}

// AddNewDependent stages a new student (starting at FirstLevel) and their guardians.
func (svc *Service) AddNewDependent(ctx context.Context, workflowID string, payload NewDependentPayload, operatorID string) (NewDependent, error) {
	if err := payload.Validate(svc.validate); err != nil {
		return NewDependent{}, err
	}
	wf, err := svc.getActiveWorkflow(ctx, workflowID)
	if err != nil {
		return NewDependent{}, err
	}

	nd := NewDependent{
		ID:        svc.newID(),
		Dependent: payload.Dependent,
		Guardians: payload.Guardians,
		AddedBy:   operatorID,
		AddedAt:   NowFunc().UTC(),
	}
	for i := range nd.Guardians {
		if !nd.Guardians[i].IsExisting {
			nd.Guardians[i].ID = svc.newID()
		}
	}

	if err = svc.repo.SaveStaged(ctx, wf.ID, StagedWrites{NewDependents: []NewDependent{nd}}); err != nil {
		return NewDependent{}, errors.Wrap(err, "saving new dependent")
	}
	return nd, nil
}

// Apply commits every staged change of an active Workflow and completes it.
//
// Ops are committed in sequential batches of at most MaxBatchOps. A failing batch aborts the
// Apply, leaving earlier batches committed and the Workflow active; every op being idempotent,
// the Apply can simply be retried.
func (svc *Service) Apply(ctx context.Context, workflowID, operatorID string) (ApplyStats, error) {
	ctx, span := svc.tracer.Start(ctx, "progression.Apply", trace.WithAttributes(attribute.String("progression.workflow_id", workflowID)))
	defer span.End()

	if !svc.locks.acquire(workflowID) {
		return ApplyStats{}, ErrApplyInProgress
	}
	defer svc.locks.release(workflowID)

	wf, err := svc.getActiveWorkflow(ctx, workflowID)
	if err != nil {
		return ApplyStats{}, err
	}

	p, stats, err := svc.plan(ctx, wf, operatorID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return ApplyStats{}, err
	}

	nOps := len(p.ops()) + 1 // workflow completion
	stats.Batches = (nOps + svc.batchSize - 1) / svc.batchSize

	now := NowFunc().UTC()
	wf.Status = StatusCompleted
	wf.Phase = PhaseCompleted
	wf.Stats.Applied = &stats
	wf.UpdatedAt = now
	wf.CompletedAt = null.TimeFrom(now)
	p.workflow = append(p.workflow, setWorkflowOp(wf))

	batches := SplitOps(p.ops(), svc.batchSize)
	svc.updatePhase(ctx, wf.ID, applyingPhase(0, len(batches)))
	for i, batch := range batches {
		if err = svc.repo.CommitBatch(ctx, batch); err != nil {
			err = errors.Wrapf(err, "committing batch %d/%d", i+1, len(batches))
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			svc.logger.Error(fmt.Sprintf("progression %s apply failed", wf.ID), err, core.Operator{ID: operatorID})
			return ApplyStats{}, err
		}
		span.AddEvent("batch committed", trace.WithAttributes(attribute.Int("progression.batch", i+1), attribute.Int("progression.ops", len(batch))))
		if i < len(batches)-1 {
			svc.updatePhase(ctx, wf.ID, applyingPhase(i+1, len(batches)))
		}
	}

	svc.logger.Info(
		fmt.Sprintf("progression %s applied", wf.ID),
		map[string]interface{}{"stats": stats},
		core.Operator{ID: operatorID},
	)
	svc.notify(wf, stats, operatorID)
	return stats, nil
}

// plan computes the ordered Ops of an Apply from the staged records and the live roster.
func (svc *Service) plan(ctx context.Context, wf Workflow, operatorID string) (*plan, ApplyStats, error) {
	var stats ApplyStats
	p := new(plan)

	changes, err := svc.repo.QueryChanges(ctx, wf.ID)
	if err != nil {
		return nil, stats, errors.Wrap(err, "querying changes")
	}
	departing, err := svc.repo.QueryDeparting(ctx, wf.ID)
	if err != nil {
		return nil, stats, errors.Wrap(err, "querying departing")
	}
	newDeps, err := svc.repo.QueryNewDependents(ctx, wf.ID)
	if err != nil {
		return nil, stats, errors.Wrap(err, "querying new dependents")
	}
	live, err := svc.rosterRepo.QueryDependents(ctx)
	if err != nil {
		return nil, stats, errors.Wrap(err, "querying dependents")
	}

	liveByID := make(map[string]roster.Dependent, len(live))
	for _, dep := range live {
		liveByID[dep.ID] = dep
	}
	reasons := make(map[string]string, len(departing))
	for _, d := range departing {
		reasons[d.DependentID] = d.Reason
	}

	now := NowFunc().UTC()
	audit := func(typ AuditType, subjectID string, before, after map[string]interface{}, reason string) Op {
		return appendAuditOp(AuditEntry{
			ID:         auditID(wf.ID, typ, subjectID),
			WorkflowID: wf.ID,
			Type:       typ,
			SubjectID:  subjectID,
			Before:     before,
			After:      after,
			Reason:     reason,
			CreatedAt:  now,
		})
	}

	// staged changes
	var removed []string
	for _, c := range changes {
		before := map[string]interface{}{"level": c.CurrentLevel, "class": c.CurrentClass}

		switch c.ChangeType {
		case Graduating:
			p.dependents = append(p.dependents, deleteDependentOp(c.DependentID), audit(AuditGraduated, c.DependentID, before, nil, ""))
			removed = append(removed, c.DependentID)
			stats.Graduated++
			continue
		case Departing:
			reason := reasons[c.DependentID]
			p.dependents = append(p.dependents, deleteDependentOp(c.DependentID), audit(AuditDeparted, c.DependentID, before, nil, reason))
			removed = append(removed, c.DependentID)
			stats.Departed++
			continue
		}

		// written back only when both are set: an unassigned needs_reassignment, a level 0 or a
		// missing class is left as is. Other invalid levels are rewritten unchanged.
		if !c.NewClass.Valid || c.NewClass.String == "" || c.NewLevel == 0 {
			stats.Skipped++
			svc.logger.Warn(fmt.Sprintf("progression %s: dependent %s (%s) has no new class or level, left unchanged", wf.ID, c.DependentID, c.ChangeType))
			continue
		}
		dep, ok := liveByID[c.DependentID]
		if !ok {
			stats.Skipped++
			svc.logger.Warn(fmt.Sprintf("progression %s: dependent %s is no longer in the roster", wf.ID, c.DependentID))
			continue
		}
		dep.Level = strconv.Itoa(c.NewLevel)
		dep.Class = c.NewClass.String
		dep.UpdatedAt = now
		after := map[string]interface{}{"level": c.NewLevel, "class": c.NewClass.String}
		p.progress = append(p.progress, setDependentOp(dep), audit(AuditProgressed, c.DependentID, before, after, ""))
		stats.Progressed++
	}

	// intake
	linked, err := svc.planIntake(ctx, wf, newDeps, p, &stats, now, audit)
	if err != nil {
		return nil, stats, err
	}

	// orphaned guardians
	res, err := svc.orphans.ResolveOrphans(ctx, removed, live, linked)
	if err != nil {
		return nil, stats, errors.Wrap(err, "resolving orphaned guardians")
	}
	stats.OrphanChunksFailed = len(res.Failed)
	details, err := svc.orphanDetails(ctx, wf, res.Orphans)
	if err != nil {
		return nil, stats, err
	}
	for _, o := range res.Orphans {
		before := map[string]interface{}{"dependent_ids": o.RemovedBy}
		if g, ok := details[o.GuardianID]; ok {
			before["first_name"] = g.FirstName
			before["last_name"] = g.LastName
			before["email"] = g.Email
			before["phone"] = g.Phone
		}
		p.guardians = append(p.guardians, deleteGuardianOp(o.GuardianID), audit(AuditGuardianRemoved, o.GuardianID, before, nil, ""))
		stats.GuardiansRemoved++
	}

	return p, stats, nil
}

// orphanDetails loads the guardians about to be removed, for their audit entries.
// A failed chunk only leaves those entries without contact details; the removal still happens.
func (svc *Service) orphanDetails(ctx context.Context, wf Workflow, orphans []Orphan) (map[string]roster.Guardian, error) {
	ids := make([]string, 0, len(orphans))
	for _, o := range orphans {
		ids = append(ids, o.GuardianID)
	}
	guardians, failed, err := Gather(ctx, ids, roster.MaxQueryIDs, svc.rosterRepo.GetGuardiansByIDs)
	if err != nil {
		return nil, errors.Wrap(err, "fetching orphaned guardians")
	}
	for _, f := range failed {
		svc.logger.Warn(
			fmt.Sprintf("progression %s: audit of %d removed guardians has no contact details", wf.ID, len(f.IDs)),
			f.Err,
			map[string]interface{}{"guardian_ids": f.IDs},
		)
	}
	byID := make(map[string]roster.Guardian, len(guardians))
	for _, g := range guardians {
		byID[g.ID] = g
	}
	return byID, nil
}

// planIntake adds the intake ops of newDeps to p and returns the existing guardians they link to.
func (svc *Service) planIntake(
	ctx context.Context,
	wf Workflow,
	newDeps []NewDependent,
	p *plan,
	stats *ApplyStats,
	now time.Time,
	audit func(AuditType, string, map[string]interface{}, map[string]interface{}, string) Op,
) ([]string, error) {
	var emails []string
	for _, nd := range newDeps {
		for _, g := range nd.Guardians {
			if g.IsExisting {
				emails = append(emails, g.Email)
			}
		}
	}
	existing, failed, err := Gather(ctx, emails, roster.MaxQueryIDs, svc.rosterRepo.GetGuardiansByEmails)
	if err != nil {
		return nil, errors.Wrap(err, "finding existing guardians")
	}
	if len(failed) > 0 {
		// nothing is committed yet: failing here is better than adding unlinked dependents
		return nil, errors.Wrapf(failed[0].Err, "finding existing guardians %s", strings.Join(failed[0].IDs, ", "))
	}
	byEmail := make(map[string]roster.Guardian, len(existing))
	for _, g := range existing {
		byEmail[core.CleanString(g.Email, true /* lower */)] = g
	}

	var linked []string
	for _, nd := range newDeps {
		dep := roster.Dependent{
			ID:        nd.ID,
			FirstName: nd.Dependent.FirstName,
			LastName:  nd.Dependent.LastName,
			Level:     strconv.Itoa(FirstLevel),
			Class:     nd.Dependent.Class,
			CreatedAt: nd.AddedAt,
			UpdatedAt: now,
		}
		for _, g := range nd.Guardians {
			if g.IsExisting {
				eg, ok := byEmail[g.Email]
				if !ok {
					svc.logger.Warn(fmt.Sprintf("progression %s: existing guardian %s not found, not linked to %s", wf.ID, g.Email, nd.ID))
					continue
				}
				dep.GuardianIDs = append(dep.GuardianIDs, eg.ID)
				linked = append(linked, eg.ID)
				continue
			}
			p.intake = append(p.intake, setGuardianOp(roster.Guardian{
				ID:        g.ID,
				FirstName: g.FirstName,
				LastName:  g.LastName,
				Email:     g.Email,
				Phone:     g.Phone,
				CreatedAt: nd.AddedAt,
				UpdatedAt: now,
			}))
			dep.GuardianIDs = append(dep.GuardianIDs, g.ID)
			stats.GuardiansAdded++
		}

		after := map[string]interface{}{"level": FirstLevel, "class": dep.Class, "guardian_ids": dep.GuardianIDs}
		p.intake = append(p.intake, setDependentOp(dep), audit(AuditDependentAdded, nd.ID, nil, after, ""))
		stats.DependentsAdded++
	}
	return linked, nil
}

func applyingPhase(committed, total int) string {
	return fmt.Sprintf("applying (%d/%d batches committed)", committed, total)
}

// updatePhase records progress only; a failure does not stop the Apply.
func (svc *Service) updatePhase(ctx context.Context, id, phase string) {
	if err := svc.repo.UpdateWorkflowPhase(ctx, id, phase); err != nil {
		svc.logger.Warn(fmt.Sprintf("progression %s: updating phase", id), err)
	}
}

func (svc *Service) notify(wf Workflow, stats ApplyStats, operatorID string) {
	if svc.mailSvc == nil || svc.conf == nil || len(svc.conf.NotifyEmails) == 0 {
		return
	}
	body := new(strings.Builder)
	_, _ = fmt.Fprintf(body, "The %s school year progression was applied by %s.\n\n", wf.Year, operatorID)
	_, _ = fmt.Fprintf(body, "Progressed: %d\n", stats.Progressed)
	_, _ = fmt.Fprintf(body, "Graduated: %d\n", stats.Graduated)
	_, _ = fmt.Fprintf(body, "Departed: %d\n", stats.Departed)
	_, _ = fmt.Fprintf(body, "New students: %d\n", stats.DependentsAdded)
	_, _ = fmt.Fprintf(body, "Guardians removed: %d\n", stats.GuardiansRemoved)
	if stats.Skipped > 0 {
		_, _ = fmt.Fprintf(body, "\n%d students were left unchanged (invalid level or no class assigned).\n", stats.Skipped)
	}
	if stats.OrphanChunksFailed > 0 {
		_, _ = fmt.Fprintf(body, "%d guardian clean-up lookups failed; see logs.\n", stats.OrphanChunksFailed)
	}

	svc.mailSvc.SendMessages(&core.EmailMessage{
		To:      svc.conf.NotifyEmails,
		Subject: fmt.Sprintf("School year %s progression applied", wf.Year),
		BodyStr: body.String(),
	})
}
