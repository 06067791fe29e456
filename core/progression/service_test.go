package progression_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/trezcool/masomo-directory/core"
	"github.com/trezcool/masomo-directory/core/progression"
	"github.com/trezcool/masomo-directory/core/roster"
	"github.com/trezcool/masomo-directory/services/email"
	"github.com/trezcool/masomo-directory/storage/database/inmem"
	"github.com/trezcool/masomo-directory/tests"
)

func TestMain(m *testing.M) {
	// rollbar starts its transport on init
	goleak.VerifyTestMain(m, goleak.IgnoreCurrent())
}

const (
	year     = "2026"
	operator = "admin-1"
)

type fixture struct {
	db   *inmemdb.DB
	svc  *progression.Service
	mail *emailsvc.ConsoleServiceMock
}

func newFixture(t *testing.T, deps []roster.Dependent, guardians []roster.Guardian) fixture {
	t.Helper()
	conf := testutil.NewConfig()
	logger := testutil.NewLogger(conf)

	db := inmemdb.Open()
	db.Seed(deps, guardians)
	mail := emailsvc.NewConsoleServiceMock(conf, logger)
	svc := progression.NewService(
		inmemdb.NewRosterRepository(db),
		inmemdb.NewProgressionRepository(db),
		testutil.NewValidator(),
		mail,
		logger,
		conf,
	)
	return fixture{db: db, svc: svc, mail: mail}
}

// s1 advances in place, s2 needs a class, s3 graduates. g1 keeps s1 and s2; g2 only has s3.
func scenario(t *testing.T) fixture {
	return newFixture(t,
		[]roster.Dependent{
			testutil.Dependent("s1", 1, "1A", "g1"),
			testutil.Dependent("s2", 2, "2A", "g1"),
			testutil.Dependent("s3", 6, "6A", "g2"),
		},
		[]roster.Guardian{
			testutil.Guardian("g1", "g1@masomo.test"),
			testutil.Guardian("g2", "g2@masomo.test"),
		},
	)
}

func (f fixture) start(t *testing.T) progression.StartResult {
	t.Helper()
	res, err := f.svc.Start(context.Background(), progression.StartRequest{Year: year}, operator)
	require.NoError(t, err)
	return res
}

func dependentsByID(db *inmemdb.DB) map[string]roster.Dependent {
	m := make(map[string]roster.Dependent)
	for _, d := range db.Dependents() {
		m[d.ID] = d
	}
	return m
}

func guardianIDs(db *inmemdb.DB) []string {
	var ids []string
	for _, g := range db.Guardians() {
		ids = append(ids, g.ID)
	}
	return ids
}

func TestStart(t *testing.T) {
	f := scenario(t)
	f.db.Seed([]roster.Dependent{
		testutil.Dependent("s4", 0, "?"),
		{ID: "s5", FirstName: "No", Level: "unknown", Class: "X"},
	}, nil)

	res := f.start(t)
	assert.Equal(t, year, res.WorkflowID)
	assert.Equal(t, progression.Stats{Total: 5, AdvanceInPlace: 1, NeedsReassignment: 1, Graduating: 1, Invalid: 2}, res.Stats)

	st, err := f.svc.GetStatus(context.Background(), res.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, progression.StatusActive, st.Workflow.Status)
	assert.Equal(t, progression.PhaseStaged, st.Workflow.Phase)
	assert.Equal(t, operator, st.Workflow.CreatedBy)
	require.Len(t, st.Changes, 5)

	want := map[string]progression.ChangeType{
		"s1": progression.AdvanceInPlace,
		"s2": progression.NeedsReassignment,
		"s3": progression.Graduating,
		"s4": progression.Invalid,
		"s5": progression.Invalid,
	}
	for _, c := range st.Changes {
		assert.Equal(t, want[c.DependentID], c.ChangeType, c.DependentID)
		assert.Equal(t, c.ChangeType == progression.NeedsReassignment, c.RequiresAssignment, c.DependentID)
	}
	require.Len(t, st.Assignments, 1)
	assert.Equal(t, "s2", st.Assignments[0].DependentID)
	assert.Equal(t, 3, st.Assignments[0].NewLevel)
	assert.False(t, st.Assignments[0].Assigned)
	assert.Empty(t, st.Departing)
	assert.Empty(t, st.NewDependents)

	// roster untouched
	assert.Equal(t, "1", dependentsByID(f.db)["s1"].Level)
}

func TestStartConflicts(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	_, err := f.svc.Start(ctx, progression.StartRequest{Year: year}, operator)
	assert.Equal(t, progression.ErrWorkflowExists, err)
	assert.True(t, core.IsConflict(err))

	_, err = f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	_, err = f.svc.Start(ctx, progression.StartRequest{Year: year}, operator)
	assert.Equal(t, progression.ErrWorkflowCompleted, err)

	// another year is fine
	_, err = f.svc.Start(ctx, progression.StartRequest{Year: "2027"}, operator)
	assert.NoError(t, err)
}

func TestStartValidation(t *testing.T) {
	f := scenario(t)
	for _, y := range []string{"", "abc", "26", "2026-2028", "2026-2025"} {
		t.Run(y, func(t *testing.T) {
			_, err := f.svc.Start(context.Background(), progression.StartRequest{Year: y}, operator)
			var vErrs validator.ValidationErrors
			assert.ErrorAs(t, err, &vErrs)
		})
	}
	_, err := f.svc.Start(context.Background(), progression.StartRequest{Year: "2025-2026"}, operator)
	assert.NoError(t, err)
}

func TestApply(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	_, err := f.svc.AssignClass(ctx, year, "s2", " 3B ", operator)
	require.NoError(t, err)

	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	assert.Equal(t, progression.ApplyStats{Progressed: 2, Graduated: 1, GuardiansRemoved: 1, Batches: 1}, stats)

	deps := dependentsByID(f.db)
	require.Len(t, deps, 2)
	assert.Equal(t, "2", deps["s1"].Level)
	assert.Equal(t, "1A", deps["s1"].Class)
	assert.Equal(t, "3", deps["s2"].Level)
	assert.Equal(t, "3B", deps["s2"].Class)
	assert.Equal(t, []string{"g1"}, guardianIDs(f.db))

	st, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	assert.Equal(t, progression.StatusCompleted, st.Workflow.Status)
	assert.Equal(t, progression.PhaseCompleted, st.Workflow.Phase)
	assert.True(t, st.Workflow.CompletedAt.Valid)
	require.NotNil(t, st.Workflow.Stats.Applied)
	assert.Equal(t, stats, *st.Workflow.Stats.Applied)

	entries, err := f.svc.QueryAudit(ctx, year)
	require.NoError(t, err)
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, string(e.Type)+":"+e.SubjectID)
	}
	want := []string{"progressed:s1", "progressed:s2", "guardian_removed:g2", "graduated:s3"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("audit mismatch (-want +got):\n%s", diff)
	}
	removed := entries[2].Before
	assert.Equal(t, "g2@masomo.test", removed["email"])
	assert.Equal(t, "Guardian", removed["first_name"])
	assert.Equal(t, []string{"s3"}, removed["dependent_ids"])

	sent := f.mail.SentMessages()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Subject, year)
	assert.Contains(t, sent[0].TextContent, "Progressed: 2")
}

func TestApplyUnassigned(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Progressed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, 1, stats.Graduated)

	deps := dependentsByID(f.db)
	assert.Equal(t, "2", deps["s1"].Level)
	assert.Equal(t, "2", deps["s2"].Level)
	assert.Equal(t, "2A", deps["s2"].Class)
}

func TestApplyInvalidLevels(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t,
		[]roster.Dependent{
			testutil.Dependent("s0", 0, "0A"),
			testutil.Dependent("s7", 7, "7A"),
			testutil.Dependent("s8", 8, ""),
		},
		nil,
	)
	res := f.start(t)
	assert.Equal(t, 3, res.Stats.Invalid)

	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	assert.Equal(t, progression.ApplyStats{Progressed: 1, Skipped: 2, Batches: 1}, stats)

	deps := dependentsByID(f.db)
	assert.Equal(t, "7", deps["s7"].Level)
	assert.Equal(t, "7A", deps["s7"].Class)
	assert.Equal(t, "0", deps["s0"].Level)
	assert.Equal(t, "", deps["s8"].Class)

	entries, err := f.svc.QueryAudit(ctx, year)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, progression.AuditProgressed, entries[0].Type)
	assert.Equal(t, "s7", entries[0].SubjectID)
	assert.Equal(t, map[string]interface{}{"level": 7, "class": "7A"}, entries[0].After)
}

func TestApplyGuardianDetailsFailure(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	f.db.SetFaults(inmemdb.Faults{FailGuardianIDs: []string{"g2"}})
	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.GuardiansRemoved)
	assert.Equal(t, []string{"g1"}, guardianIDs(f.db))

	entries, err := f.svc.QueryAudit(ctx, year)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Type == progression.AuditGuardianRemoved {
			assert.Equal(t, map[string]interface{}{"dependent_ids": []string{"s3"}}, e.Before)
		}
	}
}

func TestApplyCompletedWorkflow(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)
	_, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)

	before := f.db.Dependents()
	f.db.SetFaults(inmemdb.Faults{})
	_, err = f.svc.Apply(ctx, year, operator)
	assert.Equal(t, progression.ErrWorkflowCompleted, err)
	assert.Equal(t, 0, f.db.Commits())
	assert.Equal(t, before, f.db.Dependents())

	_, err = f.svc.AssignClass(ctx, year, "s2", "3B", operator)
	assert.Equal(t, progression.ErrWorkflowCompleted, err)
	_, err = f.svc.MarkDeparting(ctx, year, progression.DepartingRequest{DependentIDs: []string{"s1"}}, operator)
	assert.Equal(t, progression.ErrWorkflowCompleted, err)
}

func TestApplyUnknownWorkflow(t *testing.T) {
	f := scenario(t)
	_, err := f.svc.Apply(context.Background(), "1999", operator)
	assert.True(t, core.IsNotFound(err))
	_, err = f.svc.GetStatus(context.Background(), "1999")
	assert.True(t, core.IsNotFound(err))
}

func TestGetStatusIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	first, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	second, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("GetStatus() changed between calls (-first +second):\n%s", diff)
	}
}

func TestAssignClass(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	tests := []struct {
		name      string
		dependent string
		class     string
		check     func(t *testing.T, err error)
	}{
		{name: "blank class", dependent: "s2", class: "  ", check: func(t *testing.T, err error) {
			var vErr *core.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, "assigned_class", vErr.Fields[0].Field)
		}},
		{name: "unknown dependent", dependent: "nope", class: "3B", check: func(t *testing.T, err error) {
			assert.True(t, core.IsNotFound(err))
		}},
		{name: "no assignment needed", dependent: "s1", class: "2B", check: func(t *testing.T, err error) {
			assert.True(t, core.IsNotFound(err))
		}},
		{name: "assigned", dependent: "s2", class: "3B", check: func(t *testing.T, err error) {
			assert.NoError(t, err)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.AssignClass(ctx, year, tt.dependent, tt.class, operator)
			tt.check(t, err)
		})
	}

	st, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	a := st.Assignments[0]
	assert.True(t, a.Assigned)
	assert.Equal(t, "3B", a.AssignedClass.String)
	assert.Equal(t, operator, a.AssignedBy.String)
	for _, c := range st.Changes {
		if c.DependentID == "s2" {
			assert.Equal(t, "3B", c.NewClass.String)
		}
	}
}

func TestMarkAndUnmarkDeparting(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	staged, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)

	_, err = f.svc.MarkDeparting(ctx, year, progression.DepartingRequest{DependentIDs: []string{"s1", "nope"}}, operator)
	assert.True(t, core.IsNotFound(err))
	st, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	assert.Empty(t, st.Departing, "nothing is written when an id is unknown")

	_, err = f.svc.MarkDeparting(ctx, year, progression.DepartingRequest{}, operator)
	var vErrs validator.ValidationErrors
	assert.ErrorAs(t, err, &vErrs)

	_, err = f.svc.AssignClass(ctx, year, "s2", "3B", operator)
	require.NoError(t, err)
	records, err := f.svc.MarkDeparting(ctx, year, progression.DepartingRequest{DependentIDs: []string{"s2", "s2"}, Reason: " moved "}, operator)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "moved", records[0].Reason)

	st, err = f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	require.Len(t, st.Departing, 1)
	for _, c := range st.Changes {
		if c.DependentID == "s2" {
			assert.Equal(t, progression.Departing, c.ChangeType)
		}
	}

	_, err = f.svc.UnmarkDeparting(ctx, year, "s2")
	require.NoError(t, err)

	// back to exactly what Start staged
	st, err = f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	if diff := cmp.Diff(staged, st); diff != "" {
		t.Errorf("status after unmark differs from staged (-staged +got):\n%s", diff)
	}
}

func TestUnmarkDepartingNotMarked(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	_, err := f.svc.AssignClass(ctx, year, "s2", "3B", operator)
	require.NoError(t, err)
	assigned, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)

	tests := []struct {
		name        string
		dependentID string
		wantErr     error
	}{
		{name: "never marked", dependentID: "s2", wantErr: progression.ErrNotDeparting},
		{name: "unknown dependent", dependentID: "nope", wantErr: progression.ErrNotDeparting},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.UnmarkDeparting(ctx, year, tt.dependentID)
			assert.Equal(t, tt.wantErr, err)
			assert.True(t, core.IsNotFound(err))
		})
	}

	// the assignment survives
	st, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	if diff := cmp.Diff(assigned, st); diff != "" {
		t.Errorf("status changed (-want +got):\n%s", diff)
	}
	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Progressed)
	assert.Equal(t, "3B", dependentsByID(f.db)["s2"].Class)
}

func TestApplyDeparting(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	_, err := f.svc.MarkDeparting(ctx, year, progression.DepartingRequest{DependentIDs: []string{"s1"}, Reason: "moved"}, operator)
	require.NoError(t, err)
	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Departed)
	assert.Equal(t, 1, stats.Graduated)
	assert.Equal(t, 1, stats.GuardiansRemoved) // g2 only: g1 keeps s2

	deps := dependentsByID(f.db)
	assert.NotContains(t, deps, "s1")
	assert.Contains(t, deps, "s2")
	assert.Equal(t, []string{"g1"}, guardianIDs(f.db))

	entries, err := f.svc.QueryAudit(ctx, year)
	require.NoError(t, err)
	var found bool
	for _, e := range entries {
		if e.Type == progression.AuditDeparted {
			found = true
			assert.Equal(t, "s1", e.SubjectID)
			assert.Equal(t, "moved", e.Reason)
		}
	}
	assert.True(t, found, "departed audit entry")
}

func TestAddNewDependent(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	tests := []struct {
		name    string
		payload progression.NewDependentPayload
		wantErr bool
	}{
		{
			name:    "no guardians",
			payload: progression.NewDependentPayload{Dependent: progression.NewDependentFields{FirstName: "A", LastName: "B", Class: "1A"}},
			wantErr: true,
		},
		{
			name: "blank name",
			payload: progression.NewDependentPayload{
				Dependent: progression.NewDependentFields{FirstName: " ", LastName: "B", Class: "1A"},
				Guardians: []progression.NewGuardian{{IsExisting: true, Email: "g2@masomo.test"}},
			},
			wantErr: true,
		},
		{
			name: "new guardian without phone",
			payload: progression.NewDependentPayload{
				Dependent: progression.NewDependentFields{FirstName: "A", LastName: "B", Class: "1A"},
				Guardians: []progression.NewGuardian{{Email: "new@masomo.test", FirstName: "N", LastName: "G"}},
			},
			wantErr: true,
		},
		{
			name: "too many guardians",
			payload: progression.NewDependentPayload{
				Dependent: progression.NewDependentFields{FirstName: "A", LastName: "B", Class: "1A"},
				Guardians: []progression.NewGuardian{
					{IsExisting: true, Email: "g1@masomo.test"},
					{IsExisting: true, Email: "g2@masomo.test"},
					{IsExisting: true, Email: "g3@masomo.test"},
				},
			},
			wantErr: true,
		},
		{
			name: "valid",
			payload: progression.NewDependentPayload{
				Dependent: progression.NewDependentFields{FirstName: "Amani", LastName: "Kito", Class: "1B", Level: 4},
				Guardians: []progression.NewGuardian{
					{IsExisting: true, Email: "G2@Masomo.test"},
					{Email: "new@masomo.test", FirstName: "Neema", LastName: "Kito", Phone: "+243111"},
				},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nd, err := f.svc.AddNewDependent(ctx, year, tt.payload, operator)
			if tt.wantErr {
				var vErrs validator.ValidationErrors
				assert.ErrorAs(t, err, &vErrs)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, nd.ID)
			assert.Equal(t, progression.FirstLevel, nd.Dependent.Level)
			assert.Empty(t, nd.Guardians[0].ID)
			assert.NotEmpty(t, nd.Guardians[1].ID)
		})
	}

	st, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	require.Len(t, st.NewDependents, 1)

	// s3 graduates but g2 is linked to the new dependent: it stays
	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DependentsAdded)
	assert.Equal(t, 1, stats.GuardiansAdded)
	assert.Equal(t, 0, stats.GuardiansRemoved)

	nd := st.NewDependents[0]
	added, ok := dependentsByID(f.db)[nd.ID]
	require.True(t, ok)
	assert.Equal(t, "1", added.Level)
	assert.Equal(t, "1B", added.Class)
	assert.Equal(t, []string{"g2", nd.Guardians[1].ID}, added.GuardianIDs)
	assert.Contains(t, guardianIDs(f.db), "g2")
	assert.Contains(t, guardianIDs(f.db), nd.Guardians[1].ID)
}

func TestApplyIntakeLookupFailure(t *testing.T) {
	ctx := context.Background()
	f := scenario(t)
	f.start(t)

	_, err := f.svc.AddNewDependent(ctx, year, progression.NewDependentPayload{
		Dependent: progression.NewDependentFields{FirstName: "A", LastName: "B", Class: "1A"},
		Guardians: []progression.NewGuardian{{IsExisting: true, Email: "g1@masomo.test"}},
	}, operator)
	require.NoError(t, err)

	f.db.SetFaults(inmemdb.Faults{FailGuardiansByEmails: true})
	_, err = f.svc.Apply(ctx, year, operator)
	assert.ErrorIs(t, err, inmemdb.ErrInjected)
	assert.Equal(t, 0, f.db.Commits())

	wf, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	assert.True(t, wf.Workflow.IsActive())
}

func manyDependents(n, level int) ([]roster.Dependent, []roster.Guardian) {
	deps := make([]roster.Dependent, 0, n)
	guardians := make([]roster.Guardian, 0, n)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("s%03d", i)
		gid := fmt.Sprintf("g%03d", i)
		deps = append(deps, testutil.Dependent(id, level, fmt.Sprintf("%dA", level), gid))
		guardians = append(guardians, testutil.Guardian(gid, gid+"@masomo.test"))
	}
	return deps, guardians
}

func TestApplyBatches(t *testing.T) {
	ctx := context.Background()
	deps, guardians := manyDependents(30, 1)
	f := newFixture(t, deps, guardians)
	f.svc.SetBatchSize(7)
	f.start(t)

	f.db.SetFaults(inmemdb.Faults{})
	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	// 30 sets + 30 audits + completion
	assert.Equal(t, 9, stats.Batches)
	assert.Equal(t, 9, f.db.Commits())
	assert.Equal(t, 30, stats.Progressed)
}

func TestApplyRetryAfterCommitFailure(t *testing.T) {
	ctx := context.Background()
	deps, guardians := manyDependents(30, 6)
	f := newFixture(t, deps, guardians)
	f.svc.SetBatchSize(7)
	f.start(t)

	f.db.SetFaults(inmemdb.Faults{FailCommitAt: 3})
	_, err := f.svc.Apply(ctx, year, operator)
	require.Error(t, err)
	assert.ErrorIs(t, err, inmemdb.ErrInjected)
	assert.Equal(t, 2, f.db.Commits())

	st, err := f.svc.GetStatus(ctx, year)
	require.NoError(t, err)
	assert.True(t, st.Workflow.IsActive())
	assert.True(t, strings.HasPrefix(st.Workflow.Phase, "applying (2/"), st.Workflow.Phase)

	// guardian deletions come first: no dependent is gone yet, so the retry still finds every orphan
	assert.Len(t, f.db.Dependents(), 30)

	f.db.SetFaults(inmemdb.Faults{})
	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	assert.Equal(t, 30, stats.Graduated)
	assert.Empty(t, f.db.Dependents())
	assert.Empty(t, f.db.Guardians())

	entries, err := f.svc.QueryAudit(ctx, year)
	require.NoError(t, err)
	assert.Len(t, entries, 60, "no audit entry is appended twice")
}

func TestApplyOrphanChunkFailure(t *testing.T) {
	ctx := context.Background()
	deps, guardians := manyDependents(12, 6)
	f := newFixture(t, deps, guardians)
	f.start(t)

	f.db.SetFaults(inmemdb.Faults{FailDependentIDs: []string{"s011"}})
	stats, err := f.svc.Apply(ctx, year, operator)
	require.NoError(t, err)
	assert.Equal(t, 12, stats.Graduated)
	assert.Equal(t, 1, stats.OrphanChunksFailed)
	assert.Equal(t, 10, stats.GuardiansRemoved)

	assert.Empty(t, f.db.Dependents())
	assert.Equal(t, []string{"g010", "g011"}, guardianIDs(f.db))
}
