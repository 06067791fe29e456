package progression

import (
	"testing"

	"github.com/trezcool/masomo-directory/core/roster"
)

func TestSplitOps(t *testing.T) {
	makeOps := func(n int) []Op {
		ops := make([]Op, n)
		for i := range ops {
			ops[i] = deleteDependentOp(string(rune('a' + i%26)))
		}
		return ops
	}

	tests := []struct {
		name     string
		n, size  int
		wantLens []int
	}{
		{name: "empty", n: 0, size: 500, wantLens: []int{}},
		{name: "under the cap", n: 3, size: 500, wantLens: []int{3}},
		{name: "exact cap", n: 500, size: 500, wantLens: []int{500}},
		{name: "over the cap", n: 1201, size: 500, wantLens: []int{500, 500, 201}},
		{name: "small batches", n: 7, size: 3, wantLens: []int{3, 3, 1}},
		{name: "size above cap", n: 501, size: 1000, wantLens: []int{500, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops := makeOps(tt.n)
			batches := SplitOps(ops, tt.size)
			if len(batches) != len(tt.wantLens) {
				t.Fatalf("SplitOps() returned %d batches, want %d", len(batches), len(tt.wantLens))
			}
			var i int
			for b, batch := range batches {
				if len(batch) != tt.wantLens[b] {
					t.Errorf("batch %d has %d ops, want %d", b, len(batch), tt.wantLens[b])
				}
				for _, op := range batch {
					if op.ID != ops[i].ID {
						t.Fatalf("op %d out of order", i)
					}
					i++
				}
			}
		})
	}
}

func TestPlanOrder(t *testing.T) {
	p := plan{
		dependents: []Op{deleteDependentOp("s3")},
		guardians:  []Op{deleteGuardianOp("g2")},
		intake:     []Op{setGuardianOp(roster.Guardian{ID: "g9"})},
		progress:   []Op{setDependentOp(roster.Dependent{ID: "s1"})},
		workflow:   []Op{setWorkflowOp(Workflow{ID: "2026"})},
	}
	want := []OpKind{OpSetDependent, OpSetGuardian, OpDeleteGuardian, OpDeleteDependent, OpSetWorkflow}

	ops := p.ops()
	if len(ops) != len(want) {
		t.Fatalf("plan.ops() returned %d ops, want %d", len(ops), len(want))
	}
	for i, op := range ops {
		if op.Kind != want[i] {
			t.Errorf("op %d is %s, want %s", i, op.Kind, want[i])
		}
	}
}

func TestAuditID(t *testing.T) {
	a := auditID("2026", AuditGraduated, "s3")
	if a != auditID("2026", AuditGraduated, "s3") {
		t.Error("auditID() is not deterministic")
	}
	for _, other := range []string{
		auditID("2027", AuditGraduated, "s3"),
		auditID("2026", AuditDeparted, "s3"),
		auditID("2026", AuditGraduated, "s4"),
	} {
		if other == a {
			t.Errorf("auditID() collision: %s", a)
		}
	}
}
