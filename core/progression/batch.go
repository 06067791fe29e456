package progression

import (
	"github.com/google/uuid"

	"github.com/trezcool/masomo-directory/core/roster"
)

// MaxBatchOps is the largest number of operations committed atomically.
const MaxBatchOps = 500

// OpKind is the kind of write performed by an Op.
type OpKind string

// Every OpKind is idempotent: sets overwrite the whole document, deletes ignore missing
// documents and audit appends ignore an already-present id.
const (
	OpSetDependent    OpKind = "set_dependent"
	OpDeleteDependent OpKind = "delete_dependent"
	OpSetGuardian     OpKind = "set_guardian"
	OpDeleteGuardian  OpKind = "delete_guardian"
	OpAppendAudit     OpKind = "append_audit"
	OpSetWorkflow     OpKind = "set_workflow"
)

// Op is a single write of an Apply commit.
type Op struct {
	Kind      OpKind
	ID        string // deletes
	Dependent *roster.Dependent
	Guardian  *roster.Guardian
	Audit     *AuditEntry
	Workflow  *Workflow
}

func setDependentOp(dep roster.Dependent) Op {
	return Op{Kind: OpSetDependent, ID: dep.ID, Dependent: &dep}
}
func deleteDependentOp(id string) Op     { return Op{Kind: OpDeleteDependent, ID: id} }
func setGuardianOp(g roster.Guardian) Op { return Op{Kind: OpSetGuardian, ID: g.ID, Guardian: &g} }
func deleteGuardianOp(id string) Op      { return Op{Kind: OpDeleteGuardian, ID: id} }
func appendAuditOp(entry AuditEntry) Op  { return Op{Kind: OpAppendAudit, ID: entry.ID, Audit: &entry} }
func setWorkflowOp(wf Workflow) Op       { return Op{Kind: OpSetWorkflow, ID: wf.ID, Workflow: &wf} }

// auditNamespace seeds deterministic audit ids so that a retried Apply appends nothing twice.
var auditNamespace = uuid.MustParse("0b4c3c2e-7d43-4f0e-9d8e-3f2a6d1c5b71")

func auditID(workflowID string, typ AuditType, subjectID string) string {
	return uuid.NewSHA1(auditNamespace, []byte(workflowID+"/"+string(typ)+"/"+subjectID)).String()
}

// plan accumulates the ordered Ops of an Apply. Sections are committed in this order:
// progress sets, intake sets, guardian removals, dependent removals, workflow completion.
type plan struct {
	progress   []Op
	intake     []Op
	guardians  []Op
	dependents []Op
	workflow   []Op
}

func (p *plan) ops() []Op {
	n := len(p.progress) + len(p.intake) + len(p.guardians) + len(p.dependents) + len(p.workflow)
	ops := make([]Op, 0, n)
	ops = append(ops, p.progress...)
	ops = append(ops, p.intake...)
	ops = append(ops, p.guardians...)
	ops = append(ops, p.dependents...)
	ops = append(ops, p.workflow...)
	return ops
}

// SplitOps splits ops, in order, into batches of at most size.
func SplitOps(ops []Op, size int) [][]Op {
	if size < 1 || size > MaxBatchOps {
		size = MaxBatchOps
	}
	batches := make([][]Op, 0, (len(ops)+size-1)/size)
	for start := 0; start < len(ops); start += size {
		end := start + size
		if end > len(ops) {
			end = len(ops)
		}
		batches = append(batches, ops[start:end])
	}
	return batches
}
