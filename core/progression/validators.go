package progression

import (
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-directory/core"
)

var (
	newGuardianTag  = "new_guardian"
	newGuardianText = "this field is required for a new guardian"
)

// InitValidators registers the progression validators.
func InitValidators(validate *validator.Validate, translator ut.Translator) {
	validate.RegisterStructValidation(newGuardianStructValidation, NewGuardian{})
	core.RegisterCustomTranslation(validate, translator, newGuardianTag, newGuardianText)
}

// newGuardianStructValidation requires full contact details unless the guardian already exists.
func newGuardianStructValidation(sl validator.StructLevel) {
	g, ok := sl.Current().Interface().(NewGuardian)
	if !ok || g.IsExisting {
		return
	}
	if core.CleanString(g.FirstName) == "" {
		sl.ReportError(g.FirstName, "first_name", "FirstName", newGuardianTag, "")
	}
	if core.CleanString(g.LastName) == "" {
		sl.ReportError(g.LastName, "last_name", "LastName", newGuardianTag, "")
	}
	if core.CleanString(g.Phone) == "" {
		sl.ReportError(g.Phone, "phone", "Phone", newGuardianTag, "")
	}
}

func (p *NewDependentPayload) clean() {
	p.Dependent.FirstName = core.CleanString(p.Dependent.FirstName)
	p.Dependent.LastName = core.CleanString(p.Dependent.LastName)
	p.Dependent.Class = core.CleanString(p.Dependent.Class)
	p.Dependent.Level = FirstLevel
	for i := range p.Guardians {
		g := &p.Guardians[i]
		g.Email = core.CleanString(g.Email, true /* lower */)
		g.FirstName = core.CleanString(g.FirstName)
		g.LastName = core.CleanString(g.LastName)
		g.Phone = core.CleanString(g.Phone)
		g.ID = ""
		if g.IsExisting {
			// only the email identifies an existing guardian
			g.FirstName, g.LastName, g.Phone = "", "", ""
		}
	}
}

// Validate cleans the payload, forces the starting level and validates it.
func (p *NewDependentPayload) Validate(validate *validator.Validate) error {
	p.clean()
	return validate.Struct(p)
}

// StartRequest is the payload starting a Workflow.
type StartRequest struct {
	Year string `json:"year" validate:"required,schoolyear"`
}

func (r *StartRequest) Validate(validate *validator.Validate) error {
	r.Year = core.CleanString(r.Year)
	return validate.Struct(r)
}

// DepartingRequest is the payload marking dependents as departing.
type DepartingRequest struct {
	DependentIDs []string `json:"dependent_ids" validate:"min=1,dive,notblank"`
	Reason       string   `json:"reason"`
}

// Validate cleans the request, dropping repeated ids, and validates it.
func (r *DepartingRequest) Validate(validate *validator.Validate) error {
	r.Reason = core.CleanString(r.Reason)
	r.DependentIDs = dedupeIDs(r.DependentIDs)
	return validate.Struct(r)
}

// dedupeIDs cleans ids and keeps the first occurrence of each; blank ids are kept for validation.
func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	uniq := make([]string, 0, len(ids))
	for _, id := range ids {
		id = core.CleanString(id)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	return uniq
}

// AssignClassRequest is the payload assigning a class to a needs_reassignment dependent.
type AssignClassRequest struct {
	AssignedClass string `json:"assigned_class"`
}
