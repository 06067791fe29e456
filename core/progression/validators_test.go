package progression

import (
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/google/go-cmp/cmp"

	"github.com/trezcool/masomo-directory/core"
)

func TestDepartingRequestValidate(t *testing.T) {
	validate := validator.New()
	core.InitValidators(validate, core.NewTranslator())

	tests := []struct {
		name    string
		ids     []string
		wantIDs []string
		wantErr bool
	}{
		{name: "unique", ids: []string{"s1", "s2"}, wantIDs: []string{"s1", "s2"}},
		{name: "repeated", ids: []string{" s1 ", "s2", "s1", "s2"}, wantIDs: []string{"s1", "s2"}},
		{name: "blank", ids: []string{"s1", " ", ""}, wantIDs: []string{"s1", ""}, wantErr: true},
		{name: "empty", ids: nil, wantIDs: []string{}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := DepartingRequest{DependentIDs: tt.ids, Reason: " moved "}
			err := req.Validate(validate)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if diff := cmp.Diff(tt.wantIDs, req.DependentIDs); diff != "" {
				t.Errorf("DependentIDs mismatch (-want +got):\n%s", diff)
			}
			if req.Reason != "moved" {
				t.Errorf("Reason = %q, want %q", req.Reason, "moved")
			}
		})
	}
}
