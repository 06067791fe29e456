package progression

import (
	"testing"

	"github.com/volatiletech/null/v8"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{in: "1", want: 1},
		{in: " 4 ", want: 4},
		{in: "6", want: 6},
		{in: "", want: 0},
		{in: "grade 2", want: 0},
		{in: "3.5", want: 3},
		{in: "2.0", want: 2},
		{in: "3A", want: 3},
		{in: "+5", want: 5},
		{in: "-", want: 0},
		{in: "A3", want: 0},
		{in: "-1", want: -1},
		{in: "99999999999999999999", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseLevel(tt.in); got != tt.want {
				t.Errorf("ParseLevel(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name  string
		level int
		class string
		want  Outcome
	}{
		{name: "level 1", level: 1, class: "1A", want: Outcome{AdvanceInPlace, 2, null.StringFrom("1A")}},
		{name: "level 2", level: 2, class: "2A", want: Outcome{NeedsReassignment, 3, null.String{}}},
		{name: "level 3", level: 3, class: "3B", want: Outcome{AdvanceInPlace, 4, null.StringFrom("3B")}},
		{name: "level 4", level: 4, class: "4A", want: Outcome{NeedsReassignment, 5, null.String{}}},
		{name: "level 5", level: 5, class: "5C", want: Outcome{AdvanceInPlace, 6, null.StringFrom("5C")}},
		{name: "level 6", level: 6, class: "6A", want: Outcome{Graduating, 6, null.StringFrom("6A")}},
		{name: "level 0", level: 0, class: "X", want: Outcome{Invalid, 0, null.StringFrom("X")}},
		{name: "level 7", level: 7, class: "7A", want: Outcome{Invalid, 7, null.StringFrom("7A")}},
		{name: "negative level", level: -2, want: Outcome{Invalid, -2, null.String{}}},
		{name: "advance without class", level: 3, want: Outcome{AdvanceInPlace, 4, null.String{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Progress(tt.level, tt.class); got != tt.want {
				t.Errorf("Progress(%d, %q) = %+v, want %+v", tt.level, tt.class, got, tt.want)
			}
		})
	}
}

func TestChangeApplyOutcomeIsIdempotent(t *testing.T) {
	for level := -1; level <= LastLevel+1; level++ {
		c := Change{CurrentLevel: level, CurrentClass: "K"}
		c.applyOutcome()
		first := c
		c.ChangeType = Departing
		c.applyOutcome()
		if c.ChangeType != first.ChangeType || c.NewLevel != first.NewLevel || c.NewClass != first.NewClass {
			t.Errorf("level %d: applyOutcome() = %+v after departure, want %+v", level, c, first)
		}
		if c.RequiresAssignment != (c.ChangeType == NeedsReassignment) {
			t.Errorf("level %d: RequiresAssignment = %v for %s", level, c.RequiresAssignment, c.ChangeType)
		}
	}
}
