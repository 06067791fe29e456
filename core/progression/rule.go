package progression

import (
	"strconv"
	"strings"

	"github.com/volatiletech/null/v8"
)

// Levels
const (
	FirstLevel = 1
	LastLevel  = 6
)

// Outcome is the canonical result of the progression rule for one level.
type Outcome struct {
	ChangeType ChangeType
	NewLevel   int
	NewClass   null.String
}

// ParseLevel reads a stored level leniently from its leading integer, so "3A" and "2.0" read as
// 3 and 2. A value that does not start with a digit (after an optional sign) is 0.
func ParseLevel(s string) int {
	s = strings.TrimSpace(s)
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0
	}
	lvl, err := strconv.Atoi(s[:end])
	if err != nil { // overflow
		return 0
	}
	return lvl
}

// Progress is the progression rule. It is the only place outcomes are computed:
// staging and departure reversal both call it.
//
//	1, 3, 5  advance_in_place    level+1, class unchanged
//	2, 4     needs_reassignment  level+1, class null
//	6        graduating          level,   class unchanged
//	other    invalid             level,   class unchanged
func Progress(level int, class string) Outcome {
	unchanged := null.NewString(class, class != "")
	switch level {
	case 1, 3, 5:
		return Outcome{ChangeType: AdvanceInPlace, NewLevel: level + 1, NewClass: unchanged}
	case 2, 4:
		return Outcome{ChangeType: NeedsReassignment, NewLevel: level + 1, NewClass: null.String{}}
	case LastLevel:
		return Outcome{ChangeType: Graduating, NewLevel: level, NewClass: unchanged}
	default:
		return Outcome{ChangeType: Invalid, NewLevel: level, NewClass: unchanged}
	}
}
