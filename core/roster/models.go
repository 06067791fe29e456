package roster

import "time"

// MaxQueryIDs is the largest id (or email) list accepted by a single lookup.
const MaxQueryIDs = 10

// Dependent is a student record.
type Dependent struct {
	ID          string    `json:"id"`
	FirstName   string    `json:"first_name"`
	LastName    string    `json:"last_name"`
	Level       string    `json:"level"` // raw stored value, see progression.ParseLevel
	Class       string    `json:"class"`
	GuardianIDs []string  `json:"guardian_ids"`
	CreatedAt   time.Time `json:"created_at"` // UTC
	UpdatedAt   time.Time `json:"updated_at"` // UTC
}

func (d Dependent) FullName() string {
	if d.LastName == "" {
		return d.FirstName
	}
	return d.FirstName + " " + d.LastName
}

// HasGuardian reports whether the guardian is linked to d.
func (d Dependent) HasGuardian(id string) bool {
	for _, gid := range d.GuardianIDs {
		if gid == id {
			return true
		}
	}
	return false
}

// Guardian is a parent/guardian record linked to one or more Dependents.
type Guardian struct {
	ID        string    `json:"id"`
	FirstName string    `json:"first_name"`
	LastName  string    `json:"last_name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	CreatedAt time.Time `json:"created_at"` // UTC
	UpdatedAt time.Time `json:"updated_at"` // UTC
}
