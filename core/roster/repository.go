package roster

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

var ErrTooManyIDs = fmt.Errorf("at most %d ids are allowed per lookup", MaxQueryIDs)

// Repository reads the live directory. Mutations go through progression commit batches.
type Repository interface {
	QueryDependents(ctx context.Context) ([]Dependent, error)
	// GetDependentsByIDs silently omits unknown ids. len(ids) <= MaxQueryIDs.
	GetDependentsByIDs(ctx context.Context, ids []string) ([]Dependent, error)
	// GetGuardiansByIDs silently omits unknown ids. len(ids) <= MaxQueryIDs.
	GetGuardiansByIDs(ctx context.Context, ids []string) ([]Guardian, error)
	// GetGuardiansByEmails matches lowered emails. len(emails) <= MaxQueryIDs.
	GetGuardiansByEmails(ctx context.Context, emails []string) ([]Guardian, error)
}

// CheckQueryIDs enforces the per-lookup cap shared by every Repository implementation.
func CheckQueryIDs(ids []string) error {
	if len(ids) > MaxQueryIDs {
		return errors.Wrapf(ErrTooManyIDs, "got %d", len(ids))
	}
	return nil
}
