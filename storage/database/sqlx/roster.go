package sqlxrepos

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-directory/core/roster"
)

const (
	dependentColumns = "id, first_name, last_name, level, class_name, guardian_ids, created_at, updated_at"
	guardianColumns  = "id, first_name, last_name, email, phone, created_at, updated_at"
)

type rosterRepository struct {
	db *sqlx.DB
}

var _ roster.Repository = (*rosterRepository)(nil) // interface compliance check

func NewRosterRepository(db *sqlx.DB) roster.Repository {
	return &rosterRepository{db: db}
}

func unboilDependents(rows []dependentRow) []roster.Dependent {
	deps := make([]roster.Dependent, 0, len(rows))
	for _, r := range rows {
		deps = append(deps, r.unboil())
	}
	return deps
}

func unboilGuardians(rows []guardianRow) []roster.Guardian {
	guardians := make([]roster.Guardian, 0, len(rows))
	for _, r := range rows {
		guardians = append(guardians, r.unboil())
	}
	return guardians
}

func (repo rosterRepository) QueryDependents(ctx context.Context) ([]roster.Dependent, error) {
	var rows []dependentRow
	q := "SELECT " + dependentColumns + " FROM dependent ORDER BY id"
	if err := repo.db.SelectContext(ctx, &rows, q); err != nil {
		return nil, errors.Wrap(err, "querying dependents")
	}
	return unboilDependents(rows), nil
}

// selectIn runs query (holding a single `IN (?)`) against ids.
func (repo rosterRepository) selectIn(ctx context.Context, dest interface{}, query string, ids []string) error {
	q, args, err := sqlx.In(query, ids)
	if err != nil {
		return errors.Wrap(err, "building IN query")
	}
	return repo.db.SelectContext(ctx, dest, repo.db.Rebind(q), args...)
}

func (repo rosterRepository) GetDependentsByIDs(ctx context.Context, ids []string) ([]roster.Dependent, error) {
	if err := roster.CheckQueryIDs(ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []roster.Dependent{}, nil
	}
	var rows []dependentRow
	q := "SELECT " + dependentColumns + " FROM dependent WHERE id IN (?) ORDER BY id"
	if err := repo.selectIn(ctx, &rows, q, ids); err != nil {
		return nil, errors.Wrap(err, "getting dependents")
	}
	return unboilDependents(rows), nil
}

func (repo rosterRepository) GetGuardiansByIDs(ctx context.Context, ids []string) ([]roster.Guardian, error) {
	if err := roster.CheckQueryIDs(ids); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []roster.Guardian{}, nil
	}
	var rows []guardianRow
	q := "SELECT " + guardianColumns + " FROM guardian WHERE id IN (?) ORDER BY id"
	if err := repo.selectIn(ctx, &rows, q, ids); err != nil {
		return nil, errors.Wrap(err, "getting guardians")
	}
	return unboilGuardians(rows), nil
}

func (repo rosterRepository) GetGuardiansByEmails(ctx context.Context, emails []string) ([]roster.Guardian, error) {
	if err := roster.CheckQueryIDs(emails); err != nil {
		return nil, err
	}
	if len(emails) == 0 {
		return []roster.Guardian{}, nil
	}
	lowered := make([]string, 0, len(emails))
	for _, e := range emails {
		lowered = append(lowered, strings.ToLower(e))
	}
	var rows []guardianRow
	q := "SELECT " + guardianColumns + " FROM guardian WHERE lower(email) IN (?) ORDER BY id"
	if err := repo.selectIn(ctx, &rows, q, lowered); err != nil {
		return nil, errors.Wrap(err, "getting guardians by email")
	}
	return unboilGuardians(rows), nil
}
