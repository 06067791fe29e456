package inmemdb

import (
	"context"

	"github.com/trezcool/masomo-directory/core"
	"github.com/trezcool/masomo-directory/core/roster"
)

type rosterRepository struct {
	db *DB
}

var _ roster.Repository = (*rosterRepository)(nil)

func NewRosterRepository(db *DB) roster.Repository {
	return &rosterRepository{db: db}
}

func (repo *rosterRepository) QueryDependents(ctx context.Context) ([]roster.Dependent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()
	return repo.db.queryDependents(), nil
}

func (repo *rosterRepository) GetDependentsByIDs(ctx context.Context, ids []string) ([]roster.Dependent, error) {
	if err := roster.CheckQueryIDs(ids); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, id := range ids {
		for _, failing := range repo.db.faults.FailDependentIDs {
			if id == failing {
				return nil, ErrInjected
			}
		}
	}

	deps := make([]roster.Dependent, 0, len(ids))
	for _, id := range ids {
		if dep, ok := repo.db.dependents[id]; ok {
			deps = append(deps, copyDependent(dep))
		}
	}
	return deps, nil
}

func (repo *rosterRepository) GetGuardiansByIDs(ctx context.Context, ids []string) ([]roster.Guardian, error) {
	if err := roster.CheckQueryIDs(ids); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	for _, id := range ids {
		for _, failing := range repo.db.faults.FailGuardianIDs {
			if id == failing {
				return nil, ErrInjected
			}
		}
	}

	guardians := make([]roster.Guardian, 0, len(ids))
	for _, id := range ids {
		if g, ok := repo.db.guardians[id]; ok {
			guardians = append(guardians, g)
		}
	}
	return guardians, nil
}

func (repo *rosterRepository) GetGuardiansByEmails(ctx context.Context, emails []string) ([]roster.Guardian, error) {
	if err := roster.CheckQueryIDs(emails); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	repo.db.mutex.RLock()
	defer repo.db.mutex.RUnlock()

	if repo.db.faults.FailGuardiansByEmails {
		return nil, ErrInjected
	}
	wanted := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		wanted[e] = struct{}{}
	}
	var guardians []roster.Guardian
	for _, g := range repo.db.guardians {
		if _, ok := wanted[core.CleanString(g.Email, true /* lower */)]; ok {
			guardians = append(guardians, g)
		}
	}
	return guardians, nil
}
