package inmemdb

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-directory/core/progression"
	"github.com/trezcool/masomo-directory/core/roster"
)

// ErrInjected is returned by operations failed through Faults.
var ErrInjected = errors.New("inmemdb: injected failure")

type (
	// DB is a process-local store implementing both the roster and progression repositories.
	// It backs tests and the `memory` database engine.
	DB struct {
		mutex sync.RWMutex

		dependents map[string]roster.Dependent
		guardians  map[string]roster.Guardian

		workflows     map[string]progression.Workflow
		changes       map[string]map[string]progression.Change
		assignments   map[string]map[string]progression.Assignment
		departing     map[string]map[string]progression.DepartingRecord
		newDependents map[string]map[string]progression.NewDependent
		audit         map[string]*auditLog

		faults  Faults
		commits int
	}

	auditLog struct {
		order   []string
		entries map[string]progression.AuditEntry
	}

	// Faults injects failures. The zero value injects none.
	Faults struct {
		// FailCommitAt fails the nth CommitBatch call (1-based, counted since SetFaults); 0 never fails.
		FailCommitAt int
		// FailDependentIDs fails any GetDependentsByIDs lookup including one of these ids.
		FailDependentIDs []string
		// FailGuardianIDs fails any GetGuardiansByIDs lookup including one of these ids.
		FailGuardianIDs       []string
		FailGuardiansByEmails bool
	}
)

func Open() *DB {
	return &DB{
		dependents:    make(map[string]roster.Dependent),
		guardians:     make(map[string]roster.Guardian),
		workflows:     make(map[string]progression.Workflow),
		changes:       make(map[string]map[string]progression.Change),
		assignments:   make(map[string]map[string]progression.Assignment),
		departing:     make(map[string]map[string]progression.DepartingRecord),
		newDependents: make(map[string]map[string]progression.NewDependent),
		audit:         make(map[string]*auditLog),
	}
}

func (db *DB) SetFaults(f Faults) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	db.faults = f
	db.commits = 0
}

// Seed upserts roster records.
func (db *DB) Seed(dependents []roster.Dependent, guardians []roster.Guardian) {
	db.mutex.Lock()
	defer db.mutex.Unlock()
	for _, dep := range dependents {
		db.dependents[dep.ID] = copyDependent(dep)
	}
	for _, g := range guardians {
		db.guardians[g.ID] = g
	}
}

// Dependents returns the roster dependents sorted by id.
func (db *DB) Dependents() []roster.Dependent {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.queryDependents()
}

// Guardians returns the roster guardians sorted by id.
func (db *DB) Guardians() []roster.Guardian {
	db.mutex.RLock()
	defer db.mutex.RUnlock()

	list := make([]roster.Guardian, 0, len(db.guardians))
	for _, g := range db.guardians {
		list = append(list, g)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Commits returns the number of successful CommitBatch calls since the last SetFaults.
func (db *DB) Commits() int {
	db.mutex.RLock()
	defer db.mutex.RUnlock()
	return db.commits
}

func (db *DB) queryDependents() []roster.Dependent {
	list := make([]roster.Dependent, 0, len(db.dependents))
	for _, dep := range db.dependents {
		list = append(list, copyDependent(dep))
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func copyDependent(dep roster.Dependent) roster.Dependent {
	if dep.GuardianIDs != nil {
		dep.GuardianIDs = append([]string(nil), dep.GuardianIDs...)
	}
	return dep
}
