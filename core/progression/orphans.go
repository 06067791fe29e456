package progression

import (
	"context"
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-directory/core"
	"github.com/trezcool/masomo-directory/core/roster"
)

// Orphan is a Guardian left without dependents once RemovedBy are gone.
type Orphan struct {
	GuardianID string
	RemovedBy  []string // removed dependents that referenced the guardian
}

// OrphanResult is the output of ResolveOrphans.
type OrphanResult struct {
	Orphans []Orphan
	Failed  []ChunkFailure
}

// orphanResolver finds guardians whose every dependent is being removed.
// Guardian liveness is recomputed from scratch on every call.
type orphanResolver struct {
	roster roster.Repository
	logger core.Logger
}

// ResolveOrphans returns the guardians referenced by a removed dependent and by no remaining one.
// live is the current roster; extraRemaining are guardian ids that will gain a dependent in the
// same commit (eg: existing guardians linked by intake).
// Removed dependents are fetched in chunks of roster.MaxQueryIDs; failed chunks are logged and skipped.
func (r orphanResolver) ResolveOrphans(
	ctx context.Context,
	removedIDs []string,
	live []roster.Dependent,
	extraRemaining []string,
) (OrphanResult, error) {
	var res OrphanResult
	if len(removedIDs) == 0 {
		return res, nil
	}

	removed := make(map[string]struct{}, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = struct{}{}
	}

	remaining := make(map[string]struct{})
	for _, dep := range live {
		if _, ok := removed[dep.ID]; ok {
			continue
		}
		for _, gid := range dep.GuardianIDs {
			remaining[gid] = struct{}{}
		}
	}
	for _, gid := range extraRemaining {
		remaining[gid] = struct{}{}
	}

	deps, failed, err := Gather(ctx, removedIDs, roster.MaxQueryIDs, r.roster.GetDependentsByIDs)
	if err != nil {
		return res, errors.Wrap(err, "fetching removed dependents")
	}
	for _, f := range failed {
		r.logger.Warn(
			fmt.Sprintf("orphan resolution skipped %d dependents", len(f.IDs)),
			f.Err,
			map[string]interface{}{"dependent_ids": f.IDs},
		)
	}
	res.Failed = failed

	byGuardian := make(map[string][]string)
	for _, dep := range deps {
		if _, ok := removed[dep.ID]; !ok {
			continue // only trust what was asked for
		}
		for _, gid := range dep.GuardianIDs {
			if _, ok := remaining[gid]; ok {
				continue
			}
			byGuardian[gid] = appendUnique(byGuardian[gid], dep.ID)
		}
	}

	res.Orphans = make([]Orphan, 0, len(byGuardian))
	for gid, depIDs := range byGuardian {
		sort.Strings(depIDs)
		res.Orphans = append(res.Orphans, Orphan{GuardianID: gid, RemovedBy: depIDs})
	}
	sort.Slice(res.Orphans, func(i, j int) bool { return res.Orphans[i].GuardianID < res.Orphans[j].GuardianID })
	return res, nil
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
