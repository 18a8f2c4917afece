// Package authority decides whether an actor may perform an operation on
// a contribution, based on the contributor hierarchy.
package authority

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/chenchen71956/ContribTracker/internal/app/domain/actor"
	"github.com/chenchen71956/ContribTracker/internal/app/storage"
)

// HierarchyAuthority answers permission questions from contributor-level
// data. Every check is fail-closed: a store lookup failure yields false
// together with the lookup error, which the caller may log; the error
// never turns a deny into an allow.
type HierarchyAuthority struct {
	store storage.ContributionStore
}

// New creates an authority reading hierarchy data from the store.
func New(store storage.ContributionStore) *HierarchyAuthority {
	return &HierarchyAuthority{store: store}
}

// CanDelete allows administrators and the contribution's creator.
func (h *HierarchyAuthority) CanDelete(ctx context.Context, a actor.Actor, contributionID int64) (bool, error) {
	if a.HasAdminAuthority {
		return true, nil
	}
	return h.store.IsCreator(ctx, contributionID, a.ID)
}

// CanRemoveContributor allows administrators, the creator, any level-1
// contributor, and the target's inviter-of-record. An inviter may always
// remove someone they personally invited, at any depth.
func (h *HierarchyAuthority) CanRemoveContributor(ctx context.Context, a actor.Actor, contributionID int64, targetID uuid.UUID) (bool, error) {
	if a.HasAdminAuthority {
		return true, nil
	}
	if creator, err := h.store.IsCreator(ctx, contributionID, a.ID); err != nil {
		return false, err
	} else if creator {
		return true, nil
	}

	rec, err := h.store.GetContributorRecord(ctx, contributionID, a.ID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	if rec.Level == 1 {
		return true, nil
	}

	target, err := h.store.GetContributorRecord(ctx, contributionID, targetID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	return target.InviterID != nil && *target.InviterID == a.ID, nil
}

// CanManage holds iff both actor and target hold contributor records and
// the actor sits strictly higher in the hierarchy (smaller level). There
// is no administrative shortcut; this gates "manage descendant" actions
// distinct from removal rights.
func (h *HierarchyAuthority) CanManage(ctx context.Context, a actor.Actor, contributionID int64, targetID uuid.UUID) (bool, error) {
	rec, err := h.store.GetContributorRecord(ctx, contributionID, a.ID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	target, err := h.store.GetContributorRecord(ctx, contributionID, targetID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	return rec.Level < target.Level, nil
}

// CanInvite allows administrators, the creator, and any actor already
// holding a contributor record, whatever its level.
func (h *HierarchyAuthority) CanInvite(ctx context.Context, a actor.Actor, contributionID int64) (bool, error) {
	if a.HasAdminAuthority {
		return true, nil
	}
	if creator, err := h.store.IsCreator(ctx, contributionID, a.ID); err != nil {
		return false, err
	} else if creator {
		return true, nil
	}
	return h.store.IsContributor(ctx, contributionID, a.ID)
}

// CanDirectlyAdd is stricter than CanInvite: administrators, the creator,
// and level-1 contributors only. Everyone else goes through the
// invite/accept round trip.
func (h *HierarchyAuthority) CanDirectlyAdd(ctx context.Context, a actor.Actor, contributionID int64) (bool, error) {
	if a.HasAdminAuthority {
		return true, nil
	}
	if creator, err := h.store.IsCreator(ctx, contributionID, a.ID); err != nil {
		return false, err
	} else if creator {
		return true, nil
	}

	rec, err := h.store.GetContributorRecord(ctx, contributionID, a.ID)
	if err != nil {
		return false, ignoreNotFound(err)
	}
	return rec.Level == 1, nil
}

// ignoreNotFound keeps "no record" as a plain deny rather than an error
// worth logging; anything else surfaces for the caller's log line.
func ignoreNotFound(err error) error {
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}
