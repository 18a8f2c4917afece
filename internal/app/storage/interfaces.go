// Package storage defines the persistence boundary for the contribution
// registry and the error taxonomy its implementations surface.
package storage

import (
	"context"

	"github.com/google/uuid"

	"github.com/chenchen71956/ContribTracker/internal/app/domain/contribution"
)

// ContributionStore persists contributions and their contributor trees.
//
// Hydrating reads (GetByID, GetAll, GetByName, GetByCreator) return
// contributions with the creator name resolved and the contributor list
// attached, ordered by level then name.
type ContributionStore interface {
	// CreateContribution inserts the contribution and returns it with the
	// store-assigned ID. The creator's own contributor record is not
	// inserted here; the caller adds it with a nil inviter.
	CreateContribution(ctx context.Context, c contribution.Contribution) (contribution.Contribution, error)

	// AddContributor inserts a contributor record. The record's level is
	// computed inside the same transaction as the insert: 1 when inviterID
	// is nil, otherwise the inviter's current level + 1. A missing inviter
	// record yields ErrNotFound; a duplicate (contribution, actor) pair
	// yields ErrConflict.
	AddContributor(ctx context.Context, contributionID int64, actorID uuid.UUID, name, note string, inviterID *uuid.UUID) (contribution.ContributorRecord, error)

	GetByID(ctx context.Context, id int64) (*contribution.Contribution, error)
	GetAll(ctx context.Context) ([]contribution.Contribution, error)
	GetByName(ctx context.Context, name string) (*contribution.Contribution, error)
	GetNearby(ctx context.Context, x, y, z float64, world string, radius float64) ([]contribution.Contribution, error)
	GetByCreator(ctx context.Context, creatorID uuid.UUID) ([]contribution.Contribution, error)

	// DeleteContribution removes the contribution and all of its
	// contributor rows in one transaction. Partial deletion is never
	// observable.
	DeleteContribution(ctx context.Context, id int64) error
	DeleteContributor(ctx context.Context, contributionID int64, actorID uuid.UUID) error

	GetContributorRecord(ctx context.Context, contributionID int64, actorID uuid.UUID) (*contribution.ContributorRecord, error)
	GetContributorsOf(ctx context.Context, contributionID int64) ([]contribution.ContributorRecord, error)
	// GetSuperiorOf resolves the inviter-of-record for an actor within a
	// contribution. ErrNotFound when the actor has no record or no inviter.
	GetSuperiorOf(ctx context.Context, contributionID int64, actorID uuid.UUID) (*contribution.ContributorRecord, error)
	ContributorCount(ctx context.Context, contributionID int64) (int, error)
	FindActorsByName(ctx context.Context, pattern string) ([]contribution.ContributorRecord, error)

	IsContributor(ctx context.Context, contributionID int64, actorID uuid.UUID) (bool, error)
	IsCreator(ctx context.Context, contributionID int64, actorID uuid.UUID) (bool, error)
}
