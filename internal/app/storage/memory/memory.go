// Package memory provides an in-memory ContributionStore for tests and
// single-process setups.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chenchen71956/ContribTracker/internal/app/domain/contribution"
	"github.com/chenchen71956/ContribTracker/internal/app/storage"
)

// Store keeps contributions and contributor records in maps guarded by a
// single RWMutex. Semantics mirror the postgres implementation, including
// the error taxonomy.
type Store struct {
	mu            sync.RWMutex
	nextID        int64
	contributions map[int64]contribution.Contribution
	contributors  map[int64]map[uuid.UUID]contribution.ContributorRecord
}

var _ storage.ContributionStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		nextID:        1,
		contributions: make(map[int64]contribution.Contribution),
		contributors:  make(map[int64]map[uuid.UUID]contribution.ContributorRecord),
	}
}

func (s *Store) CreateContribution(_ context.Context, c contribution.Contribution) (contribution.Contribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = s.nextID
	s.nextID++
	c.CreatedAt = time.Now().UTC()
	c.Contributors = nil
	s.contributions[c.ID] = c
	s.contributors[c.ID] = make(map[uuid.UUID]contribution.ContributorRecord)
	return c, nil
}

func (s *Store) AddContributor(_ context.Context, contributionID int64, actorID uuid.UUID, name, note string, inviterID *uuid.UUID) (contribution.ContributorRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.contributors[contributionID]
	if !ok {
		return contribution.ContributorRecord{}, storage.ErrNotFound
	}
	if _, exists := members[actorID]; exists {
		return contribution.ContributorRecord{}, storage.ErrConflict
	}

	level := 1
	if inviterID != nil {
		inviter, ok := members[*inviterID]
		if !ok {
			return contribution.ContributorRecord{}, storage.ErrNotFound
		}
		level = inviter.Level + 1
	}

	rec := contribution.ContributorRecord{
		ContributionID: contributionID,
		ActorID:        actorID,
		Name:           name,
		Level:          level,
		InviterID:      inviterID,
		Note:           note,
	}
	members[actorID] = rec
	return rec, nil
}

func (s *Store) GetByID(_ context.Context, id int64) (*contribution.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contributions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.hydrateLocked(c), nil
}

func (s *Store) GetAll(_ context.Context) ([]contribution.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]contribution.Contribution, 0, len(s.contributions))
	for _, c := range s.contributions {
		result = append(result, *s.hydrateLocked(c))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (s *Store) GetByName(_ context.Context, name string) (*contribution.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *contribution.Contribution
	for _, c := range s.contributions {
		if c.Name != name {
			continue
		}
		c := c
		if best == nil || c.CreatedAt.After(best.CreatedAt) {
			best = &c
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return s.hydrateLocked(*best), nil
}

func (s *Store) GetNearby(_ context.Context, x, y, z float64, world string, radius float64) ([]contribution.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []contribution.Contribution
	for _, c := range s.contributions {
		if c.World != world {
			continue
		}
		if abs(c.X-x) > radius || abs(c.Y-y) > radius || abs(c.Z-z) > radius {
			continue
		}
		cp := c
		cp.CreatorName = s.creatorNameLocked(c)
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) GetByCreator(_ context.Context, creatorID uuid.UUID) ([]contribution.Contribution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []contribution.Contribution
	for _, c := range s.contributions {
		if c.CreatorID != creatorID {
			continue
		}
		cp := c
		cp.CreatorName = s.creatorNameLocked(c)
		result = append(result, cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) DeleteContribution(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.contributions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.contributors, id)
	delete(s.contributions, id)
	return nil
}

func (s *Store) DeleteContributor(_ context.Context, contributionID int64, actorID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, ok := s.contributors[contributionID]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := members[actorID]; !ok {
		return storage.ErrNotFound
	}
	delete(members, actorID)
	return nil
}

func (s *Store) GetContributorRecord(_ context.Context, contributionID int64, actorID uuid.UUID) (*contribution.ContributorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.contributors[contributionID][actorID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

func (s *Store) GetContributorsOf(_ context.Context, contributionID int64) ([]contribution.ContributorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contributorsLocked(contributionID), nil
}

func (s *Store) GetSuperiorOf(_ context.Context, contributionID int64, actorID uuid.UUID) (*contribution.ContributorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.contributors[contributionID][actorID]
	if !ok || rec.InviterID == nil {
		return nil, storage.ErrNotFound
	}
	sup, ok := s.contributors[contributionID][*rec.InviterID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &sup, nil
}

func (s *Store) ContributorCount(_ context.Context, contributionID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contributors[contributionID]), nil
}

func (s *Store) FindActorsByName(_ context.Context, pattern string) ([]contribution.ContributorRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(pattern)
	seen := make(map[uuid.UUID]bool)
	var result []contribution.ContributorRecord
	for _, members := range s.contributors {
		for _, rec := range members {
			if seen[rec.ActorID] || !strings.Contains(strings.ToLower(rec.Name), needle) {
				continue
			}
			seen[rec.ActorID] = true
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) IsContributor(_ context.Context, contributionID int64, actorID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.contributors[contributionID][actorID]
	return ok, nil
}

func (s *Store) IsCreator(_ context.Context, contributionID int64, actorID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contributions[contributionID]
	return ok && c.CreatorID == actorID, nil
}

// hydrateLocked copies the contribution and attaches the sorted
// contributor list plus the creator name. Caller holds at least RLock.
func (s *Store) hydrateLocked(c contribution.Contribution) *contribution.Contribution {
	cp := c
	cp.Contributors = s.contributorsLocked(c.ID)
	cp.CreatorName = s.creatorNameLocked(c)
	return &cp
}

func (s *Store) contributorsLocked(contributionID int64) []contribution.ContributorRecord {
	members := s.contributors[contributionID]
	records := make([]contribution.ContributorRecord, 0, len(members))
	for _, rec := range members {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].Level != records[j].Level {
			return records[i].Level < records[j].Level
		}
		return records[i].Name < records[j].Name
	})
	return records
}

func (s *Store) creatorNameLocked(c contribution.Contribution) string {
	if rec, ok := s.contributors[c.ID][c.CreatorID]; ok {
		return rec.Name
	}
	return c.CreatorName
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
