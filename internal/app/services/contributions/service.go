// Package contributions implements the command facade over the store,
// the hierarchy authority, the invitation ledger, and the notifier.
package contributions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/chenchen71956/ContribTracker/internal/app/authority"
	"github.com/chenchen71956/ContribTracker/internal/app/cache"
	"github.com/chenchen71956/ContribTracker/internal/app/domain/actor"
	"github.com/chenchen71956/ContribTracker/internal/app/domain/contribution"
	"github.com/chenchen71956/ContribTracker/internal/app/invitations"
	"github.com/chenchen71956/ContribTracker/internal/app/metrics"
	"github.com/chenchen71956/ContribTracker/internal/app/notifier"
	"github.com/chenchen71956/ContribTracker/internal/app/storage"
	"github.com/chenchen71956/ContribTracker/internal/app/workers"
	"github.com/chenchen71956/ContribTracker/pkg/logger"
)

var (
	// ErrForbidden reports a failed authority check.
	ErrForbidden = errors.New("contributions: forbidden")
	// ErrNoInvitation reports an accept or reject with nothing pending.
	ErrNoInvitation = errors.New("contributions: no pending invitation")
	// ErrUnknownType reports a contribution type outside the closed set.
	ErrUnknownType = errors.New("contributions: unknown contribution type")
	// ErrInvalidArgument reports empty or malformed input fields.
	ErrInvalidArgument = errors.New("contributions: invalid argument")
)

// DefaultStoreTimeout bounds every store call issued by the service.
const DefaultStoreTimeout = 5 * time.Second

// InitialContributor names an actor added at creation time.
type InitialContributor struct {
	ID   uuid.UUID
	Name string
	Note string
}

// CreateInput carries everything needed to register a contribution.
type CreateInput struct {
	Name   string
	Type   string
	GameID string
	X      float64
	Y      float64
	Z      float64
	World  string

	// InitialContributors are attached directly under the creator.
	InitialContributors []InitialContributor
}

// Service coordinates mutations and reads. Every mutation follows the
// same ordering for a given contribution: store mutate, cache
// invalidate, then broadcast. The broadcast re-read must never see
// pre-mutation state.
type Service struct {
	store    storage.ContributionStore
	cache    *cache.ReadCache
	ledger   *invitations.Ledger
	auth     *authority.HierarchyAuthority
	notifier *notifier.ChangeNotifier
	pool     *workers.Pool
	log      *logger.Logger
	m        *metrics.Metrics
	timeout  time.Duration
}

// Config collects the service dependencies.
type Config struct {
	Store        storage.ContributionStore
	Cache        *cache.ReadCache
	Ledger       *invitations.Ledger
	Authority    *authority.HierarchyAuthority
	Notifier     *notifier.ChangeNotifier
	Pool         *workers.Pool
	Logger       *logger.Logger
	Metrics      *metrics.Metrics
	StoreTimeout time.Duration
}

// New creates the service. A non-positive StoreTimeout falls back to
// DefaultStoreTimeout; Logger and Metrics may be nil.
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("contributions")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return &Service{
		store:    cfg.Store,
		cache:    cfg.Cache,
		ledger:   cfg.Ledger,
		auth:     cfg.Authority,
		notifier: cfg.Notifier,
		pool:     cfg.Pool,
		log:      cfg.Logger,
		m:        cfg.Metrics,
		timeout:  cfg.StoreTimeout,
	}
}

// --- mutations ---------------------------------------------------------------

// Create registers a contribution, synthesizes the creator's level-1
// contributor record, and attaches any initial contributors directly
// under the creator.
func (s *Service) Create(ctx context.Context, a actor.Actor, in CreateInput) (*contribution.Contribution, error) {
	if in.Name == "" || in.World == "" {
		return nil, ErrInvalidArgument
	}
	typ, ok := contribution.ParseType(in.Type)
	if !ok {
		return nil, ErrUnknownType
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	start := time.Now()
	created, err := s.store.CreateContribution(ctx, contribution.Contribution{
		Name:      in.Name,
		Type:      typ,
		GameID:    in.GameID,
		CreatorID: a.ID,
		X:         in.X,
		Y:         in.Y,
		Z:         in.Z,
		World:     in.World,
	})
	s.observe("create", start)
	if err != nil {
		return nil, s.mapErr(err)
	}

	if _, err := s.store.AddContributor(ctx, created.ID, a.ID, a.DisplayName, "", nil); err != nil {
		s.log.WithError(err).WithField("contribution_id", created.ID).Error("creator record insert failed")
		return nil, s.mapErr(err)
	}

	for _, init := range in.InitialContributors {
		if init.ID == a.ID {
			continue
		}
		if _, err := s.store.AddContributor(ctx, created.ID, init.ID, init.Name, init.Note, &a.ID); err != nil {
			// A duplicate in the initial list is the caller's mistake,
			// not a reason to fail the whole creation.
			if errors.Is(err, storage.ErrConflict) {
				continue
			}
			return nil, s.mapErr(err)
		}
	}

	s.finishMutation(created.ID)
	s.log.WithField("contribution_id", created.ID).WithField("name", created.Name).Info("contribution created")

	return s.Get(ctx, created.ID)
}

// Invite records a pending invitation for the invitee. Nothing touches
// the store; the invite lives in the ledger until accepted, rejected,
// or swept.
func (s *Service) Invite(ctx context.Context, a actor.Actor, contributionID int64, inviteeID uuid.UUID, inviteeName string) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	allowed, err := s.auth.CanInvite(ctx, a, contributionID)
	if err != nil {
		s.log.WithError(err).Warn("invite authority check failed")
	}
	if !allowed {
		return ErrForbidden
	}

	already, err := s.store.IsContributor(ctx, contributionID, inviteeID)
	if err != nil {
		return s.mapErr(err)
	}
	if already {
		return storage.ErrConflict
	}

	rec, err := s.store.GetContributorRecord(ctx, contributionID, a.ID)
	inviterLevel := 1
	if err == nil {
		inviterLevel = rec.Level
	} else if !errors.Is(err, storage.ErrNotFound) {
		return s.mapErr(err)
	}

	s.ledger.Put(inviteeID, contribution.PendingInvitation{
		ContributionID: contributionID,
		InviterID:      a.ID,
		InviterName:    a.DisplayName,
		InviterLevel:   inviterLevel,
		CreatedAt:      time.Now(),
	})
	s.log.WithField("contribution_id", contributionID).
		WithField("invitee", inviteeID.String()).
		WithField("invitee_name", inviteeName).
		Info("invitation recorded")
	return nil
}

// Accept promotes the actor's pending invitation into a contributor
// record, carrying an optional note. The invitation must name the same
// contribution the actor is accepting; a newer invite to a different
// contribution does not satisfy an older one. The unique
// (contribution, actor) constraint in the store is the sole
// serialization point for concurrent accepts.
func (s *Service) Accept(ctx context.Context, a actor.Actor, contributionID int64, note string) (*contribution.Contribution, error) {
	inv, ok := s.ledger.Get(a.ID)
	if !ok || inv.ContributionID != contributionID {
		return nil, ErrNoInvitation
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.store.AddContributor(ctx, inv.ContributionID, a.ID, a.DisplayName, note, &inv.InviterID)
	s.observe("add_contributor", start)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Already a contributor; the invite is spent either way.
			s.ledger.Remove(a.ID)
		}
		return nil, s.mapErr(err)
	}

	s.ledger.Remove(a.ID)
	s.finishMutation(inv.ContributionID)
	s.log.WithField("contribution_id", inv.ContributionID).
		WithField("actor", a.ID.String()).
		Info("invitation accepted")

	return s.Get(ctx, inv.ContributionID)
}

// Reject discards the actor's pending invitation to the given
// contribution.
func (s *Service) Reject(_ context.Context, a actor.Actor, contributionID int64) error {
	inv, ok := s.ledger.Get(a.ID)
	if !ok || inv.ContributionID != contributionID {
		return ErrNoInvitation
	}
	s.ledger.Remove(a.ID)
	s.log.WithField("actor", a.ID.String()).
		WithField("contribution_id", contributionID).
		Info("invitation rejected")
	return nil
}

// AddContributor attaches the target directly, without the accept round
// trip. Restricted to administrators, the creator, and level-1
// contributors.
func (s *Service) AddContributor(ctx context.Context, a actor.Actor, contributionID int64, targetID uuid.UUID, targetName, note string) (*contribution.Contribution, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	allowed, err := s.auth.CanDirectlyAdd(ctx, a, contributionID)
	if err != nil {
		s.log.WithError(err).Warn("direct-add authority check failed")
	}
	if !allowed {
		return nil, ErrForbidden
	}

	inviter, err := s.resolveInviter(ctx, a, contributionID)
	if err != nil {
		return nil, s.mapErr(err)
	}

	start := time.Now()
	_, err = s.store.AddContributor(ctx, contributionID, targetID, targetName, note, inviter)
	s.observe("add_contributor", start)
	if err != nil {
		return nil, s.mapErr(err)
	}

	s.finishMutation(contributionID)
	s.log.WithField("contribution_id", contributionID).
		WithField("target", targetID.String()).
		Info("contributor added")

	return s.Get(ctx, contributionID)
}

// resolveInviter picks the parent edge for a direct add: the acting
// contributor when they hold a record, otherwise the creator (covers
// administrators acting from outside the tree).
func (s *Service) resolveInviter(ctx context.Context, a actor.Actor, contributionID int64) (*uuid.UUID, error) {
	if rec, err := s.store.GetContributorRecord(ctx, contributionID, a.ID); err == nil {
		id := rec.ActorID
		return &id, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	c, err := s.store.GetByID(ctx, contributionID)
	if err != nil {
		return nil, err
	}
	id := c.CreatorID
	return &id, nil
}

// RemoveContributor detaches the target from the contribution. The
// creator's own record is not removable; delete the contribution
// instead.
func (s *Service) RemoveContributor(ctx context.Context, a actor.Actor, contributionID int64, targetID uuid.UUID) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	isCreator, err := s.store.IsCreator(ctx, contributionID, targetID)
	if err != nil {
		return s.mapErr(err)
	}
	if isCreator {
		return ErrForbidden
	}

	allowed, err := s.auth.CanRemoveContributor(ctx, a, contributionID, targetID)
	if err != nil {
		s.log.WithError(err).Warn("remove authority check failed")
	}
	if !allowed {
		return ErrForbidden
	}

	start := time.Now()
	err = s.store.DeleteContributor(ctx, contributionID, targetID)
	s.observe("delete_contributor", start)
	if err != nil {
		return s.mapErr(err)
	}

	s.finishMutation(contributionID)
	s.log.WithField("contribution_id", contributionID).
		WithField("target", targetID.String()).
		Info("contributor removed")
	return nil
}

// Delete removes the contribution and its contributor tree, drops every
// pending invite pointing at it, and pushes the new full listing; a
// per-id broadcast has nothing left to re-read.
func (s *Service) Delete(ctx context.Context, a actor.Actor, contributionID int64) error {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	allowed, err := s.auth.CanDelete(ctx, a, contributionID)
	if err != nil {
		s.log.WithError(err).Warn("delete authority check failed")
	}
	if !allowed {
		return ErrForbidden
	}

	start := time.Now()
	err = s.store.DeleteContribution(ctx, contributionID)
	s.observe("delete_contribution", start)
	if err != nil {
		return s.mapErr(err)
	}

	s.ledger.RemoveByContribution(contributionID)
	s.cache.Invalidate(contributionID)
	s.submitBroadcast(func(ctx context.Context) {
		s.notifier.BroadcastListing(ctx)
	})
	s.log.WithField("contribution_id", contributionID).Info("contribution deleted")
	return nil
}

// --- reads -------------------------------------------------------------------

// Get returns the hydrated contribution, cache first.
func (s *Service) Get(ctx context.Context, id int64) (*contribution.Contribution, error) {
	if c, ok := s.cache.GetByID(id); ok {
		return c, nil
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	start := time.Now()
	c, err := s.store.GetByID(ctx, id)
	s.observe("get_by_id", start)
	if err != nil {
		return nil, s.mapErr(err)
	}
	s.cache.PutByID(c)
	return c.Clone(), nil
}

// List returns every contribution, cache first.
func (s *Service) List(ctx context.Context) ([]contribution.Contribution, error) {
	if all, ok := s.cache.GetList(); ok {
		return all, nil
	}

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	start := time.Now()
	all, err := s.store.GetAll(ctx)
	s.observe("get_all", start)
	if err != nil {
		return nil, s.mapErr(err)
	}
	s.cache.PutList(all)
	return all, nil
}

// GetByName returns the most recently created contribution with the
// exact name.
func (s *Service) GetByName(ctx context.Context, name string) (*contribution.Contribution, error) {
	if name == "" {
		return nil, ErrInvalidArgument
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	c, err := s.store.GetByName(ctx, name)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return c, nil
}

// DefaultNearbyRadius is used when the caller does not give one.
const DefaultNearbyRadius = 32.0

// Nearby lists contributions within a cubic radius of the position.
func (s *Service) Nearby(ctx context.Context, x, y, z float64, world string, radius float64) ([]contribution.Contribution, error) {
	if world == "" {
		return nil, ErrInvalidArgument
	}
	if radius <= 0 {
		radius = DefaultNearbyRadius
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	all, err := s.store.GetNearby(ctx, x, y, z, world, radius)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return all, nil
}

// ByCreator lists contributions created by the actor.
func (s *Service) ByCreator(ctx context.Context, creatorID uuid.UUID) ([]contribution.Contribution, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	all, err := s.store.GetByCreator(ctx, creatorID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return all, nil
}

// Contributors lists the contributor tree of a contribution, ordered by
// level then name.
func (s *Service) Contributors(ctx context.Context, contributionID int64) ([]contribution.ContributorRecord, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	recs, err := s.store.GetContributorsOf(ctx, contributionID)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return recs, nil
}

// ContributorCount reports the size of a contribution's contributor tree.
func (s *Service) ContributorCount(ctx context.Context, contributionID int64) (int, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	n, err := s.store.ContributorCount(ctx, contributionID)
	if err != nil {
		return 0, s.mapErr(err)
	}
	return n, nil
}

// FindActors searches contributor records by display-name substring.
func (s *Service) FindActors(ctx context.Context, pattern string) ([]contribution.ContributorRecord, error) {
	if pattern == "" {
		return nil, ErrInvalidArgument
	}
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	recs, err := s.store.FindActorsByName(ctx, pattern)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return recs, nil
}

// --- internals ---------------------------------------------------------------

// finishMutation runs the invalidate-then-broadcast tail shared by every
// mutation of an existing contribution. The invalidate happens on the
// calling goroutine, before the broadcast is queued, so the re-read can
// never hit pre-mutation cache state.
func (s *Service) finishMutation(contributionID int64) {
	s.cache.Invalidate(contributionID)
	s.submitBroadcast(func(ctx context.Context) {
		s.notifier.BroadcastMutation(ctx, contributionID)
	})
}

// submitBroadcast hands the fan-out to the worker pool; the command
// caller never blocks on subscriber I/O. When the pool is saturated the
// broadcast runs inline as a last resort; dropping it would leave
// subscribers stale until their next check.
func (s *Service) submitBroadcast(fn func(ctx context.Context)) {
	run := func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		fn(ctx)
	}
	if s.pool == nil {
		run()
		return
	}
	if err := s.pool.Submit(run); err != nil {
		s.log.WithError(err).Warn("broadcast queue rejected, running inline")
		run()
	}
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

// mapErr folds per-call timeouts into the store taxonomy.
func (s *Service) mapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return storage.ErrUnavailable
	}
	return err
}

func (s *Service) observe(op string, start time.Time) {
	if s.m != nil {
		s.m.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}
