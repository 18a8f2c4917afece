package contributions

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chenchen71956/ContribTracker/internal/app/authority"
	"github.com/chenchen71956/ContribTracker/internal/app/cache"
	"github.com/chenchen71956/ContribTracker/internal/app/domain/actor"
	"github.com/chenchen71956/ContribTracker/internal/app/domain/contribution"
	"github.com/chenchen71956/ContribTracker/internal/app/invitations"
	"github.com/chenchen71956/ContribTracker/internal/app/notifier"
	"github.com/chenchen71956/ContribTracker/internal/app/storage"
	"github.com/chenchen71956/ContribTracker/internal/app/storage/memory"
	"github.com/chenchen71956/ContribTracker/internal/app/ws"
)

type captureTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (c *captureTransport) Send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *captureTransport) Close() error     { return nil }
func (c *captureTransport) RemoteID() string { return "test-sub" }

func (c *captureTransport) lastKind(t *testing.T) string {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("nothing broadcast")
	}
	var fr struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(c.sent[len(c.sent)-1], &fr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return fr.Type
}

type fixture struct {
	svc    *Service
	store  *memory.Store
	ledger *invitations.Ledger
	sub    *captureTransport
}

// newFixture wires the service with a nil pool so broadcasts run inline
// and tests stay deterministic.
func newFixture(t *testing.T, ledgerTTL time.Duration) *fixture {
	t.Helper()
	store := memory.New()
	rc := cache.New(time.Minute, nil)
	ledger := invitations.New(ledgerTTL, nil)
	registry := ws.NewRegistry(nil, nil)
	n := notifier.New(store, rc, registry, nil, nil)

	sub := &captureTransport{}
	registry.Add(context.Background(), sub)

	svc := New(Config{
		Store:     store,
		Cache:     rc,
		Ledger:    ledger,
		Authority: authority.New(store),
		Notifier:  n,
	})
	return &fixture{svc: svc, store: store, ledger: ledger, sub: sub}
}

func anActor(name string) actor.Actor {
	return actor.Actor{ID: uuid.New(), DisplayName: name}
}

func mustCreate(t *testing.T, f *fixture, creator actor.Actor) *contribution.Contribution {
	t.Helper()
	c, err := f.svc.Create(context.Background(), creator, CreateInput{
		Name: "iron farm", Type: "redstone", X: 1, Y: 64, Z: 2, World: "overworld",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return c
}

func TestCreateSynthesizesCreatorRecord(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")

	c := mustCreate(t, f, creator)

	if len(c.Contributors) != 1 {
		t.Fatalf("contributors = %d, want the creator record", len(c.Contributors))
	}
	rec := c.Contributors[0]
	if rec.ActorID != creator.ID || rec.Level != 1 || rec.InviterID != nil {
		t.Fatalf("creator record = %+v", rec)
	}
	if f.sub.lastKind(t) != ws.KindUpdateData {
		t.Fatal("creation should broadcast update_data")
	}
}

func TestCreateWithInitialContributors(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	friend := uuid.New()

	c, err := f.svc.Create(context.Background(), creator, CreateInput{
		Name: "castle", Type: "building", World: "overworld",
		InitialContributors: []InitialContributor{
			{ID: friend, Name: "alex", Note: "walls"},
			{ID: creator.ID, Name: "steve"}, // self-listing is ignored
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if len(c.Contributors) != 2 {
		t.Fatalf("contributors = %d, want 2", len(c.Contributors))
	}
	for _, rec := range c.Contributors {
		if rec.ActorID == friend {
			if rec.Level != 2 || rec.InviterID == nil || *rec.InviterID != creator.ID {
				t.Fatalf("initial contributor record = %+v", rec)
			}
			if rec.Note != "walls" {
				t.Fatalf("note = %q", rec.Note)
			}
		}
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, time.Minute)
	a := anActor("steve")
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, a, CreateInput{Name: "", Type: "redstone", World: "w"}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty name err = %v", err)
	}
	if _, err := f.svc.Create(ctx, a, CreateInput{Name: "x", Type: "castle-core", World: "w"}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("bad type err = %v", err)
	}
}

func TestInviteAcceptLifecycle(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	invitee := anActor("alex")
	ctx := context.Background()
	c := mustCreate(t, f, creator)

	if err := f.svc.Invite(ctx, creator, c.ID, invitee.ID, invitee.DisplayName); err != nil {
		t.Fatalf("Invite: %v", err)
	}

	got, err := f.svc.Accept(ctx, invitee, c.ID, "")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if len(got.Contributors) != 2 {
		t.Fatalf("contributors = %d, want 2", len(got.Contributors))
	}
	for _, rec := range got.Contributors {
		if rec.ActorID == invitee.ID && rec.Level != 2 {
			t.Fatalf("invitee level = %d, want 2", rec.Level)
		}
	}

	// The invite is spent.
	if _, err := f.svc.Accept(ctx, invitee, c.ID, ""); !errors.Is(err, ErrNoInvitation) {
		t.Fatalf("second accept err = %v", err)
	}
}

func TestInviteByOutsiderIsForbidden(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	outsider := anActor("griefer")
	c := mustCreate(t, f, creator)

	err := f.svc.Invite(context.Background(), outsider, c.ID, uuid.New(), "x")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestInviteExistingContributorIsConflict(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	c := mustCreate(t, f, creator)

	err := f.svc.Invite(context.Background(), creator, c.ID, creator.ID, creator.DisplayName)
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestAcceptAfterExpiryFails(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	creator := anActor("steve")
	invitee := anActor("alex")
	ctx := context.Background()
	c := mustCreate(t, f, creator)

	if err := f.svc.Invite(ctx, creator, c.ID, invitee.ID, invitee.DisplayName); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	time.Sleep(30 * time.Millisecond)

	if _, err := f.svc.Accept(ctx, invitee, c.ID, ""); !errors.Is(err, ErrNoInvitation) {
		t.Fatalf("err = %v, want ErrNoInvitation", err)
	}
}

func TestAcceptRequiresMatchingContribution(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	invitee := anActor("alex")
	ctx := context.Background()

	first := mustCreate(t, f, creator)
	second, err := f.svc.Create(ctx, creator, CreateInput{
		Name: "gold farm", Type: "redstone", X: 100, Y: 64, Z: 100, World: "overworld",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A later invite overwrites the earlier one.
	if err := f.svc.Invite(ctx, creator, first.ID, invitee.ID, invitee.DisplayName); err != nil {
		t.Fatalf("invite to first: %v", err)
	}
	if err := f.svc.Invite(ctx, creator, second.ID, invitee.ID, invitee.DisplayName); err != nil {
		t.Fatalf("invite to second: %v", err)
	}

	// Accepting the overwritten invite must not join the wrong
	// contribution.
	if _, err := f.svc.Accept(ctx, invitee, first.ID, ""); !errors.Is(err, ErrNoInvitation) {
		t.Fatalf("accept stale invite err = %v, want ErrNoInvitation", err)
	}
	if joined, err := f.store.IsContributor(ctx, first.ID, invitee.ID); err != nil || joined {
		t.Fatalf("stale accept joined first contribution (joined=%v err=%v)", joined, err)
	}

	got, err := f.svc.Accept(ctx, invitee, second.ID, "")
	if err != nil {
		t.Fatalf("accept pending invite: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("joined id = %d, want %d", got.ID, second.ID)
	}
}

func TestRejectLifecycle(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	invitee := anActor("alex")
	ctx := context.Background()
	c := mustCreate(t, f, creator)

	if err := f.svc.Reject(ctx, invitee, c.ID); !errors.Is(err, ErrNoInvitation) {
		t.Fatalf("reject without invite err = %v", err)
	}
	if err := f.svc.Invite(ctx, creator, c.ID, invitee.ID, invitee.DisplayName); err != nil {
		t.Fatalf("Invite: %v", err)
	}
	if err := f.svc.Reject(ctx, invitee, c.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := f.svc.Accept(ctx, invitee, c.ID, ""); !errors.Is(err, ErrNoInvitation) {
		t.Fatalf("accept after reject err = %v", err)
	}
}

func TestDirectAddRestrictedToTopOfHierarchy(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	levelTwo := anActor("alex")
	ctx := context.Background()
	c := mustCreate(t, f, creator)

	// Creator adds directly; the new record hangs off the creator.
	got, err := f.svc.AddContributor(ctx, creator, c.ID, levelTwo.ID, levelTwo.DisplayName, "")
	if err != nil {
		t.Fatalf("AddContributor: %v", err)
	}
	if len(got.Contributors) != 2 {
		t.Fatalf("contributors = %d, want 2", len(got.Contributors))
	}

	// The level-2 contributor may invite but not direct-add.
	if _, err := f.svc.AddContributor(ctx, levelTwo, c.ID, uuid.New(), "kai", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("level-2 direct add err = %v", err)
	}
	if err := f.svc.Invite(ctx, levelTwo, c.ID, uuid.New(), "kai"); err != nil {
		t.Fatalf("level-2 invite: %v", err)
	}
}

func TestDirectAddDuplicateIsConflict(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	target := anActor("alex")
	ctx := context.Background()
	c := mustCreate(t, f, creator)

	if _, err := f.svc.AddContributor(ctx, creator, c.ID, target.ID, target.DisplayName, ""); err != nil {
		t.Fatalf("AddContributor: %v", err)
	}
	_, err := f.svc.AddContributor(ctx, creator, c.ID, target.ID, target.DisplayName, "")
	if !errors.Is(err, storage.ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}

	recs, err := f.svc.Contributors(ctx, c.ID)
	if err != nil {
		t.Fatalf("Contributors: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want exactly one record for the target", len(recs))
	}
}

func TestRemoveContributorRights(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("K")
	a := anActor("A")
	b := anActor("B")
	ctx := context.Background()
	c := mustCreate(t, f, creator)

	// Build K -> A -> B through invites.
	if err := f.svc.Invite(ctx, creator, c.ID, a.ID, a.DisplayName); err != nil {
		t.Fatalf("invite A: %v", err)
	}
	if _, err := f.svc.Accept(ctx, a, c.ID, ""); err != nil {
		t.Fatalf("accept A: %v", err)
	}
	if err := f.svc.Invite(ctx, a, c.ID, b.ID, b.DisplayName); err != nil {
		t.Fatalf("invite B: %v", err)
	}
	if _, err := f.svc.Accept(ctx, b, c.ID, ""); err != nil {
		t.Fatalf("accept B: %v", err)
	}

	// B cannot remove A.
	if err := f.svc.RemoveContributor(ctx, b, c.ID, a.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("B removes A err = %v", err)
	}
	// Nobody removes the creator's record.
	if err := f.svc.RemoveContributor(ctx, creator, c.ID, creator.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("remove creator err = %v", err)
	}
	// A removes B, whom A invited.
	if err := f.svc.RemoveContributor(ctx, a, c.ID, b.ID); err != nil {
		t.Fatalf("A removes B: %v", err)
	}

	recs, err := f.svc.Contributors(ctx, c.ID)
	if err != nil {
		t.Fatalf("Contributors: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("records = %d, want K and A", len(recs))
	}
}

func TestDeleteBroadcastsListingAndClearsInvites(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	invitee := anActor("alex")
	ctx := context.Background()
	c := mustCreate(t, f, creator)

	if err := f.svc.Invite(ctx, creator, c.ID, invitee.ID, invitee.DisplayName); err != nil {
		t.Fatalf("Invite: %v", err)
	}

	if err := f.svc.Delete(ctx, anActor("outsider"), c.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider delete err = %v", err)
	}
	if err := f.svc.Delete(ctx, creator, c.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if f.sub.lastKind(t) != ws.KindAllData {
		t.Fatal("deletion should broadcast the full listing")
	}
	if _, err := f.svc.Get(ctx, c.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after delete err = %v", err)
	}
	if _, err := f.svc.Accept(ctx, invitee, c.ID, ""); !errors.Is(err, ErrNoInvitation) {
		t.Fatalf("accept for deleted contribution err = %v", err)
	}
}

func TestReadAfterWriteWithinTTL(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	ctx := context.Background()
	c := mustCreate(t, f, creator)

	// Warm both cache regions.
	if _, err := f.svc.Get(ctx, c.ID); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, err := f.svc.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}

	target := anActor("alex")
	if _, err := f.svc.AddContributor(ctx, creator, c.ID, target.ID, target.DisplayName, ""); err != nil {
		t.Fatalf("AddContributor: %v", err)
	}

	got, err := f.svc.Get(ctx, c.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Contributors) != 2 {
		t.Fatalf("cached read missed the mutation: %d contributors", len(got.Contributors))
	}
	all, err := f.svc.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || len(all[0].Contributors) != 2 {
		t.Fatalf("listing stale after mutation: %+v", all)
	}
}

func TestNearbyAndByCreatorReads(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	ctx := context.Background()
	mustCreate(t, f, creator)

	near, err := f.svc.Nearby(ctx, 0, 64, 0, "overworld", 50)
	if err != nil {
		t.Fatalf("Nearby: %v", err)
	}
	if len(near) != 1 {
		t.Fatalf("nearby = %d, want 1", len(near))
	}

	mine, err := f.svc.ByCreator(ctx, creator.ID)
	if err != nil {
		t.Fatalf("ByCreator: %v", err)
	}
	if len(mine) != 1 {
		t.Fatalf("by creator = %d, want 1", len(mine))
	}

	if _, err := f.svc.Nearby(ctx, 0, 0, 0, "", 50); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("empty world err = %v", err)
	}
}

func TestGetByNameAndFindActors(t *testing.T) {
	f := newFixture(t, time.Minute)
	creator := anActor("steve")
	ctx := context.Background()
	c := mustCreate(t, f, creator)

	got, err := f.svc.GetByName(ctx, "iron farm")
	if err != nil {
		t.Fatalf("GetByName: %v", err)
	}
	if got.ID != c.ID {
		t.Fatalf("id = %d, want %d", got.ID, c.ID)
	}
	if _, err := f.svc.GetByName(ctx, "no such"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown name err = %v", err)
	}

	recs, err := f.svc.FindActors(ctx, "ste")
	if err != nil {
		t.Fatalf("FindActors: %v", err)
	}
	if len(recs) != 1 || recs[0].Name != "steve" {
		t.Fatalf("actors = %+v", recs)
	}

	n, err := f.svc.ContributorCount(ctx, c.ID)
	if err != nil {
		t.Fatalf("ContributorCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("count = %d, want 1", n)
	}
}
