package notifier

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/chenchen71956/ContribTracker/internal/app/cache"
	"github.com/chenchen71956/ContribTracker/internal/app/domain/contribution"
	"github.com/chenchen71956/ContribTracker/internal/app/storage/memory"
	"github.com/chenchen71956/ContribTracker/internal/app/ws"
)

type captureTransport struct {
	id string

	mu   sync.Mutex
	sent [][]byte
}

func (c *captureTransport) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.sent = append(c.sent, cp)
	return nil
}

func (c *captureTransport) Close() error     { return nil }
func (c *captureTransport) RemoteID() string { return c.id }

func (c *captureTransport) last(t *testing.T) map[string]json.RawMessage {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("nothing sent")
	}
	var out map[string]json.RawMessage
	if err := json.Unmarshal(c.sent[len(c.sent)-1], &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return out
}

func kind(t *testing.T, frame map[string]json.RawMessage) string {
	t.Helper()
	var k string
	json.Unmarshal(frame["type"], &k)
	return k
}

func setup(t *testing.T) (*ChangeNotifier, *memory.Store, *cache.ReadCache, *ws.Registry, *captureTransport) {
	t.Helper()
	store := memory.New()
	rc := cache.New(time.Minute, nil)
	registry := ws.NewRegistry(nil, nil)
	n := New(store, rc, registry, nil, nil)

	ct := &captureTransport{id: "sub"}
	registry.Add(context.Background(), ct)
	return n, store, rc, registry, ct
}

func seed(t *testing.T, store *memory.Store, name string) contribution.Contribution {
	t.Helper()
	creator := uuid.New()
	c, err := store.CreateContribution(context.Background(), contribution.Contribution{
		Name: name, Type: contribution.TypeRedstone, CreatorID: creator, World: "overworld",
	})
	if err != nil {
		t.Fatalf("CreateContribution: %v", err)
	}
	if _, err := store.AddContributor(context.Background(), c.ID, creator, "steve", "", nil); err != nil {
		t.Fatalf("AddContributor: %v", err)
	}
	return c
}

func TestConnectSnapshotIsAllData(t *testing.T) {
	_, _, _, _, ct := setup(t)

	frame := ct.last(t)
	if kind(t, frame) != ws.KindAllData {
		t.Fatalf("kind = %s, want all_data", kind(t, frame))
	}
}

func TestBroadcastMutationBypassesCache(t *testing.T) {
	n, store, rc, _, ct := setup(t)
	ctx := context.Background()
	c := seed(t, store, "farm")

	// Poison the cache with a stale copy, then mutate the store.
	stale := c
	stale.Name = "stale-name"
	rc.PutByID(&stale)

	invited := uuid.New()
	if _, err := store.AddContributor(ctx, c.ID, invited, "friend", "", &c.CreatorID); err != nil {
		t.Fatalf("AddContributor: %v", err)
	}

	n.BroadcastMutation(ctx, c.ID)

	frame := ct.last(t)
	if kind(t, frame) != ws.KindUpdateData {
		t.Fatalf("kind = %s, want update_data", kind(t, frame))
	}
	var got contribution.Contribution
	if err := json.Unmarshal(frame["data"], &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if got.Name != "farm" {
		t.Fatalf("broadcast used cached state: name = %q", got.Name)
	}
	if len(got.Contributors) != 2 {
		t.Fatalf("contributors = %d, want fresh post-mutation state", len(got.Contributors))
	}
}

func TestBroadcastMutationUnknownIDIsSilent(t *testing.T) {
	n, _, _, _, ct := setup(t)

	before := len(ct.sent)
	n.BroadcastMutation(context.Background(), 999)
	if len(ct.sent) != before {
		t.Fatal("nothing should be broadcast for a vanished contribution")
	}
}

func TestBroadcastListingAfterDelete(t *testing.T) {
	n, store, _, _, ct := setup(t)
	ctx := context.Background()
	a := seed(t, store, "keep")
	b := seed(t, store, "drop")

	if err := store.DeleteContribution(ctx, b.ID); err != nil {
		t.Fatalf("DeleteContribution: %v", err)
	}
	n.BroadcastListing(ctx)

	frame := ct.last(t)
	if kind(t, frame) != ws.KindAllData {
		t.Fatalf("kind = %s, want all_data", kind(t, frame))
	}
	var got []contribution.Contribution
	if err := json.Unmarshal(frame["data"], &got); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if len(got) != 1 || got[0].ID != a.ID {
		t.Fatalf("listing = %+v, want only the surviving contribution", got)
	}
}

func TestSnapshotFrameUsesCache(t *testing.T) {
	n, store, rc, _, _ := setup(t)
	ctx := context.Background()
	seed(t, store, "farm")
	// The connect snapshot in setup warmed the list region before the
	// seed; start from a cold cache.
	rc.InvalidateAll()

	// First call loads from the store and warms the list region.
	if _, err := n.SnapshotFrame(ctx); err != nil {
		t.Fatalf("SnapshotFrame: %v", err)
	}
	if _, ok := rc.GetList(); !ok {
		t.Fatal("list region should be warm")
	}

	// A store-side change invisible to the cache stays invisible until
	// invalidation or TTL.
	seed(t, store, "second")
	payload, err := n.SnapshotFrame(ctx)
	if err != nil {
		t.Fatalf("SnapshotFrame: %v", err)
	}
	var frame struct {
		Data []contribution.Contribution `json:"data"`
	}
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(frame.Data) != 1 {
		t.Fatalf("snapshot = %d entries, want the cached single entry", len(frame.Data))
	}
}
