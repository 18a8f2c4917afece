// Package notifier pushes fresh contribution snapshots to subscribers
// after every successful mutation.
package notifier

import (
	"context"

	"github.com/chenchen71956/ContribTracker/internal/app/cache"
	"github.com/chenchen71956/ContribTracker/internal/app/metrics"
	"github.com/chenchen71956/ContribTracker/internal/app/storage"
	"github.com/chenchen71956/ContribTracker/internal/app/ws"
	"github.com/chenchen71956/ContribTracker/pkg/logger"
)

// ChangeNotifier fans out mutation results. Broadcast failures are
// isolated per connection and never reach the mutation caller; a
// subscriber fault must not make a committed mutation look failed.
type ChangeNotifier struct {
	store    storage.ContributionStore
	cache    *cache.ReadCache
	registry *ws.Registry
	log      *logger.Logger
	m        *metrics.Metrics
}

// New wires the notifier and registers its snapshot provider with the
// registry. Logger and metrics may be nil.
func New(store storage.ContributionStore, rc *cache.ReadCache, registry *ws.Registry, log *logger.Logger, m *metrics.Metrics) *ChangeNotifier {
	if log == nil {
		log = logger.NewDefault("notifier")
	}
	n := &ChangeNotifier{store: store, cache: rc, registry: registry, log: log, m: m}
	registry.SetSnapshotFunc(n.SnapshotFrame)
	return n
}

// BroadcastMutation re-reads the contribution straight from the store
// and pushes an update_data frame to every subscriber. The cache was
// invalidated a moment ago; a broadcast must reflect the just-committed
// state, never a cached pre-mutation snapshot.
func (n *ChangeNotifier) BroadcastMutation(ctx context.Context, contributionID int64) {
	c, err := n.store.GetByID(ctx, contributionID)
	if err != nil {
		n.log.WithError(err).WithField("contribution_id", contributionID).Error("broadcast re-read failed")
		return
	}

	payload, err := ws.UpdateDataFrame(c)
	if err != nil {
		n.log.WithError(err).Error("encode update frame")
		return
	}
	n.registry.Broadcast(ctx, payload)
	n.count(ws.KindUpdateData)
}

// BroadcastListing pushes the full current listing to every subscriber.
// Used after a deletion, where a per-id re-read has nothing to show.
func (n *ChangeNotifier) BroadcastListing(ctx context.Context) {
	all, err := n.store.GetAll(ctx)
	if err != nil {
		n.log.WithError(err).Error("broadcast listing read failed")
		return
	}

	payload, err := ws.AllDataFrame(all)
	if err != nil {
		n.log.WithError(err).Error("encode listing frame")
		return
	}
	n.registry.Broadcast(ctx, payload)
	n.count(ws.KindAllData)
}

// SnapshotFrame builds the all_data frame for one subscriber, via the
// cache: a fresh subscriber tolerates slight staleness since it will
// receive the next mutation broadcast regardless.
func (n *ChangeNotifier) SnapshotFrame(ctx context.Context) ([]byte, error) {
	if all, ok := n.cache.GetList(); ok {
		return ws.AllDataFrame(all)
	}

	all, err := n.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	n.cache.PutList(all)
	return ws.AllDataFrame(all)
}

func (n *ChangeNotifier) count(kind string) {
	if n.m != nil {
		n.m.BroadcastsTotal.WithLabelValues(kind).Inc()
	}
}
