// Package invitations holds outstanding invites in memory until they are
// accepted, rejected, or expire.
package invitations

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chenchen71956/ContribTracker/internal/app/domain/contribution"
	"github.com/chenchen71956/ContribTracker/internal/app/metrics"
)

// DefaultTTL is how long an invite stays acceptable.
const DefaultTTL = 5 * time.Minute

// DefaultSweepPeriod is how often the background sweep runs.
const DefaultSweepPeriod = time.Minute

// Ledger is the in-memory table of pending invitations, keyed by the
// invited actor. At most one invitation is retained per actor; a newer
// invite silently overwrites an older one and resets its clock. Entries
// never touch the store and do not survive a restart.
type Ledger struct {
	mu      sync.RWMutex
	ttl     time.Duration
	pending map[uuid.UUID]contribution.PendingInvitation
	m       *metrics.Metrics
}

// New creates a ledger with the given TTL. A non-positive ttl falls back
// to DefaultTTL. The metrics set may be nil.
func New(ttl time.Duration, m *metrics.Metrics) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		ttl:     ttl,
		pending: make(map[uuid.UUID]contribution.PendingInvitation),
		m:       m,
	}
}

// Put records an invitation for the invitee, replacing any previous one.
func (l *Ledger) Put(inviteeID uuid.UUID, inv contribution.PendingInvitation) {
	if inv.CreatedAt.IsZero() {
		inv.CreatedAt = time.Now()
	}
	l.mu.Lock()
	l.pending[inviteeID] = inv
	l.mu.Unlock()
}

// Get returns the live invitation for the invitee. An expired entry is
// evicted on the spot and reported as absent.
func (l *Ledger) Get(inviteeID uuid.UUID) (contribution.PendingInvitation, bool) {
	l.mu.RLock()
	inv, ok := l.pending[inviteeID]
	l.mu.RUnlock()
	if !ok {
		return contribution.PendingInvitation{}, false
	}

	if time.Since(inv.CreatedAt) > l.ttl {
		l.mu.Lock()
		// Re-check: a fresh invite may have replaced the expired one.
		if cur, ok := l.pending[inviteeID]; ok && cur.CreatedAt.Equal(inv.CreatedAt) {
			delete(l.pending, inviteeID)
			l.expired(1)
		}
		l.mu.Unlock()
		return contribution.PendingInvitation{}, false
	}
	return inv, true
}

// Remove deletes the invitee's invitation, reporting whether one was
// present.
func (l *Ledger) Remove(inviteeID uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pending[inviteeID]; !ok {
		return false
	}
	delete(l.pending, inviteeID)
	return true
}

// RemoveByContribution drops every pending invite pointing at the
// contribution. Used when the contribution itself is deleted.
func (l *Ledger) RemoveByContribution(contributionID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for invitee, inv := range l.pending {
		if inv.ContributionID == contributionID {
			delete(l.pending, invitee)
			removed++
		}
	}
	return removed
}

// Sweep evicts every invitation older than the TTL at the given instant
// and returns how many were dropped. Eviction is silent; the invitee
// finds out on the next accept attempt.
func (l *Ledger) Sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for invitee, inv := range l.pending {
		if now.Sub(inv.CreatedAt) > l.ttl {
			delete(l.pending, invitee)
			removed++
		}
	}
	l.expired(removed)
	return removed
}

// Len reports the number of entries, including not-yet-swept expired ones.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.pending)
}

func (l *Ledger) expired(n int) {
	if l.m != nil && n > 0 {
		l.m.InvitesExpired.Add(float64(n))
	}
}
