// Package tracker keeps the client's view of in-flight operations
// converged with server truth and refreshes the request cache when an
// operation completes.
//
// Two interchangeable strategies implement the same contract: PollTracker
// drives one scheduled fetch loop per tracked id over the REST surface,
// PushTracker reacts to frames pushed over the WebSocket channel. Which
// one runs is a deployment choice made from configuration.
package tracker

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/mickaelli/storyctl/internal/cache"
	"github.com/mickaelli/storyctl/internal/models"
)

// DefaultPollInterval spaces successive fetches for one operation.
const DefaultPollInterval = 5 * time.Second

// DefaultMaxAttempts bounds consecutive transient failures per operation
// before its loop parks.
const DefaultMaxAttempts = 2

var (
	_ Tracker = (*PollTracker)(nil)
	_ Tracker = (*PushTracker)(nil)
)

// Tracker is the consumer-facing contract shared by both strategies.
type Tracker interface {
	// Start begins reconciliation; Stop tears it down and waits for
	// in-flight work to settle.
	Start()
	Stop()

	// Sweep reconciles tracked state with the registry's current
	// contents; call it after registering a new handle.
	Sweep()

	// Snapshot returns the current merged view.
	Snapshot() Aggregate

	// RefetchAll forces an immediate refresh for every tracked id,
	// terminal or not.
	RefetchAll()

	// OnSucceeded registers a callback fired once per operation when it
	// is first observed succeeded.
	OnSucceeded(fn func(op *models.Operation))
}

// Aggregate is the merged snapshot consumers render from.
type Aggregate struct {
	// Operations holds every id's latest known snapshot, sorted by
	// server creation time descending. Ids with no snapshot yet are
	// omitted but reflected in Loading.
	Operations []*models.Operation

	// PendingCount counts non-terminal operations in the aggregate;
	// SucceededCount and FailedCount count terminal ones.
	PendingCount   int
	SucceededCount int
	FailedCount    int

	// Loading is true while some tracked id has produced neither a
	// snapshot nor a definitive error.
	Loading bool

	// Errors maps operation ids to their last transport error, for
	// optional display. Domain failures are not errors; they surface
	// through the operation's own status and error_msg.
	Errors map[string]string
}

// sortOperations orders by server created_at descending.
func sortOperations(ops []*models.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		return ops[i].CreatedAt.After(ops[j].CreatedAt)
	})
}

// countStatuses fills the aggregate counters from its operation list.
func (a *Aggregate) countStatuses() {
	for _, op := range a.Operations {
		switch op.Status {
		case models.StatusSucceeded:
			a.SucceededCount++
		case models.StatusFailed:
			a.FailedCount++
		default:
			a.PendingCount++
		}
	}
}

// invalidateFor refreshes the cache entries affected by a completed
// operation. Applied on the first terminal observation only; failed
// operations invalidate the same entries as succeeded ones, since
// downstream reads may need to observe the failure. Unknown kinds
// invalidate nothing and log a warning.
func invalidateFor(inv cache.Invalidator, kind models.OperationKind, storyID, shotID string, log zerolog.Logger) {
	switch kind {
	case models.KindStoryCreate:
		inv.Invalidate(cache.StoriesListKey())
	case models.KindShotRegen:
		inv.Invalidate(cache.ShotDetailKey(storyID, shotID))
		inv.Invalidate(cache.ShotsListKey(storyID))
	case models.KindVideoRender:
		inv.Invalidate(cache.StoryDetailKey(storyID))
	default:
		log.Warn().Str("kind", string(kind)).Msg("unknown operation kind, nothing invalidated")
	}
}
