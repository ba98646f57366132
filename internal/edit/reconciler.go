package edit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/raine/roomedit/internal/storage"
)

const (
	// ReconcileInterval is the time between reconcile cycles.
	ReconcileInterval = 5 * time.Minute

	// orphanMargin is added to the poll timeout before a user turn without
	// an answer is considered abandoned.
	orphanMargin = 5 * time.Minute

	orphanReason = "the edit was interrupted before it completed"
)

// Reconciler closes edit pairs left open by a process that stopped between
// writing a user turn and its assistant turn.
type Reconciler struct {
	store    storage.Store
	queue    *RoomQueue
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
}

// NewReconciler creates a reconciler. Turns younger than pollTimeout plus a
// margin are left alone since their edit may still be running.
func NewReconciler(store storage.Store, queue *RoomQueue, pollTimeout time.Duration) *Reconciler {
	return &Reconciler{
		store:    store,
		queue:    queue,
		interval: ReconcileInterval,
		maxAge:   pollTimeout + orphanMargin,
		now:      time.Now,
	}
}

// Run starts the reconcile loop. It blocks until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	log.Info().Dur("interval", r.interval).Dur("maxAge", r.maxAge).Msg("starting edit reconciler")

	r.Reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("edit reconciler stopped")
			return nil
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs one cycle and returns the number of pairs it closed.
func (r *Reconciler) Reconcile(ctx context.Context) int {
	cutoff := r.now().Add(-r.maxAge)
	turns, err := r.store.ListUnpairedTurns(ctx, cutoff)
	if err != nil {
		log.Error().Err(err).Msg("failed to list unpaired edit turns")
		return 0
	}
	if len(turns) == 0 {
		return 0
	}

	closed := 0
	for i := range turns {
		if ctx.Err() != nil {
			break
		}
		turn := turns[i]
		// Through the room queue so a live edit can't race the repair
		err := r.queue.Do(ctx, turn.RoomID, func(ctx context.Context) error {
			return r.store.InsertTurn(ctx, FailedTurn(&turn, orphanReason))
		})
		if err != nil {
			if errors.Is(err, storage.ErrSequenceConflict) {
				continue
			}
			log.Error().Err(err).Str("roomId", turn.RoomID).Int64("sequence", turn.Sequence).Msg("failed to close orphaned edit")
			continue
		}
		closed++
	}

	if closed > 0 {
		log.Info().Int("closed", closed).Msg("closed orphaned edits")
	}
	return closed
}
