package engine

import (
	"context"
	"fmt"

	"github.com/roach88/strata/internal/docstore"
	"github.com/roach88/strata/internal/store"
)

// Replay rebuilds model state from the log.
//
// Every Resetter model is reset and the applied version moves back to the
// floor in one transaction. The log is then applied again from the floor up
// to the current version. Outcomes already in the log are kept as they are:
// events that failed originally are skipped, and an event that fails only
// on replay is rolled back and logged.
func (o *Orchestrator) Replay(ctx context.Context) error {
	o.writeMu.Lock()
	var floor int64
	err := o.store.WriteTx(ctx, func(tx *store.Tx) error {
		view := docstore.NewView(tx)
		view.SetWritable(true)
		root := &Call{
			orch:   o,
			tx:     tx,
			view:   view,
			cycle:  newCycle(),
			budget: newTreeBudget(o.recursionLimit, o.maxSubEvents),
			subs:   &subQueue{},
		}
		for _, m := range o.models {
			r, ok := m.(Resetter)
			if !ok {
				continue
			}
			if err := r.Reset(ctx, root.child(m.Name(), PhaseApplying)); err != nil {
				return fmt.Errorf("reset %s: %w", m.Name(), err)
			}
		}
		var err error
		if floor, err = store.ReadFloor(ctx, tx); err != nil {
			return err
		}
		return store.SetAppliedVersion(ctx, tx, floor)
	})
	if err == nil {
		o.mu.Lock()
		o.applied = floor
		o.target = floor
		o.mu.Unlock()
	}
	o.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	current, err := o.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	o.logger.Info("replay started", "from_version", floor, "to_version", current)
	if current <= floor {
		return nil
	}
	if _, err := o.WaitUntilVersion(ctx, current); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	o.logger.Info("replay finished", "applied_version", o.AppliedVersion())
	return nil
}
