package lifecycle

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
)

// The methods below let the sync coordinator reconcile the cache with the
// remote store without writing records itself. They bypass the rule table:
// the remote copy was already accepted by the evaluator.

// ApplyRemote replaces the local copy with the authoritative remote record.
func (eng *Engine) ApplyRemote(ctx context.Context, rec record.Record) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	return errors.Wrapf(eng.records.PutRecord(ctx, rec.Clone()), "applying remote record %s", rec.ID)
}

// DropLocal removes the local copy of a record that vanished remotely.
func (eng *Engine) DropLocal(ctx context.Context, id string) error {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if err := eng.records.DeleteRecord(ctx, id); err != nil && !errors.Is(err, core.ErrNotFound) {
		return errors.Wrapf(err, "dropping record %s", id)
	}
	return nil
}

// Local returns the cached copy of a record, whoever may read it.
func (eng *Engine) Local(ctx context.Context, id string) (record.Record, error) {
	return eng.records.GetRecord(ctx, id)
}

// LocalQuery returns the cached records matching pred.
func (eng *Engine) LocalQuery(ctx context.Context, pred record.Predicate) ([]record.Record, error) {
	if pred.MatchesNothing() {
		return []record.Record{}, nil
	}
	return eng.records.QueryRecords(ctx, pred)
}
