package syncer

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/policy"
	"github.com/trezcool/rollcall/core/record"
)

// pull fetches the visible remote records. Local copies that are behind are
// overwritten; records with queued changes are left alone until pushed.
func (c *Coordinator) pull(ctx context.Context) (updated, removed int, err error) {
	usr := c.sess.User()
	pred := policy.Visibility(usr)
	started := c.now()

	remote, err := c.remote.Pull(ctx, pred)
	if err != nil {
		return 0, 0, errors.Wrap(err, "pulling records")
	}
	queue, err := c.outbox.ListMutations(ctx)
	if err != nil {
		return 0, 0, errors.Wrap(err, "listing outbox")
	}
	pending := make(map[string]struct{})
	for _, id := range record.Mutations(queue).RecordIDs() {
		pending[id] = struct{}{}
	}

	seen := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		seen[r.ID] = struct{}{}
		if _, ok := pending[r.ID]; ok {
			continue
		}
		local, err := c.engine.Local(ctx, r.ID)
		switch {
		case errors.Is(err, core.ErrNotFound):
		case err != nil:
			return updated, removed, err
		case local.EditCount >= r.EditCount:
			continue
		}
		if err = c.engine.ApplyRemote(ctx, r); err != nil {
			return updated, removed, err
		}
		updated++
	}

	locals, err := c.engine.LocalQuery(ctx, pred)
	if err != nil {
		return updated, removed, errors.Wrap(err, "querying local records")
	}
	for _, l := range locals {
		_, isPending := pending[l.ID]
		if _, ok := seen[l.ID]; ok || isPending {
			continue
		}
		if err = c.engine.DropLocal(ctx, l.ID); err != nil {
			return updated, removed, err
		}
		removed++
	}

	if err = c.marks.SetLastPull(ctx, policy.ScopeKey(usr), started); err != nil {
		return updated, removed, errors.Wrap(err, "saving pull mark")
	}
	c.observer.Pulled(updated, removed)
	if updated > 0 || removed > 0 {
		c.logger.Debug("pulled", map[string]interface{}{"updated": updated, "removed": removed})
	}
	return updated, removed, nil
}

// LastPull returns when the session scope was last pulled successfully.
func (c *Coordinator) LastPull(ctx context.Context) (string, error) {
	t, err := c.marks.LastPull(ctx, policy.ScopeKey(c.sess.User()))
	if err != nil || t.IsZero() {
		return "", err
	}
	return t.Format("2006-01-02T15:04:05Z07:00"), nil
}
