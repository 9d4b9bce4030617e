package syncer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
)

// drain pushes the queue in FIFO order per record. A record stops draining at
// its first failure; other records carry on. Entries queued by another user
// of the device are pushed only under that user's session, and the entries
// behind them wait.
func (c *Coordinator) drain(ctx context.Context) (Report, error) {
	var rep Report
	queue, err := c.outbox.ListMutations(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "listing outbox")
	}
	ms := record.Mutations(queue)
	now := c.now()
	uid := c.sess.UserID()

	for _, id := range ms.RecordIDs() {
		if err = ctx.Err(); err != nil {
			return rep, err
		}
		entries := ms.ForRecord(id)
		for i, m := range entries {
			if m.IsHeld() || !m.OwnedBy(uid) {
				break
			}
			if m.NextAttemptAt.After(now) {
				rep.Retrying++
				if m.Status == record.StatusPending {
					rep.Pending++
				}
				break
			}
			auth, pushErr := c.remote.Push(ctx, m)
			if pushErr == nil {
				if err = c.accepted(ctx, m, auth, i == len(entries)-1); err != nil {
					return rep, err
				}
				rep.Pushed++
				continue
			}
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			if err = c.failed(ctx, m, entries[i+1:], pushErr, &rep); err != nil {
				return rep, err
			}
			break
		}
	}

	if queue, err = c.outbox.ListMutations(ctx); err == nil {
		c.observer.QueueDepth(len(record.Mutations(queue).OwnedBy(uid)))
	}
	return rep, nil
}

func (c *Coordinator) accepted(ctx context.Context, m record.Mutation, auth *record.Record, last bool) error {
	c.observer.PushAccepted(m.Op)
	if err := c.outbox.RemoveMutations(ctx, m.ID); err != nil {
		return errors.Wrap(err, "removing pushed mutation")
	}
	if !last || auth == nil {
		return nil
	}
	// the local copy may have moved on while the push was in flight
	local, err := c.engine.Local(ctx, auth.ID)
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return err
	}
	if err == nil && local.EditCount > auth.EditCount {
		return nil
	}
	return c.engine.ApplyRemote(ctx, *auth)
}

func (c *Coordinator) failed(ctx context.Context, m record.Mutation, later record.Mutations, pushErr error, rep *Report) error {
	kind := core.KindOf(pushErr)
	c.observer.PushFailed(m.Op, kind)

	switch kind {
	case core.KindStaleWrite, core.KindPermissionDenied, core.KindInvalidState, core.KindValidation:
		return c.hold(ctx, m, later, pushErr, rep)
	case core.KindNotFound:
		return c.drop(ctx, m, later, pushErr, rep)
	default:
		return c.retry(ctx, m, pushErr, rep)
	}
}

// retry schedules the entry again with capped exponential backoff. It is
// never abandoned; past MaxAttempts it shows as "sync pending".
func (c *Coordinator) retry(ctx context.Context, m record.Mutation, pushErr error, rep *Report) error {
	m.Attempts++
	m.NextAttemptAt = c.now().Add(Backoff(c.conf.BackoffBase, c.conf.BackoffCap, m.Attempts))
	m.ErrorKind = core.KindOf(pushErr)
	m.LastError = pushErr.Error()
	rep.Retrying++

	if m.Attempts >= c.conf.MaxAttempts {
		if m.Status != record.StatusPending {
			c.logger.Warn("sync pending", map[string]interface{}{"record": m.RecordID, "op": m.Op, "attempts": m.Attempts, "error": m.LastError})
			c.notify(ctx, Notification{
				RecordID: m.RecordID, Op: m.Op, Kind: core.KindTransient,
				Message: "your change is saved locally and will be sent when the connection recovers",
			})
		}
		m.Status = record.StatusPending
		rep.Pending++
	}
	return errors.Wrap(c.outbox.UpdateMutation(ctx, m), "rescheduling mutation")
}

// hold replaces the local copy with the authoritative one and holds the
// record's queue until the user resolves the conflict.
func (c *Coordinator) hold(ctx context.Context, m record.Mutation, later record.Mutations, pushErr error, rep *Report) error {
	current, err := c.remote.Fetch(ctx, m.RecordID)
	switch {
	case errors.Is(err, core.ErrNotFound), errors.Is(err, core.ErrPermissionDenied):
		return c.drop(ctx, m, later, pushErr, rep)
	case err != nil:
		// the authoritative copy is out of reach; try the whole thing later
		return c.retry(ctx, m, err, rep)
	}

	if err = c.engine.ApplyRemote(ctx, current); err != nil {
		return err
	}

	m.Status = record.StatusConflict
	m.ErrorKind = core.KindOf(pushErr)
	m.LastError = pushErr.Error()
	if err = c.outbox.UpdateMutation(ctx, m); err != nil {
		return errors.Wrap(err, "holding mutation")
	}
	for _, l := range later {
		l.Status = record.StatusBlocked
		if err = c.outbox.UpdateMutation(ctx, l); err != nil {
			return errors.Wrap(err, "blocking mutation")
		}
	}
	rep.Conflicts++

	c.logger.Info("sync conflict", map[string]interface{}{
		"record": m.RecordID, "op": m.Op, "kind": m.ErrorKind, "local_edit": m.BasedOnEditCount, "remote_edit": current.EditCount,
	})
	c.notify(ctx, Notification{
		RecordID: m.RecordID,
		Op:       m.Op,
		Kind:     m.ErrorKind,
		Message:  conflictMessage(m, pushErr),
		Diff:     Diff(m.Record, &current),
	})
	return nil
}

// drop forgets a record that no longer exists remotely, or that the user may
// no longer see.
func (c *Coordinator) drop(ctx context.Context, m record.Mutation, later record.Mutations, pushErr error, rep *Report) error {
	if err := c.engine.DropLocal(ctx, m.RecordID); err != nil {
		return err
	}
	ids := append([]string{m.ID}, later.IDs()...)
	if err := c.outbox.RemoveMutations(ctx, ids...); err != nil {
		return errors.Wrap(err, "removing mutations")
	}
	rep.Dropped++
	if m.Op == record.OpDelete && errors.Is(pushErr, core.ErrNotFound) {
		return nil
	}
	c.notify(ctx, Notification{
		RecordID: m.RecordID,
		Op:       m.Op,
		Kind:     core.KindOf(pushErr),
		Message:  "the record no longer exists on the server; your pending changes to it were discarded",
	})
	return nil
}

func conflictMessage(m record.Mutation, err error) string {
	var rErr *core.RecordError
	reason := err.Error()
	if errors.As(err, &rErr) && rErr.Reason != "" {
		reason = rErr.Reason
	}
	if core.KindOf(err) == core.KindStaleWrite {
		return "the record was changed elsewhere; your " + string(m.Op) + " was not applied (" + reason + ")"
	}
	return "the server refused your " + string(m.Op) + ": " + reason
}

// Backoff returns the delay before the attempt-th retry: base doubled per
// attempt, capped.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
