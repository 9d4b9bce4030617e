package syncer

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
)

// Conflict is a queued change the remote store refused.
// Attempted is what this device tried to write, Current the copy now cached.
type Conflict struct {
	RecordID  string         `json:"record_id"`
	Op        record.Op      `json:"op"`
	Kind      core.Kind      `json:"kind"`
	Reason    string         `json:"reason"`
	Blocked   int            `json:"blocked"` // later changes held behind it
	Attempted *record.Record `json:"attempted"`
	Current   *record.Record `json:"current"`
	Diff      string         `json:"diff"`
}

// Conflicts lists the unresolved conflicts of the session user in queue order.
func (c *Coordinator) Conflicts(ctx context.Context) ([]Conflict, error) {
	queue, err := c.outbox.ListMutations(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "listing outbox")
	}
	ms := record.Mutations(queue).OwnedBy(c.sess.UserID())
	res := make([]Conflict, 0)
	for _, m := range ms {
		if m.Status != record.StatusConflict {
			continue
		}
		cf := Conflict{RecordID: m.RecordID, Op: m.Op, Kind: m.ErrorKind, Reason: m.LastError, Attempted: m.Record}
		for _, l := range ms.ForRecord(m.RecordID) {
			if l.Status == record.StatusBlocked {
				cf.Blocked++
			}
		}
		current, err := c.engine.Local(ctx, m.RecordID)
		if err == nil {
			cf.Current = &current
		} else if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		cf.Diff = Diff(cf.Attempted, cf.Current)
		res = append(res, cf)
	}
	return res, nil
}

// Resolve discards the refused change and the ones held behind it, so the
// user can redo them on the current copy. Changes queued after the conflict
// was detected are kept.
func (c *Coordinator) Resolve(ctx context.Context, recordID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	queue, err := c.outbox.ListMutations(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing outbox")
	}
	var ids []string
	for _, m := range record.Mutations(queue).OwnedBy(c.sess.UserID()).ForRecord(recordID) {
		if m.IsHeld() {
			ids = append(ids, m.ID)
		}
	}
	if len(ids) == 0 {
		return 0, errors.WithMessagef(core.ErrNotFound, "no conflict on record %s", recordID)
	}
	if err = c.outbox.RemoveMutations(ctx, ids...); err != nil {
		return 0, errors.Wrap(err, "removing mutations")
	}
	c.logger.Info("conflict resolved", map[string]interface{}{"record": recordID, "discarded": len(ids)})
	return len(ids), nil
}

// Diff renders a unified diff between two versions of a record.
func Diff(from, to *record.Record) string {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(render(from)),
		B:        difflib.SplitLines(render(to)),
		FromFile: "local",
		ToFile:   "remote",
		Context:  3,
	})
	if err != nil {
		return ""
	}
	return text
}

func render(r *record.Record) string {
	if r == nil {
		return ""
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return ""
	}
	return string(data) + "\n"
}
