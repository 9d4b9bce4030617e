package inmemdb

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
)

var errMutationNotFound = errors.WithMessage(core.ErrNotFound, "mutation")

type outbox struct {
	db *outboxTable
}

var _ record.Outbox = (*outbox)(nil)

func NewOutbox(db *DB) *outbox {
	return &outbox{db: db.outbox}
}

func (ob *outbox) Enqueue(_ context.Context, m record.Mutation) (record.Mutation, error) {
	ob.db.Lock()
	defer ob.db.Unlock()
	ob.db.seq++
	m.Seq = ob.db.seq
	ob.db.queue = append(ob.db.queue, m)
	return m, nil
}

func (ob *outbox) ListMutations(_ context.Context) ([]record.Mutation, error) {
	ob.db.RLock()
	defer ob.db.RUnlock()
	return append([]record.Mutation{}, ob.db.queue...), nil
}

func (ob *outbox) UpdateMutation(_ context.Context, m record.Mutation) error {
	ob.db.Lock()
	defer ob.db.Unlock()
	for i := range ob.db.queue {
		if ob.db.queue[i].ID == m.ID {
			m.Seq = ob.db.queue[i].Seq
			ob.db.queue[i] = m
			return nil
		}
	}
	return errMutationNotFound
}

func (ob *outbox) RemoveMutations(_ context.Context, ids ...string) error {
	ob.db.Lock()
	defer ob.db.Unlock()
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	queue := ob.db.queue[:0]
	for _, m := range ob.db.queue {
		if _, ok := drop[m.ID]; !ok {
			queue = append(queue, m)
		}
	}
	ob.db.queue = queue
	return nil
}

type pullMarks struct {
	db *markTable
}

var _ record.PullMarks = (*pullMarks)(nil)

func NewPullMarks(db *DB) *pullMarks {
	return &pullMarks{db: db.marks}
}

// LastPull returns the zero time when scope was never pulled.
func (pm *pullMarks) LastPull(_ context.Context, scope string) (time.Time, error) {
	pm.db.RLock()
	defer pm.db.RUnlock()
	return pm.db.table[scope], nil
}

func (pm *pullMarks) SetLastPull(_ context.Context, scope string, at time.Time) error {
	pm.db.Lock()
	defer pm.db.Unlock()
	pm.db.table[scope] = at.UTC()
	return nil
}
