package inmemdb

import (
	"context"
	"sync"

	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/remote"
)

// documentStore is the memory backend of the remote store.
type documentStore struct {
	db *docTable
}

var _ remote.DocumentStore = (*documentStore)(nil)

func NewDocumentStore(db *DB) *documentStore {
	return &documentStore{db: db.docs}
}

func (ds *documentStore) lock(id string) *sync.Mutex {
	ds.db.Lock()
	defer ds.db.Unlock()
	mu, ok := ds.db.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		ds.db.locks[id] = mu
	}
	return mu
}

func (ds *documentStore) Apply(ctx context.Context, id string, fn remote.ApplyFunc) error {
	mu := ds.lock(id)
	mu.Lock()
	defer mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	ds.db.RLock()
	var stored *record.Record
	if r, ok := ds.db.table[id]; ok {
		c := r.Clone()
		stored = &c
	}
	ds.db.RUnlock()

	next, err := fn(stored)
	if err != nil {
		return err
	}

	ds.db.Lock()
	defer ds.db.Unlock()
	if next == nil {
		delete(ds.db.table, id)
		return nil
	}
	c := next.Clone()
	ds.db.table[id] = &c
	return nil
}

func (ds *documentStore) Get(_ context.Context, id string) (record.Record, error) {
	ds.db.RLock()
	defer ds.db.RUnlock()
	if r, ok := ds.db.table[id]; ok {
		return r.Clone(), nil
	}
	return record.Record{}, record.ErrNotFound
}

func (ds *documentStore) Query(_ context.Context, pred record.Predicate) ([]record.Record, error) {
	ds.db.RLock()
	defer ds.db.RUnlock()
	res := make([]record.Record, 0)
	for _, r := range ds.db.table {
		if pred.Match(*r) {
			res = append(res, r.Clone())
		}
	}
	sortRecords(res)
	return res, nil
}
