package inmemdb

import (
	"context"
	"sort"

	"github.com/trezcool/rollcall/core/record"
)

type recordRepository struct {
	db *recordTable
}

var _ record.Repository = (*recordRepository)(nil)

func NewRecordRepository(db *DB) *recordRepository {
	return &recordRepository{db: db.record}
}

func (repo *recordRepository) find(id string) (*record.Record, bool) {
	for _, recs := range repo.db.table {
		if r, ok := recs[id]; ok {
			return r, true
		}
	}
	return nil, false
}

func (repo *recordRepository) GetRecord(_ context.Context, id string) (record.Record, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	if r, ok := repo.find(id); ok {
		return r.Clone(), nil
	}
	return record.Record{}, record.ErrNotFound
}

func (repo *recordRepository) PutRecord(_ context.Context, r record.Record) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	recs, ok := repo.db.table[r.Kind]
	if !ok {
		recs = make(map[string]*record.Record)
		repo.db.table[r.Kind] = recs
	}
	r = r.Clone()
	recs[r.ID] = &r
	return nil
}

func (repo *recordRepository) DeleteRecord(_ context.Context, id string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	for _, recs := range repo.db.table {
		if _, ok := recs[id]; ok {
			delete(recs, id)
			return nil
		}
	}
	return record.ErrNotFound
}

func (repo *recordRepository) QueryRecords(_ context.Context, pred record.Predicate) ([]record.Record, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	res := make([]record.Record, 0)
	for _, recs := range repo.db.table {
		for _, r := range recs {
			if pred.Match(*r) {
				res = append(res, r.Clone())
			}
		}
	}
	sortRecords(res)
	return res, nil
}

func sortRecords(recs []record.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
}
