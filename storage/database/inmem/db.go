// Package inmemdb is the local record cache: records per kind, the outbound
// queue and the pull marks, optionally persisted as a JSON snapshot.
// It also serves users, students and remote documents for the memory backend.
package inmemdb

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
)

type (
	DB struct {
		user    *userTable
		student *studentTable
		record  *recordTable
		outbox  *outboxTable
		marks   *markTable
		docs    *docTable
	}

	userTable struct {
		sync.RWMutex
		table map[string]*user.User
	}

	studentTable struct {
		sync.RWMutex
		table map[string]*student.Student
	}

	// recordTable holds one mapping from id to record per kind.
	recordTable struct {
		sync.RWMutex
		table map[record.Kind]map[string]*record.Record
	}

	outboxTable struct {
		sync.RWMutex
		seq   int64
		queue []record.Mutation
	}

	markTable struct {
		sync.RWMutex
		table map[string]time.Time
	}

	docTable struct {
		sync.RWMutex
		locks map[string]*sync.Mutex
		table map[string]*record.Record
	}
)

func Open() *DB {
	db := &DB{
		user:    &userTable{table: make(map[string]*user.User)},
		student: &studentTable{table: make(map[string]*student.Student)},
		record:  &recordTable{table: make(map[record.Kind]map[string]*record.Record)},
		outbox:  &outboxTable{},
		marks:   &markTable{table: make(map[string]time.Time)},
		docs:    &docTable{locks: make(map[string]*sync.Mutex), table: make(map[string]*record.Record)},
	}
	for _, k := range record.AllKinds {
		db.record.table[k] = make(map[string]*record.Record)
	}
	return db
}

// snapshot is the on-disk layout of the local cache.
type snapshot struct {
	Records   map[record.Kind]map[string]record.Record `json:"records"`
	Outbox    []record.Mutation                        `json:"outbox"`
	OutboxSeq int64                                    `json:"outbox_seq"`
	LastPull  map[string]time.Time                     `json:"last_pull"`
	Students  []student.Student                        `json:"students"`
	Users     []cachedUser                             `json:"users"`
}

// cachedUser is a signed-in identity with the bcrypt hash that unlocks it offline.
type cachedUser struct {
	user.User
	PasswordHash []byte `json:"password_hash,omitempty"`
}

// OpenFile loads the snapshot at path. A missing file gives an empty DB.
func OpenFile(path string) (*DB, error) {
	db := Open()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return db, nil
		}
		return nil, errors.Wrap(err, "reading snapshot")
	}
	var snap snapshot
	if err = json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot")
	}
	for kind, recs := range snap.Records {
		if _, ok := db.record.table[kind]; !ok {
			return nil, errors.Errorf("snapshot: unknown record kind %q", kind)
		}
		for id, r := range recs {
			r := r
			db.record.table[kind][id] = &r
		}
	}
	db.outbox.queue = snap.Outbox
	db.outbox.seq = snap.OutboxSeq
	for scope, t := range snap.LastPull {
		db.marks.table[scope] = t
	}
	for _, s := range snap.Students {
		s := s
		db.student.table[s.ID] = &s
	}
	for _, cu := range snap.Users {
		u := cu.User
		u.PasswordHash = cu.PasswordHash
		db.user.table[u.ID] = &u
	}
	return db, nil
}

// Save writes the local cache to path atomically.
func (db *DB) Save(path string) error {
	snap := snapshot{
		Records:  make(map[record.Kind]map[string]record.Record, len(record.AllKinds)),
		LastPull: make(map[string]time.Time),
	}

	db.record.RLock()
	for kind, recs := range db.record.table {
		snap.Records[kind] = make(map[string]record.Record, len(recs))
		for id, r := range recs {
			snap.Records[kind][id] = r.Clone()
		}
	}
	db.record.RUnlock()

	db.outbox.RLock()
	snap.Outbox = append([]record.Mutation(nil), db.outbox.queue...)
	snap.OutboxSeq = db.outbox.seq
	db.outbox.RUnlock()

	db.marks.RLock()
	for scope, t := range db.marks.table {
		snap.LastPull[scope] = t
	}
	db.marks.RUnlock()

	db.student.RLock()
	for _, s := range db.student.table {
		snap.Students = append(snap.Students, *s)
	}
	db.student.RUnlock()

	db.user.RLock()
	for _, u := range db.user.table {
		snap.Users = append(snap.Users, cachedUser{User: *u, PasswordHash: u.PasswordHash})
	}
	db.user.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	if err = os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating snapshot dir")
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "writing snapshot")
	}
	return errors.Wrap(os.Rename(tmp, path), "replacing snapshot")
}
