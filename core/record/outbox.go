package record

import (
	"context"
	"time"

	"github.com/trezcool/rollcall/core"
)

// Op is an operation on a record.
type Op string

// Operations
const (
	OpCreate Op = "create"
	OpRead   Op = "read"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpExport Op = "export"
	OpUnlock Op = "unlock"
	OpLock   Op = "lock"
)

var AllOps = []Op{OpCreate, OpRead, OpUpdate, OpDelete, OpExport, OpUnlock, OpLock}

func (op Op) IsValid() bool {
	for _, o := range AllOps {
		if op == o {
			return true
		}
	}
	return false
}

// IsWrite reports whether op mutates the record.
func (op Op) IsWrite() bool {
	return op != OpRead && op.IsValid()
}

type MutationStatus string

// Mutation statuses
const (
	// StatusQueued waits for its turn to be pushed.
	StatusQueued MutationStatus = "queued"
	// StatusPending failed transiently past the attempt cap; it is still retried.
	StatusPending MutationStatus = "sync pending"
	// StatusConflict was rejected by the remote store and awaits resolution.
	StatusConflict MutationStatus = "conflict"
	// StatusBlocked sits behind a conflict on the same record.
	StatusBlocked MutationStatus = "blocked"
)

// Mutation is an entry of the outbound queue.
// Record is the local post-mutation snapshot; for a delete it is the snapshot
// of the removed record.
type Mutation struct {
	ID               string         `json:"id"`
	Seq              int64          `json:"seq"`
	RecordID         string         `json:"record_id"`
	ActorID          string         `json:"actor_id,omitempty"`
	Op               Op             `json:"op"`
	Record           *Record        `json:"record,omitempty"`
	BasedOnEditCount int64          `json:"based_on_edit_count"`
	QueuedAt         time.Time      `json:"queued_at"`
	Attempts         int            `json:"attempts"`
	NextAttemptAt    time.Time      `json:"next_attempt_at"`
	Status           MutationStatus `json:"status"`
	ErrorKind        core.Kind      `json:"error_kind,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
}

// IsHeld reports whether the mutation waits on a conflict resolution.
func (m Mutation) IsHeld() bool {
	return m.Status == StatusConflict || m.Status == StatusBlocked
}

// OwnedBy reports whether userID queued the mutation. Entries queued before
// mutations carried their author belong to whoever is signed in.
func (m Mutation) OwnedBy(userID string) bool {
	return m.ActorID == "" || m.ActorID == userID
}

// Outbox is the persisted outbound queue.
// List returns the entries ordered by Seq, which Enqueue assigns.
type Outbox interface {
	Enqueue(ctx context.Context, m Mutation) (Mutation, error)
	ListMutations(ctx context.Context) ([]Mutation, error)
	UpdateMutation(ctx context.Context, m Mutation) error
	RemoveMutations(ctx context.Context, ids ...string) error
}

// PullMarks stores the last successful pull per scope key.
type PullMarks interface {
	LastPull(ctx context.Context, scope string) (time.Time, error)
	SetLastPull(ctx context.Context, scope string, at time.Time) error
}

// Mutations is an ordered list of queued mutations.
type Mutations []Mutation

func (ms Mutations) ForRecord(id string) Mutations {
	var res Mutations
	for _, m := range ms {
		if m.RecordID == id {
			res = append(res, m)
		}
	}
	return res
}

// OwnedBy keeps the entries queued by userID.
func (ms Mutations) OwnedBy(userID string) Mutations {
	var res Mutations
	for _, m := range ms {
		if m.OwnedBy(userID) {
			res = append(res, m)
		}
	}
	return res
}

// RecordIDs returns the distinct record ids in queue order.
func (ms Mutations) RecordIDs() []string {
	seen := make(map[string]struct{}, len(ms))
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		if _, ok := seen[m.RecordID]; !ok {
			seen[m.RecordID] = struct{}{}
			ids = append(ids, m.RecordID)
		}
	}
	return ids
}

func (ms Mutations) IDs() []string {
	ids := make([]string, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.ID)
	}
	return ids
}
