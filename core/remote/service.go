// Package remote is the acceptance path of the shared record store.
// Every write is re-validated against the stored document by the mirrored
// rule evaluator before it is applied.
package remote

import (
	"context"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/policy"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
)

type (
	// ApplyFunc receives the stored document (nil when absent) and returns the
	// document to store; a nil document removes it. An error aborts the write.
	ApplyFunc func(stored *record.Record) (*record.Record, error)

	// DocumentStore serializes writes per record: Apply runs fn atomically
	// with respect to every other write of the same id.
	DocumentStore interface {
		Apply(ctx context.Context, id string, fn ApplyFunc) error
		Get(ctx context.Context, id string) (record.Record, error)
		Query(ctx context.Context, pred record.Predicate) ([]record.Record, error)
	}

	StudentDirectory interface {
		GetStudent(ctx context.Context, id string) (student.Student, error)
	}

	// Observer is told about every write decision.
	Observer interface {
		WriteAccepted(op record.Op)
		WriteRejected(op record.Op, kind core.Kind)
	}

	Service struct {
		docs     DocumentStore
		students StudentDirectory
		logger   core.Logger
		observer Observer
	}
)

func NewService(docs DocumentStore, students StudentDirectory, logger core.Logger, observer Observer) *Service {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Service{docs: docs, students: students, logger: logger, observer: observer}
}

// Put accepts or rejects a queued mutation made by actor.
// It returns the authoritative record; nil after a delete.
func (svc *Service) Put(ctx context.Context, actor user.User, m record.Mutation) (*record.Record, error) {
	if m.Record == nil || m.Record.ID != m.RecordID {
		return nil, core.NewValidationError(nil, core.FieldError{Field: "record", Error: "missing or mismatching record"})
	}
	if m.Op == record.OpCreate {
		if err := svc.checkStudent(ctx, *m.Record); err != nil {
			svc.observer.WriteRejected(m.Op, core.KindOf(err))
			return nil, err
		}
	}

	var result *record.Record
	err := svc.docs.Apply(ctx, m.RecordID, func(stored *record.Record) (*record.Record, error) {
		// a retried push whose first attempt was applied
		if stored != nil && m.Op != record.OpDelete && stored.SameVersion(*m.Record) &&
			policy.CanActOn(actor, *stored, record.OpRead) {
			result = stored
			return stored, nil
		}
		w := policy.Write{Actor: actor, Op: m.Op, Proposed: *m.Record, BasedOnEditCount: m.BasedOnEditCount}
		if d := policy.Evaluate(w, stored); !d.Allowed() {
			return nil, errors.WithMessage(d.Err, d.Check)
		}
		if m.Op == record.OpDelete {
			return nil, nil
		}
		rec := m.Record.Clone()
		result = &rec
		return &rec, nil
	})
	if err != nil {
		kind := core.KindOf(err)
		svc.observer.WriteRejected(m.Op, kind)
		if kind == core.KindInternal || kind == core.KindTransient {
			return nil, err
		}
		svc.logger.Info("write rejected", map[string]interface{}{
			"record": m.RecordID, "op": m.Op, "kind": kind, "reason": err.Error(), "by": actor.ID,
		})
		return nil, err
	}

	svc.observer.WriteAccepted(m.Op)
	if actor.IsAdmin() && m.Op == record.OpDelete && m.Record.State != record.StateDraft {
		svc.logger.Warn("admin override: exported record deleted", map[string]interface{}{"record": m.RecordID, "by": actor.ID}, actor)
	}
	return result, nil
}

func (svc *Service) checkStudent(ctx context.Context, rec record.Record) error {
	if svc.students == nil {
		return nil
	}
	st, err := svc.students.GetStudent(ctx, rec.StudentID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return core.NewValidationError(err, core.FieldError{Field: "student_id", Error: "student not found"})
		}
		return errors.Wrap(err, "getting student")
	}
	if st.GroupID != rec.GroupID || st.Year != rec.Year {
		return core.NewValidationError(nil, core.FieldError{Field: "group_id", Error: "group/year does not match the student"})
	}
	return nil
}

// Get returns a stored record actor may read.
func (svc *Service) Get(ctx context.Context, actor user.User, id string) (record.Record, error) {
	rec, err := svc.docs.Get(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	if err = policy.Authorize(actor, rec, record.OpRead); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// Query returns the stored records matching pred, intersected with what actor may read.
func (svc *Service) Query(ctx context.Context, actor user.User, pred record.Predicate) ([]record.Record, error) {
	pred = pred.And(policy.Visibility(actor))
	if pred.MatchesNothing() {
		return []record.Record{}, nil
	}
	recs, err := svc.docs.Query(ctx, pred)
	if err != nil {
		return nil, errors.Wrap(err, "querying documents")
	}
	res := make([]record.Record, 0, len(recs))
	for _, r := range recs {
		if policy.CanActOn(actor, r, record.OpRead) {
			res = append(res, r)
		}
	}
	return res, nil
}

type nopObserver struct{}

func (nopObserver) WriteAccepted(record.Op)            {}
func (nopObserver) WriteRejected(record.Op, core.Kind) {}
