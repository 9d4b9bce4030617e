// Package lifecycle is the record lifecycle and permission engine.
// It is the only writer of the local record cache.
package lifecycle

import (
	"context"
	"sync"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/policy"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
)

var errNoSession = errors.WithMessage(core.ErrPermissionDenied, "no session")

type (
	// StudentDirectory resolves the students referenced by records.
	StudentDirectory interface {
		GetStudent(ctx context.Context, id string) (student.Student, error)
	}

	Engine struct {
		records    record.Repository
		outbox     record.Outbox
		students   StudentDirectory
		validate   *validator.Validate
		translator ut.Translator
		logger     core.Logger
		now        func() time.Time
		mu         sync.Mutex
	}

	// Rejection names a record an operation was refused on and why.
	Rejection struct {
		RecordID string    `json:"record_id"`
		Kind     core.Kind `json:"kind"`
		Reason   string    `json:"reason"`
	}

	// BatchResult reports a partially successful batch.
	BatchResult struct {
		Succeeded []record.Record `json:"succeeded"`
		Rejected  []Rejection     `json:"rejected"`
	}
)

func NewEngine(
	records record.Repository,
	outbox record.Outbox,
	students StudentDirectory,
	validate *validator.Validate,
	translator ut.Translator,
	logger core.Logger,
) *Engine {
	return &Engine{
		records:    records,
		outbox:     outbox,
		students:   students,
		validate:   validate,
		translator: translator,
		logger:     logger,
		now:        now,
	}
}

// now is truncated to what every store keeps.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// Create adds a draft record for a student of the caller's scope.
func (eng *Engine) Create(ctx context.Context, sess user.Session, nr record.NewRecord) (record.Record, error) {
	if sess.IsZero() {
		return record.Record{}, errNoSession
	}
	nr.Clean()
	if err := eng.validate.Struct(nr); err != nil {
		return record.Record{}, core.TranslateValidationErrors(err, eng.translator)
	}

	st, err := eng.students.GetStudent(ctx, nr.StudentID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return record.Record{}, core.NewValidationError(err, core.FieldError{Field: "student_id", Error: "student not found"})
		}
		return record.Record{}, errors.Wrap(err, "getting student")
	}
	if (nr.GroupID != "" && nr.GroupID != st.GroupID) || (nr.Year != 0 && nr.Year != st.Year) {
		return record.Record{}, core.NewValidationError(nil, core.FieldError{Field: "group_id", Error: "group/year does not match the student"})
	}

	actor := sess.User()
	author := actor.ID
	if actor.IsAdmin() && nr.AuthorID != "" {
		author = nr.AuthorID
	}
	if !actor.IsAdmin() && nr.AuthorID != "" && nr.AuthorID != actor.ID {
		return record.Record{}, core.NewRecordError("", core.ErrPermissionDenied, "trainers only author their own records")
	}

	t := eng.now()
	rec := record.Record{
		ID:           uuid.NewString(),
		Kind:         nr.Kind,
		StudentID:    st.ID,
		GroupID:      st.GroupID,
		Year:         st.Year,
		AuthorID:     author,
		Payload:      nr.Payload.Clone(),
		State:        record.StateDraft,
		EditCount:    0,
		CreatedAt:    t,
		LastEditedAt: t,
		LastEditedBy: actor.ID,
	}
	normalizePayload(&rec.Payload)
	if err = policy.Authorize(actor, rec, record.OpCreate); err != nil {
		return record.Record{}, err
	}

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if err = eng.commit(ctx, actor, record.OpCreate, nil, rec); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// Update applies patch to a record the caller last observed at basedOnEditCount.
func (eng *Engine) Update(ctx context.Context, sess user.Session, id string, basedOnEditCount int64, patch record.Patch) (record.Record, error) {
	if sess.IsZero() {
		return record.Record{}, errNoSession
	}
	actor := sess.User()

	eng.mu.Lock()
	defer eng.mu.Unlock()

	cur, err := eng.records.GetRecord(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	if err = policy.Authorize(actor, cur, record.OpUpdate); err != nil {
		return record.Record{}, err
	}
	if cur.EditCount != basedOnEditCount {
		return record.Record{}, core.NewRecordError(id, core.ErrStaleWrite, "record changed since you last saw it, refresh and retry")
	}
	if patch.IsEmpty() {
		return record.Record{}, core.NewValidationError(nil, core.FieldError{Field: "patch", Error: "nothing to update"})
	}

	next := cur.Clone()
	if err = patch.Apply(&next); err != nil {
		return record.Record{}, err
	}
	normalizePayload(&next.Payload)
	eng.stamp(&next, actor)

	if actor.IsAdmin() && !cur.IsDraft() {
		eng.logger.Warn("admin override: editing "+string(cur.State)+" record",
			map[string]interface{}{"record": id, "author": cur.AuthorID, "by": actor.ID}, actor)
	}
	if err = eng.commit(ctx, actor, record.OpUpdate, &cur, next); err != nil {
		return record.Record{}, err
	}
	return next, nil
}

// ExportBatch exports each record independently. A refused record never
// blocks the others.
func (eng *Engine) ExportBatch(ctx context.Context, sess user.Session, ids []string) (BatchResult, error) {
	if sess.IsZero() {
		return BatchResult{}, errNoSession
	}
	actor := sess.User()
	res := BatchResult{Succeeded: []record.Record{}, Rejected: []Rejection{}}

	eng.mu.Lock()
	defer eng.mu.Unlock()

	for _, id := range ids {
		rec, err := eng.export(ctx, actor, id)
		if err != nil {
			if core.KindOf(err) == core.KindInternal {
				return res, err
			}
			res.Rejected = append(res.Rejected, Rejection{RecordID: id, Kind: core.KindOf(err), Reason: reasonOf(err)})
			continue
		}
		res.Succeeded = append(res.Succeeded, rec)
	}
	if len(res.Rejected) > 0 {
		eng.logger.Info("export batch partially rejected",
			map[string]interface{}{"by": actor.ID, "succeeded": len(res.Succeeded), "rejected": len(res.Rejected)})
	}
	return res, nil
}

func (eng *Engine) export(ctx context.Context, actor user.User, id string) (record.Record, error) {
	cur, err := eng.records.GetRecord(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	if err = policy.Authorize(actor, cur, record.OpExport); err != nil {
		return record.Record{}, err
	}
	next, err := eng.transition(cur, actor, record.OpExport)
	if err != nil {
		return record.Record{}, err
	}
	t := next.LastEditedAt
	next.ExportedAt = &t
	next.ExportedBy = actor.ID
	if err = eng.commit(ctx, actor, record.OpExport, &cur, next); err != nil {
		return record.Record{}, err
	}
	return next, nil
}

// Unlock reverts an exported or locked record to draft. The edit count carries on.
func (eng *Engine) Unlock(ctx context.Context, sess user.Session, id string) (record.Record, error) {
	return eng.adminTransition(ctx, sess, id, record.OpUnlock)
}

// Lock makes an exported record read-only for every non-admin.
func (eng *Engine) Lock(ctx context.Context, sess user.Session, id string) (record.Record, error) {
	return eng.adminTransition(ctx, sess, id, record.OpLock)
}

func (eng *Engine) adminTransition(ctx context.Context, sess user.Session, id string, op record.Op) (record.Record, error) {
	if sess.IsZero() {
		return record.Record{}, errNoSession
	}
	actor := sess.User()

	eng.mu.Lock()
	defer eng.mu.Unlock()

	cur, err := eng.records.GetRecord(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	if err = policy.Authorize(actor, cur, op); err != nil {
		return record.Record{}, err
	}
	next, err := eng.transition(cur, actor, op)
	if err != nil {
		return record.Record{}, err
	}
	if op == record.OpUnlock {
		next.ExportedAt = nil
		next.ExportedBy = ""
	}
	if err = eng.commit(ctx, actor, op, &cur, next); err != nil {
		return record.Record{}, err
	}
	eng.logger.Info("record "+string(op)+"ed", map[string]interface{}{"record": id, "state": next.State, "by": actor.ID})
	return next, nil
}

// Delete removes a draft. An admin may delete in any state; that path is logged.
func (eng *Engine) Delete(ctx context.Context, sess user.Session, id string) error {
	if sess.IsZero() {
		return errNoSession
	}
	actor := sess.User()

	eng.mu.Lock()
	defer eng.mu.Unlock()

	cur, err := eng.records.GetRecord(ctx, id)
	if err != nil {
		return err
	}
	if err = policy.Authorize(actor, cur, record.OpDelete); err != nil {
		return err
	}
	if !cur.IsDraft() {
		return eng.overrideDelete(ctx, actor, cur)
	}
	return eng.commit(ctx, actor, record.OpDelete, &cur, cur)
}

// overrideDelete destroys exported data; only admins get here.
func (eng *Engine) overrideDelete(ctx context.Context, actor user.User, cur record.Record) error {
	eng.logger.Warn("admin override: deleting "+string(cur.State)+" record",
		map[string]interface{}{
			"record":      cur.ID,
			"author":      cur.AuthorID,
			"exported_by": cur.ExportedBy,
			"edit_count":  cur.EditCount,
			"by":          actor.ID,
		}, actor)
	return eng.commit(ctx, actor, record.OpDelete, &cur, cur)
}

// Get returns a record the caller may read.
func (eng *Engine) Get(ctx context.Context, sess user.Session, id string) (record.Record, error) {
	if sess.IsZero() {
		return record.Record{}, errNoSession
	}
	rec, err := eng.records.GetRecord(ctx, id)
	if err != nil {
		return record.Record{}, err
	}
	if err = policy.Authorize(sess.User(), rec, record.OpRead); err != nil {
		return record.Record{}, err
	}
	return rec, nil
}

// Query returns the records matching pred among those the caller may read.
func (eng *Engine) Query(ctx context.Context, sess user.Session, pred record.Predicate) ([]record.Record, error) {
	if sess.IsZero() {
		return nil, errNoSession
	}
	actor := sess.User()
	pred = pred.And(policy.Visibility(actor))
	if pred.MatchesNothing() {
		return []record.Record{}, nil
	}
	recs, err := eng.records.QueryRecords(ctx, pred)
	if err != nil {
		return nil, errors.Wrap(err, "querying records")
	}
	res := recs[:0]
	for _, r := range recs {
		if policy.CanActOn(actor, r, record.OpRead) {
			res = append(res, r)
		}
	}
	return res, nil
}

// Capabilities lists what the caller may do with a record.
func (eng *Engine) Capabilities(sess user.Session, rec record.Record) []record.Op {
	return policy.Allowed(sess.User(), rec)
}

func (eng *Engine) stamp(next *record.Record, actor user.User) {
	next.EditCount++
	next.LastEditedAt = eng.now()
	next.LastEditedBy = actor.ID
}

func (eng *Engine) transition(cur record.Record, actor user.User, op record.Op) (record.Record, error) {
	state, err := policy.NextState(cur.State, op)
	if err != nil {
		return record.Record{}, core.NewRecordError(cur.ID, core.ErrInvalidState, "cannot "+string(op)+" a "+string(cur.State)+" record")
	}
	next := cur.Clone()
	next.State = state
	eng.stamp(&next, actor)
	return next, nil
}

// commit runs the mirrored evaluator as the last gate, then writes the cache
// and queues the mutation. Callers hold eng.mu.
func (eng *Engine) commit(ctx context.Context, actor user.User, op record.Op, cur *record.Record, next record.Record) error {
	var based int64
	if cur != nil {
		based = cur.EditCount
	}
	if d := policy.Evaluate(policy.Write{Actor: actor, Op: op, Proposed: next, BasedOnEditCount: based}, cur); !d.Allowed() {
		return d.Err
	}

	var err error
	if op == record.OpDelete {
		err = eng.records.DeleteRecord(ctx, next.ID)
	} else {
		err = eng.records.PutRecord(ctx, next)
	}
	if err != nil {
		return errors.Wrapf(err, "saving record %s", next.ID)
	}

	snapshot := next.Clone()
	_, err = eng.outbox.Enqueue(ctx, record.Mutation{
		ID:               uuid.NewString(),
		RecordID:         next.ID,
		ActorID:          actor.ID,
		Op:               op,
		Record:           &snapshot,
		BasedOnEditCount: based,
		QueuedAt:         eng.now(),
		Status:           record.StatusQueued,
	})
	if err != nil {
		return errors.Wrapf(err, "queueing %s of record %s", op, next.ID)
	}
	return nil
}

func normalizePayload(p *record.Payload) {
	if a := p.Attendance; a != nil {
		a.Date = a.Date.UTC().Truncate(time.Microsecond)
	}
	if a := p.Assessment; a != nil {
		a.AssessedOn = a.AssessedOn.UTC().Truncate(time.Microsecond)
	}
}

func reasonOf(err error) string {
	var rErr *core.RecordError
	if errors.As(err, &rErr) && rErr.Reason != "" {
		return rErr.Reason
	}
	return err.Error()
}
