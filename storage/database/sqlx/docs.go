package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/remote"
)

type recordRow struct {
	ID           string      `db:"id"`
	Kind         string      `db:"kind"`
	StudentID    string      `db:"student_id"`
	GroupID      string      `db:"group_id"`
	Year         int         `db:"year"`
	AuthorID     string      `db:"author_id"`
	State        string      `db:"state"`
	Payload      []byte      `db:"payload"`
	ExportedAt   null.Time   `db:"exported_at"`
	ExportedBy   null.String `db:"exported_by"`
	EditCount    int64       `db:"edit_count"`
	CreatedAt    time.Time   `db:"created_at"`
	LastEditedAt time.Time   `db:"last_edited_at"`
	LastEditedBy string      `db:"last_edited_by"`
}

func toRecordRow(r record.Record) (recordRow, error) {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return recordRow{}, errors.Wrapf(err, "encoding payload of record %s", r.ID)
	}
	return recordRow{
		ID:           r.ID,
		Kind:         string(r.Kind),
		StudentID:    r.StudentID,
		GroupID:      r.GroupID,
		Year:         r.Year,
		AuthorID:     r.AuthorID,
		State:        string(r.State),
		Payload:      payload,
		ExportedAt:   null.TimeFromPtr(r.ExportedAt),
		ExportedBy:   null.NewString(r.ExportedBy, r.ExportedBy != ""),
		EditCount:    r.EditCount,
		CreatedAt:    r.CreatedAt,
		LastEditedAt: r.LastEditedAt,
		LastEditedBy: r.LastEditedBy,
	}, nil
}

func (row recordRow) toRecord() (record.Record, error) {
	r := record.Record{
		ID:           row.ID,
		Kind:         record.Kind(row.Kind),
		StudentID:    row.StudentID,
		GroupID:      row.GroupID,
		Year:         row.Year,
		AuthorID:     row.AuthorID,
		State:        record.State(row.State),
		ExportedBy:   row.ExportedBy.String,
		EditCount:    row.EditCount,
		CreatedAt:    row.CreatedAt.UTC(),
		LastEditedAt: row.LastEditedAt.UTC(),
		LastEditedBy: row.LastEditedBy,
	}
	if row.ExportedAt.Valid {
		t := row.ExportedAt.Time.UTC()
		r.ExportedAt = &t
	}
	if err := json.Unmarshal(row.Payload, &r.Payload); err != nil {
		return record.Record{}, errors.Wrapf(err, "decoding payload of record %s", row.ID)
	}
	return r, nil
}

const recordColumns = `id, kind, student_id, group_id, year, author_id, state, payload,
	exported_at, exported_by, edit_count, created_at, last_edited_at, last_edited_by`

// documentStore is the postgres backend of the remote store.
type documentStore struct {
	db *sqlx.DB
}

var _ remote.DocumentStore = (*documentStore)(nil)

func NewDocumentStore(db *sqlx.DB) *documentStore {
	return &documentStore{db: db}
}

// Apply serializes writes of the same id with a transaction scoped advisory
// lock, so creates of a not yet stored id are serialized too.
func (ds *documentStore) Apply(ctx context.Context, id string, fn remote.ApplyFunc) (err error) {
	tx, err := ds.db.BeginTxx(ctx, nil)
	if err != nil {
		return transient(errors.Wrap(err, "beginning transaction"))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, id); err != nil {
		return transient(errors.Wrap(err, "locking record"))
	}

	var stored *record.Record
	var row recordRow
	switch err = tx.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM record WHERE id = $1`, id); {
	case errors.Is(err, sql.ErrNoRows):
		err = nil
	case err != nil:
		return errors.Wrap(err, "reading record")
	default:
		r, convErr := row.toRecord()
		if convErr != nil {
			err = convErr
			return err
		}
		stored = &r
	}

	next, err := fn(stored)
	if err != nil {
		return err
	}

	switch {
	case next == nil && stored != nil:
		_, err = tx.ExecContext(ctx, `DELETE FROM record WHERE id = $1`, id)
	case next != nil:
		var nr recordRow
		if nr, err = toRecordRow(*next); err != nil {
			return err
		}
		_, err = tx.NamedExecContext(ctx, `INSERT INTO record (`+recordColumns+`) VALUES
			(:id, :kind, :student_id, :group_id, :year, :author_id, :state, :payload,
			 :exported_at, :exported_by, :edit_count, :created_at, :last_edited_at, :last_edited_by)
			ON CONFLICT (id) DO UPDATE SET
				state = EXCLUDED.state, payload = EXCLUDED.payload,
				exported_at = EXCLUDED.exported_at, exported_by = EXCLUDED.exported_by,
				edit_count = EXCLUDED.edit_count,
				last_edited_at = EXCLUDED.last_edited_at, last_edited_by = EXCLUDED.last_edited_by`, nr)
	}
	if err != nil {
		return errors.Wrapf(err, "writing record %s", id)
	}
	if err = tx.Commit(); err != nil {
		return transient(errors.Wrap(err, "committing record"))
	}
	return nil
}

func (ds *documentStore) Get(ctx context.Context, id string) (record.Record, error) {
	var row recordRow
	if err := ds.db.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM record WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return record.Record{}, record.ErrNotFound
		}
		return record.Record{}, errors.Wrap(err, "getting record")
	}
	return row.toRecord()
}

func (ds *documentStore) Query(ctx context.Context, pred record.Predicate) ([]record.Record, error) {
	if pred.MatchesNothing() {
		return []record.Record{}, nil
	}
	years := make(pq.Int64Array, 0, len(pred.Years))
	for _, y := range pred.Years {
		years = append(years, int64(y))
	}
	q := `SELECT ` + recordColumns + ` FROM record
		WHERE (cardinality($1::text[]) = 0 OR kind = ANY($1))
		AND (cardinality($2::text[]) = 0 OR id = ANY($2))
		AND (cardinality($3::text[]) = 0 OR student_id = ANY($3))
		AND (cardinality($4::text[]) = 0 OR group_id = ANY($4))
		AND (cardinality($5::bigint[]) = 0 OR year = ANY($5))
		AND (cardinality($6::text[]) = 0 OR author_id = ANY($6))
		AND (cardinality($7::text[]) = 0 OR state = ANY($7))
		ORDER BY created_at, id`

	var rows []recordRow
	err := ds.db.SelectContext(ctx, &rows, q,
		pqStrings(toStrings(pred.Kinds)),
		pqStrings(pred.IDs),
		pqStrings(pred.StudentIDs),
		pqStrings(pred.GroupIDs),
		years,
		pqStrings(pred.AuthorIDs),
		pqStrings(toStrings(pred.States)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "querying records")
	}
	res := make([]record.Record, 0, len(rows))
	for _, row := range rows {
		r, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		res = append(res, r)
	}
	return res, nil
}

func toStrings[T ~string](vals []T) []string {
	res := make([]string, 0, len(vals))
	for _, v := range vals {
		res = append(res, string(v))
	}
	return res
}

// transient marks connection level failures as retryable.
func transient(err error) error {
	return errors.WithMessage(core.ErrTransient, err.Error())
}
