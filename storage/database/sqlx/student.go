package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/rollcall/core/student"
)

type studentRow struct {
	ID        string      `db:"id"`
	Name      string      `db:"name"`
	GroupID   string      `db:"group_id"`
	Year      int         `db:"year"`
	Unit      null.String `db:"unit"`
	CreatedAt time.Time   `db:"created_at"`
}

func (row studentRow) toStudent() student.Student {
	return student.Student{
		ID:        row.ID,
		Name:      row.Name,
		GroupID:   row.GroupID,
		Year:      row.Year,
		Unit:      row.Unit.String,
		CreatedAt: row.CreatedAt.UTC(),
	}
}

type studentRepository struct {
	db *sqlx.DB
}

var _ student.Repository = (*studentRepository)(nil)

func NewStudentRepository(db *sqlx.DB) *studentRepository {
	return &studentRepository{db: db}
}

func (repo *studentRepository) CreateStudent(ctx context.Context, s student.Student) (student.Student, error) {
	row := studentRow{
		ID: s.ID, Name: s.Name, GroupID: s.GroupID, Year: s.Year,
		Unit: null.NewString(s.Unit, s.Unit != ""), CreatedAt: s.CreatedAt,
	}
	q := `INSERT INTO student (id, name, group_id, year, unit, created_at)
		VALUES (:id, :name, :group_id, :year, :unit, :created_at)`
	if _, err := repo.db.NamedExecContext(ctx, q, row); err != nil {
		return student.Student{}, errors.Wrap(err, "inserting student")
	}
	return s, nil
}

func (repo *studentRepository) GetStudent(ctx context.Context, id string) (student.Student, error) {
	var row studentRow
	err := repo.db.GetContext(ctx, &row, `SELECT id, name, group_id, year, unit, created_at FROM student WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return student.Student{}, student.ErrNotFound
		}
		return student.Student{}, errors.Wrap(err, "getting student")
	}
	return row.toStudent(), nil
}

func (repo *studentRepository) QueryStudents(ctx context.Context, filter *student.QueryFilter) ([]student.Student, error) {
	var (
		groups []string
		year   int
	)
	if filter != nil {
		groups, year = filter.GroupIDs, filter.Year
	}
	q := `SELECT id, name, group_id, year, unit, created_at FROM student
		WHERE (cardinality($1::text[]) = 0 OR group_id = ANY($1)) AND ($2 = 0 OR year = $2)
		ORDER BY group_id, year, name, id`

	var rows []studentRow
	if err := repo.db.SelectContext(ctx, &rows, q, pqStrings(groups), year); err != nil {
		return nil, errors.Wrap(err, "querying students")
	}
	res := make([]student.Student, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toStudent())
	}
	return res, nil
}
