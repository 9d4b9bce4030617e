package echoapi

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
)

// queryValues returns every value of key; a value may list several items separated by commas.
func queryValues(data url.Values, key string) []string {
	var res []string
	for _, val := range data[key] {
		for _, item := range strings.Split(val, ",") {
			if item = strings.TrimSpace(item); item != "" {
				res = append(res, item)
			}
		}
	}
	return res
}

func queryInts(data url.Values, key string) ([]int, error) {
	var res []int
	for _, val := range queryValues(data, key) {
		n, err := strconv.Atoi(val)
		if err != nil {
			return nil, core.NewValidationError(err, core.FieldError{Field: key, Error: "must be a number"})
		}
		res = append(res, n)
	}
	return res, nil
}

// bindPredicate reads a record.Predicate from the query string:
// ?kind=attendance&group=G1,G2&year=2024&state=draft
func bindPredicate(ctx echo.Context) (record.Predicate, error) {
	data := ctx.QueryParams()
	pred := record.Predicate{
		IDs:        queryValues(data, "id"),
		StudentIDs: queryValues(data, "student"),
		GroupIDs:   queryValues(data, "group"),
		AuthorIDs:  queryValues(data, "author"),
	}
	for _, val := range queryValues(data, "kind") {
		kind := record.Kind(strings.ToLower(val))
		if !kind.IsValid() {
			return pred, core.NewValidationError(nil, core.FieldError{Field: "kind", Error: "invalid kind " + val})
		}
		pred.Kinds = append(pred.Kinds, kind)
	}
	for _, val := range queryValues(data, "state") {
		state := record.State(strings.ToLower(val))
		if !state.IsValid() {
			return pred, core.NewValidationError(nil, core.FieldError{Field: "state", Error: "invalid state " + val})
		}
		pred.States = append(pred.States, state)
	}
	years, err := queryInts(data, "year")
	if err != nil {
		return pred, err
	}
	pred.Years = years
	return pred, nil
}

func bindUserFilter(ctx echo.Context) (*user.QueryFilter, error) {
	data := ctx.QueryParams()
	filter := &user.QueryFilter{
		Search:  data.Get("search"),
		Role:    user.Role(data.Get("role")),
		GroupID: data.Get("group"),
	}
	if val := data.Get("is_active"); val != "" {
		active, err := strconv.ParseBool(val)
		if err != nil {
			return nil, core.NewValidationError(err, core.FieldError{Field: "is_active", Error: "must be a boolean"})
		}
		filter.IsActive = &active
	}
	return filter, nil
}

func bindStudentFilter(ctx echo.Context) (*student.QueryFilter, error) {
	data := ctx.QueryParams()
	filter := &student.QueryFilter{GroupIDs: queryValues(data, "group")}
	if val := data.Get("year"); val != "" {
		year, err := strconv.Atoi(val)
		if err != nil {
			return nil, core.NewValidationError(err, core.FieldError{Field: "year", Error: "must be a number"})
		}
		filter.Year = year
	}
	return filter, nil
}
