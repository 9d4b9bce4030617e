package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core/policy"
	"github.com/trezcool/rollcall/core/record"
	"github.com/trezcool/rollcall/core/remote"
)

type recordApi struct {
	svc *remote.Service
}

func registerRecordAPI(g *echo.Group, authed []echo.MiddlewareFunc, svc *remote.Service) {
	api := recordApi{svc: svc}

	rg := g.Group("/records", authed...)
	rg.POST("/mutations", api.push)
	rg.GET("", api.query)
	rg.GET("/:id", api.retrieve)
}

// push submits one queued mutation. It answers with the authoritative record,
// or 204 once a delete is accepted.
func (api *recordApi) push(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	var m record.Mutation
	if err = ctx.Bind(&m); err != nil {
		return errors.Wrap(err, "binding to Mutation")
	}

	rec, err := api.svc.Put(ctx.Request().Context(), sess.User(), m)
	if err != nil {
		return err
	}
	if rec == nil {
		return ctx.NoContent(http.StatusNoContent)
	}
	return ctx.JSON(http.StatusOK, rec)
}

func (api *recordApi) query(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	pred, err := bindPredicate(ctx)
	if err != nil {
		return err
	}
	recs, err := api.svc.Query(ctx.Request().Context(), sess.User(), pred)
	if err != nil {
		return errors.Wrap(err, "querying records")
	}
	return ctx.JSON(http.StatusOK, recs)
}

func (api *recordApi) retrieve(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	usr := sess.User()
	rec, err := api.svc.Get(ctx.Request().Context(), usr, ctx.Param("id"))
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, RecordResponse{Record: rec, Allowed: policy.Allowed(usr, rec)})
}

// RecordResponse is a record with the operations the caller may perform on it.
type RecordResponse struct {
	record.Record
	Allowed []record.Op `json:"allowed"`
}
