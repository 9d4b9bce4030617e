package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core/student"
	"github.com/trezcool/rollcall/core/user"
)

type studentApi struct {
	svc *student.Service
}

func registerStudentAPI(g *echo.Group, authed []echo.MiddlewareFunc, svc *student.Service) {
	api := studentApi{svc: svc}

	sg := g.Group("/students", authed...)
	sg.POST("", api.create, adminMiddleware())
	sg.GET("", api.query)
	sg.GET("/:id", api.retrieve)
}

func (api *studentApi) create(ctx echo.Context) error {
	var data student.NewStudent
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewStudent")
	}
	st, err := api.svc.Create(ctx.Request().Context(), data)
	if err != nil {
		return errors.Wrap(err, "creating student")
	}
	return ctx.JSON(http.StatusCreated, st)
}

// query lists students; trainers only see the groups of their scope.
func (api *studentApi) query(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	filter, err := bindStudentFilter(ctx)
	if err != nil {
		return err
	}
	if sess.Role() != user.RoleAdmin {
		groups := sess.User().Scope.Groups()
		if len(filter.GroupIDs) > 0 {
			groups = intersect(filter.GroupIDs, groups)
		}
		if len(groups) == 0 {
			return ctx.JSON(http.StatusOK, []student.Student{})
		}
		filter.GroupIDs = groups
	}

	students, err := api.svc.Query(ctx.Request().Context(), filter)
	if err != nil {
		return errors.Wrap(err, "querying students")
	}
	if students == nil {
		students = []student.Student{}
	}
	return ctx.JSON(http.StatusOK, students)
}

func (api *studentApi) retrieve(ctx echo.Context) error {
	sess, err := getContextSession(ctx)
	if err != nil {
		return err
	}
	st, err := api.svc.Get(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errors.Wrap(err, "getting student")
	}
	if sess.Role() != user.RoleAdmin && !sess.User().Scope.HasGroup(st.GroupID) {
		return errors.WithMessage(student.ErrNotFound, st.ID)
	}
	return ctx.JSON(http.StatusOK, st)
}

func intersect(a, b []string) []string {
	var res []string
	for _, x := range a {
		for _, y := range b {
			if x == y {
				res = append(res, x)
				break
			}
		}
	}
	return res
}
