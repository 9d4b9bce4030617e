package echoapi

import (
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/user"
)

// sessionMiddleware loads the account behind the token on every request, so
// deactivation and scope changes apply to the very next write.
func sessionMiddleware(svc *user.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			claims, err := getContextClaims(ctx)
			if err != nil {
				return err
			}
			usr, err := svc.GetByID(ctx.Request().Context(), claims.Subject)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					return errUnauthorized
				}
				return errors.Wrap(err, "loading session user")
			}
			if !usr.IsActive {
				return errAccountDeactivated
			}
			ctx.Set(contextSessionKey, user.NewSession(usr))
			return next(ctx)
		}
	}
}

func adminMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			sess, err := getContextSession(ctx)
			if err != nil {
				return err
			}
			if sess.Role() != user.RoleAdmin {
				return errHttpForbidden
			}
			return next(ctx)
		}
	}
}
