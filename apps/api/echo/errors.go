package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
	"github.com/trezcool/rollcall/core/user"
)

var (
	errUnauthorized         = echo.NewHTTPError(http.StatusUnauthorized, "user not authenticated")
	errAuthenticationFailed = echo.NewHTTPError(http.StatusBadRequest, "authentication failed")
	errAccountDeactivated   = echo.NewHTTPError(http.StatusForbidden, "account deactivated")
	errRefreshExpired       = echo.NewHTTPError(http.StatusForbidden, "refresh has expired")
	errHttpForbidden        = echo.NewHTTPError(http.StatusForbidden, "permission denied")
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	core.Result
	RecordID string            `json:"recordId,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

var kindStatus = map[core.Kind]int{
	core.KindPermissionDenied: http.StatusForbidden,
	core.KindValidation:       http.StatusBadRequest,
	core.KindNotFound:         http.StatusNotFound,
	core.KindStaleWrite:       http.StatusConflict,
	core.KindInvalidState:     http.StatusUnprocessableEntity,
	core.KindTransient:        http.StatusServiceUnavailable,
}

// statusKind classifies echo's own errors. A route echo cannot match is not a
// missing record: only the services raise KindNotFound, which clients act on
// by dropping their copy.
func statusKind(code int) core.Kind {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return core.KindPermissionDenied
	case http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return core.KindValidation
	case http.StatusNotFound, http.StatusMethodNotAllowed:
		return core.KindInternal
	}
	for kind, status := range kindStatus {
		if status == code {
			return kind
		}
	}
	return core.KindInternal
}

// newAppHTTPErrorHandler returns a custom echo.HTTPErrorHandler that knows how to handle our errors.
// signalShutdown is called in order to gracefully shutdown the Server whenever a core.shutdown error is caught.
func newAppHTTPErrorHandler(logger core.Logger, signalShutdown func()) echo.HTTPErrorHandler {
	return func(err error, ctx echo.Context) {
		var (
			code int
			res  = ErrorResponse{Result: core.Fail(err)}
		)

		var (
			httpErr *echo.HTTPError
			vErr    *core.ValidationError
			rErr    *core.RecordError
		)
		switch {
		case errors.As(err, &httpErr):
			if httpErr == middleware.ErrJWTMissing {
				code = http.StatusUnauthorized
			} else {
				if herr, ok := httpErr.Internal.(*echo.HTTPError); ok {
					httpErr = herr
				}
				code = httpErr.Code
			}
			res.ErrorKind = statusKind(code)
			if msg, ok := httpErr.Message.(string); ok {
				res.Message = msg
			} else {
				res.Message = http.StatusText(code)
			}
		case errors.As(err, &vErr):
			code = http.StatusBadRequest
			if len(vErr.Fields) > 0 {
				res.Fields = make(map[string]string, len(vErr.Fields))
				for _, fErr := range vErr.Fields {
					res.Fields[fErr.Field] = fErr.Error
				}
			}
		case res.ErrorKind != core.KindInternal:
			code = kindStatus[res.ErrorKind]
			if errors.As(err, &rErr) {
				res.RecordID = rErr.RecordID
			}
		default: // any other error is a server error
			code = http.StatusInternalServerError
			msg := http.StatusText(http.StatusInternalServerError)
			res.Message = msg

			var usr user.User
			if sess, sErr := getContextSession(ctx); sErr == nil {
				usr = sess.User()
			} else if claims, cErr := getContextClaims(ctx); cErr == nil {
				usr.ID = claims.Subject
				usr.Username = claims.Username
			}
			logger.Error(msg, errors.Wrap(err, msg), usr)

			// shutting down...
			if core.IsShutdown(err) {
				signalShutdown()
			}
		}
		if ctx.Echo().Debug {
			res.Message = err.Error()
		}

		// Send response
		if !ctx.Response().Committed {
			if ctx.Request().Method == http.MethodHead { // Issue #608
				err = ctx.NoContent(code)
			} else {
				err = ctx.JSON(code, res)
			}
			if err != nil {
				ctx.Echo().Logger.Error(err)
			}
		}
	}
}
