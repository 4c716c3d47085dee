package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/oipwg/oipd/auth"
	"github.com/oipwg/oipd/common"
)

// errorResponse is the envelope every failed request gets: a message and a
// stable machine-readable code. Stack traces and wrapped chains stay in the
// logs.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// authStatus maps the auth package's sentinel errors. Login failures and
// bad tokens are both 401; wrong-password unlocks surface the same way so
// the API does not leak which part of a credential was wrong.
func authStatus(err error) (int, string, bool) {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "unauthorized", true
	case errors.Is(err, auth.ErrUserExists):
		return http.StatusConflict, "conflict", true
	case errors.Is(err, auth.ErrUserNotFound):
		return http.StatusNotFound, "not_found", true
	case errors.Is(err, auth.ErrInvalidEmail),
		errors.Is(err, auth.ErrEmptyPassword),
		errors.Is(err, auth.ErrPasswordTooShort):
		return http.StatusBadRequest, "validation", true
	case errors.Is(err, auth.ErrWalletLocked):
		return http.StatusForbidden, "wallet_locked", true
	}
	return 0, "", false
}

// failureStatus maps the failure taxonomy onto HTTP statuses. Deferrable
// kinds come back 503 because the condition is expected to clear; permanent
// kinds are the caller's problem.
func failureStatus(kind common.FailureKind) int {
	switch kind {
	case common.FailureNotFound:
		return http.StatusNotFound
	case common.FailureDecode, common.FailureVerification:
		return http.StatusBadRequest
	case common.FailureAuthorization, common.FailurePolicy:
		return http.StatusForbidden
	case common.FailureTemplateMissing:
		return http.StatusUnprocessableEntity
	case common.FailureResource, common.FailureTransient:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// codeForStatus names the class of an echo-raised status, covering errors
// that originate in middleware rather than handlers.
func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	}
	return "http_error"
}

// ErrorHandler renders every handler error as the {error, code} envelope.
// Wired as the echo HTTPErrorHandler so handlers can just return errors.
func ErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	status := http.StatusInternalServerError
	resp := errorResponse{Error: "internal error", Code: "internal"}

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		resp.Code = codeForStatus(status)
		if msg, ok := httpErr.Message.(string); ok {
			resp.Error = msg
		} else {
			resp.Error = http.StatusText(status)
		}
	default:
		if s, code, ok := authStatus(err); ok {
			status, resp.Code, resp.Error = s, code, err.Error()
			break
		}
		var failure *common.Failure
		if errors.As(err, &failure) {
			status = failureStatus(failure.Kind)
			resp.Code = failure.Kind.String()
			resp.Error = failure.Error()
		}
	}

	// 5xx details stay out of responses; callers get the class, logs get
	// the cause.
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		resp.Error = http.StatusText(status)
	}

	var werr error
	if c.Request().Method == http.MethodHead {
		werr = c.NoContent(status)
	} else {
		werr = c.JSON(status, resp)
	}
	if werr != nil {
		c.Logger().Error(werr)
	}
}
