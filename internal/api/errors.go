package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"github.com/hatemosphere/pkgdepot/internal/apperr"
)

// APIError is the error body every endpoint returns: {"code": int, "message": string}.
type APIError struct {
	status  int
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

func (e *APIError) GetStatus() int {
	return e.status
}

func init() {
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if len(errs) > 0 && msg == "" {
			msg = errs[0].Error()
		}
		return &APIError{
			status:  status,
			Code:    status,
			Message: msg,
		}
	}
}

// toHTTPError maps a service error onto its HTTP status. Store failures are
// logged in full and returned without detail.
func toHTTPError(err error) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		slog.Error("unexpected service error", "error", err)
		return huma.Error500InternalServerError("internal error")
	}
	status := apperr.HTTPStatus(ae.Kind)
	switch ae.Kind {
	case apperr.KindStoreUnavailable:
		slog.Error("nonce store unavailable", "op", ae.Op, "error", ae.Err)
		return huma.NewError(status, "nonce store unavailable")
	case apperr.KindUnknown:
		slog.Error("unexpected service error", "error", err)
		return huma.NewError(http.StatusInternalServerError, "internal error")
	default:
		return huma.NewError(status, ae.Message)
	}
}
