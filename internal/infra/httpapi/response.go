package httpapi

import (
	"errors"

	"proximity_attendance/internal/app"
	"proximity_attendance/internal/domain/attendance"
	"proximity_attendance/internal/domain/geo"
	"proximity_attendance/internal/domain/scan"
	"proximity_attendance/internal/domain/session"

	"github.com/gofiber/fiber/v2"
)

// Success Response without a custom code (200)
func Success(c *fiber.Ctx, message string, data interface{}) error {
	return SuccessWithCode(c, fiber.StatusOK, message, data)
}

// SuccessWithCode is used for 201 and 202 responses.
func SuccessWithCode(c *fiber.Ctx, code int, message string, data interface{}) error {
	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"status":  "success",
		"message": message,
		"data":    data,
	})
}

func Error(c *fiber.Ctx, code int, message string) error {
	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"status":  "error",
		"message": message,
	})
}

// ErrorWithData is an error that still returns a payload, e.g. the id of a
// submission stored for audit.
func ErrorWithData(c *fiber.Ctx, code int, message string, data interface{}) error {
	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"status":  "error",
		"message": message,
		"data":    data,
	})
}

// ErrorWithDetails carries per-field validation failures.
func ErrorWithDetails(c *fiber.Ctx, code int, message string, details interface{}) error {
	return c.Status(code).JSON(fiber.Map{
		"code":    code,
		"status":  "error",
		"message": message,
		"errors":  details,
	})
}

// statusFor maps the service error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		return fe.Code
	case errors.Is(err, app.ErrValidation):
		return fiber.StatusBadRequest
	case errors.Is(err, app.ErrNotAuthorized):
		return fiber.StatusForbidden
	case errors.Is(err, app.ErrNoMatchingRound):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, app.ErrSessionClosed):
		return fiber.StatusGone
	case errors.Is(err, session.ErrStateConflict), errors.Is(err, geo.ErrAnomalyTransition):
		return fiber.StatusConflict
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrRoundNotFound),
		errors.Is(err, scan.ErrSubmissionNotFound),
		errors.Is(err, geo.ErrAnomalyNotFound),
		errors.Is(err, attendance.ErrTrackNotFound),
		errors.Is(err, attendance.ErrRecordNotFound):
		return fiber.StatusNotFound
	default:
		return fiber.StatusInternalServerError
	}
}

// writeError renders err with the status from statusFor. Internal errors are
// not echoed to the client.
func writeError(c *fiber.Ctx, err error) error {
	code := statusFor(err)
	var verr *app.ValidationError
	if errors.As(err, &verr) && verr.Field != "" {
		return ErrorWithDetails(c, code, "validation failed", fiber.Map{verr.Field: verr.Reason})
	}
	if code == fiber.StatusInternalServerError {
		return Error(c, code, "internal server error")
	}
	return Error(c, code, err.Error())
}
