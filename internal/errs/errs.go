// Package errs classifies plan engine failures on top of the platform
// error codes. Errors are built with the platform errors package, so a
// code survives wrapping with %w; callers test it with Is and CodeOf.
package errs

import (
	"fmt"
	"net/http"

	cferrors "github.com/input-output-hk/catalyst-forge-libs/errors"
)

// Code identifies a class of failure.
type Code = cferrors.ErrorCode

const (
	CodeNotFound     = cferrors.CodeNotFound
	CodeTimeout      = cferrors.CodeTimeout
	CodeInvalidInput = cferrors.CodeInvalidInput
	CodeConflict     = cferrors.CodeConflict
	CodeInternal     = cferrors.CodeInternal
)

// Plan engine codes.
const (
	CodeAlreadyRunning      Code = "ALREADY_RUNNING"
	CodeUnknownTask         Code = "UNKNOWN_TASK"
	CodeUninstallInProgress Code = "UNINSTALL_IN_PROGRESS"
)

// New returns an error with the given code and formatted message.
func New(code Code, format string, args ...any) error {
	return cferrors.New(code, fmt.Sprintf(format, args...))
}

// NotFound reports an unknown resource of the given kind.
func NotFound(kind, name string) error {
	return New(CodeNotFound, "%s %q not found", kind, name)
}

// AlreadyRunning reports a plan that already has an active execution.
func AlreadyRunning(plan string) error {
	return New(CodeAlreadyRunning, "plan %q is already in progress", plan)
}

// UnknownTask reports a status update for a launch id no record owns.
func UnknownTask(taskID string) error {
	return New(CodeUnknownTask, "no task registered for task id %q", taskID)
}

// Timeout reports an elapsed deadline while waiting on what.
func Timeout(what string) error {
	return New(CodeTimeout, "timed out waiting for %s", what)
}

// UninstallInProgress reports that the service is draining.
func UninstallInProgress() error {
	return New(CodeUninstallInProgress, "service uninstall in progress")
}

// InvalidInput reports a malformed request.
func InvalidInput(format string, args ...any) error {
	return New(CodeInvalidInput, format, args...)
}

// CodeOf returns the code of the first platform error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var pe cferrors.PlatformError
	if err != nil && cferrors.As(err, &pe) {
		return pe.Code()
	}
	return CodeInternal
}

// Is reports whether err carries code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsRetryable reports whether the caller may try again later.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeTimeout, CodeUninstallInProgress:
		return true
	}
	return false
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeNotFound, CodeUnknownTask:
		return http.StatusNotFound
	case CodeAlreadyRunning, CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusRequestTimeout
	case CodeUninstallInProgress:
		return http.StatusServiceUnavailable
	case CodeInvalidInput:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
