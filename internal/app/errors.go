package app

import (
	"database/sql"
	"errors"
	"net/http"

	"ghostwriter/api/internal/auth"
	"ghostwriter/api/internal/bridge"
	"ghostwriter/api/internal/export"
	"ghostwriter/api/internal/gitrepo"
	"ghostwriter/api/internal/orderkey"
	"ghostwriter/api/internal/screenplay"
	"ghostwriter/api/internal/store"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	return e.Message
}

func domainError(status int, code, message string, details any) error {
	return &DomainError{Status: status, Code: code, Message: message, Details: details}
}

func validationError(message string) error {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func forbidden() error {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, orderkey.ErrInvalidRange):
		return http.StatusUnprocessableEntity, "INVALID_ORDER_RANGE", err.Error(), nil
	case errors.Is(err, orderkey.ErrInvalidKey):
		return http.StatusUnprocessableEntity, "INVALID_ORDER_KEY", err.Error(), nil
	case errors.Is(err, bridge.ErrMalformedBlock):
		return http.StatusUnprocessableEntity, "MALFORMED_BLOCK", err.Error(), nil
	case errors.Is(err, screenplay.ErrUnknownBlockType):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, store.ErrVersionConflict):
		return http.StatusConflict, "VERSION_CONFLICT", "Block changed since it was loaded", nil
	case errors.Is(err, store.ErrOrderConflict):
		return http.StatusConflict, "ORDER_CONFLICT", "Order key already in use", nil
	case errors.Is(err, store.ErrDuplicateBlock):
		return http.StatusConflict, "DUPLICATE_BLOCK", "Block already exists", nil
	case errors.Is(err, gitrepo.ErrNoChanges):
		return http.StatusConflict, "NO_CHANGES", "Nothing changed since the last revision", nil
	case errors.Is(err, gitrepo.ErrRevisionNotFound), errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusBadRequest, "UNSUPPORTED_FORMAT", err.Error(), nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_DEPENDENCY_MISSING", err.Error(), nil
	case errors.Is(err, export.ErrArchiveUnavailable):
		return http.StatusServiceUnavailable, "ARCHIVE_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
