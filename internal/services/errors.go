package services

import (
	"errors"
	"fmt"
)

// ErrorCode is the caller-facing classification of a pipeline failure
type ErrorCode string

const (
	CodeValidation        ErrorCode = "VALIDATION_ERROR"
	CodeSessionNotFound   ErrorCode = "SESSION_NOT_FOUND"
	CodeInvalidStatus     ErrorCode = "INVALID_STATUS"
	CodeNoCandidateColumn ErrorCode = "NO_CANDIDATE_COLUMN"
	CodeAmbiguousColumn   ErrorCode = "AMBIGUOUS_COLUMN"
	CodeStorage           ErrorCode = "STORAGE_ERROR"
	CodeProcessing        ErrorCode = "PROCESSING_ERROR"
)

var (
	ErrSessionNotFound   = errors.New("import session not found")
	ErrInvalidStatus     = errors.New("import session is not in the required status")
	ErrEmptyColumnName   = errors.New("columnName is required")
	ErrInvalidSessionID  = errors.New("sessionId must be a positive integer")
	ErrNoCandidateColumn = errors.New("no EAN column detected")
)

// ImportError pairs an ErrorCode with a message for API responses
type ImportError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *ImportError) Error() string {
	if e.Err != nil && e.Err.Error() != e.Message {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ImportError) Unwrap() error {
	return e.Err
}

func newImportError(code ErrorCode, err error, format string, args ...interface{}) *ImportError {
	return &ImportError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the ErrorCode of err, defaulting to PROCESSING_ERROR
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var importErr *ImportError
	if errors.As(err, &importErr) {
		return importErr.Code
	}
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return CodeSessionNotFound
	case errors.Is(err, ErrInvalidStatus):
		return CodeInvalidStatus
	case errors.Is(err, ErrEmptyColumnName), errors.Is(err, ErrInvalidSessionID):
		return CodeValidation
	case errors.Is(err, ErrNoCandidateColumn):
		return CodeNoCandidateColumn
	}
	return CodeProcessing
}

// MessageOf returns the caller-facing message of err
func MessageOf(err error) string {
	var importErr *ImportError
	if errors.As(err, &importErr) {
		return importErr.Message
	}
	return err.Error()
}
