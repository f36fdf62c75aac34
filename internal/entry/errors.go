package entry

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("entry not found")
	ErrSecurityDenied     = errors.New("access denied")
	ErrLockedByOther      = errors.New("file is locked by another user")
	ErrAlreadyEditing     = errors.New("file is being edited by another user")
	ErrUnsupportedFormat  = errors.New("format is not supported")
	ErrTrashViewForbidden = errors.New("file is in trash")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrConflictInProgress = errors.New("another update of this file is in progress")
)

// ProviderError is a failure reported by a storage backend. Its message is
// the backend's own message.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err unless it is already a taxonomy error.
func NewProviderError(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// Error codes reported in operation results.
const (
	CodeNotFound          = "not_found"
	CodeSecurityDenied    = "security_denied"
	CodeLockedByOther     = "locked_by_other"
	CodeAlreadyEditing    = "already_editing"
	CodeUnsupportedFormat = "unsupported_format"
	CodeTrashForbidden    = "trash_view_forbidden"
	CodeProviderError     = "provider_error"
	CodeQuotaExceeded     = "quota_exceeded"
	CodeConflict          = "conflict_in_progress"
	CodeCancelled         = "cancelled"
	CodeInternal          = "internal"
)

// Code maps err onto its taxonomy code.
func Code(err error) string {
	var pe *ProviderError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSecurityDenied):
		return CodeSecurityDenied
	case errors.Is(err, ErrLockedByOther):
		return CodeLockedByOther
	case errors.Is(err, ErrAlreadyEditing):
		return CodeAlreadyEditing
	case errors.Is(err, ErrUnsupportedFormat):
		return CodeUnsupportedFormat
	case errors.Is(err, ErrTrashViewForbidden):
		return CodeTrashForbidden
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrConflictInProgress):
		return CodeConflict
	case errors.As(err, &pe):
		return CodeProviderError
	case errors.Is(err, context.Canceled):
		return CodeCancelled
	}
	return CodeInternal
}
