package gate

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cachebash/backend/internal/lifecycle"
	"github.com/cachebash/backend/internal/store"
	"github.com/cachebash/backend/internal/tools"
)

// Error codes (taxonomy). The transports map codes to HTTP statuses; the
// MCP transport additionally wraps them in tool-result envelopes.
const (
	CodeAuthRequired     = "AUTH_REQUIRED"
	CodeSourceMismatch   = "SOURCE_MISMATCH"
	CodeCapabilityDenied = "CAPABILITY_DENIED"
	CodeDreamKilled      = "DREAM_KILLED"
	CodeBudgetExceeded   = "BUDGET_EXCEEDED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeValidation       = "VALIDATION"
	CodeNotFound         = "NOT_FOUND"
	CodeConflict         = "CONFLICT"
	CodeInternal         = "INTERNAL"
)

// Error is the boundary-visible failure shape for gated tool calls.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfter is set on RATE_LIMITED.
	RetryAfter time.Duration `json:"-"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus maps the taxonomy onto REST status codes.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeAuthRequired:
		return http.StatusUnauthorized
	case CodeSourceMismatch, CodeCapabilityDenied, CodeDreamKilled, CodeBudgetExceeded:
		return http.StatusForbidden
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeValidation:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Wrap folds a handler error into the taxonomy. Validation, lifecycle, and
// not-found errors keep their class; everything else is INTERNAL.
func Wrap(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	var ve *tools.ValidationError
	if errors.As(err, &ve) {
		return &Error{Code: CodeValidation, Message: ve.Error()}
	}
	var te *lifecycle.TransitionError
	if errors.As(err, &te) {
		return &Error{
			Code:    CodeConflict,
			Message: fmt.Sprintf("invalid transition: kind=%s from=%s to=%s", te.Kind, te.From, te.To),
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return &Error{Code: CodeNotFound, Message: err.Error()}
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
