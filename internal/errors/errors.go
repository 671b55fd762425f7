package errors

import "fmt"

// ErrorCode represents a Context Lens error code.
type ErrorCode string

const (
	ErrInvalidRequest       ErrorCode = "INVALID_REQUEST"        // 400
	ErrConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND" // 404
	ErrEntryNotFound        ErrorCode = "ENTRY_NOT_FOUND"        // 404
	ErrInternal             ErrorCode = "INTERNAL"               // 500
)

// LensError represents a structured error with code, status, and details.
type LensError struct {
	Code    ErrorCode
	Status  int
	Message string
	Details map[string]any
}

// Error implements the error interface.
func (e *LensError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewInvalidRequest creates a 400 error for invalid request parameters.
func NewInvalidRequest(msg string) *LensError {
	return &LensError{
		Code:    ErrInvalidRequest,
		Status:  400,
		Message: msg,
	}
}

// NewConversationNotFound creates a 404 error for an unknown conversation id.
// Tag operations and deletion hard-fail on this: an unknown id means the
// caller is holding a stale or fabricated reference.
func NewConversationNotFound(id string) *LensError {
	return &LensError{
		Code:    ErrConversationNotFound,
		Status:  404,
		Message: fmt.Sprintf("conversation not found: %s", id),
		Details: map[string]any{"conversationId": id},
	}
}

// NewEntryNotFound creates a 404 error for an unknown entry id.
func NewEntryNotFound(id int64) *LensError {
	return &LensError{
		Code:    ErrEntryNotFound,
		Status:  404,
		Message: fmt.Sprintf("entry not found: %d", id),
		Details: map[string]any{"entryId": id},
	}
}

// NewInternal creates a 500 error for unexpected internal errors.
func NewInternal(err error) *LensError {
	msg := "internal error"
	if err != nil {
		msg = err.Error()
	}
	return &LensError{
		Code:    ErrInternal,
		Status:  500,
		Message: msg,
	}
}

// Is checks if an error is a LensError with the given code.
func Is(err error, code ErrorCode) bool {
	if lErr, ok := err.(*LensError); ok {
		return lErr.Code == code
	}
	return false
}
