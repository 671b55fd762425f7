package errors

import (
	"fmt"
	"testing"
)

func TestLensError_Error(t *testing.T) {
	err := &LensError{
		Code:    ErrConversationNotFound,
		Status:  404,
		Message: "conversation not found: abc",
	}

	expected := "CONVERSATION_NOT_FOUND: conversation not found: abc"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestNewConversationNotFound(t *testing.T) {
	err := NewConversationNotFound("deadbeef")

	if err.Code != ErrConversationNotFound {
		t.Errorf("Code = %q, want %q", err.Code, ErrConversationNotFound)
	}
	if err.Status != 404 {
		t.Errorf("Status = %d, want 404", err.Status)
	}
	if err.Details["conversationId"] != "deadbeef" {
		t.Errorf("Details[conversationId] = %v, want deadbeef", err.Details["conversationId"])
	}
}

func TestNewInternal_NilError(t *testing.T) {
	err := NewInternal(nil)
	if err.Message != "internal error" {
		t.Errorf("Message = %q, want %q", err.Message, "internal error")
	}
}

func TestNewInternal_WrapsMessage(t *testing.T) {
	err := NewInternal(fmt.Errorf("disk full"))
	if err.Message != "disk full" {
		t.Errorf("Message = %q, want %q", err.Message, "disk full")
	}
}

func TestIs(t *testing.T) {
	err := NewConversationNotFound("x")

	if !Is(err, ErrConversationNotFound) {
		t.Error("Is should match the error's code")
	}
	if Is(err, ErrInternal) {
		t.Error("Is should not match a different code")
	}
	if Is(fmt.Errorf("plain"), ErrInternal) {
		t.Error("Is should not match a non-LensError")
	}
}
