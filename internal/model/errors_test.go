package model

import (
	"errors"
	"fmt"
	"testing"
)

func TestAsAPIError_Wrapped(t *testing.T) {
	err := fmt.Errorf("送信に失敗しました: %w", NewPeerOfflineError("bob"))

	apiErr, ok := AsAPIError(err)
	if !ok {
		t.Fatal("expected wrapped APIError to be found")
	}
	if apiErr.Code != ErrCodePeerOffline {
		t.Errorf("Code = %q, want %q", apiErr.Code, ErrCodePeerOffline)
	}
	if !HasCode(err, ErrCodePeerOffline) {
		t.Error("HasCode should match the wrapped code")
	}
	if HasCode(errors.New("plain"), ErrCodePeerOffline) {
		t.Error("HasCode should be false for a plain error")
	}
}

func TestErrorPayloadFrom(t *testing.T) {
	p := ErrorPayloadFrom(NewCallNotFoundError("call-1"))
	if p.Code != ErrCodeCallNotFound || p.Detail == "" {
		t.Errorf("payload = %+v", p)
	}

	p = ErrorPayloadFrom(errors.New("pq: connection refused"))
	if p.Code != ErrCodeInternal {
		t.Errorf("Code = %q, want %q", p.Code, ErrCodeInternal)
	}
	if p.Detail == "pq: connection refused" {
		t.Error("internal error detail should not be exposed")
	}
}

func TestErrorConstructors_HaveCategory(t *testing.T) {
	errs := []*APIError{
		NewValidationError("x"),
		NewPermissionError(),
		NewPeerOfflineError("bob"),
		NewPersistenceFailureError(),
		NewCallNotFoundError("c"),
		NewCallBusyError("bob"),
		NewMessageNotFoundError("m"),
		NewRateLimitedError(),
		NewNotJoinedError(),
		NewUnknownEventError("foo"),
		NewInvalidPayloadError("join", "bad"),
		NewForbiddenError(),
		NewUnauthorizedError(),
		NewInternalError(),
	}

	for _, e := range errs {
		if e.Code == "" || e.Message == "" || e.Category == "" {
			t.Errorf("incomplete APIError: %+v", e)
		}
	}
}
