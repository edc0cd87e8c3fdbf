// Package errors provides unit tests for error codes and wrapping.
package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

// TestNew tests error construction and formatting.
func TestNew(t *testing.T) {
	err := New(ErrOffline, "device is offline")

	if err.Code != ErrOffline {
		t.Errorf("Code = %s, want %s", err.Code, ErrOffline)
	}
	if !strings.Contains(err.Error(), "DEVICE_OFFLINE") {
		t.Errorf("Error() missing code: %s", err.Error())
	}
	if !strings.Contains(err.Error(), "device is offline") {
		t.Errorf("Error() missing message: %s", err.Error())
	}
}

// TestWrap tests that wrapped errors unwrap to the cause.
func TestWrap(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := Wrap(ErrNetwork, "request failed", cause)

	if !stderrors.Is(err, cause) {
		t.Error("Wrapped error does not unwrap to cause")
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Errorf("Error() missing cause: %s", err.Error())
	}
}

// TestIs tests code matching.
func TestIs(t *testing.T) {
	err := New(ErrSyncConflict, "record changed server-side")

	if !Is(err, ErrSyncConflict) {
		t.Error("Is() = false for matching code")
	}
	if Is(err, ErrNetwork) {
		t.Error("Is() = true for non-matching code")
	}
	if Is(stderrors.New("plain"), ErrNetwork) {
		t.Error("Is() = true for non-AppError")
	}
}

// TestTransient tests the retryability classification.
func TestTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{New(ErrNetwork, "unreachable"), true},
		{New(ErrTimeout, "timed out"), true},
		{New(ErrRemote, "server blew up"), true},
		{New(ErrValidation, "bad payload"), false},
		{New(ErrSyncConflict, "conflict"), false},
		{New(ErrNotFound, "gone"), false},
		{stderrors.New("plain error"), true},
	}

	for _, tc := range cases {
		if got := Transient(tc.err); got != tc.want {
			t.Errorf("Transient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
