package hearthsync

import (
	"errors"
	"testing"
)

func TestSignalHubFanOut(t *testing.T) {
	h := NewSignalHub()
	var a, b int
	h.OnReconnect(func() { a++ })
	h.OnReconnect(func() { b++ })

	h.EmitReconnect()
	h.EmitReconnect()
	if a != 2 || b != 2 {
		t.Errorf("observers got a=%d b=%d, want 2 each", a, b)
	}
}

func TestSignalHubUnsubscribe(t *testing.T) {
	h := NewSignalHub()
	var calls int
	off := h.OnDataError(func(DataError) { calls++ })

	h.EmitDataError(DataError{Message: "one"})
	off()
	h.EmitDataError(DataError{Message: "two"})
	if calls != 1 {
		t.Errorf("observer called %d times after unsubscribe, want 1", calls)
	}

	// Unsubscribing twice is harmless.
	off()
}

func TestSignalHubCarriesPayloads(t *testing.T) {
	h := NewSignalHub()
	cause := errors.New("boom")
	var gotErr DataError
	var gotOK DataSuccess
	h.OnDataError(func(e DataError) { gotErr = e })
	h.OnDataSuccess(func(s DataSuccess) { gotOK = s })

	h.EmitDataError(DataError{Message: "failed", Err: cause})
	h.EmitDataSuccess(DataSuccess{Message: "done"})

	if gotErr.Message != "failed" || !errors.Is(gotErr.Err, cause) {
		t.Errorf("error payload = %+v", gotErr)
	}
	if gotOK.Message != "done" {
		t.Errorf("success payload = %+v", gotOK)
	}
}
