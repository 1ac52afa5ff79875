package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Wrap(CodeMalformedEvent, "decode frame", stderrors.New("bad json"))
	if !stderrors.Is(err, New(CodeMalformedEvent, "")) {
		t.Fatal("expected errors.Is to match by code")
	}
	if stderrors.Is(err, New(CodeMalformedPayload, "")) {
		t.Fatal("expected different code not to match")
	}
	if got := err.Error(); got != "decode frame: bad json" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestCodeOfTraversesWrappedChain(t *testing.T) {
	inner := WithMetadata(CodeMalformedPayload, "bad payload", map[string]string{"tag": "blob"})
	wrapped := fmt.Errorf("deserialize: %w", inner)

	if got := CodeOf(wrapped); got != CodeMalformedPayload {
		t.Fatalf("CodeOf = %q, want %q", got, CodeMalformedPayload)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %q, want %q", got, CodeUnknown)
	}
}


func TestErrorFormatsSortedMetadata(t *testing.T) {
	err := Wrap(CodeMalformedEvent, "decode frame", stderrors.New("eof"))
	err.Metadata = map[string]string{"origin": "b", "kind": "set"}
	if got := err.Error(); got != "decode frame [kind=set origin=b]: eof" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestWithMetadataCopiesMap(t *testing.T) {
	meta := map[string]string{"tag": "blob"}
	err := WithMetadata(CodeMalformedPayload, "bad payload", meta)
	meta["tag"] = "changed"
	if err.Metadata["tag"] != "blob" {
		t.Fatalf("metadata aliased caller map: %v", err.Metadata)
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("open store: %w", New(CodeStorageNotConfigured, "no db"))
	if !HasCode(err, CodeStorageNotConfigured) {
		t.Fatal("expected HasCode to find wrapped code")
	}
	if HasCode(err, CodeInvalidArgument) {
		t.Fatal("unexpected match for different code")
	}
	if HasCode(nil, CodeUnknown) {
		t.Fatal("nil error has no code")
	}
}

func TestNilErrorIsSafe(t *testing.T) {
	var err *Error
	if err.Error() != string(CodeUnknown) {
		t.Fatalf("nil Error() = %q", err.Error())
	}
	if err.Unwrap() != nil {
		t.Fatal("nil Unwrap should be nil")
	}
}
