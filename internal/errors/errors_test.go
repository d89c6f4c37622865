package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrorFormatting(t *testing.T) {
	err := New(CodePermissionDenied, "camera not granted")
	want := "PERMISSION_DENIED: camera not granted"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := Wrap(CodeValidation, "bad manifest", fmt.Errorf("boom"))
	if wrapped.Error() != "VALIDATION_ERROR: bad manifest: boom" {
		t.Errorf("wrapped Error() = %q", wrapped.Error())
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := Newf(CodeChecksumMismatch, "got %s", "abc")
	if !stderrors.Is(err, New(CodeChecksumMismatch, "")) {
		t.Error("errors with the same code must match")
	}
	if stderrors.Is(err, New(CodeSignatureInvalid, "")) {
		t.Error("errors with different codes must not match")
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("io failure")
	err := Wrap(CodeInternal, "context", cause)
	if !stderrors.Is(err, cause) {
		t.Error("wrapped cause must be reachable via errors.Is")
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(CodeRateLimited, "")); got != CodeRateLimited {
		t.Errorf("CodeOf = %v, want %v", got, CodeRateLimited)
	}
	outer := fmt.Errorf("outer: %w", New(CodeBridgeTimeout, "slow"))
	if got := CodeOf(outer); got != CodeBridgeTimeout {
		t.Errorf("CodeOf through wrap = %v, want %v", got, CodeBridgeTimeout)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != CodeInternal {
		t.Errorf("CodeOf(plain) = %v, want internal", got)
	}
}

func TestHasCode(t *testing.T) {
	err := Wrap(CodeNoUpdate, "nothing newer", nil)
	if !HasCode(err, CodeNoUpdate) {
		t.Error("HasCode must find the code")
	}
	if HasCode(err, CodeNotFound) {
		t.Error("HasCode must not match a different code")
	}
	if HasCode(nil, CodeNoUpdate) {
		t.Error("HasCode(nil) must be false")
	}
}

func TestWireCode(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodePermissionDenied, 4001},
		{CodeMethodNotFound, 4040},
		{CodeInvalidParams, 4220},
		{CodeBridgeTimeout, 4080},
		{CodeRateLimited, 4290},
		{CodeNetworkAccessDenied, 4030},
		{CodeInstanceTerminated, 4100},
		{CodeValidation, WireInternal},
	}
	for _, tt := range tests {
		if got := WireCode(tt.code); got != tt.want {
			t.Errorf("WireCode(%v) = %d, want %d", tt.code, got, tt.want)
		}
	}
}

func TestInstanceFatal(t *testing.T) {
	fatal := []Code{CodeExecutionTimeout, CodeMemoryLimitExceeded, CodeSandboxCrash}
	for _, c := range fatal {
		if !c.InstanceFatal() {
			t.Errorf("%v must be instance fatal", c)
		}
	}
	nonFatal := []Code{CodePermissionDenied, CodeBridgeTimeout, CodeNetworkAccessDenied, CodeRateLimited}
	for _, c := range nonFatal {
		if c.InstanceFatal() {
			t.Errorf("%v must not be instance fatal", c)
		}
	}
}
