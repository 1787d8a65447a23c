package errors

import (
	stderrors "errors"
	"testing"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil is success", nil, Success},
		{"untagged error is generic", stderrors.New("boom"), ErrorCodeError},
		{"tagged error", Codef(DownloadTransferError, "socket closed"), DownloadTransferError},
		{"tag survives wrapping", Wrap(WithCode(UserCancelled, stderrors.New("stop")), "pipeline"), UserCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCodeIsSuccess(t *testing.T) {
	if !Success.IsSuccess() || !UpdatedButNotActive.IsSuccess() {
		t.Error("Success and UpdatedButNotActive are success-like")
	}
	if UserCancelled.IsSuccess() || DownloadTransferError.IsSuccess() {
		t.Error("failure codes must not be success-like")
	}
}

func TestStableWireValues(t *testing.T) {
	// Client interop depends on these exact numbers.
	if Success != 0 || UpdatedButNotActive != 52 || UserCancelled != 48 {
		t.Fatal("wire-stable code renumbered")
	}
}

func TestWithCodeNilError(t *testing.T) {
	err := WithCode(NotEnoughSpace, nil)
	if err == nil {
		t.Fatal("WithCode(nil) must still produce an error")
	}
	if CodeOf(err) != NotEnoughSpace {
		t.Errorf("CodeOf = %v, want NotEnoughSpace", CodeOf(err))
	}
}
