package errors

import (
	stderrors "errors"
	"fmt"
)

// Code is the numeric result of an update attempt. The values are part of
// the client wire contract and must not be renumbered.
type Code int

const (
	Success                            Code = 0
	ErrorCodeError                     Code = 1
	PostinstallRunnerError             Code = 5
	PayloadMismatchedType              Code = 6
	InstallDeviceOpenError             Code = 7
	DownloadTransferError              Code = 9
	PayloadHashMismatchError           Code = 10
	PayloadSizeMismatchError           Code = 11
	PayloadPubKeyVerificationError     Code = 12
	DownloadWriteError                 Code = 14
	SignedDeltaPayloadExpectedError    Code = 17
	DownloadStateInitializationError   Code = 20
	DownloadInvalidMetadataMagicString Code = 21
	DownloadManifestParseError         Code = 23
	PayloadMetadataVerificationError   Code = 26
	DownloadOperationExecutionError    Code = 28
	DownloadOperationHashMismatch      Code = 29
	DownloadInvalidMetadataSize        Code = 32
	UnsupportedMajorPayloadVersion     Code = 44
	UnsupportedMinorPayloadVersion     Code = 45
	FilesystemVerifierError            Code = 47
	UserCancelled                      Code = 48
	PayloadTimestampError              Code = 51
	UpdatedButNotActive                Code = 52
	VerityCalculationError             Code = 56
	NotEnoughSpace                     Code = 60
	DownloadIncomplete                 Code = 61
)

var codeNames = map[Code]string{
	Success:                            "Success",
	ErrorCodeError:                     "Error",
	PostinstallRunnerError:             "PostinstallRunnerError",
	PayloadMismatchedType:              "PayloadMismatchedType",
	InstallDeviceOpenError:             "InstallDeviceOpenError",
	DownloadTransferError:              "DownloadTransferError",
	PayloadHashMismatchError:           "PayloadHashMismatchError",
	PayloadSizeMismatchError:           "PayloadSizeMismatchError",
	PayloadPubKeyVerificationError:     "PayloadPubKeyVerificationError",
	DownloadWriteError:                 "DownloadWriteError",
	SignedDeltaPayloadExpectedError:    "SignedDeltaPayloadExpectedError",
	DownloadStateInitializationError:   "DownloadStateInitializationError",
	DownloadInvalidMetadataMagicString: "DownloadInvalidMetadataMagicString",
	DownloadManifestParseError:         "DownloadManifestParseError",
	PayloadMetadataVerificationError:   "PayloadMetadataVerificationError",
	DownloadOperationExecutionError:    "DownloadOperationExecutionError",
	DownloadOperationHashMismatch:      "DownloadOperationHashMismatch",
	DownloadInvalidMetadataSize:        "DownloadInvalidMetadataSize",
	UnsupportedMajorPayloadVersion:     "UnsupportedMajorPayloadVersion",
	UnsupportedMinorPayloadVersion:     "UnsupportedMinorPayloadVersion",
	FilesystemVerifierError:            "FilesystemVerifierError",
	UserCancelled:                      "UserCancelled",
	PayloadTimestampError:              "PayloadTimestampError",
	UpdatedButNotActive:                "UpdatedButNotActive",
	VerityCalculationError:             "VerityCalculationError",
	NotEnoughSpace:                     "NotEnoughSpace",
	DownloadIncomplete:                 "DownloadIncomplete",
}

// String returns the symbolic name of the code.
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// IsSuccess reports whether the code counts as a successful attempt.
// UpdatedButNotActive means the slot was written and verified but the
// boot switch was deliberately not staged.
func (c Code) IsSuccess() bool {
	return c == Success || c == UpdatedButNotActive
}

// coded is an error carrying an update-engine result code.
type coded struct {
	code Code
	err  error
}

func (c *coded) Error() string {
	return fmt.Sprintf("%s: %v", c.code, c.err)
}

func (c *coded) Unwrap() error { return c.err }

// WithCode tags err with an update-engine result code. A nil err produces
// a plain error so callers can always propagate the code.
func WithCode(code Code, err error) error {
	if err == nil {
		err = stderrors.New(code.String())
	}
	return &coded{code: code, err: err}
}

// Codef tags a formatted error with a result code.
func Codef(code Code, format string, args ...any) error {
	return &coded{code: code, err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the result code from an error chain. Errors without a
// code map to the generic Error code; nil maps to Success.
func CodeOf(err error) Code {
	if err == nil {
		return Success
	}
	var c *coded
	if stderrors.As(err, &c) {
		return c.code
	}
	return ErrorCodeError
}
