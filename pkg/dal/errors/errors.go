// Package errors provides the error taxonomy shared by the metadata DAL
// and the content transfer engine. It is a leaf package with no internal
// dependencies so that both the DAL backends and the protocol layer can
// import it without cycles.
//
// Import graph: errors <- dal <- content <- server
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a transfer-path error. Codes map one-to-one onto
// the wire error codes sent back to clients.
type ErrorCode int

const (
	// ErrDoesNotExist indicates the node, volume, share or user does not
	// exist, or the caller is not allowed to see it.
	ErrDoesNotExist ErrorCode = iota + 1

	// ErrNoPermission indicates the operation is not permitted on the
	// target (for example uploading content to a directory).
	ErrNoPermission

	// ErrQuotaExceeded indicates the upload would exceed the owner's
	// storage quota. FreeBytes and ShareID carry the quota context.
	ErrQuotaExceeded

	// ErrUploadCorrupt indicates the streamed bytes failed validation:
	// bad deflate data or a mismatched hash, CRC or size hint.
	ErrUploadCorrupt

	// ErrTryAgain indicates a transient infrastructure fault (blob writer
	// crash, RPC hiccup). The client may retry, reusing its upload id.
	ErrTryAgain

	// ErrNotAvailable indicates blob content could not be read back
	// during a download.
	ErrNotAvailable

	// ErrConflict indicates the node changed underneath the operation
	// (previous-hash precondition failed).
	ErrConflict

	// ErrInternal indicates an unexpected failure inside the transfer
	// path. The connection is torn down after reporting it.
	ErrInternal

	// ErrRequestCancelled indicates orderly termination of a request via
	// CANCEL_REQUEST or a controller-side cancel.
	ErrRequestCancelled
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrDoesNotExist:
		return "DoesNotExist"
	case ErrNoPermission:
		return "NoPermission"
	case ErrQuotaExceeded:
		return "QuotaExceeded"
	case ErrUploadCorrupt:
		return "UploadCorrupt"
	case ErrTryAgain:
		return "TryAgain"
	case ErrNotAvailable:
		return "NotAvailable"
	case ErrConflict:
		return "Conflict"
	case ErrInternal:
		return "InternalError"
	case ErrRequestCancelled:
		return "RequestCancelled"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// TransferError is the concrete error type carried through the transfer
// path. It wraps an optional cause and, for quota errors, the free-bytes
// context reported to the client.
type TransferError struct {
	Code    ErrorCode
	Message string
	Cause   error

	// Quota context, only meaningful when Code is ErrQuotaExceeded.
	FreeBytes uint64
	ShareID   string
}

// Error implements the error interface.
func (e *TransferError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As chains.
func (e *TransferError) Unwrap() error {
	return e.Cause
}

// CodeOf extracts the ErrorCode from err, or ErrInternal when err is not
// a TransferError.
func CodeOf(err error) ErrorCode {
	var te *TransferError
	if errors.As(err, &te) {
		return te.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var te *TransferError
	return errors.As(err, &te) && te.Code == code
}

// NewDoesNotExist creates a DoesNotExist error.
func NewDoesNotExist(what string) *TransferError {
	return &TransferError{Code: ErrDoesNotExist, Message: what + " does not exist"}
}

// NewNoPermission creates a NoPermission error.
func NewNoPermission(msg string) *TransferError {
	return &TransferError{Code: ErrNoPermission, Message: msg}
}

// NewQuotaExceeded creates a QuotaExceeded error carrying the quota context.
func NewQuotaExceeded(freeBytes uint64, shareID string) *TransferError {
	return &TransferError{
		Code:      ErrQuotaExceeded,
		Message:   "hard quota limit reached",
		FreeBytes: freeBytes,
		ShareID:   shareID,
	}
}

// NewUploadCorrupt creates an UploadCorrupt error.
func NewUploadCorrupt(msg string) *TransferError {
	return &TransferError{Code: ErrUploadCorrupt, Message: msg}
}

// NewTryAgain creates a TryAgain error wrapping the transient cause.
func NewTryAgain(cause error) *TransferError {
	return &TransferError{Code: ErrTryAgain, Message: "transient failure", Cause: cause}
}

// NewNotAvailable creates a NotAvailable error wrapping the read failure.
func NewNotAvailable(cause error) *TransferError {
	return &TransferError{Code: ErrNotAvailable, Message: "content not available", Cause: cause}
}

// NewConflict creates a Conflict error.
func NewConflict(msg string) *TransferError {
	return &TransferError{Code: ErrConflict, Message: msg}
}

// NewInternal creates an InternalError wrapping the cause.
func NewInternal(cause error) *TransferError {
	return &TransferError{Code: ErrInternal, Message: "internal error", Cause: cause}
}

// NewRequestCancelled creates a RequestCancelled error.
func NewRequestCancelled() *TransferError {
	return &TransferError{Code: ErrRequestCancelled, Message: "request cancelled"}
}
