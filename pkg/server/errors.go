package server

import (
	"errors"

	dalerrors "github.com/filerift/filerift/pkg/dal/errors"
	"github.com/filerift/filerift/pkg/wire"
)

// wireError translates an engine error into the wire Error payload.
// Unknown error types surface as INTERNAL_ERROR with their message.
func wireError(err error) *wire.Error {
	var te *dalerrors.TransferError
	if !errors.As(err, &te) {
		return &wire.Error{Code: wire.CodeInternalError, Message: err.Error()}
	}

	out := &wire.Error{Code: wireCode(te.Code), Message: te.Message}
	if te.Code == dalerrors.ErrQuotaExceeded {
		out.FreeBytes = te.FreeBytes
		out.ShareID = te.ShareID
	}
	return out
}

func wireCode(code dalerrors.ErrorCode) uint32 {
	switch code {
	case dalerrors.ErrDoesNotExist:
		return wire.CodeDoesNotExist
	case dalerrors.ErrNoPermission:
		return wire.CodeNoPermission
	case dalerrors.ErrQuotaExceeded:
		return wire.CodeQuotaExceeded
	case dalerrors.ErrUploadCorrupt:
		return wire.CodeUploadCorrupt
	case dalerrors.ErrTryAgain:
		return wire.CodeTryAgain
	case dalerrors.ErrNotAvailable:
		return wire.CodeNotAvailable
	case dalerrors.ErrConflict:
		return wire.CodeConflict
	case dalerrors.ErrRequestCancelled:
		return wire.CodeRequestCancelled
	default:
		return wire.CodeInternalError
	}
}

// isFatal reports whether the error must tear the connection down after
// the response is sent.
func isFatal(err error) bool {
	var te *dalerrors.TransferError
	if !errors.As(err, &te) {
		return true
	}
	return te.Code == dalerrors.ErrInternal
}
