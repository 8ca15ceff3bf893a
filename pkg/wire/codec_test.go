package wire

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, msgType MsgType, requestID uint32, payload any) *Frame {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, msgType, requestID, payload))

	f, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, msgType, f.Type)
	assert.Equal(t, requestID, f.RequestID)
	return f
}

func TestFrameRoundTrip(t *testing.T) {
	f := roundTrip(t, MsgPutContent, 7, &PutContent{
		VolumeID:     "11111111-2222-3333-4444-555555555555",
		NodeID:       "66666666-7777-8888-9999-aaaaaaaaaaaa",
		PreviousHash: "sha1:da39a3ee5e6b4b0d3255bfef95601890afd80709",
		Hash:         "sha1:2aae6c35c94fcfb415dbe95f408b9ce91ee846ed",
		CRC32:        0xdeadbeef,
		Size:         1234,
		DeflatedSize: 987,
		MagicHash:    "magic:0beec7b5ea3f0fdbc95d0dd47f3c5bc275da8a33",
		UploadID:     "",
	})

	var got PutContent
	require.NoError(t, DecodeAs(f, MsgPutContent, &got))
	assert.Equal(t, uint32(0xdeadbeef), got.CRC32)
	assert.Equal(t, uint64(1234), got.Size)
	assert.Equal(t, uint64(987), got.DeflatedSize)
	assert.Equal(t, "sha1:2aae6c35c94fcfb415dbe95f408b9ce91ee846ed", got.Hash)
	assert.Empty(t, got.UploadID)
}

func TestFrameRoundTripEmptyPayload(t *testing.T) {
	f := roundTrip(t, MsgPing, 1, nil)
	assert.Empty(t, f.Payload)

	decoded, err := Decode(f)
	require.NoError(t, err)
	assert.IsType(t, &Ping{}, decoded)
}

func TestFrameRoundTripBytes(t *testing.T) {
	chunk := bytes.Repeat([]byte{0x5a}, 4096)
	f := roundTrip(t, MsgBytes, 3, &Bytes{Payload: chunk})

	var got Bytes
	require.NoError(t, DecodeAs(f, MsgBytes, &got))
	assert.Equal(t, chunk, got.Payload)
}

func TestFrameRoundTripError(t *testing.T) {
	f := roundTrip(t, MsgError, 9, &Error{
		Code:      CodeQuotaExceeded,
		Message:   "quota exceeded",
		FreeBytes: 42,
		ShareID:   "root",
	})

	var got Error
	require.NoError(t, DecodeAs(f, MsgError, &got))
	assert.Equal(t, CodeQuotaExceeded, got.Code)
	assert.Equal(t, uint64(42), got.FreeBytes)
	assert.Equal(t, "root", got.ShareID)
}

func TestReadFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, MsgBytes, 1, &Bytes{
		Payload: make([]byte, 1024),
	}))

	_, err := ReadFrame(&buf, 64)
	var tooLarge *ErrFrameTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, uint32(64), tooLarge.Max)
}

func TestReadFrameShortHeader(t *testing.T) {
	// A frame shorter than type+request_id is malformed.
	var buf bytes.Buffer
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], 4)
	buf.Write(lenBuf[:])
	buf.Write([]byte{0, 0, 0, 1})

	_, err := ReadFrame(&buf, 0)
	assert.Error(t, err)
}

func TestReadFrameTruncatedBody(t *testing.T) {
	var full bytes.Buffer
	require.NoError(t, WriteMessage(&full, MsgAuth, 1, &Auth{Token: "tok"}))

	truncated := bytes.NewReader(full.Bytes()[:full.Len()-2])
	_, err := ReadFrame(truncated, 0)
	assert.Error(t, err)
}

func TestDecodeAsTypeMismatch(t *testing.T) {
	f := roundTrip(t, MsgPing, 2, nil)

	var auth Auth
	err := DecodeAs(f, MsgAuth, &auth)
	assert.Error(t, err)
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode(&Frame{Type: MsgType(9999)})
	assert.Error(t, err)
}
