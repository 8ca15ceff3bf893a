package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	xdr "github.com/rasky/go-xdr/xdr2"
)

// ErrFrameTooLarge is returned when an incoming frame exceeds the
// negotiated maximum message size. The connection is not recoverable
// afterwards since the stream position is lost.
type ErrFrameTooLarge struct {
	Length uint32
	Max    uint32
}

func (e *ErrFrameTooLarge) Error() string {
	return fmt.Sprintf("frame of %d bytes exceeds maximum message size %d", e.Length, e.Max)
}

// Frame is a decoded wire frame with its payload still in XDR form.
type Frame struct {
	Type      MsgType
	RequestID uint32
	Payload   []byte
}

// ReadFrame reads one length-prefixed frame from r. maxSize bounds the
// frame body; 0 means no bound.
func ReadFrame(r io.Reader, maxSize uint32) (*Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])

	if length < 8 {
		return nil, fmt.Errorf("frame of %d bytes is shorter than the header", length)
	}
	if maxSize > 0 && length > maxSize {
		return nil, &ErrFrameTooLarge{Length: length, Max: maxSize}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	return &Frame{
		Type:      MsgType(binary.BigEndian.Uint32(body[0:4])),
		RequestID: binary.BigEndian.Uint32(body[4:8]),
		Payload:   body[8:],
	}, nil
}

// WriteMessage encodes payload and writes a complete frame to w.
// A nil payload writes a frame with an empty body (EOF, PING).
func WriteMessage(w io.Writer, msgType MsgType, requestID uint32, payload any) error {
	var body bytes.Buffer

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(msgType))
	binary.BigEndian.PutUint32(header[4:8], requestID)
	body.Write(header[:])

	if payload != nil {
		if _, err := xdr.Marshal(&body, payload); err != nil {
			return fmt.Errorf("encode %s payload: %w", msgType, err)
		}
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(body.Len()))

	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// Decode unmarshals the frame payload into the struct for its type.
func Decode(f *Frame) (any, error) {
	payload := newPayload(f.Type)
	if payload == nil {
		return nil, fmt.Errorf("unknown message type %d", uint32(f.Type))
	}
	if _, err := xdr.Unmarshal(bytes.NewReader(f.Payload), payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return payload, nil
}

// DecodeAs unmarshals the frame payload into out, checking the type tag.
func DecodeAs(f *Frame, want MsgType, out any) error {
	if f.Type != want {
		return fmt.Errorf("expected %s frame, got %s", want, f.Type)
	}
	if _, err := xdr.Unmarshal(bytes.NewReader(f.Payload), out); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// newPayload returns a zero payload struct for the message type.
func newPayload(t MsgType) any {
	switch t {
	case MsgAuth:
		return new(Auth)
	case MsgAuthOK:
		return new(AuthOK)
	case MsgError:
		return new(Error)
	case MsgPing:
		return new(Ping)
	case MsgPong:
		return new(Pong)
	case MsgGetRoot:
		return new(GetRoot)
	case MsgRoot:
		return new(Root)
	case MsgMakeFile:
		return new(MakeFile)
	case MsgMakeDir:
		return new(MakeDir)
	case MsgNewNode:
		return new(NewNode)
	case MsgUnlink:
		return new(Unlink)
	case MsgUnlinked:
		return new(Unlinked)
	case MsgMove:
		return new(Move)
	case MsgOK:
		return new(OK)
	case MsgChangePublicAccess:
		return new(ChangePublicAccess)
	case MsgPublicURL:
		return new(PublicURL)
	case MsgListPublicFiles:
		return new(ListPublicFiles)
	case MsgGetFreeBytes:
		return new(GetFreeBytes)
	case MsgFreeBytes:
		return new(FreeBytes)
	case MsgPutContent:
		return new(PutContent)
	case MsgGetContent:
		return new(GetContent)
	case MsgBeginContent:
		return new(BeginContent)
	case MsgBytes:
		return new(Bytes)
	case MsgEOF:
		return new(EOF)
	case MsgCancelRequest:
		return new(CancelRequest)
	case MsgGetDelta:
		return new(GetDelta)
	case MsgGetFromScratch:
		return new(GetFromScratch)
	case MsgDeltaNode:
		return new(DeltaNode)
	case MsgDeltaEnd:
		return new(DeltaEnd)
	default:
		return nil
	}
}
