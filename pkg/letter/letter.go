// Package letter implements the reusable message buffers exchanged
// through mailboxes.
//
// A Letter is allocated once with a fixed payload capacity and rewritten
// in place for every send and reply. Its wire form is a 16-byte header of
// four int32 fields in host byte order (correlation id, reply kind, type
// tag, payload size) followed by the payload bytes.
package letter

import (
	"encoding/binary"
	"fmt"

	"github.com/billm/letterbox/pkg/types"
)

// HeaderSize is the size of the fixed letter header on the wire
const HeaderSize = 16

// MaxCapacity bounds a single letter allocation
const MaxCapacity = 16 << 20

// ReplyKind tells a receiver which stage of an exchange a letter answers
type ReplyKind int32

const (
	ReplyNone         ReplyKind = 0
	ReplyIntermediate ReplyKind = 1
	ReplyFinal        ReplyKind = 2
)

// String returns the string representation of the reply kind
func (k ReplyKind) String() string {
	switch k {
	case ReplyNone:
		return "none"
	case ReplyIntermediate:
		return "intermediate"
	case ReplyFinal:
		return "final"
	default:
		return fmt.Sprintf("ReplyKind(%d)", int32(k))
	}
}

// EncodeFunc serializes v into dst and returns the number of bytes written
type EncodeFunc func(dst []byte, v any) (int, error)

// DecodeFunc deserializes src into v and returns the decoded size
type DecodeFunc func(src []byte, v any) (int, error)

// Header is the decoded fixed header of a letter
type Header struct {
	CorrelationID int32
	Kind          ReplyKind
	Type          int32
	Size          int32
}

// DecodeHeader parses the fixed header from the start of b
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, types.NewError(types.ErrCodeBufferTooSmall,
			fmt.Sprintf("letter header needs %d bytes, got %d", HeaderSize, len(b)))
	}
	return Header{
		CorrelationID: int32(binary.NativeEndian.Uint32(b[0:4])),
		Kind:          ReplyKind(int32(binary.NativeEndian.Uint32(b[4:8]))),
		Type:          int32(binary.NativeEndian.Uint32(b[8:12])),
		Size:          int32(binary.NativeEndian.Uint32(b[12:16])),
	}, nil
}

// Put writes h into the first HeaderSize bytes of b
func (h Header) Put(b []byte) {
	binary.NativeEndian.PutUint32(b[0:4], uint32(h.CorrelationID))
	binary.NativeEndian.PutUint32(b[4:8], uint32(h.Kind))
	binary.NativeEndian.PutUint32(b[8:12], uint32(h.Type))
	binary.NativeEndian.PutUint32(b[12:16], uint32(h.Size))
}

// Letter is a fixed-capacity message buffer with a correlation header.
// A Letter is owned by one task and is not safe for concurrent use.
type Letter struct {
	buf []byte // header followed by capacity payload bytes
}

// New allocates a letter able to carry capacity payload bytes
func New(capacity int) (*Letter, error) {
	if capacity < 0 || capacity > MaxCapacity {
		return nil, types.NewError(types.ErrCodeOutOfMemory,
			fmt.Sprintf("cannot allocate letter of %d bytes", capacity))
	}
	return &Letter{buf: make([]byte, HeaderSize+capacity)}, nil
}

func (l *Letter) check() error {
	if l == nil || l.buf == nil {
		return types.NewError(types.ErrCodeNotInitialized, "letter is not allocated")
	}
	return nil
}

func (l *Letter) header() Header {
	h, _ := DecodeHeader(l.buf)
	return h
}

func (l *Letter) setHeader(h Header) {
	h.Put(l.buf)
}

// payloadSize returns the header size field, checked against capacity
func (l *Letter) payloadSize() (int, error) {
	size := int(l.header().Size)
	if size < 0 || size > len(l.buf)-HeaderSize {
		return 0, types.NewError(types.ErrCodeEnvelopeTooSmall,
			fmt.Sprintf("payload size %d outside letter capacity %d", size, len(l.buf)-HeaderSize))
	}
	return size, nil
}

// Cap returns the payload capacity in bytes
func (l *Letter) Cap() int {
	if l.check() != nil {
		return 0
	}
	return len(l.buf) - HeaderSize
}

// Size returns the number of payload bytes in use
func (l *Letter) Size() int {
	if l.check() != nil {
		return 0
	}
	return int(l.header().Size)
}

// Type returns the payload type tag
func (l *Letter) Type() int32 {
	if l.check() != nil {
		return 0
	}
	return l.header().Type
}

// Kind returns the reply kind
func (l *Letter) Kind() ReplyKind {
	if l.check() != nil {
		return ReplyNone
	}
	return l.header().Kind
}

// CorrelationID returns the id of the send this letter belongs to
func (l *Letter) CorrelationID() int32 {
	if l.check() != nil {
		return 0
	}
	return l.header().CorrelationID
}

// Header returns the decoded header
func (l *Letter) Header() Header {
	if l.check() != nil {
		return Header{}
	}
	return l.header()
}

// Stamp sets the correlation id and reply kind, keeping type and payload
func (l *Letter) Stamp(correlationID int32, kind ReplyKind) error {
	if err := l.check(); err != nil {
		return err
	}
	h := l.header()
	h.CorrelationID = correlationID
	h.Kind = kind
	l.setHeader(h)
	return nil
}

// Write copies data into the payload and sets the type tag
func (l *Letter) Write(typeTag int32, data []byte) error {
	if err := l.check(); err != nil {
		return err
	}
	if len(data) > l.Cap() {
		return types.NewError(types.ErrCodeEnvelopeTooSmall,
			fmt.Sprintf("payload of %d bytes exceeds letter capacity %d", len(data), l.Cap()))
	}
	copy(l.buf[HeaderSize:], data)
	l.setHeader(Header{Type: typeTag, Size: int32(len(data))})
	return nil
}

// Encode serializes v into the payload with enc and sets the type tag
func (l *Letter) Encode(typeTag int32, v any, enc EncodeFunc) error {
	if err := l.check(); err != nil {
		return err
	}
	if enc == nil {
		data, ok := v.([]byte)
		if !ok {
			return types.NewError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("no encoder for payload of type %T", v))
		}
		return l.Write(typeTag, data)
	}

	n, err := enc(l.buf[HeaderSize:], v)
	if err != nil {
		if types.GetErrorCode(err) != "" {
			return err
		}
		return types.WrapError(types.ErrCodeInvalidArgument, "payload encode failed", err)
	}
	if n < 0 || n > l.Cap() {
		return types.NewError(types.ErrCodeEnvelopeTooSmall,
			fmt.Sprintf("encoded payload of %d bytes exceeds letter capacity %d", n, l.Cap()))
	}
	l.setHeader(Header{Type: typeTag, Size: int32(n)})
	return nil
}

// Read copies the payload into buf and returns its size
func (l *Letter) Read(buf []byte) (int, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	size, err := l.payloadSize()
	if err != nil {
		return 0, err
	}
	if size > len(buf) {
		return 0, types.NewError(types.ErrCodeBufferTooSmall,
			fmt.Sprintf("payload of %d bytes does not fit buffer of %d", size, len(buf)))
	}
	return copy(buf, l.buf[HeaderSize:HeaderSize+size]), nil
}

// Decode deserializes the payload into v with dec. A decoded size above
// maxSize fails with BUFFER_TOO_SMALL; maxSize <= 0 disables the check.
func (l *Letter) Decode(v any, maxSize int, dec DecodeFunc) (int, error) {
	if err := l.check(); err != nil {
		return 0, err
	}
	if dec == nil {
		buf, ok := v.([]byte)
		if !ok {
			return 0, types.NewError(types.ErrCodeInvalidArgument,
				fmt.Sprintf("no decoder for target of type %T", v))
		}
		if maxSize > 0 && maxSize < len(buf) {
			buf = buf[:maxSize]
		}
		return l.Read(buf)
	}

	size, err := l.payloadSize()
	if err != nil {
		return 0, err
	}
	n, err := dec(l.buf[HeaderSize:HeaderSize+size], v)
	if err != nil {
		if types.GetErrorCode(err) != "" {
			return 0, err
		}
		return 0, types.WrapError(types.ErrCodeInvalidArgument, "payload decode failed", err)
	}
	if maxSize > 0 && n > maxSize {
		return 0, types.NewError(types.ErrCodeBufferTooSmall,
			fmt.Sprintf("decoded payload of %d bytes exceeds limit %d", n, maxSize))
	}
	return n, nil
}

// Payload returns the in-use payload bytes. The slice aliases the letter
// and is only valid until the letter is rewritten. It is nil when the
// header size does not fit the letter.
func (l *Letter) Payload() []byte {
	if l.check() != nil {
		return nil
	}
	size, err := l.payloadSize()
	if err != nil {
		return nil
	}
	return l.buf[HeaderSize : HeaderSize+size]
}

// Bytes returns the wire form: header plus in-use payload. It is nil
// when the header size does not fit the letter.
func (l *Letter) Bytes() []byte {
	if l.check() != nil {
		return nil
	}
	size, err := l.payloadSize()
	if err != nil {
		return nil
	}
	return l.buf[:HeaderSize+size]
}

// Buffer returns the whole allocation for a transport to read into.
// Call Validate after filling it.
func (l *Letter) Buffer() []byte {
	if l.check() != nil {
		return nil
	}
	return l.buf
}

// Validate checks that a header received from a transport is consistent
// with n bytes read and with the letter capacity
func (l *Letter) Validate(n int) error {
	if err := l.check(); err != nil {
		return err
	}
	if n < HeaderSize {
		return types.NewError(types.ErrCodeInvalid,
			fmt.Sprintf("received %d bytes, shorter than letter header", n))
	}
	h := l.header()
	if h.Size < 0 || int(h.Size) > l.Cap() || HeaderSize+int(h.Size) != n {
		return types.NewError(types.ErrCodeEnvelopeTooSmall,
			fmt.Sprintf("received payload size %d inconsistent with %d bytes read and capacity %d", h.Size, n, l.Cap()))
	}
	return nil
}

// Discard releases the buffer. Later calls fail with NOT_INITIALIZED.
func (l *Letter) Discard() {
	if l != nil {
		l.buf = nil
	}
}

// String returns a string representation of the letter
func (l *Letter) String() string {
	if l.check() != nil {
		return "Letter{discarded}"
	}
	h := l.header()
	return fmt.Sprintf("Letter{Correlation: %d, Kind: %s, Type: %d, Size: %d/%d}",
		h.CorrelationID, h.Kind, h.Type, h.Size, l.Cap())
}
