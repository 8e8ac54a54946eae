package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is code (1) + flags (1) + big-endian payload length (4).
	HeaderSize = 6

	DefaultMaxPayloadBytes = 16 * 1024 * 1024
)

var (
	ErrTruncated       = errors.New("Frame is truncated, fewer bytes are available than its header declares")
	ErrUnknownType     = errors.New("Frame type is neither a known command nor a known response")
	ErrPayloadTooLarge = errors.New("Frame payload is larger than the configured limit")
)

// FramingError describes a frame that could not be decoded. It wraps one of
// ErrTruncated, ErrUnknownType or ErrPayloadTooLarge.
type FramingError struct {
	Code Code
	Need int
	Have int
	Err  error
}

func (e *FramingError) Error() string {
	switch {
	case errors.Is(e.Err, ErrTruncated):
		return fmt.Sprintf("%s: need %d bytes, have %d", e.Err, e.Need, e.Have)
	case errors.Is(e.Err, ErrPayloadTooLarge):
		return fmt.Sprintf("%s: %s declares %d bytes, limit is %d", e.Err, e.Code, e.Need, e.Have)
	default:
		return fmt.Sprintf("%s: 0x%02X", e.Err, byte(e.Code))
	}
}

func (e *FramingError) Unwrap() error {
	return e.Err
}

// Fatal reports whether the byte stream can no longer be trusted after e.
// Unknown types are fully consumed so the stream stays aligned.
func (e *FramingError) Fatal() bool {
	return !errors.Is(e.Err, ErrUnknownType)
}

// Frame is one unit of the wire protocol.
type Frame struct {
	Code    Code
	Flags   byte
	Payload []byte
}

// Limits bounds memory used while decoding.
type Limits struct {
	MaxPayloadBytes uint32
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: DefaultMaxPayloadBytes}
}

// FrameWriter accepts outbound frames. Implementations must not block on the
// network.
type FrameWriter interface {
	WriteFrame(f Frame) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(f Frame) error

func (fn FrameWriterFunc) WriteFrame(f Frame) error {
	return fn(f)
}

// NewCommand builds a command frame.
func NewCommand(code Code, flags byte, payload []byte) Frame {
	return Frame{Code: code, Flags: flags, Payload: payload}
}

// NewResponse builds a response frame. Succeeded and Failed carry the command
// they answer in the flags byte.
func NewResponse(code Code, inResponseTo Code, payload []byte) Frame {
	return Frame{Code: code, Flags: byte(inResponseTo), Payload: payload}
}

// InResponseTo returns the command a Succeeded or Failed frame answers.
func (f Frame) InResponseTo() Code {
	return Code(f.Flags)
}

func (f Frame) DataPacketFlags() DataPacketFlags {
	return DataPacketFlags(f.Flags)
}

// Encode serialises f as `[code][flags][u32 length][payload]`.
func Encode(f Frame) ([]byte, error) {
	if uint64(len(f.Payload)) > 0xFFFFFFFF {
		return nil, &FramingError{Code: f.Code, Need: len(f.Payload), Have: 0xFFFFFFFF, Err: ErrPayloadTooLarge}
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	putHeader(buf, f)
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// Decode parses the first frame in data and returns it with the number of
// bytes consumed. An unknown type is returned together with the frame and a
// non-zero consumed count so the caller can skip it.
func Decode(data []byte, limits Limits) (Frame, int, error) {
	if len(data) < HeaderSize {
		return Frame{}, 0, &FramingError{Need: HeaderSize, Have: len(data), Err: ErrTruncated}
	}

	code := Code(data[0])
	length := binary.BigEndian.Uint32(data[2:HeaderSize])

	if limits.MaxPayloadBytes > 0 && length > limits.MaxPayloadBytes {
		return Frame{}, 0, &FramingError{Code: code, Need: int(length), Have: int(limits.MaxPayloadBytes), Err: ErrPayloadTooLarge}
	}

	total := HeaderSize + int(length)
	if len(data) < total {
		return Frame{}, 0, &FramingError{Code: code, Need: total, Have: len(data), Err: ErrTruncated}
	}

	f := Frame{Code: code, Flags: data[1]}
	if length > 0 {
		f.Payload = append([]byte(nil), data[HeaderSize:total]...)
	}

	if code.Kind() == KindUnknown {
		return f, total, &FramingError{Code: code, Err: ErrUnknownType}
	}

	return f, total, nil
}

// ReadFrame reads exactly one frame from r.
//
// A clean end of stream before any header byte is returned as io.EOF so
// callers can tell a closed connection from a truncated frame.
func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var header [HeaderSize]byte

	n, err := io.ReadFull(r, header[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, &FramingError{Need: HeaderSize, Have: n, Err: ErrTruncated}
		}
		return Frame{}, err
	}

	code := Code(header[0])
	length := binary.BigEndian.Uint32(header[2:])

	if limits.MaxPayloadBytes > 0 && length > limits.MaxPayloadBytes {
		return Frame{}, &FramingError{Code: code, Need: int(length), Have: int(limits.MaxPayloadBytes), Err: ErrPayloadTooLarge}
	}

	f := Frame{Code: code, Flags: header[1]}
	if length > 0 {
		f.Payload = make([]byte, length)
		if n, err := io.ReadFull(r, f.Payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Frame{}, &FramingError{Code: code, Need: HeaderSize + int(length), Have: HeaderSize + n, Err: ErrTruncated}
			}
			return Frame{}, err
		}
	}

	if code.Kind() == KindUnknown {
		return f, &FramingError{Code: code, Err: ErrUnknownType}
	}

	return f, nil
}

// WriteFrame writes f to w with a single Write call, so concurrent writers
// sharing w never interleave partial frames.
func WriteFrame(w io.Writer, f Frame) error {
	b, err := Encode(f)
	if err != nil {
		return err
	}

	_, err = w.Write(b)
	return err
}

func putHeader(buf []byte, f Frame) {
	buf[0] = byte(f.Code)
	buf[1] = f.Flags
	binary.BigEndian.PutUint32(buf[2:HeaderSize], uint32(len(f.Payload)))
}
