package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"muxrpc/message"
)

var (
	errNotEnvelope = errors.New("BinaryCodec: v must be *message.Envelope")
	errShortBuffer = errors.New("BinaryCodec: short buffer")
)

// BinaryCodec is a compact length-prefixed encoding of *message.Envelope.
// It cannot encode anything else, so it is never used for payloads.
//
// Layout (big-endian):
//
//	kind u8 | id u32 | method u16+n | deadline i64 (unix nanos, 0 = none) |
//	trace u16+n | payload u32+n | error u32+n | code u16+n
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return nil, errNotEnvelope
	}
	if len(msg.Method) > math.MaxUint16 || len(msg.Context.TraceID) > math.MaxUint16 || len(msg.Code) > math.MaxUint16 {
		return nil, fmt.Errorf("BinaryCodec: field exceeds %d bytes", math.MaxUint16)
	}

	total := 1 + 4 + 2 + len(msg.Method) + 8 + 2 + len(msg.Context.TraceID) +
		4 + len(msg.Payload) + 4 + len(msg.Error) + 2 + len(msg.Code)
	buf := make([]byte, 0, total)

	buf = append(buf, byte(msg.Kind))
	buf = binary.BigEndian.AppendUint32(buf, msg.RequestID)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Method)))
	buf = append(buf, msg.Method...)

	var deadline int64
	if !msg.Context.Deadline.IsZero() {
		deadline = msg.Context.Deadline.UnixNano()
	}
	buf = binary.BigEndian.AppendUint64(buf, uint64(deadline))

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Context.TraceID)))
	buf = append(buf, msg.Context.TraceID...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)

	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Error)))
	buf = append(buf, msg.Error...)

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Code)))
	buf = append(buf, msg.Code...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return errNotEnvelope
	}

	r := reader{buf: data}
	kind := r.u8()
	id := r.u32()
	method := r.bytes(int(r.u16()))
	deadline := int64(r.u64())
	trace := r.bytes(int(r.u16()))
	payload := r.bytes(int(r.u32()))
	errMsg := r.bytes(int(r.u32()))
	code := r.bytes(int(r.u16()))
	if r.err != nil {
		return r.err
	}
	if r.off != len(data) {
		return fmt.Errorf("BinaryCodec: %d trailing bytes", len(data)-r.off)
	}

	*msg = message.Envelope{
		Kind:      message.Kind(kind),
		RequestID: id,
		Method:    string(method),
		Context:   message.Context{TraceID: string(trace)},
		Error:     string(errMsg),
		Code:      string(code),
	}
	if deadline != 0 {
		msg.Context.Deadline = time.Unix(0, deadline)
	}
	if payload != nil {
		msg.Payload = append(make([]byte, 0, len(payload)), payload...)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a buffer and records the first out-of-range read instead of panicking
// on malformed input.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf)-r.off < n {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	if b := r.next(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.next(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.next(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) bytes(n int) []byte {
	return r.next(n)
}
