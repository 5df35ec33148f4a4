package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"scriptbridge/arena"
	"scriptbridge/message"
)

// ResponseHeaderSize is the correlation id that prefixes every response region.
const ResponseHeaderSize = 4

// WriteRequest allocates a region and lays msg out in it with the binary record layout.
// The caller owns the returned handle until it is posted successfully.
func WriteRequest(a *arena.Arena, msg *message.RPCMessage) (arena.Handle, int, error) {
	size := RecordSize(msg)
	h, buf, err := a.Alloc(size)
	if err != nil {
		return 0, 0, err
	}
	writeRecord(buf, msg)
	return h, size, nil
}

// ReadRequest decodes the record stored in region h. Strings are copied out, so the
// message stays valid after the region is freed. ReadRequest never frees h.
func ReadRequest(a *arena.Arena, h arena.Handle, size int) (*message.RPCMessage, error) {
	buf, err := a.Bytes(h)
	if err != nil {
		return nil, err
	}
	if size > len(buf) {
		return nil, errors.Wrapf(ErrMalformed, "posted size %d exceeds region of %d bytes", size, len(buf))
	}
	msg := &message.RPCMessage{}
	if err := (&BinaryCodec{}).Decode(buf[:size], msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// RequestID returns the correlation id of the record in region h when at least its
// header is readable, and 0 otherwise. It lets a record that fails to decode still be
// answered under the id its sender is waiting on.
func RequestID(a *arena.Arena, h arena.Handle, size int) uint32 {
	buf, err := a.Bytes(h)
	if err != nil || size > len(buf) || size < recordHeaderSize {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[4:8])
}

// ResponseSize is the region size needed for a response body. An absent body still
// needs room for the correlation id.
func ResponseSize(body *string) int {
	if body == nil {
		return ResponseHeaderSize
	}
	return ResponseHeaderSize + len(*body) + 1
}

// PutResponse writes correlation id then the NUL-terminated body into buf.
func PutResponse(buf []byte, id uint32, body *string) {
	binary.LittleEndian.PutUint32(buf[0:4], id)
	if body != nil {
		copy(buf[ResponseHeaderSize:], *body)
		buf[ResponseHeaderSize+len(*body)] = 0
	}
}

// ReadResponse splits a response region into its correlation id and body. A region of
// exactly ResponseHeaderSize bytes carries no body.
func ReadResponse(buf []byte) (uint32, *string, error) {
	if len(buf) < ResponseHeaderSize {
		return 0, nil, errors.Wrapf(ErrMalformed, "response region of %d bytes", len(buf))
	}
	id := binary.LittleEndian.Uint32(buf[0:4])
	if len(buf) == ResponseHeaderSize {
		return id, nil, nil
	}
	rest := buf[ResponseHeaderSize:]
	if rest[len(rest)-1] != 0 {
		return 0, nil, errors.Wrap(ErrMalformed, "response body is not NUL-terminated")
	}
	body := string(rest[:len(rest)-1])
	return id, &body, nil
}
