package codec

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"scriptbridge/message"
)

// Binary record layout, little-endian, fully self-contained (no embedded addresses):
//
//	0        4              8          12                  20                    28          36
//	┌────────┬──────────────┬──────────┬───────────────────┬─────────────────────┬───────────┬──────────────┐
//	│  type  │ correlation  │ totalLen │ moduleName off,len│ functionName off,len│ text off,len│ strings\0 ...│
//	└────────┴──────────────┴──────────┴───────────────────┴─────────────────────┴───────────┴──────────────┘
//
// An absent field has offset 0. Every present string is followed by a NUL.
const (
	recordHeaderSize = 36
	fieldModule      = 12
	fieldFunction    = 20
	fieldText        = 28
)

type BinaryCodec struct{}

// RecordSize returns the number of bytes Encode produces for msg.
func RecordSize(msg *message.RPCMessage) int {
	total := recordHeaderSize
	for _, s := range []*string{msg.ModuleName, msg.FunctionName, msg.Text} {
		if s != nil {
			total += len(*s) + 1
		}
	}
	return total
}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.New("BinaryCodec: v must be *RPCMessage")
	}
	buf := make([]byte, RecordSize(msg))
	writeRecord(buf, msg)
	return buf, nil
}

// writeRecord lays msg out into buf, which must hold at least RecordSize(msg) bytes.
func writeRecord(buf []byte, msg *message.RPCMessage) {
	total := RecordSize(msg)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(msg.Type))
	binary.LittleEndian.PutUint32(buf[4:8], msg.CorrelationID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(total))

	offset := recordHeaderSize
	put := func(slot int, s *string) {
		if s == nil {
			binary.LittleEndian.PutUint32(buf[slot:slot+4], 0)
			binary.LittleEndian.PutUint32(buf[slot+4:slot+8], 0)
			return
		}
		binary.LittleEndian.PutUint32(buf[slot:slot+4], uint32(offset))
		binary.LittleEndian.PutUint32(buf[slot+4:slot+8], uint32(len(*s)))
		copy(buf[offset:], *s)
		buf[offset+len(*s)] = 0
		offset += len(*s) + 1
	}
	put(fieldModule, msg.ModuleName)
	put(fieldFunction, msg.FunctionName)
	put(fieldText, msg.Text)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.New("BinaryCodec: v must be *RPCMessage")
	}
	if len(data) < recordHeaderSize {
		return errors.Wrapf(ErrMalformed, "record is %d bytes, header needs %d", len(data), recordHeaderSize)
	}

	typ := message.Type(binary.LittleEndian.Uint32(data[0:4]))
	if !typ.Valid() {
		return errors.Wrapf(ErrMalformed, "unknown message type %d", typ)
	}
	total := binary.LittleEndian.Uint32(data[8:12])
	if total < recordHeaderSize || int(total) > len(data) {
		return errors.Wrapf(ErrMalformed, "record length %d outside region of %d bytes", total, len(data))
	}
	record := data[:total]

	read := func(slot int) (*string, error) {
		off := binary.LittleEndian.Uint32(record[slot : slot+4])
		n := binary.LittleEndian.Uint32(record[slot+4 : slot+8])
		if off == 0 {
			return nil, nil
		}
		end := uint64(off) + uint64(n)
		if off < recordHeaderSize || end >= uint64(len(record)) {
			return nil, errors.Wrapf(ErrMalformed, "field at %d+%d overruns record of %d bytes", off, n, len(record))
		}
		if record[end] != 0 {
			return nil, errors.Wrapf(ErrMalformed, "field at %d is not NUL-terminated", off)
		}
		s := string(record[off:end])
		return &s, nil
	}

	var err error
	out := message.RPCMessage{
		Type:          typ,
		CorrelationID: binary.LittleEndian.Uint32(data[4:8]),
	}
	if out.ModuleName, err = read(fieldModule); err != nil {
		return err
	}
	if out.FunctionName, err = read(fieldFunction); err != nil {
		return err
	}
	if out.Text, err = read(fieldText); err != nil {
		return err
	}
	*msg = out
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
