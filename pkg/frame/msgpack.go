// Binary frame codec: each frame is a msgpack array [index, args...]
// whose index selects an interned format string from the symbol table.
package frame

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/andrewh/scopetrace/pkg/symtab"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxFrameArgs bounds the argument count of a single frame.
	MaxFrameArgs = 64
	// MaxBufferedBytes bounds how much undecoded input may accumulate
	// before the stream is considered desynchronized.
	MaxBufferedBytes = 64 * 1024
)

// MsgpackDecoder decodes msgpack frames against a symbol table.
type MsgpackDecoder struct {
	table *symtab.Table
	buf   []byte
	off   int
	rd    bytes.Reader
	dec   *msgpack.Decoder
}

// NewMsgpackDecoder creates a decoder with an empty buffer.
func NewMsgpackDecoder(table *symtab.Table) *MsgpackDecoder {
	d := &MsgpackDecoder{table: table}
	d.dec = msgpack.NewDecoder(&d.rd)
	return d
}

// MsgpackFactory returns a Factory producing fresh decoders for table.
func MsgpackFactory(table *symtab.Table) Factory {
	return func() Decoder { return NewMsgpackDecoder(table) }
}

// Received appends p to the buffer, compacting consumed bytes first.
func (d *MsgpackDecoder) Received(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Decode returns the next complete frame.
func (d *MsgpackDecoder) Decode() (Record, error) {
	pending := d.buf[d.off:]
	if len(pending) == 0 {
		return Record{}, ErrNoMoreData
	}

	d.rd.Reset(pending)
	d.dec.Reset(&d.rd)

	rec, err := d.decodeFrame()
	if err != nil {
		if isTruncated(err) {
			if len(pending) > MaxBufferedBytes {
				return Record{}, fmt.Errorf("%w: %d bytes buffered without a complete frame", ErrMalformed, len(pending))
			}
			return Record{}, ErrNoMoreData
		}
		return Record{}, err
	}

	d.off += len(pending) - d.rd.Len()
	return rec, nil
}

func (d *MsgpackDecoder) decodeFrame() (Record, error) {
	n, err := d.dec.DecodeArrayLen()
	if err != nil {
		return Record{}, malformed(err)
	}
	if n < 1 || n > MaxFrameArgs+1 {
		return Record{}, fmt.Errorf("%w: frame has %d elements", ErrMalformed, n)
	}

	index, err := d.dec.DecodeUint64()
	if err != nil {
		return Record{}, malformed(err)
	}

	args := make([]any, n-1)
	for i := range args {
		if args[i], err = d.dec.DecodeInterface(); err != nil {
			return Record{}, malformed(err)
		}
	}

	entry, ok := d.table.Entry(index)
	if !ok {
		return Record{}, fmt.Errorf("%w: unknown format index %d", ErrMalformed, index)
	}
	if want := countPlaceholders(entry.Format); want != len(args) {
		return Record{}, fmt.Errorf("%w: format index %d takes %d arguments, frame has %d", ErrMalformed, index, want, len(args))
	}
	text, err := render(entry.Format, args)
	if err != nil {
		return Record{}, fmt.Errorf("%w: format index %d: %v", ErrMalformed, index, err)
	}
	level, _ := ParseLevel(entry.Level)

	return Record{Index: index, Text: text, Level: level}, nil
}

// malformed wraps a decode error unless it only signals truncated input,
// which must stay distinguishable for the caller.
func malformed(err error) error {
	if isTruncated(err) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}

func isTruncated(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// Encoder writes msgpack frames. It is the producer-side counterpart of
// MsgpackDecoder and is used to build fixtures and replay captures.
type Encoder struct {
	enc *msgpack.Encoder
}

// NewEncoder creates an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: msgpack.NewEncoder(w)}
}

// Encode writes one frame.
func (e *Encoder) Encode(index uint64, args ...any) error {
	if len(args) > MaxFrameArgs {
		return fmt.Errorf("frame has %d arguments, maximum is %d", len(args), MaxFrameArgs)
	}
	if err := e.enc.EncodeArrayLen(len(args) + 1); err != nil {
		return err
	}
	if err := e.enc.EncodeUint(index); err != nil {
		return err
	}
	for _, a := range args {
		if err := e.enc.Encode(a); err != nil {
			return fmt.Errorf("encoding argument: %w", err)
		}
	}
	return nil
}

// AppendFrame appends one encoded frame to dst.
func AppendFrame(dst []byte, index uint64, args ...any) ([]byte, error) {
	buf := bytes.NewBuffer(dst)
	if err := NewEncoder(buf).Encode(index, args...); err != nil {
		return dst, err
	}
	return buf.Bytes(), nil
}
