// Package wire holds the primitive binary encoding shared by the sync codec
// and the replica engine: unsigned varints and varint length-prefixed byte
// strings.
package wire

import (
	"errors"
	"fmt"

	"github.com/multiformats/go-varint"
)

// ErrShortBuffer is returned when a read runs past the end of the input.
var ErrShortBuffer = errors.New("wire: short buffer")

// MaxUint is the largest value a varint in this encoding can carry.
const MaxUint = varint.MaxValueUvarint63

// Encoder appends values to a growing byte slice.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder with room for size bytes before growing.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, 0, size)}
}

func (e *Encoder) WriteUint(v uint64) {
	e.buf = append(e.buf, varint.ToUvarint(v)...)
}

func (e *Encoder) WriteByte(b byte) error {
	e.buf = append(e.buf, b)
	return nil
}

// WriteBytes writes a varint length followed by b.
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteString(s string) {
	e.WriteUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// WriteRaw appends b without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Len() int { return len(e.buf) }

// Bytes returns the encoded bytes. The encoder must not be reused afterwards.
func (e *Encoder) Bytes() []byte { return e.buf }

// Decoder reads values from a byte slice.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) ReadUint() (uint64, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrShortBuffer
	}
	v, n, err := varint.FromUvarint(d.buf[d.pos:])
	if err != nil {
		return 0, fmt.Errorf("wire: read varint at %d: %w", d.pos, err)
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) ReadByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, ErrShortBuffer
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadBytes reads a length-prefixed byte string. The returned slice aliases
// the decoder input.
func (d *Decoder) ReadBytes() ([]byte, error) {
	n, err := d.ReadUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, ErrShortBuffer
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *Decoder) ReadString() (string, error) {
	b, err := d.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Rest returns the unread remainder of the input.
func (d *Decoder) Rest() []byte { return d.buf[d.pos:] }

func (d *Decoder) Remaining() int { return len(d.buf) - d.pos }
