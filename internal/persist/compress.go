package persist

import (
	"bytes"
	"context"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Compressed stores snapshots zstd-compressed in the wrapped store. Loads
// accept both compressed and plain rows, so compression can be switched on
// for an existing database.
type Compressed struct {
	next StateStore
	enc  *zstd.Encoder
	dec  *zstd.Decoder
}

func NewCompressed(next StateStore) (*Compressed, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	return &Compressed{next: next, enc: enc, dec: dec}, nil
}

func (c *Compressed) LoadState(ctx context.Context, documentID string) ([]byte, error) {
	raw, err := c.next.LoadState(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(raw, zstdMagic) {
		return raw, nil
	}
	state, err := c.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress %s: %v", ErrUnavailable, documentID, err)
	}
	return state, nil
}

func (c *Compressed) SaveState(ctx context.Context, documentID string, state []byte) error {
	return c.next.SaveState(ctx, documentID, c.enc.EncodeAll(state, nil))
}

func (c *Compressed) Close() {
	c.dec.Close()
	_ = c.enc.Close()
}
