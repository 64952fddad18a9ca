package source

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// maxDecodedSize bounds one decompressed payload.
const maxDecodedSize = 512 << 20

// Zstd transparently decompresses payloads that carry a .zst suffix or the
// zstd frame magic.
type Zstd struct {
	Inner Source
	dec   *zstd.Decoder
}

func NewZstd(inner Source) (*Zstd, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, err
	}
	return &Zstd{Inner: inner, dec: dec}, nil
}

func (z *Zstd) String() string { return z.Inner.String() + "+zstd" }

func (z *Zstd) Fetch(ctx context.Context, name string) ([]byte, error) {
	data, err := z.Inner.Fetch(ctx, name)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(name, ".zst") && !bytes.HasPrefix(data, zstdMagic) {
		return data, nil
	}
	out, err := z.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd %s (%d bytes): %w", name, len(data), err)
	}
	return out, nil
}

func (z *Zstd) Close() {
	if z != nil && z.dec != nil {
		z.dec.Close()
	}
}
