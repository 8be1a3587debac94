package tcp

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/dramcache/dramcache/pkg/bufpool"
)

// Encoders and decoders are reused across frames; EncodeAll and DecodeAll
// keep no state between calls.
var (
	encoderPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
			return enc
		},
	}
	decoderPool = sync.Pool{
		New: func() any {
			dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
			return dec
		},
	}
)

// compress encodes src into a pooled buffer. ok is false when the encoded
// form is not smaller than src; the caller then sends src as is.
func compress(src []byte) (out []byte, ok bool) {
	enc := encoderPool.Get().(*zstd.Encoder)
	defer encoderPool.Put(enc)

	dst := bufpool.Get(len(src))
	out = enc.EncodeAll(src, dst[:0])
	if len(out) >= len(src) {
		bufpool.Put(dst)
		return nil, false
	}
	return out, true
}

// decompressInto decodes src into dst, which must be exactly the size of
// the original data.
func decompressInto(dst, src []byte) error {
	dec := decoderPool.Get().(*zstd.Decoder)
	defer decoderPool.Put(dec)

	out, err := dec.DecodeAll(src, dst[:0:len(dst)])
	if err != nil {
		return fmt.Errorf("tcp: decompress: %w", err)
	}
	if len(out) != len(dst) {
		return fmt.Errorf("tcp: decompressed %d bytes, want %d", len(out), len(dst))
	}
	if &out[0] != &dst[0] {
		copy(dst, out)
	}
	return nil
}
