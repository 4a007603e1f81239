// Package msgcodec provides message content compression and decompression.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// ContentCompression identifies the codec used to store a message's content
// bytes. Stored alongside the content in the messages table so Decompress
// knows how to read it back regardless of which codec wrote it.
type ContentCompression int

const (
	ContentCompressionUnspecified ContentCompression = iota
	ContentCompressionNone
	ContentCompressionZstd
)

func (c ContentCompression) String() string {
	switch c {
	case ContentCompressionNone:
		return "none"
	case ContentCompressionZstd:
		return "zstd"
	default:
		return "unspecified"
	}
}

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses data with zstd and returns whichever of the
// compressed or original bytes is smaller, along with the codec used.
// Small control payloads often don't shrink, so callers always get the
// smaller of the two rather than paying for compression that didn't help.
func Compress(data []byte) ([]byte, ContentCompression) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	if len(compressed) >= len(data) {
		return data, ContentCompressionNone
	}
	return compressed, ContentCompressionZstd
}

// Decompress decompresses data according to the given compression algorithm.
// Returns an error for unspecified or unsupported compression values.
func Decompress(data []byte, compression ContentCompression) ([]byte, error) {
	switch compression {
	case ContentCompressionZstd:
		return decoder.DecodeAll(data, nil)
	case ContentCompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %v", compression)
	}
}
