package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/klauspost/compress/gzip"
)

var (
	ErrDecompressedTooLarge = errors.New("Decompressed payload is larger than the configured limit")
)

// Compress applies the negotiated compression mode to payload.
func Compress(mode CompressionMode, payload []byte) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return payload, nil

	case CompressionGZip:
		var buf bytes.Buffer

		w := gzip.NewWriter(&buf)
		if _, err := w.Write(payload); err != nil {
			return nil, fmt.Errorf("Failed to gzip payload: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("Failed to gzip payload: %w", err)
		}

		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("Failed to compress with %s: %w", mode, ErrUnsupportedCompression)
	}
}

// Decompress reverses Compress. limit bounds the inflated size, zero means no
// limit.
func Decompress(mode CompressionMode, payload []byte, limit uint32) ([]byte, error) {
	switch mode {
	case CompressionNone:
		return payload, nil

	case CompressionGZip:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("Failed to gunzip payload: %w", err)
		}
		defer r.Close()

		var src io.Reader = r
		if limit > 0 {
			src = io.LimitReader(r, int64(limit)+1)
		}

		out, err := ioutil.ReadAll(src)
		if err != nil {
			return nil, fmt.Errorf("Failed to gunzip payload: %w", err)
		}

		if limit > 0 && uint64(len(out)) > uint64(limit) {
			return nil, ErrDecompressedTooLarge
		}

		return out, nil

	default:
		return nil, fmt.Errorf("Failed to decompress with %s: %w", mode, ErrUnsupportedCompression)
	}
}
