package delta

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressionGzip and CompressionZstd name the two pluggable codecs a
// Delta's CompressionAlgo field may carry.
const (
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// ComputeCompressed calls Compute and then compresses every payload
// block independently under algo, so a receiver can decompress each
// block in isolation without buffering the whole delta.
func (e *Engine) ComputeCompressed(path string, old, new []byte, algo string) (*Delta, error) {
	d, err := e.Compute(path, old, new)
	if err != nil {
		return nil, err
	}
	for i := range d.Chunks {
		if d.Chunks[i].Data == nil {
			continue
		}
		compressed, err := compressBlock(d.Chunks[i].Data, algo)
		if err != nil {
			return nil, err
		}
		d.Chunks[i].Data = compressed
	}
	d.Compressed = true
	d.CompressionAlgo = algo
	return d, nil
}

// ApplyCompressed decompresses every payload-bearing block of delta
// before delegating to Apply.
func (e *Engine) ApplyCompressed(delta *Delta, base []byte) ([]byte, error) {
	if !delta.Compressed {
		return e.Apply(delta, base)
	}
	plain := *delta
	plain.Chunks = make([]Block, len(delta.Chunks))
	copy(plain.Chunks, delta.Chunks)
	for i := range plain.Chunks {
		if plain.Chunks[i].Data == nil {
			continue
		}
		data, err := decompressBlock(plain.Chunks[i].Data, delta.CompressionAlgo)
		if err != nil {
			return nil, err
		}
		plain.Chunks[i].Data = data
	}
	plain.Compressed = false
	return e.Apply(&plain, base)
}

func compressBlock(data []byte, algo string) ([]byte, error) {
	switch algo {
	case CompressionGzip, "":
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer enc.Close()
		return enc.EncodeAll(data, nil), nil
	default:
		return nil, fmt.Errorf("delta: unknown compression algo %q", algo)
	}
}

func decompressBlock(data []byte, algo string) ([]byte, error) {
	switch algo {
	case CompressionGzip, "":
		r, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("delta: unknown compression algo %q", algo)
	}
}
