package state

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Checkpoint blobs are msgpack-encoded then zstd-compressed. Accumulated
// collections dominate snapshot size once the analysts have run, so the
// compression pays for itself quickly.

// Encode serializes a state snapshot into a checkpoint blob.
func Encode(s *ResearchState) ([]byte, error) {
	raw, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd writer: %w", err)
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

// Decode restores a state snapshot from a checkpoint blob.
func Decode(blob []byte) (*ResearchState, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd reader: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress state: %w", err)
	}
	var s ResearchState
	if err := msgpack.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &s, nil
}
