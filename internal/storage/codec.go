package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/Benny93/bloom/internal/graph"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// codec encodes stored values as zstd-compressed JSON.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) marshal(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return c.enc.EncodeAll(data, nil), nil
}

func (c *codec) unmarshal(data []byte, v any) error {
	raw, err := c.dec.DecodeAll(data, nil)
	if err != nil {
		return fmt.Errorf("decompressing: %w", err)
	}
	return json.Unmarshal(raw, v)
}

func (c *codec) close() {
	c.enc.Close()
	c.dec.Close()
}

// WriteSnapshot writes snap as indented JSON, zstd-compressed when
// compress is set.
func WriteSnapshot(w io.Writer, snap graph.Snapshot, compress bool) error {
	if !compress {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	if err := json.NewEncoder(encoder).Encode(snap); err != nil {
		encoder.Close()
		return fmt.Errorf("compressing: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return fmt.Errorf("closing encoder: %w", err)
	}
	return nil
}

// ReadSnapshot reads a snapshot written by WriteSnapshot. Compressed
// input is detected from the zstd frame magic.
func ReadSnapshot(r io.Reader) (graph.Snapshot, error) {
	var snap graph.Snapshot

	br := bufio.NewReader(r)
	head, _ := br.Peek(len(zstdMagic))

	var src io.Reader = br
	if bytes.Equal(head, zstdMagic) {
		decoder, err := zstd.NewReader(br)
		if err != nil {
			return snap, fmt.Errorf("creating zstd decoder: %w", err)
		}
		defer decoder.Close()
		src = decoder
	}

	if err := json.NewDecoder(src).Decode(&snap); err != nil {
		return snap, fmt.Errorf("decoding snapshot: %w", err)
	}
	sortSnapshot(&snap)
	return snap, nil
}

func sortSnapshot(snap *graph.Snapshot) {
	sort.Slice(snap.Nodes, func(i, j int) bool { return snap.Nodes[i].ID < snap.Nodes[j].ID })
	sort.Slice(snap.Edges, func(i, j int) bool { return snap.Edges[i].ID < snap.Edges[j].ID })
}
