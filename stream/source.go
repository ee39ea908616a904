package stream

import (
	"context"
	"io"
)

// ChannelSource reads chunks from a channel until it is closed.
type ChannelSource <-chan Chunk

// Next implements Source.
func (s ChannelSource) Next(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case chunk, ok := <-s:
		if !ok {
			return Chunk{}, io.EOF
		}
		return chunk, nil
	}
}

// SliceSource yields a fixed list of chunks.
type SliceSource struct {
	chunks []Chunk
	pos    int
}

// NewSliceSource creates a source over chunks.
func NewSliceSource(chunks ...Chunk) *SliceSource {
	return &SliceSource{chunks: chunks}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return Chunk{}, err
	}
	if s.pos >= len(s.chunks) {
		return Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}
