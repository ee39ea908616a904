package stream

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, src Source) []Chunk {
	t.Helper()
	var out []Chunk
	for {
		c, err := src.Next(context.Background())
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, c)
	}
}

func TestSSESource_ParsesEvents(t *testing.T) {
	body := ": keepalive\n" +
		"data: {\"a\":1}\n\n" +
		"event: delta\n" +
		"data: line one\n" +
		"data: line two\n\n" +
		"id: 7\n\n" +
		"data: [DONE]"

	src := NewSSESource(strings.NewReader(body))
	got := drain(t, src)

	require.Len(t, got, 3)
	assert.Equal(t, `{"a":1}`, string(got[0].Data))
	assert.Equal(t, "delta", got[1].Event)
	assert.Equal(t, "line one\nline two", string(got[1].Data))
	assert.Equal(t, "[DONE]", string(got[2].Data))
}

func TestSSESource_HonorsDeadline(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	src := NewSSESource(pr)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := src.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSSESource_WithProcessor(t *testing.T) {
	body := "data: a\n\ndata: b\n\ndata: [DONE]\n\ndata: never\n\n"
	var seen []string

	p := NewProcessor(Config{}, nil)
	res := p.Run(context.Background(), NewSSESource(strings.NewReader(body)),
		func(ctx context.Context, c Chunk) error {
			if string(c.Data) == "[DONE]" {
				return Stop
			}
			seen = append(seen, string(c.Data))
			return nil
		}, nil)

	require.True(t, res.Success)
	assert.Equal(t, []string{"a", "b"}, seen)
	assert.Equal(t, 3, res.ItemsProcessed)
}
