package stream

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/jobconnect/errors"
)

func chunks(n int, payload string) []Chunk {
	out := make([]Chunk, n)
	for i := range out {
		out[i] = Chunk{Data: []byte(payload)}
	}
	return out
}

type recorder struct {
	reports []Report
}

func (r *recorder) record(rep Report) { r.reports = append(r.reports, rep) }

func (r *recorder) progress() []int {
	out := make([]int, len(r.reports))
	for i, rep := range r.reports {
		out[i] = rep.Progress
	}
	return out
}

func TestRun_ProgressCadence(t *testing.T) {
	// Given: 12 chunks and progress_interval=10
	p := NewProcessor(Config{ProgressInterval: 10}, zaptest.NewLogger(t).Sugar())
	rec := &recorder{}

	// When: the stream is consumed
	res := p.Run(context.Background(), NewSliceSource(chunks(12, "ab")...), nil, rec.record)

	// Then: initial, one periodic at item 10, and final
	require.True(t, res.Success)
	assert.Equal(t, 12, res.ItemsProcessed)
	assert.Equal(t, int64(24), res.ResponseSize)
	require.Len(t, rec.reports, 3)
	assert.Equal(t, InitialProgress, rec.reports[0].Progress)
	assert.Equal(t, 10, rec.reports[1].ItemsProcessed)
	assert.Greater(t, rec.reports[1].Progress, InitialProgress)
	assert.Less(t, rec.reports[1].Progress, MaxBodyProgress)
	assert.Equal(t, FinalProgress, rec.reports[2].Progress)
}

func TestRun_SizeCapCountsExceedingChunk(t *testing.T) {
	// Given: 10-byte chunks and a 25-byte cap
	p := NewProcessor(Config{MaxResponseSize: 25}, nil)
	rec := &recorder{}
	var handled int

	res := p.Run(context.Background(), NewSliceSource(chunks(5, "0123456789")...),
		func(ctx context.Context, c Chunk) error {
			handled++
			return nil
		}, rec.record)

	// Then: the third chunk is counted, then rejected before the handler
	require.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, errors.ErrSizeExceeded))
	assert.Equal(t, 3, res.ItemsProcessed)
	assert.Equal(t, int64(30), res.ResponseSize)
	assert.Equal(t, 2, handled)

	last := rec.reports[len(rec.reports)-1]
	assert.Equal(t, 0, last.Progress)
	assert.Equal(t, 3, last.ItemsProcessed)
	assert.Equal(t, int64(30), last.ResponseSize)
	assert.Error(t, last.Err)
}

func TestRun_ChunkTimeout(t *testing.T) {
	ch := make(chan Chunk, 1)
	ch <- Chunk{Data: []byte("first")}
	// Channel stays open and silent after the first chunk.

	p := NewProcessor(Config{ChunkTimeout: 30 * time.Millisecond}, nil)
	rec := &recorder{}
	res := p.Run(context.Background(), ChannelSource(ch), nil, rec.record)

	require.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, errors.ErrTimeout))
	assert.Equal(t, 1, res.ItemsProcessed)
	assert.Equal(t, int64(5), res.ResponseSize)
	assert.Equal(t, []int{InitialProgress, 0}, rec.progress())
}

func TestRun_ChunkTimeoutCountsHandlerTime(t *testing.T) {
	ch := make(chan Chunk, 2)
	ch <- Chunk{Data: []byte("a")}
	ch <- Chunk{Data: []byte("b")}
	close(ch)

	// Each call returns at once, but the handler stalls past the gap limit.
	p := NewProcessor(Config{ChunkTimeout: 40 * time.Millisecond}, nil)
	res := p.Run(context.Background(), ChannelSource(ch),
		func(ctx context.Context, c Chunk) error {
			time.Sleep(80 * time.Millisecond)
			return nil
		}, nil)

	require.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, errors.ErrTimeout))
	assert.Equal(t, 1, res.ItemsProcessed)
}

func TestRun_ChunkTimeoutWithinGap(t *testing.T) {
	ch := make(chan Chunk, 3)
	for _, d := range []string{"a", "b", "c"} {
		ch <- Chunk{Data: []byte(d)}
	}
	close(ch)

	p := NewProcessor(Config{ChunkTimeout: 500 * time.Millisecond}, nil)
	res := p.Run(context.Background(), ChannelSource(ch),
		func(ctx context.Context, c Chunk) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}, nil)

	require.True(t, res.Success, res.Err)
	assert.Equal(t, 3, res.ItemsProcessed)
}

func TestRun_HandlerStop(t *testing.T) {
	p := NewProcessor(Config{}, nil)
	res := p.Run(context.Background(), NewSliceSource(chunks(10, "x")...),
		func(ctx context.Context, c Chunk) error {
			if string(c.Data) == "x" {
				return Stop
			}
			return nil
		}, nil)

	assert.True(t, res.Success)
	assert.True(t, res.Stopped)
	assert.Equal(t, 1, res.ItemsProcessed)
	assert.NoError(t, res.Err)
}

func TestRun_HandlerErrorAndPanic(t *testing.T) {
	p := NewProcessor(Config{}, nil)

	res := p.Run(context.Background(), NewSliceSource(chunks(2, "x")...),
		func(ctx context.Context, c Chunk) error { return errors.New("bad chunk") }, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Error(), "bad chunk")

	res = p.Run(context.Background(), NewSliceSource(chunks(2, "x")...),
		func(ctx context.Context, c Chunk) error { panic("boom") }, nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Err.Error(), "boom")
}

func TestRun_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewProcessor(Config{}, nil)
	res := p.Run(ctx, NewSliceSource(chunks(2, "x")...), nil, nil)
	assert.False(t, res.Success)
	assert.True(t, errors.Is(res.Err, errors.ErrCancelled))
}

func TestRun_ProgressPanicIgnored(t *testing.T) {
	p := NewProcessor(Config{ProgressInterval: 1}, nil)
	res := p.Run(context.Background(), NewSliceSource(chunks(3, "x")...), nil, func(Report) {
		panic("worker bug")
	})
	assert.True(t, res.Success)
}

func TestCurve(t *testing.T) {
	prev := Curve(0, 10)
	assert.Equal(t, InitialProgress, prev)
	for items := 1; items <= 100000; items += 37 {
		v := Curve(items, 10)
		assert.GreaterOrEqual(t, v, prev)
		assert.GreaterOrEqual(t, v, InitialProgress)
		assert.Less(t, v, MaxBodyProgress)
		prev = v
	}
	assert.Equal(t, 50, Curve(100, 10))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	err := Config{MaxResponseSize: -1}.Validate()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
	assert.True(t, strings.Contains(err.Error(), "max_response_size"))
}
