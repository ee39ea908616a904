package stream

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
)

const maxSSELine = 1 << 20

// SSESource parses a Server-Sent Events body into chunks, one per event.
// Parsing runs in its own goroutine so Next can honor the chunk deadline
// while the body read is blocked; closing the body ends that goroutine.
type SSESource struct {
	events chan sseEvent
	done   chan struct{}
	once   sync.Once
}

type sseEvent struct {
	chunk Chunk
	err   error
}

// NewSSESource starts parsing r.
func NewSSESource(r io.Reader) *SSESource {
	s := &SSESource{
		events: make(chan sseEvent),
		done:   make(chan struct{}),
	}
	go s.parse(r)
	return s
}

// Next implements Source.
func (s *SSESource) Next(ctx context.Context) (Chunk, error) {
	select {
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	case ev, ok := <-s.events:
		if !ok {
			return Chunk{}, io.EOF
		}
		return ev.chunk, ev.err
	}
}

// Close stops delivering events. It does not close the underlying reader.
func (s *SSESource) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *SSESource) emit(ev sseEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *SSESource) parse(r io.Reader) {
	defer close(s.events)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var (
		event string
		data  bytes.Buffer
		has   bool
	)
	dispatch := func() bool {
		if !has {
			event = ""
			return true
		}
		chunk := Chunk{Event: event, Data: bytes.Clone(data.Bytes())}
		event, has = "", false
		data.Reset()
		return s.emit(sseEvent{chunk: chunk})
	}

	for scanner.Scan() {
		line := scanner.Bytes()

		// Blank line terminates an event
		if len(line) == 0 {
			if !dispatch() {
				return
			}
			continue
		}
		// Comment
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))

		switch string(field) {
		case "event":
			event = string(value)
		case "data":
			if has {
				data.WriteByte('\n')
			}
			data.Write(value)
			has = true
		}
	}

	if err := scanner.Err(); err != nil {
		s.emit(sseEvent{err: err})
		return
	}
	// Flush an event not followed by a blank line
	dispatch()
}
