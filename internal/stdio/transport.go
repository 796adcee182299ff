package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/rmcp-dev/rmcp/internal/event"
	"github.com/rmcp-dev/rmcp/internal/logging"
	"github.com/rmcp-dev/rmcp/internal/mcp"
	"github.com/rmcp-dev/rmcp/internal/session"
)

// Transport runs one session over a framed stream. Requests are processed
// one at a time so replies keep request order; queued notifications are
// written as they arrive, never inside another frame.
type Transport struct {
	router   *mcp.Router
	sessions *session.Manager
	in       *bufio.Reader
	out      io.Writer

	writeMu sync.Mutex
}

// New creates a transport reading from in and writing to out.
func New(router *mcp.Router, sessions *session.Manager, in io.Reader, out io.Writer) *Transport {
	return &Transport{
		router:   router,
		sessions: sessions,
		in:       bufio.NewReader(in),
		out:      out,
	}
}

// Serve processes frames until end of stream, a framing error or ctx is
// done. A clean end of stream returns nil.
func (t *Transport) Serve(ctx context.Context) error {
	state := t.sessions.Create("stdio")
	defer t.sessions.Delete(state.ID)

	pushCtx, stopPush := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.pushLoop(pushCtx, state.Queue)
	}()
	defer func() {
		stopPush()
		wg.Wait()
		// Flush what handlers queued before the stream ended.
		for _, n := range state.Queue.Drain() {
			_ = t.write(n)
		}
	}()

	logging.Info().Str("sessionID", state.ID).Msg("Serving MCP over stdio")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		body, err := ReadFrame(t.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				logging.Info().Str("sessionID", state.ID).Msg("Input closed, stopping stdio transport")
				return nil
			}
			logging.Error().Err(err).Msg("Failed to read frame")
			return err
		}

		resp, ok := t.router.Handle(ctx, state, body)
		if !ok {
			continue
		}
		if err := t.reply(state.Queue, resp); err != nil {
			logging.Error().Err(err).Msg("Failed to write response")
			return err
		}
	}
}

func (t *Transport) pushLoop(ctx context.Context, q *event.Queue) {
	for {
		n, err := q.Pop(ctx)
		if err != nil {
			return
		}
		if err := t.write(n); err != nil {
			logging.Warn().Err(err).Str("method", n.Method).Msg("Failed to write notification")
			return
		}
	}
}

// reply flushes notifications queued by the handler, then the response.
func (t *Transport) reply(q *event.Queue, resp any) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	for _, n := range q.Drain() {
		if b, err := json.Marshal(n); err == nil {
			if err := WriteFrame(t.out, b); err != nil {
				return err
			}
		}
	}
	return WriteFrame(t.out, data)
}

func (t *Transport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return WriteFrame(t.out, data)
}
