package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmcp-dev/rmcp/internal/event"
	"github.com/rmcp-dev/rmcp/internal/mcp"
	"github.com/rmcp-dev/rmcp/internal/registry"
	"github.com/rmcp-dev/rmcp/internal/session"
)

func frame(msg string) string {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, []byte(msg))
	return buf.String()
}

func readAll(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	r := bufio.NewReader(bytes.NewReader(data))
	var out []map[string]any
	for {
		body, err := ReadFrame(r)
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		var msg map[string]any
		require.NoError(t, json.Unmarshal(body, &msg))
		out = append(out, msg)
	}
}

func newTransport(in io.Reader, out io.Writer) (*Transport, *session.Manager) {
	tools := registry.NewTools()
	tools.MustRegister(registry.Tool{
		Name: "echo",
		Handler: func(rc *session.Context, args map[string]any) (any, error) {
			rc.Log("info", "echoing", nil)
			return args, nil
		},
	})
	router := mcp.NewRouter(mcp.Options{Name: "rmcp-test", Version: "0.0.1"}, tools, nil, nil)
	sessions := session.NewManager(nil, session.Limits{}, event.NewBus())
	return New(router, sessions, in, out), sessions
}

func TestReadFrame(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		r := bufio.NewReader(strings.NewReader(frame(`{"a":1}`) + frame(`{"b":2}`)))
		body, err := ReadFrame(r)
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(body))
		body, err = ReadFrame(r)
		require.NoError(t, err)
		assert.JSONEq(t, `{"b":2}`, string(body))
		_, err = ReadFrame(r)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("header case and extra headers", func(t *testing.T) {
		in := "content-length: 2\r\nContent-Type: application/json\r\n\r\n{}"
		body, err := ReadFrame(bufio.NewReader(strings.NewReader(in)))
		require.NoError(t, err)
		assert.Equal(t, "{}", string(body))
	})

	tests := []struct {
		name string
		in   string
	}{
		{"missing length", "Content-Type: x\r\n\r\n{}"},
		{"bad length", "Content-Length: abc\r\n\r\n{}"},
		{"negative length", "Content-Length: -1\r\n\r\n"},
		{"no colon", "garbage\r\n\r\n"},
		{"short body", "Content-Length: 10\r\n\r\n{}"},
		{"truncated header", "Content-Length: 2\r\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadFrame(bufio.NewReader(strings.NewReader(tt.in)))
			assert.ErrorIs(t, err, ErrFraming)
		})
	}
}

func TestServeRepliesInOrder(t *testing.T) {
	in := strings.Join([]string{
		frame(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"t"}}}`),
		frame(`{"jsonrpc":"2.0","method":"notifications/initialized"}`),
		frame(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"x":1}}}`),
		frame(`not json`),
		frame(`{"jsonrpc":"2.0","id":"three","method":"ping"}`),
	}, "")
	var out bytes.Buffer
	tr, sessions := newTransport(strings.NewReader(in), &out)

	require.NoError(t, tr.Serve(context.Background()))
	assert.Equal(t, 0, sessions.Count(), "session is removed at end of stream")

	msgs := readAll(t, out.Bytes())
	var ids []any
	var notes []string
	for _, m := range msgs {
		if id, ok := m["id"]; ok {
			ids = append(ids, id)
			continue
		}
		notes = append(notes, m["method"].(string))
	}
	assert.Equal(t, []any{float64(1), float64(2), nil, "three"}, ids)
	assert.Contains(t, notes, "notifications/message")

	for _, m := range msgs {
		if id, ok := m["id"]; ok && id == nil {
			e := m["error"].(map[string]any)
			assert.Equal(t, float64(mcp.CodeParseError), e["code"])
		}
	}
}

func TestServeStopsOnFramingError(t *testing.T) {
	in := frame(`{"jsonrpc":"2.0","id":1,"method":"ping"}`) + "Content-Length: nope\r\n\r\n"
	var out bytes.Buffer
	tr, _ := newTransport(strings.NewReader(in), &out)

	err := tr.Serve(context.Background())
	assert.ErrorIs(t, err, ErrFraming)

	msgs := readAll(t, out.Bytes())
	require.Len(t, msgs, 1)
	assert.Equal(t, float64(1), msgs[0]["id"])
}

func TestServeHonorsContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	var out bytes.Buffer
	tr, _ := newTransport(pr, &out)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx) }()

	cancel()
	// Unblock the pending read so the loop observes the cancelled context.
	go func() {
		_, _ = pw.Write([]byte(frame(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}
