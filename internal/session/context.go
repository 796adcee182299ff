package session

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/rmcp-dev/rmcp/internal/logging"
)

// ErrCancelled is returned by CheckCancellation once the caller gave up.
var ErrCancelled = errors.New("request cancelled by the client")

// Context is the state of one inbound call. It must not be retained after
// the call returns.
type Context struct {
	context.Context

	RequestID string
	Method    string
	State     *State

	logger zerolog.Logger
	cancel context.CancelFunc
	done   func()
}

// NewContext derives a request context from parent. Call Release when the
// request completes.
func NewContext(parent context.Context, state *State, requestID, method string) *Context {
	ctx, cancel := context.WithCancel(parent)
	rc := &Context{
		Context:   ctx,
		RequestID: requestID,
		Method:    method,
		State:     state,
		cancel:    cancel,
		done:      func() {},
	}

	lc := logging.With().Str("method", method)
	if requestID != "" {
		lc = lc.Str("requestID", requestID)
	}
	if state != nil {
		lc = lc.Str("sessionID", state.ID)
		rc.done = state.track(requestID, cancel)
		state.Touch()
	}
	rc.logger = lc.Logger()
	return rc
}

// Release ends the request.
func (c *Context) Release() {
	c.done()
	c.cancel()
}

// Cancel signals cancellation.
func (c *Context) Cancel() {
	c.cancel()
}

// CheckCancellation fails fast if the caller already abandoned the request.
func (c *Context) CheckCancellation() error {
	if err := c.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return ErrCancelled
	}
	return nil
}

// Logger returns the request-scoped logger.
func (c *Context) Logger() *zerolog.Logger {
	return &c.logger
}

// Info logs at info level attributed to this request.
func (c *Context) Info() *zerolog.Event {
	return c.logger.Info()
}

// Error logs at error level attributed to this request.
func (c *Context) Error() *zerolog.Event {
	return c.logger.Error()
}

// Debug logs at debug level attributed to this request.
func (c *Context) Debug() *zerolog.Event {
	return c.logger.Debug()
}

// Notify pushes a notification to the session's push stream.
func (c *Context) Notify(method string, params any) bool {
	if c.State == nil {
		return false
	}
	return c.State.Notify(method, params)
}

// Log pushes a notifications/message log entry to the client. Messages below
// the session's log level are dropped.
func (c *Context) Log(level, message string, data map[string]any) bool {
	if c.State != nil && !c.State.logEnabled(level) {
		return false
	}
	payload := map[string]any{"message": message}
	for k, v := range data {
		payload[k] = v
	}
	return c.Notify("notifications/message", map[string]any{
		"level":  level,
		"logger": c.Method,
		"data":   payload,
	})
}
