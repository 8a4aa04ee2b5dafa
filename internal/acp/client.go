package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"
)

// ErrConnectionClosed is returned by requests issued after the agent
// process has gone away. The wrapped close error carries exit details.
var ErrConnectionClosed = errors.New("agent connection closed")

const (
	// eventBufferSize is the capacity of the client's event channel.
	eventBufferSize = 64
	// maxLineBytes bounds one protocol line; agent message chunks can be large.
	maxLineBytes = 1 << 20
)

// sessionIDKeys is the ordered fallback list for the agent-assigned session
// id field. Agents disagree on the spelling, so the lookup order is part of
// the handshake contract.
var sessionIDKeys = []string{"sessionId", "session_id", "sessionID"}

// EventType tags events the client surfaces to its consumer.
type EventType string

const (
	// EventSessionUpdate carries a session/update notification verbatim.
	EventSessionUpdate EventType = "session_update"
	// EventPermissionRequest surfaces an agent permission request before the
	// client answers it automatically.
	EventPermissionRequest EventType = "permission_request"
	// EventNotification carries any other agent notification.
	EventNotification EventType = "notification"
	// EventResponse reports a correlated response for observers.
	EventResponse EventType = "response"
	// EventDiagnostic reports a malformed input line. The connection survives.
	EventDiagnostic EventType = "diagnostic"
	// EventClose is the final event; the channel is closed after it.
	EventClose EventType = "close"
)

// Event is one occurrence on the connection, delivered in read order.
type Event struct {
	Type      EventType
	Method    string
	Params    json.RawMessage
	RequestID int64
	Result    json.RawMessage
	Err       error
	Exit      ExitStatus
}

// ExitStatus describes how the agent process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

func (e ExitStatus) String() string {
	if e.Signal != "" {
		return fmt.Sprintf("signal %s", e.Signal)
	}
	return fmt.Sprintf("exit code %d", e.Code)
}

type callResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	id     int64
	method string
	done   chan callResult
}

// Client speaks the protocol over one subprocess's stdio. It owns the
// pending-request map and is the only writer on the agent's stdin.
type Client struct {
	logger *log.Logger
	events chan Event

	wmu   sync.Mutex
	stdin io.Writer

	mu       sync.Mutex
	nextID   int64
	pending  map[int64]*pendingCall
	closed   bool
	closeErr error

	readerDone chan struct{}
}

// New attaches a client to an agent's stdin/stdout and starts the read loop.
func New(stdin io.Writer, stdout io.Reader, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	c := &Client{
		logger:     logger,
		events:     make(chan Event, eventBufferSize),
		stdin:      stdin,
		pending:    map[int64]*pendingCall{},
		readerDone: make(chan struct{}),
	}
	go c.readLoop(stdout)
	return c
}

// Events yields client events in the order they were read from the stream.
// The channel is closed after the close event.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Initialize performs the capability handshake. The client declares no
// filesystem or terminal capability; agents must rely on their own tools.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	raw, err := c.call(ctx, MethodInitialize, initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities: clientCapabilities{
			FS:       fsCapability{ReadTextFile: false, WriteTextFile: false},
			Terminal: false,
		},
	})
	if err != nil {
		return InitializeResult{}, err
	}
	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return InitializeResult{}, fmt.Errorf("decode initialize result: %w", err)
	}
	return result, nil
}

// NewSession asks the agent to create a logical session rooted at workdir,
// with no auxiliary service endpoints. Returns the agent-assigned session id.
func (c *Client) NewSession(ctx context.Context, workdir string) (string, error) {
	raw, err := c.call(ctx, MethodNewSession, newSessionParams{
		Cwd:        workdir,
		McpServers: []any{},
	})
	if err != nil {
		return "", err
	}
	for _, key := range sessionIDKeys {
		if value := gjson.GetBytes(raw, key); value.Type == gjson.String && value.Str != "" {
			return value.Str, nil
		}
	}
	return "", fmt.Errorf(
		"agent reply to %s carries no session id (tried %s)",
		MethodNewSession,
		strings.Join(sessionIDKeys, ", "),
	)
}

// Prompt submits one text turn to the named agent session and waits for the
// turn to complete.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (PromptResult, error) {
	raw, err := c.call(ctx, MethodPrompt, promptParams{
		SessionID: sessionID,
		Prompt:    []contentBlock{{Type: "text", Text: text}},
	})
	if err != nil {
		return PromptResult{}, err
	}
	stopReason := gjson.GetBytes(raw, "stopReason").String()
	if stopReason == "" {
		stopReason = gjson.GetBytes(raw, "stop_reason").String()
	}
	return PromptResult{StopReason: stopReason, Raw: raw}, nil
}

// Cancel sends a cancellation notification for the named agent session.
// No reply is awaited. Cancelling over a closed connection is a no-op:
// a dead process needs no cancellation.
func (c *Client) Cancel(sessionID string) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil
	}

	params, err := json.Marshal(cancelParams{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("encode cancel params: %w", err)
	}
	if err := c.writeMessage(message{JSONRPC: "2.0", Method: MethodCancel, Params: params}); err != nil {
		// A shutdown can land between the closed check and the write; a
		// write failure on a connection that has since closed is still
		// the dead-process case, not an error.
		c.mu.Lock()
		closed = c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}
		return fmt.Errorf("write cancel notification: %w", err)
	}
	return nil
}

// Shutdown marks the connection closed on behalf of the exited process,
// rejects every outstanding request with an error naming the exit, and
// emits the close event. Safe to call more than once.
func (c *Client) Shutdown(exit ExitStatus) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	closeErr := fmt.Errorf("%w: agent process exited (%s)", ErrConnectionClosed, exit)
	c.closeErr = closeErr
	rejected := c.pending
	c.pending = map[int64]*pendingCall{}
	c.mu.Unlock()

	for _, pc := range rejected {
		pc.done <- callResult{err: closeErr}
	}
	if len(rejected) > 0 {
		c.logger.Warn("rejected outstanding requests on close", "count", len(rejected))
	}

	// The read loop is the only other event producer; wait it out before
	// the terminal event so the channel closes exactly once.
	<-c.readerDone
	c.events <- Event{Type: EventClose, Err: closeErr, Exit: exit}
	close(c.events)
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
		rawParams = encoded
	}

	c.mu.Lock()
	if c.closed {
		closeErr := c.closeErr
		c.mu.Unlock()
		if closeErr == nil {
			closeErr = ErrConnectionClosed
		}
		return nil, fmt.Errorf("%s: %w", method, closeErr)
	}
	c.nextID++
	id := c.nextID
	pc := &pendingCall{id: id, method: method, done: make(chan callResult, 1)}
	c.pending[id] = pc
	c.mu.Unlock()

	rawID, err := json.Marshal(id)
	if err != nil {
		c.forget(id)
		return nil, fmt.Errorf("encode %s request id: %w", method, err)
	}
	if err := c.writeMessage(message{JSONRPC: "2.0", ID: rawID, Method: method, Params: rawParams}); err != nil {
		c.forget(id)
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	select {
	case res := <-pc.done:
		return res.result, res.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// writeMessage serializes one message as a single JSON line. Writes are
// serialized so partial lines never interleave on the agent's stdin.
func (c *Client) writeMessage(msg message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return err
	}
	return nil
}

func (c *Client) readLoop(stdout io.Reader) {
	defer close(c.readerDone)

	reader := bufio.NewReaderSize(stdout, 64*1024)
	for {
		line, tooLong, err := readLine(reader)
		if tooLong {
			c.logger.Warn("skipping oversized agent line", "limit_bytes", maxLineBytes)
			c.events <- Event{Type: EventDiagnostic, Err: fmt.Errorf("agent line exceeds %d bytes", maxLineBytes)}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				c.logger.Debug("agent stdout read ended", "error", err)
			}
			return
		}
		if tooLong {
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var msg message
		if err := json.Unmarshal(line, &msg); err != nil {
			c.logger.Warn("skipping malformed agent line", "error", err)
			c.events <- Event{Type: EventDiagnostic, Err: fmt.Errorf("malformed agent line: %w", err)}
			continue
		}
		c.dispatch(&msg)
	}
}

// readLine reads one newline-terminated line, accumulating across internal
// buffer refills. A line longer than maxLineBytes is discarded up to its
// newline and reported as oversized instead of ending the stream; parsing
// resumes at the next line.
func readLine(reader *bufio.Reader) ([]byte, bool, error) {
	var line []byte
	for {
		chunk, err := reader.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > maxLineBytes {
			return nil, true, discardLine(reader, err)
		}
		switch {
		case err == nil:
			return line, false, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(line) > 0:
			return line, false, nil
		default:
			return nil, false, err
		}
	}
}

// discardLine consumes input through the end of the current line. err is
// the result of the ReadSlice call that overflowed.
func discardLine(reader *bufio.Reader, err error) error {
	for errors.Is(err, bufio.ErrBufferFull) {
		_, err = reader.ReadSlice('\n')
	}
	return err
}

func (c *Client) dispatch(msg *message) {
	switch {
	case msg.isRequest():
		c.handleAgentRequest(msg)
	case msg.isNotification():
		c.handleNotification(msg)
	case msg.isResponse():
		c.handleResponse(msg)
	default:
		c.logger.Warn("ignoring message with neither id nor method")
	}
}

// handleAgentRequest answers the one agent-initiated method the engine
// supports. The raw permission request is surfaced as an event first so a
// consumer could observe what was decided on its behalf.
func (c *Client) handleAgentRequest(msg *message) {
	if msg.Method != MethodRequestPermission {
		c.respondError(msg.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", msg.Method))
		return
	}

	c.events <- Event{Type: EventPermissionRequest, Method: msg.Method, Params: msg.Params}

	var params permissionParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		c.logger.Warn("unreadable permission request options", "error", err)
	}
	outcome := selectPermissionOption(params.Options)
	c.logger.Info("auto-resolved permission request",
		"outcome", outcome.Outcome,
		"option_id", outcome.OptionID,
	)
	c.respondResult(msg.ID, permissionResult{Outcome: outcome})
}

func (c *Client) handleNotification(msg *message) {
	if msg.Method == MethodSessionUpdate {
		c.events <- Event{Type: EventSessionUpdate, Method: msg.Method, Params: msg.Params}
		return
	}
	c.events <- Event{Type: EventNotification, Method: msg.Method, Params: msg.Params}
}

func (c *Client) handleResponse(msg *message) {
	var id int64
	if err := json.Unmarshal(msg.ID, &id); err != nil {
		c.logger.Debug("dropping response with non-numeric id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		// A late reply can race a teardown; dropping it is not an error.
		c.logger.Debug("dropping response with no pending request", "id", id)
		return
	}

	var resErr error
	if msg.Error != nil {
		resErr = msg.Error
	}
	pc.done <- callResult{result: msg.Result, err: resErr}
	c.events <- Event{Type: EventResponse, RequestID: id, Method: pc.method, Result: msg.Result, Err: resErr}
}

func (c *Client) respondResult(id json.RawMessage, result any) {
	encoded, err := json.Marshal(result)
	if err != nil {
		c.logger.Error("encode agent request response", "error", err)
		return
	}
	if err := c.writeMessage(message{JSONRPC: "2.0", ID: id, Result: encoded}); err != nil {
		c.logger.Warn("write agent request response", "error", err)
	}
}

func (c *Client) respondError(id json.RawMessage, code int, text string) {
	if err := c.writeMessage(message{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &RPCError{Code: code, Message: text},
	}); err != nil {
		c.logger.Warn("write agent request error response", "error", err)
	}
}
