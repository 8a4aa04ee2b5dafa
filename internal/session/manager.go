package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/helmsman-dev/helmsman/internal/acp"
	"github.com/helmsman-dev/helmsman/internal/invoke"
)

// DefaultEventBuffer is the default per-session event channel capacity.
const DefaultEventBuffer = 128

var (
	// ErrSessionExists rejects a start for an id that is already live.
	ErrSessionExists = errors.New("session already exists")
	// ErrSessionNotFound rejects an operation on an unknown session.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotReady rejects a send before the handshake completed.
	ErrSessionNotReady = errors.New("session not ready")
	// ErrSessionBusy rejects a send while another prompt is in flight.
	ErrSessionBusy = errors.New("session busy")
)

// Resolver turns an agent identifier plus working directory into a
// launchable invocation.
type Resolver interface {
	Resolve(agentID, workdir string) (invoke.Invocation, error)
}

// Option customizes manager construction.
type Option func(*Manager)

// WithLauncher configures an injectable process launcher.
func WithLauncher(launcher Launcher) Option {
	return func(m *Manager) {
		if launcher != nil {
			m.launcher = launcher
		}
	}
}

// WithTracer configures the tracer used for session lifecycle spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithEventBuffer configures per-session event channel capacity.
func WithEventBuffer(size int) Option {
	return func(m *Manager) {
		if size > 0 {
			m.bufferSize = size
		}
	}
}

// Manager owns the session registry. Sessions run fully independently,
// each with its own subprocess, protocol client, and event stream.
type Manager struct {
	resolver   Resolver
	launcher   Launcher
	logger     *log.Logger
	tracer     trace.Tracer
	bufferSize int

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager builds a session manager backed by real subprocesses unless a
// launcher is injected.
func NewManager(resolver Resolver, logger *log.Logger, options ...Option) (*Manager, error) {
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	m := &Manager{
		resolver:   resolver,
		launcher:   execLauncher{},
		logger:     logger,
		tracer:     otel.Tracer("helmsman/session"),
		bufferSize: DefaultEventBuffer,
		sessions:   map[string]*Session{},
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(m)
	}
	return m, nil
}

// Session is one managed conversation with one agent subprocess.
type Session struct {
	id     string
	agent  string
	proc   Process
	client *acp.Client
	logger *log.Logger

	mu             sync.Mutex
	status         Status
	agentSessionID string
	prompting      bool
	finished       bool
	events         chan Event

	killOnce sync.Once
}

// Start resolves the agent invocation, spawns the subprocess, registers the
// session, and begins the handshake asynchronously. The returned stream
// yields one start event, zero or more translated events, and exactly one
// terminal event.
func (m *Manager) Start(ctx context.Context, sessionID, agentID, workdir string) (<-chan Event, error) {
	_, span := m.tracer.Start(ctx, "session.start")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("agent_id", agentID),
		attribute.String("workdir", workdir),
	)

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		err := errors.New("session id is required")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	inv, err := m.resolver.Resolve(agentID, workdir)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s := &Session{
		id:     sessionID,
		agent:  agentID,
		logger: m.logger.With("session_id", sessionID, "agent", agentID),
		status: StatusStarting,
		events: make(chan Event, m.bufferSize),
	}

	m.mu.Lock()
	if _, exists := m.sessions[sessionID]; exists {
		m.mu.Unlock()
		err := fmt.Errorf("%w: %q", ErrSessionExists, sessionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	m.sessions[sessionID] = s
	m.mu.Unlock()

	proc, err := m.launcher.Launch(inv)
	if err != nil {
		m.remove(s)
		wrapped := fmt.Errorf("spawn agent %q: %w", agentID, err)
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		return nil, wrapped
	}
	s.proc = proc
	s.client = acp.New(proc.Stdin(), proc.Stdout(), s.logger)

	s.send(Event{Type: EventStart, SessionID: sessionID})
	s.setStatus(StatusHandshaking)

	go m.drainStderr(s)
	go m.handshake(s, workdir)
	go m.pump(s)
	go m.waitProcess(s)

	s.logger.Info("session started", "executable", inv.Executable)
	span.SetStatus(codes.Ok, "session started")
	return s.events, nil
}

// Send submits one prompt to a live session. At most one prompt may be in
// flight per session; a concurrent send fails fast instead of queuing.
func (m *Manager) Send(ctx context.Context, sessionID, text string) (acp.PromptResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.send")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	s := m.lookup(sessionID)
	if s == nil {
		err := fmt.Errorf("%w: %q", ErrSessionNotFound, sessionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return acp.PromptResult{}, err
	}

	s.mu.Lock()
	if s.agentSessionID == "" {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %q", ErrSessionNotReady, sessionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return acp.PromptResult{}, err
	}
	if s.prompting {
		s.mu.Unlock()
		err := fmt.Errorf("%w: %q", ErrSessionBusy, sessionID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return acp.PromptResult{}, err
	}
	s.prompting = true
	s.setStatusLocked(StatusPrompting)
	agentSessionID := s.agentSessionID
	s.mu.Unlock()

	result, err := s.client.Prompt(ctx, agentSessionID, text)

	s.mu.Lock()
	s.prompting = false
	if s.status == StatusPrompting {
		s.setStatusLocked(StatusReady)
	}
	s.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return acp.PromptResult{}, err
	}
	span.SetStatus(codes.Ok, "prompt completed")
	return result, nil
}

// End cancels the agent session best-effort and terminates the subprocess.
// Ending an absent or already-terminated session is not an error.
func (m *Manager) End(ctx context.Context, sessionID string) error {
	_, span := m.tracer.Start(ctx, "session.end")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	s := m.lookup(sessionID)
	if s == nil {
		span.SetStatus(codes.Ok, "session already gone")
		return nil
	}

	s.setStatus(StatusEnding)
	s.mu.Lock()
	agentSessionID := s.agentSessionID
	s.mu.Unlock()
	if agentSessionID != "" {
		// Cancellation is advisory; a failure must not block teardown.
		if err := s.client.Cancel(agentSessionID); err != nil {
			s.logger.Warn("cancel agent session", "error", err)
		}
	}

	m.kill(s)
	m.remove(s)
	span.SetStatus(codes.Ok, "session ended")
	return nil
}

// Status reports the lifecycle state of a session, if it is registered.
func (m *Manager) Status(sessionID string) (Status, bool) {
	s := m.lookup(sessionID)
	if s == nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, true
}

func (m *Manager) handshake(s *Session, workdir string) {
	ctx := context.Background()
	if _, err := s.client.Initialize(ctx); err != nil {
		m.failStart(s, fmt.Errorf("initialize agent: %w", err))
		return
	}
	agentSessionID, err := s.client.NewSession(ctx, workdir)
	if err != nil {
		m.failStart(s, fmt.Errorf("create agent session: %w", err))
		return
	}

	s.mu.Lock()
	s.agentSessionID = agentSessionID
	s.setStatusLocked(StatusReady)
	s.mu.Unlock()

	s.send(Event{
		Type:      EventText,
		SessionID: s.id,
		Text:      "Session ready. Agent session ID: " + agentSessionID,
	})
	s.logger.Info("handshake complete", "agent_session_id", agentSessionID)
}

// failStart handles a failed handshake: the error event is the stream's
// terminal event, the subprocess is killed, and the session is removed.
func (m *Manager) failStart(s *Session, err error) {
	s.logger.Error("session start failed", "error", err)
	s.finish(Event{Type: EventError, SessionID: s.id, Text: err.Error()})
	m.remove(s)
	m.kill(s)
}

// pump forwards translated protocol events for as long as the session is
// registered and finishes the stream when the connection closes.
func (m *Manager) pump(s *Session) {
	for ev := range s.client.Events() {
		switch ev.Type {
		case acp.EventClose:
			m.remove(s)
			s.finish(Event{
				Type:      EventClosed,
				SessionID: s.id,
				ExitCode:  ev.Exit.Code,
				Text:      fmt.Sprintf("Agent process exited (%s)", ev.Exit),
			})
		case acp.EventNotification:
			s.logger.Debug("agent notification", "method", ev.Method, "params", string(ev.Params))
		case acp.EventDiagnostic:
			s.logger.Warn("protocol diagnostic", "error", ev.Err)
		default:
			for _, out := range translate(s.id, ev) {
				s.send(out)
			}
		}
	}
}

func (m *Manager) waitProcess(s *Session) {
	exit := s.proc.Wait()
	s.logger.Info("agent process exited", "status", exit.String())
	s.client.Shutdown(exit)
}

func (m *Manager) drainStderr(s *Session) {
	scanner := bufio.NewScanner(s.proc.Stderr())
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			s.logger.Debug("agent stderr", "line", line)
		}
	}
}

func (m *Manager) lookup(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID]
}

// remove deregisters by identity, not id alone: a session id can be
// reused after End, and a stale close event from the old process must not
// evict the live session registered under the same id.
func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// kill is the single teardown routine shared by every exit path. It runs
// at most once per session.
func (m *Manager) kill(s *Session) {
	s.killOnce.Do(func() {
		if err := s.proc.Kill(); err != nil {
			s.logger.Debug("kill agent process", "error", err)
		}
	})
}

func (s *Session) setStatus(to Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setStatusLocked(to)
}

func (s *Session) setStatusLocked(to Status) {
	if !canTransition(s.status, to) {
		s.logger.Warn("illegal session transition", "from", s.status, "to", to)
		return
	}
	s.status = to
}

// send delivers one event without blocking the producer. A consumer that
// falls more than a buffer behind loses events, mirrored to the log.
func (s *Session) send(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.deliverLocked(ev)
}

// finish emits the terminal event and closes the stream, at most once.
// Unlike ordinary events the terminal event is never dropped: when the
// buffer is full the oldest buffered event is evicted to make room, so a
// stalled consumer still observes exactly one terminal event.
func (s *Session) finish(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	for {
		select {
		case s.events <- ev:
			close(s.events)
			return
		default:
		}
		select {
		case dropped := <-s.events:
			s.logger.Warn("dropping session event", "type", dropped.Type)
		default:
		}
	}
}

func (s *Session) deliverLocked(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("dropping session event", "type", ev.Type)
	}
}
