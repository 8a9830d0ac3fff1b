// ABOUTME: Session turns the event-driven assistant websocket protocol into blocking calls.
// ABOUTME: Owns the connection state machine, the in-flight request slot, and conversation continuity.

package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-assist/internal/conversation"
)

// Default wait ceilings.
const (
	DefaultConnectTimeout = 5 * time.Second
	DefaultRequestTimeout = 15 * time.Second
)

// persistTimeout bounds a single conversation store write from the dispatcher.
const persistTimeout = 5 * time.Second

// State is the connection state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingAuth
	StateAuthenticated
	StateInFlight
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthenticated:
		return "authenticated"
	case StateInFlight:
		return "in_flight"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config holds the endpoint and credentials. It is fixed for the lifetime of
// a Session.
type Config struct {
	Host           string // host[:port], e.g. "homeassistant.local:8123"
	Token          string // long-lived access token
	SSL            bool
	DefaultAgent   string // pipeline id used when a request names none
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
}

// URL returns the websocket endpoint.
func (c Config) URL() string {
	scheme := "ws"
	if c.SSL {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/api/websocket", scheme, c.Host)
}

// Options carries the collaborators of a Session. All fields are optional.
type Options struct {
	Dialer Dialer
	Store  conversation.Store
	Logger *slog.Logger
}

// RunRequest is a single text turn.
type RunRequest struct {
	Text string

	// Agent overrides the pipeline for this turn.
	Agent string

	// ConversationKey identifies the caller (e.g. a chat user id). Turns with
	// the same key continue the same remote conversation.
	ConversationKey string

	// ConversationID, when set, is sent instead of the key's remembered id.
	ConversationID string

	// ForceNew starts a fresh conversation regardless of remembered state.
	ForceNew bool
}

// Reply is the outcome of a run. A reply with TimedOut set, or with Err set
// by the server, is still returned with a nil error.
type Reply struct {
	Text           string
	ConversationID string
	MessageID      int64
	TimedOut       bool
	Err            string
}

type requestKind int

const (
	kindRun requestKind = iota
	kindList
)

func (k requestKind) String() string {
	if k == kindList {
		return "list"
	}
	return "run"
}

// pending is the single in-flight slot.
type pending struct {
	id       int64
	kind     requestKind
	key      string
	done     chan struct{}
	released bool

	reply  Reply
	agents AgentList
}

// conn is one live transport plus its handshake signals.
type conn struct {
	t       Transport
	authed  chan struct{} // closed on auth_ok
	done    chan struct{} // closed when the read loop exits
	authOK  bool
	err     error
	writeMu sync.Mutex
}

// Session is safe for concurrent use. Request/response cycles are serialized:
// concurrent callers queue on the in-flight slot rather than race for the
// next completion event.
type Session struct {
	cfg    Config
	dialer Dialer
	store  conversation.Store
	logger *slog.Logger

	cycle sync.Mutex // held for one connect or request/response cycle

	mu            sync.Mutex
	state         State
	conn          *conn
	lastID        int64
	pending       *pending
	conversations map[string]string
	loaded        map[string]bool
	defaultConv   string
	closed        bool
}

// New creates a Session. No connection is made until the first call.
func New(cfg Config, opts Options) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &WebsocketDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Session{
		cfg:           cfg,
		dialer:        opts.Dialer,
		store:         opts.Store,
		logger:        opts.Logger.With("component", "assist"),
		conversations: make(map[string]string),
		loaded:        make(map[string]bool),
	}
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect opens and authenticates the connection. It is a no-op while an
// authenticated connection exists.
func (s *Session) Connect(ctx context.Context) error {
	// A live connection must not wait behind a request holding the cycle.
	if s.live() {
		return nil
	}
	s.cycle.Lock()
	defer s.cycle.Unlock()
	return s.ensureConnected(ctx)
}

// RunAssist sends text and returns the assistant's spoken response.
func (s *Session) RunAssist(ctx context.Context, text, conversationKey string, forceNew bool) (string, error) {
	reply, err := s.Run(ctx, RunRequest{
		Text:            text,
		ConversationKey: conversationKey,
		ForceNew:        forceNew,
	})
	return reply.Text, err
}

// Run sends one intent-only pipeline run and blocks until the intent-end
// event, the request timeout, or ctx cancellation.
func (s *Session) Run(ctx context.Context, req RunRequest) (Reply, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	cycleID := uuid.NewString()
	logger := s.logger.With("cycle_id", cycleID, "conversation_key", req.ConversationKey)

	if err := s.ensureConnected(ctx); err != nil {
		return Reply{}, err
	}

	convID := s.resolveConversation(ctx, req)
	pipeline := req.Agent
	if pipeline == "" {
		pipeline = s.cfg.DefaultAgent
	}

	p, err := s.start(ctx, kindRun, req.ConversationKey, func(id int64) any {
		return newRunRequest(id, req.Text, convID, pipeline)
	})
	if err != nil {
		return Reply{}, err
	}
	logger.Debug("pipeline run sent",
		"message_id", p.id,
		"new_conversation", convID == nil,
		"pipeline", pipeline,
	)

	timedOut, err := s.wait(ctx, p)

	s.mu.Lock()
	reply := p.reply
	s.mu.Unlock()
	reply.MessageID = p.id
	reply.TimedOut = timedOut

	switch {
	case err != nil:
		logger.Warn("pipeline run abandoned", "message_id", p.id, "error", err)
		return reply, err
	case timedOut:
		logger.Warn("pipeline run timed out", "message_id", p.id, "timeout", s.cfg.RequestTimeout)
	case reply.Err != "":
		logger.Warn("pipeline run failed", "message_id", p.id, "error", reply.Err)
	default:
		logger.Debug("pipeline run completed",
			"message_id", p.id,
			"conversation_id", reply.ConversationID,
			"length", len(reply.Text),
		)
	}
	return reply, nil
}

// ListAgents returns the pipelines configured on the server. A timeout yields
// an empty list and a nil error.
func (s *Session) ListAgents(ctx context.Context) (AgentList, error) {
	s.cycle.Lock()
	defer s.cycle.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		return AgentList{}, err
	}

	p, err := s.start(ctx, kindList, "", func(id int64) any {
		return listRequest{ID: id, Type: typePipelineList}
	})
	if err != nil {
		return AgentList{}, err
	}

	timedOut, err := s.wait(ctx, p)

	s.mu.Lock()
	list := p.agents
	failure := p.reply.Err
	s.mu.Unlock()

	if err != nil {
		return list, err
	}
	if timedOut {
		s.logger.Warn("pipeline list timed out", "message_id", p.id, "timeout", s.cfg.RequestTimeout)
	}
	if failure != "" {
		s.logger.Warn("pipeline list failed", "message_id", p.id, "error", failure)
	}
	return list, nil
}

// Forget drops the remembered conversation for key so the next turn starts
// fresh. The store record is deleted too; the empty key clears the default.
func (s *Session) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	if key == "" {
		s.defaultConv = ""
		s.mu.Unlock()
		return nil
	}
	delete(s.conversations, key)
	s.loaded[key] = true
	s.mu.Unlock()

	if s.store == nil {
		return nil
	}
	if err := s.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("forgetting conversation %q: %w", key, err)
	}
	return nil
}

// Close shuts the connection down and releases any waiting caller. Calls made
// after Close return ErrClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	c := s.conn
	s.conn = nil
	s.state = StateDisconnected
	if s.pending != nil {
		s.releaseLocked(s.pending)
	}
	s.mu.Unlock()

	if c != nil {
		return c.t.Close()
	}
	return nil
}

// live reports whether an authenticated connection is attached.
func (s *Session) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.conn != nil && (s.state == StateAuthenticated || s.state == StateInFlight)
}

// ensureConnected must be called with s.cycle held.
func (s *Session) ensureConnected(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil && (s.state == StateAuthenticated || s.state == StateInFlight) {
		s.mu.Unlock()
		return nil
	}
	stale := s.conn
	s.conn = nil
	s.state = StateConnecting
	s.mu.Unlock()

	if stale != nil {
		_ = stale.t.Close()
	}

	url := s.cfg.URL()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	t, err := s.dialer.Dial(ctx, url)
	if err != nil {
		s.setState(StateFailed)
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	c := &conn{
		t:      t,
		authed: make(chan struct{}),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = t.Close()
		return ErrClosed
	}
	s.conn = c
	s.state = StateAwaitingAuth
	s.mu.Unlock()

	s.logger.Debug("transport open, awaiting auth", "url", url)
	go s.readLoop(c)

	select {
	case <-c.authed:
		s.logger.Info("assist connection authenticated", "url", url)
		return nil
	case <-c.done:
		s.mu.Lock()
		cause := c.err
		s.mu.Unlock()
		if cause == nil {
			cause = errors.New("connection closed during handshake")
		}
		return fmt.Errorf("%w: %w", ErrConnection, cause)
	case <-ctx.Done():
		s.drop(c, StateFailed)
		return fmt.Errorf("%w: not authenticated within %s: %v", ErrConnection, s.cfg.ConnectTimeout, ctx.Err())
	}
}

// start allocates a message id, installs the in-flight slot and sends the
// request built for that id. A failed write drops the connection and is
// retried once on a fresh connection with a fresh id.
func (s *Session) start(ctx context.Context, kind requestKind, key string, build func(id int64) any) (*pending, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := s.ensureConnected(ctx); err != nil {
				return nil, err
			}
		}

		s.mu.Lock()
		c := s.conn
		if c == nil {
			s.mu.Unlock()
			if attempt == 0 {
				continue
			}
			return nil, fmt.Errorf("%w: connection lost before send", ErrConnection)
		}
		s.lastID++
		p := &pending{
			id:   s.lastID,
			kind: kind,
			key:  key,
			done: make(chan struct{}),
		}
		s.pending = p
		s.state = StateInFlight
		s.mu.Unlock()

		err := s.write(c, build(p.id))
		if err == nil {
			return p, nil
		}

		s.mu.Lock()
		if s.pending == p {
			s.pending = nil
		}
		s.mu.Unlock()
		s.drop(c, StateFailed)

		if attempt > 0 {
			return nil, fmt.Errorf("%w: sending %s request: %v", ErrConnection, kind, err)
		}
		s.logger.Warn("sending request failed, reconnecting", "kind", kind.String(), "message_id", p.id, "error", err)
	}
}

// wait blocks until p is released, the request timeout elapses, or ctx ends.
func (s *Session) wait(ctx context.Context, p *pending) (timedOut bool, err error) {
	timer := time.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-p.done:
	case <-timer.C:
		timedOut = true
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mu.Lock()
	s.releaseLocked(p)
	s.mu.Unlock()
	return timedOut, err
}

// releaseLocked frees the in-flight slot held by p. Must be called with s.mu held.
func (s *Session) releaseLocked(p *pending) {
	if !p.released {
		p.released = true
		close(p.done)
	}
	if s.pending == p {
		s.pending = nil
		if s.state == StateInFlight {
			s.state = StateAuthenticated
		}
	}
}

func (s *Session) release(p *pending) {
	s.mu.Lock()
	s.releaseLocked(p)
	s.mu.Unlock()
}

func (s *Session) write(c *conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.t.WriteMessage(data)
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// drop detaches c if it is still current and closes its transport.
func (s *Session) drop(c *conn, st State) {
	s.mu.Lock()
	if s.conn == c {
		s.conn = nil
		s.state = st
	}
	s.mu.Unlock()
	_ = c.t.Close()
}

// readLoop reads and dispatches events until the transport fails.
func (s *Session) readLoop(c *conn) {
	for {
		data, err := c.t.ReadMessage()
		if err != nil {
			s.connClosed(c, err)
			return
		}
		s.dispatch(c, data)
	}
}

func (s *Session) connClosed(c *conn, err error) {
	s.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	current := s.conn == c
	if current {
		s.conn = nil
		if s.state != StateFailed {
			if isExpectedClose(err) {
				s.state = StateDisconnected
			} else {
				s.state = StateFailed
			}
		}
		if s.pending != nil {
			s.releaseLocked(s.pending)
		}
	}
	close(c.done)
	s.mu.Unlock()

	if current {
		s.logger.Warn("assist connection lost", "error", err)
	}
}

func (s *Session) dispatch(c *conn, data []byte) {
	msg, err := decodeInbound(data)
	if err != nil {
		s.logger.Warn("discarding malformed message", "error", err)
		s.releaseCurrent()
		return
	}

	switch msg.Type {
	case typeAuthRequired:
		if err := s.write(c, authMessage{Type: typeAuth, AccessToken: s.cfg.Token}); err != nil {
			s.logger.Error("sending credentials failed", "error", err)
		}

	case typeAuthOK:
		s.mu.Lock()
		if s.conn == c && !c.authOK {
			c.authOK = true
			s.state = StateAuthenticated
			close(c.authed)
		}
		s.mu.Unlock()

	case typeAuthInvalid:
		s.mu.Lock()
		c.err = fmt.Errorf("%w: %s", ErrAuthInvalid, msg.Message)
		if s.conn == c {
			s.state = StateFailed
		}
		s.mu.Unlock()
		s.logger.Error("assist authentication rejected", "message", msg.Message)
		_ = c.t.Close()

	case typeResult:
		s.handleResult(msg)

	case typeEvent:
		s.handleEvent(msg)

	default:
		s.logger.Debug("ignoring message", "type", msg.Type)
	}
}

// releaseCurrent unblocks whoever holds the in-flight slot.
func (s *Session) releaseCurrent() {
	s.mu.Lock()
	if s.pending != nil {
		s.releaseLocked(s.pending)
	}
	s.mu.Unlock()
}

func (s *Session) handleResult(msg *inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pending
	if p == nil {
		s.logger.Debug("result with no request in flight", "message_id", msg.ID)
		return
	}
	if msg.ID != 0 && msg.ID != p.id {
		s.logger.Debug("result for another request", "message_id", msg.ID, "in_flight", p.id)
		return
	}

	success := msg.Success != nil && *msg.Success
	if !success {
		p.reply.Err = resultErrorText(msg)
		s.releaseLocked(p)
		return
	}

	if p.kind == kindList {
		list, err := decodePipelineList(msg.Result)
		if err != nil {
			s.logger.Warn("discarding pipeline list", "error", err)
		} else {
			p.agents = list
		}
		s.releaseLocked(p)
	}
	// A successful result for a run only acknowledges it; the answer arrives
	// as an intent-end event.
}

func resultErrorText(msg *inbound) string {
	if msg.Error != nil {
		if msg.Error.Message != "" {
			return msg.Error.Message
		}
		return msg.Error.Code
	}
	return "request failed"
}

func (s *Session) handleEvent(msg *inbound) {
	s.mu.Lock()
	p := s.pending
	if p == nil || p.kind != kindRun {
		s.mu.Unlock()
		s.logger.Debug("event with no run in flight", "message_id", msg.ID)
		return
	}
	if msg.ID != 0 && msg.ID != p.id {
		s.mu.Unlock()
		s.logger.Debug("event for another request", "message_id", msg.ID, "in_flight", p.id)
		return
	}
	if msg.Event == nil {
		s.releaseLocked(p)
		s.mu.Unlock()
		s.logger.Warn("discarding malformed message", "error", fmt.Errorf("%w: event without body", errMalformed))
		return
	}

	switch msg.Event.Type {
	case eventIntentEnd:
		speech, convID, err := intentOutput(msg.Event.Data)
		p.reply.Text = speech
		if err != nil {
			s.releaseLocked(p)
			s.mu.Unlock()
			s.logger.Warn("discarding malformed message", "error", err)
			return
		}
		p.reply.ConversationID = convID
		key := p.key
		if key == "" {
			s.defaultConv = convID
		} else {
			s.conversations[key] = convID
			s.loaded[key] = true
		}
		s.mu.Unlock()

		if key != "" {
			s.persist(key, convID)
		}
		s.release(p)

	case eventError:
		d := decodeErrorEvent(msg.Event.Data)
		p.reply.Err = d.Message
		if p.reply.Err == "" {
			p.reply.Err = d.Code
		}
		s.releaseLocked(p)
		s.mu.Unlock()

	default:
		s.mu.Unlock()
		s.logger.Debug("pipeline event", "event", msg.Event.Type, "message_id", msg.ID)
	}
}

// resolveConversation picks the conversation id to send, nil meaning "start
// a new one".
func (s *Session) resolveConversation(ctx context.Context, req RunRequest) *string {
	if req.ForceNew {
		return nil
	}
	if req.ConversationID != "" {
		id := req.ConversationID
		return &id
	}
	id := s.lookupConversation(ctx, req.ConversationKey)
	if id == "" {
		return nil
	}
	return &id
}

// lookupConversation returns the remembered id for key, reading through to
// the store on first use. Store failures are logged and treated as absence.
func (s *Session) lookupConversation(ctx context.Context, key string) string {
	s.mu.Lock()
	if key == "" {
		id := s.defaultConv
		s.mu.Unlock()
		return id
	}
	if s.loaded[key] {
		id := s.conversations[key]
		s.mu.Unlock()
		return id
	}
	s.mu.Unlock()

	if s.store == nil {
		return ""
	}

	id, err := s.store.Load(ctx, key)
	if err != nil {
		if !errors.Is(err, conversation.ErrNotFound) {
			s.logger.Warn("loading conversation failed, starting fresh", "conversation_key", key, "error", err)
			return ""
		}
		id = ""
	}

	s.mu.Lock()
	if !s.loaded[key] {
		s.conversations[key] = id
		s.loaded[key] = true
	}
	id = s.conversations[key]
	s.mu.Unlock()
	return id
}

// persist runs on the read loop before the waiter is released, so the record
// is on disk by the time Run returns. A slow store delays dispatch for up to
// persistTimeout.
func (s *Session) persist(key, convID string) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.Save(ctx, key, convID); err != nil {
		s.logger.Warn("saving conversation failed", "conversation_key", key, "error", err)
	}
}
