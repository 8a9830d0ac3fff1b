// ABOUTME: Matrix bridge core for assist-matrix
// ABOUTME: Routes addressed room messages to the assist session and posts replies

package main

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-assist/internal/assist"
	"github.com/2389/coven-assist/internal/config"
	"github.com/2389/coven-assist/internal/dedupe"
)

const (
	cmdNew    = "!new"
	cmdAgents = "!agents"
)

// typingTimeout is the duration the typing indicator shows (30 seconds).
const typingTimeout = 30 * time.Second

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// matrixAPI is the part of *mautrix.Client the bridge uses.
type matrixAPI interface {
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UserTyping(ctx context.Context, roomID id.RoomID, typing bool, timeout time.Duration) (*mautrix.RespTyping, error)
	GetEvent(ctx context.Context, roomID id.RoomID, eventID id.EventID) (*event.Event, error)
}

// assistant is the part of *assist.Session the bridge uses.
type assistant interface {
	Run(ctx context.Context, req assist.RunRequest) (assist.Reply, error)
	ListAgents(ctx context.Context) (assist.AgentList, error)
	Forget(ctx context.Context, key string) error
}

// Bridge connects Matrix rooms to the assistant.
type Bridge struct {
	cfg    config.MatrixConfig
	self   id.UserID
	matrix matrixAPI
	assist assistant
	seen   *dedupe.Window
	logger *slog.Logger

	// ctx is the parent context for message processing goroutines
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBridge creates a new Matrix bridge.
func NewBridge(cfg config.MatrixConfig, matrix matrixAPI, a assistant, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:    cfg,
		self:   id.UserID(cfg.UserID),
		matrix: matrix,
		assist: a,
		seen:   dedupe.New(time.Hour, 4096),
		logger: logger.With("component", "bridge"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Run syncs client until ctx is cancelled, dispatching room messages.
func (b *Bridge) Run(ctx context.Context, client *mautrix.Client) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.cfg.Homeserver,
		"user_id", b.cfg.UserID,
	)
	defer b.shutdown()

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	syncer.OnSync(client.DontProcessOldEvents)
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	syncCtx, stop := context.WithCancel(ctx)
	defer stop()

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- client.SyncWithContext(syncCtx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// shutdown cancels in-flight replies and waits for their goroutines.
func (b *Bridge) shutdown() {
	b.cancel()
	b.wg.Wait()
}

// handleMessageEvent filters an incoming event and hands addressed messages
// to a goroutine so sync is never blocked on the assistant.
func (b *Bridge) handleMessageEvent(_ context.Context, evt *event.Event) {
	if evt.Sender == b.self {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}

	roomID := evt.RoomID.String()
	if !allowed(b.cfg.AllowedRooms, roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}
	if !allowed(b.cfg.AllowedUsers, evt.Sender.String()) {
		b.logger.Debug("ignoring message from non-allowed user", "sender", evt.Sender.String())
		return
	}

	body := trimReplyFallback(content.Body)
	question, addressed := b.address(content, body)
	if !addressed {
		return
	}

	if b.seen.CheckAndMark(evt.ID.String()) {
		b.logger.Debug("dropping duplicate event", "event_id", evt.ID.String())
		return
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"content", truncate(question, 50),
	)

	var parent id.EventID
	if content.RelatesTo != nil {
		parent = content.RelatesTo.GetReplyTo()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processMessage(b.ctx, evt, question, parent)
	}()
}

// address reports whether the message is meant for the bridge and returns
// the text with the trigger removed.
func (b *Bridge) address(content *event.MessageEventContent, body string) (string, bool) {
	if p := b.cfg.CommandPrefix; p != "" && strings.HasPrefix(body, p) {
		return strings.TrimSpace(strings.TrimPrefix(body, p)), true
	}
	var userIDs []id.UserID
	if content.Mentions != nil {
		userIDs = content.Mentions.UserIDs
	}
	if mentions(userIDs, body, b.self) {
		return stripMention(body, b.self), true
	}
	return "", false
}

// processMessage runs one turn for evt and posts the answer.
func (b *Bridge) processMessage(ctx context.Context, evt *event.Event, question string, parent id.EventID) {
	roomID := evt.RoomID
	key := evt.Sender.String()

	if question == "" {
		b.sendMessage(ctx, roomID, evt.ID, "You mentioned me, but said nothing...")
		return
	}

	switch {
	case question == cmdAgents:
		b.sendAgents(ctx, roomID, evt.ID)
		return
	case question == cmdNew || strings.HasPrefix(question, cmdNew+" "):
		if err := b.assist.Forget(ctx, key); err != nil {
			b.logger.Warn("forgetting conversation failed", "sender", key, "error", err)
		}
		question = strings.TrimSpace(strings.TrimPrefix(question, cmdNew))
		if question == "" {
			b.sendMessage(ctx, roomID, evt.ID, "Started a new conversation.")
			return
		}
	}

	if b.cfg.TypingIndicator {
		b.setTyping(roomID, true)
		defer b.setTyping(roomID, false)
	}

	parentAuthor, parentBody := b.fetchParent(ctx, roomID, parent)
	prompt := composePrompt(localpart(evt.Sender), question, parentAuthor, parentBody)

	reply, err := b.assist.Run(ctx, assist.RunRequest{Text: prompt, ConversationKey: key})
	switch {
	case err != nil:
		b.logger.Error("assist request failed", "room", roomID.String(), "error", err)
		b.sendMessage(ctx, roomID, evt.ID, fmt.Sprintf("Error: %v", err))
		return
	case reply.TimedOut && reply.Text == "":
		b.sendMessage(ctx, roomID, evt.ID, "The assistant did not answer in time.")
		return
	case reply.Err != "" && reply.Text == "":
		b.sendMessage(ctx, roomID, evt.ID, fmt.Sprintf("Error: %s", reply.Err))
		return
	case reply.Text == "":
		b.logger.Warn("empty response from assistant", "room", roomID.String())
		return
	}

	b.logger.Info("sending response",
		"room", roomID.String(),
		"length", len(reply.Text),
		"conversation_id", reply.ConversationID,
	)
	b.sendMessage(ctx, roomID, evt.ID, reply.Text)
}

// fetchParent loads the message being replied to. Failures only lose context.
func (b *Bridge) fetchParent(ctx context.Context, roomID id.RoomID, parent id.EventID) (string, string) {
	if parent == "" {
		return "", ""
	}
	ctx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()

	evt, err := b.matrix.GetEvent(ctx, roomID, parent)
	if err != nil {
		b.logger.Debug("failed to fetch replied-to event", "event_id", parent.String(), "error", err)
		return "", ""
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			b.logger.Debug("failed to parse replied-to event", "event_id", parent.String(), "error", err)
			return "", ""
		}
	}
	msg, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return "", ""
	}
	return localpart(evt.Sender), trimReplyFallback(msg.Body)
}

func (b *Bridge) sendAgents(ctx context.Context, roomID id.RoomID, replyTo id.EventID) {
	list, err := b.assist.ListAgents(ctx)
	if err != nil {
		b.sendMessage(ctx, roomID, replyTo, fmt.Sprintf("Error: %v", err))
		return
	}
	if len(list.Agents) == 0 {
		b.sendMessage(ctx, roomID, replyTo, "No agents available.")
		return
	}
	var sb strings.Builder
	sb.WriteString("**Available agents:**\n\n")
	for _, a := range list.Agents {
		marker := ""
		if a.ID == list.Preferred {
			marker = " (preferred)"
		}
		fmt.Fprintf(&sb, "- **%s**%s `%s`\n", a.Name, marker, a.ID)
	}
	b.sendMessage(ctx, roomID, replyTo, sb.String())
}

// setTyping sends typing indicator to room.
func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := b.matrix.UserTyping(ctx, roomID, typing, timeout); err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendMessage posts text in chunks, the first replying to replyTo.
func (b *Bridge) sendMessage(ctx context.Context, roomID id.RoomID, replyTo id.EventID, text string) {
	for i, part := range chunk(text, b.cfg.MaxMessageLength) {
		content := &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    part,
		}
		if html := renderHTML(part); html != "" {
			content.Format = event.FormatHTML
			content.FormattedBody = html
		}
		if i == 0 && replyTo != "" {
			content.RelatesTo = &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: replyTo}}
		}

		sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		_, err := b.matrix.SendMessageEvent(sendCtx, roomID, event.EventMessage, content)
		cancel()
		if err != nil {
			b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
			return
		}
	}
}

// allowed reports whether v passes an allow-list. An empty list allows all.
func allowed(list []string, v string) bool {
	return len(list) == 0 || slices.Contains(list, v)
}
