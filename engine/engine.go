// Package engine reconciles the three producers of chat state (socket push,
// REST fetch, optimistic local insert) into one consistent view: the
// conversation list and the active conversation's message stream. All
// mutation funnels through dedup-by-identifier and sort-by-timestamp, so the
// arrival order of push vs. poll vs. REST completions never matters.
package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/madadgaar/chatsync/api"
	"github.com/madadgaar/chatsync/chat"
	"github.com/madadgaar/chatsync/session"
	"github.com/madadgaar/chatsync/transport"
)

// DefaultPollInterval is the conversation refresh cadence that backstops
// missed pushes.
const DefaultPollInterval = 5 * time.Second

var (
	ErrEmptyMessage   = errors.New("engine: empty message")
	ErrSendInFlight   = errors.New("engine: previous send still in flight")
	ErrNoConversation = errors.New("engine: no active conversation")
)

// Transport is what the engine needs from the realtime layer.
// *transport.Adapter satisfies it.
type Transport interface {
	Events() <-chan transport.Event
	JoinRoom(conversationID string) error
	LeaveRoom(conversationID string) error
	Send(event string, payload interface{}) error
	Connected() bool
}

// Mirror receives every authoritative inbound chat event for downstream
// audit. May be nil.
type Mirror interface {
	Publish(kind string, v interface{}) error
}

// Config wires an Engine.
type Config struct {
	API       api.Client
	Transport Transport
	Self      session.User

	// Mirror is optional.
	Mirror Mirror

	// PollInterval defaults to DefaultPollInterval.
	PollInterval time.Duration

	// TypingWindow defaults to DefaultTypingWindow.
	TypingWindow time.Duration
}

// Engine is the chat synchronization engine bound to one admin session.
// Stores are rebuilt from scratch on reconnect and on conversation switch.
type Engine struct {
	api       api.Client
	transport Transport
	self      session.User
	mirror    Mirror

	pollInterval time.Duration

	conversations *conversationStore
	messages      *messageStore
	typing        *typingTracker

	mu           sync.Mutex
	sendInFlight bool

	fatal chan error
}

// New creates an Engine; Run drives it.
func New(cfg Config) *Engine {
	e := &Engine{
		api:           cfg.API,
		transport:     cfg.Transport,
		self:          cfg.Self,
		mirror:        cfg.Mirror,
		pollInterval:  cfg.PollInterval,
		conversations: &conversationStore{},
		messages:      &messageStore{},
		fatal:         make(chan error, 1),
	}
	if e.pollInterval <= 0 {
		e.pollInterval = DefaultPollInterval
	}
	e.typing = newTypingTracker(cfg.TypingWindow, e.emitTyping)
	return e
}

// Run consumes transport events and the poll ticker until ctx is cancelled
// or the session turns out to be unauthorized.
func (e *Engine) Run(ctx context.Context) error {
	glog.Info("engine: running")

	poll := time.NewTicker(e.pollInterval)
	defer poll.Stop()

	// initial fill; also covers REST-only operation before the first connect
	go e.refresh(ctx)

	events := e.transport.Events()
	for {
		select {
		case <-ctx.Done():
			e.typing.stop()
			return ctx.Err()
		case err := <-e.fatal:
			glog.Errorf("engine: stopping: %v", err)
			return err
		case <-poll.C:
			go e.refresh(ctx)
		case ev, ok := <-events:
			if !ok {
				// transport gone for good, keep serving REST-only
				events = nil
				continue
			}
			e.handleEvent(ctx, ev)
		}
	}
}

func (e *Engine) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Type {
	case transport.Connected:
		metricConnects.Inc()
		// reconciliation safety net: pushes may have been missed while
		// disconnected, so rebuild both stores.
		go e.refresh(ctx)
		if active := e.messages.conversation(); active != "" {
			gen := e.messages.reset(active)
			if err := e.transport.JoinRoom(active); err != nil {
				glog.Errorf("engine: rejoin %s: %v", active, err)
			}
			go e.loadHistory(ctx, active, gen)
		}
	case transport.Disconnected:
		glog.Info("engine: realtime link down, sends fall back to REST")
	case transport.MessageReceived:
		e.handleMessage(ctx, ev.Message)
	case transport.NotificationNew:
		e.publish("notification", ev.Notification)
		go e.refresh(ctx)
	case transport.TypingUser:
		e.typing.applyRemote(e.messages.conversation(), ev.Typing.UserID, ev.Typing.IsTyping)
	case transport.ReadUpdate:
		e.publish("read-update", ev.Read)
		if n := e.messages.applyReadUpdate(ev.Read); n > 0 {
			glog.V(5).Infof("engine: %d read receipts applied for %s", n, ev.Read.ConversationID)
		}
	case transport.ServerError:
		glog.Errorf("engine: server error event: %s", ev.Err)
	}
}

func (e *Engine) handleMessage(ctx context.Context, msg chat.Message) {
	e.publish("message", msg)

	// coarse invalidation: any inbound message may move a conversation's
	// last-message summary and unread count.
	go e.refresh(ctx)

	if msg.ConversationID != e.messages.conversation() {
		return
	}
	if msg.SenderRole == chat.RoleAdmin {
		// authoritative echo of an optimistic send; the ids differ by
		// contract, so the placeholder is superseded by content match.
		if e.messages.resolvePlaceholder(msg.Content) {
			glog.V(5).Infof("engine: placeholder resolved by echo %s", msg.ID)
		}
	}
	if !e.messages.apply(msg) {
		metricMessagesDeduped.Inc()
		return
	}
	metricMessagesApplied.Inc()
	if msg.SenderRole != chat.RoleAdmin {
		go e.markRead(ctx, msg.ConversationID)
	}
}

// Refresh forces a conversation list refresh, the window-refocus analog.
func (e *Engine) Refresh(ctx context.Context) {
	e.refresh(ctx)
}

func (e *Engine) refresh(ctx context.Context) {
	convs, err := e.api.ListConversations(ctx)
	if err != nil {
		e.checkFatal(err)
		glog.Errorf("engine: refresh conversations: %v", err)
		return // keep last-known-good
	}
	metricRefreshes.Inc()
	e.conversations.replace(convs)
}

// Select makes a conversation active: the previous room is left, the new one
// joined, the message store cleared and refetched. Selecting the already
// active conversation is a no-op.
func (e *Engine) Select(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return ErrNoConversation
	}
	prev := e.messages.conversation()
	if prev == conversationID {
		return nil
	}

	// stop announces typing:stop into the old room before we leave it
	e.typing.stop()

	gen := e.messages.reset(conversationID)

	if prev != "" {
		if err := e.transport.LeaveRoom(prev); err != nil {
			glog.V(5).Infof("engine: leave %s: %v", prev, err)
		}
	}
	if err := e.transport.JoinRoom(conversationID); err != nil {
		glog.V(5).Infof("engine: join %s: %v", conversationID, err)
	}

	go e.loadHistory(ctx, conversationID, gen)
	return nil
}

func (e *Engine) loadHistory(ctx context.Context, conversationID string, gen uint64) {
	msgs, err := e.api.ListMessages(ctx, conversationID)
	if err != nil {
		e.checkFatal(err)
		glog.Errorf("engine: load history %s: %v", conversationID, err)
		return
	}
	if !e.messages.replace(gen, msgs) {
		metricStaleHistories.Inc()
		glog.V(5).Infof("engine: stale history for %s discarded", conversationID)
		return
	}

	for i := range msgs {
		if msgs[i].SenderRole != chat.RoleAdmin {
			e.markRead(ctx, conversationID)
			break
		}
	}
}

// SendMessage dispatches one admin message for the active conversation.
// Preferred path is the realtime link with an optimistic placeholder; while
// disconnected it POSTs instead and swaps the placeholder for the server
// copy on success.
func (e *Engine) SendMessage(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	e.mu.Lock()
	if e.sendInFlight {
		e.mu.Unlock()
		return ErrSendInFlight
	}
	e.sendInFlight = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.sendInFlight = false
		e.mu.Unlock()
	}()

	conversationID := e.messages.conversation()
	if conversationID == "" {
		return ErrNoConversation
	}

	placeholder := chat.Message{
		ID:             "local-" + strings.ReplaceAll(uuid.New(), "-", ""),
		ConversationID: conversationID,
		SenderID:       e.self.ID,
		SenderRole:     chat.RoleAdmin,
		Content:        text,
		Type:           chat.DefaultMessageType,
		CreatedAt:      time.Now(),
		Sending:        true,
	}
	e.messages.apply(placeholder)

	outgoing := chat.Outgoing{
		ConversationID: conversationID,
		Content:        text,
		MessageType:    chat.DefaultMessageType,
	}
	if e.transport.Connected() {
		if err := e.transport.Send(chat.EventMessageSend, outgoing); err == nil {
			metricSends.WithLabelValues("socket").Inc()
			return nil
		} else {
			glog.Errorf("engine: socket send failed, using REST: %v", err)
		}
	}

	msg, err := e.api.SendMessage(ctx, conversationID, text, chat.DefaultMessageType)
	if err != nil {
		e.messages.dropSending()
		e.checkFatal(err)
		return err
	}
	e.messages.dropSending()
	e.messages.apply(msg)
	metricSends.WithLabelValues("rest").Inc()
	return nil
}

// markRead is fire and forget; local read receipts only change when the
// server confirms via the read-update push.
func (e *Engine) markRead(ctx context.Context, conversationID string) {
	if err := e.api.MarkRead(ctx, conversationID); err != nil {
		e.checkFatal(err)
		glog.Errorf("engine: mark read %s: %v", conversationID, err)
	}
}

// TypingPing is called on every local keystroke.
func (e *Engine) TypingPing() {
	conversationID := e.messages.conversation()
	if conversationID == "" {
		return
	}
	e.typing.ping(conversationID)
}

func (e *Engine) emitTyping(conversationID string, start bool) {
	event := chat.EventTypingStop
	if start {
		event = chat.EventTypingStart
	}
	if err := e.transport.Send(event, chat.RoomRef{ConversationID: conversationID}); err != nil {
		glog.V(5).Infof("engine: %s: %v", event, err)
	}
}

func (e *Engine) publish(kind string, v interface{}) {
	if e.mirror == nil {
		return
	}
	if err := e.mirror.Publish(kind, v); err != nil {
		glog.Errorf("engine: mirror %s: %v", kind, err)
	}
}

func (e *Engine) checkFatal(err error) {
	if errors.Is(err, api.ErrUnauthorized) {
		select {
		case e.fatal <- err:
		default:
		}
	}
}

// Conversations returns the current conversation list, newest activity first.
func (e *Engine) Conversations() []chat.Conversation {
	return e.conversations.snapshot()
}

// Search filters conversations by the peer's display name.
func (e *Engine) Search(q string) []chat.Conversation {
	return e.conversations.search(q)
}

// Messages returns the active conversation's reconciled message list.
func (e *Engine) Messages() []chat.Message {
	return e.messages.snapshot()
}

// ActiveConversation returns the id of the selected conversation, or "".
func (e *Engine) ActiveConversation() string {
	return e.messages.conversation()
}

// TypingUsers lists remote users typing in the active conversation.
func (e *Engine) TypingUsers() []string {
	return e.typing.typingUsers(e.messages.conversation())
}

// Connected reports the realtime link state for the UI indicator.
func (e *Engine) Connected() bool {
	return e.transport.Connected()
}

// Stats proxies the aggregate chat stats endpoint.
func (e *Engine) Stats(ctx context.Context) (chat.Stats, error) {
	stats, err := e.api.Stats(ctx)
	if err != nil {
		e.checkFatal(err)
	}
	return stats, err
}
