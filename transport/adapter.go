// Package transport owns the single realtime connection to the chat backend.
// It reconnects transparently with exponential backoff, keeps the link alive
// with pings, scopes push delivery with room join/leave frames, and exposes
// a stream of typed events. Outbound sends are fire and forget: no ack is
// awaited, the optimistic UI upstream covers the latency.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/madadgaar/chatsync/chat"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// websocket max message size to read.
	readLimit = 4096

	outboundDepth = 16
	eventsDepth   = 64
)

const (
	backoffMin        = time.Second
	backoffMax        = time.Minute
	backoffMultiplier = 1.5
)

// ErrNotConnected is returned by Send/JoinRoom/LeaveRoom while the link is
// down. Callers fall back to REST instead of dropping the payload.
var ErrNotConnected = errors.New("transport: not connected")

// Adapter maintains the realtime connection for one admin session.
type Adapter struct {
	url   string
	token string

	mu        sync.Mutex
	connected bool
	outbound  chan frame

	events chan Event
}

// New creates an adapter for the websocket endpoint at url, authenticating
// with the bearer token. Run must be called to open the connection.
func New(url, token string) *Adapter {
	return &Adapter{
		url:      url,
		token:    token,
		outbound: make(chan frame, outboundDepth),
		events:   make(chan Event, eventsDepth),
	}
}

// Events is the stream of typed inbound events. Closed when Run returns.
func (a *Adapter) Events() <-chan Event {
	return a.events
}

// Connected reports the current link state.
func (a *Adapter) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) setConnected(v bool) {
	a.mu.Lock()
	a.connected = v
	a.mu.Unlock()
}

// JoinRoom subscribes push delivery for one conversation.
func (a *Adapter) JoinRoom(conversationID string) error {
	return a.Send(chat.EventConversationJoin, chat.RoomRef{ConversationID: conversationID})
}

// LeaveRoom unsubscribes a conversation. Must be called for the previous
// room on every selection change, otherwise stale pushes leak into the
// wrong view.
func (a *Adapter) LeaveRoom(conversationID string) error {
	return a.Send(chat.EventConversationLeave, chat.RoomRef{ConversationID: conversationID})
}

// Send enqueues one outbound frame, fire and forget.
func (a *Adapter) Send(event string, payload interface{}) error {
	if !a.Connected() {
		return ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %v", event, err)
	}
	select {
	case a.outbound <- frame{Event: event, Data: raw}:
		return nil
	default:
		return fmt.Errorf("transport: outbound queue full, dropped %s", event)
	}
}

// Run dials and serves the connection until ctx is cancelled, redialing with
// exponential backoff after every failure. The events channel is closed on
// return.
func (a *Adapter) Run(ctx context.Context) {
	defer close(a.events)

	var sleep time.Duration
	for {
		conn, err := a.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			glog.Errorf("Run(): dial %s error: %v", a.url, err)
			sleep = nextBackoff(sleep)
			select {
			case <-time.After(sleep):
				continue
			case <-ctx.Done():
				return
			}
		}
		sleep = 0

		glog.Infof("Run(): connected to %s", a.url)
		a.setConnected(true)
		if !a.emit(ctx, Event{Type: Connected}) {
			conn.Close()
			return
		}

		a.serve(ctx, conn)

		a.setConnected(false)
		glog.Infof("Run(): disconnected from %s", a.url)
		if !a.emit(ctx, Event{Type: Disconnected}) {
			return
		}
		if ctx.Err() != nil {
			return
		}

		sleep = nextBackoff(sleep)
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.token)

	dialCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, a.url, header)
	return conn, err
}

// serve pumps one live connection. It blocks until the read side fails or
// ctx is cancelled; the caller handles reconnection.
func (a *Adapter) serve(ctx context.Context, conn *websocket.Conn) {
	sendDone := make(chan struct{})
	stopSend := make(chan struct{})
	go a.sendLoop(conn, stopSend, sendDone)

	a.recvLoop(ctx, conn)

	close(stopSend)
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
	conn.Close()
	<-sendDone
}

func (a *Adapter) recvLoop(ctx context.Context, conn *websocket.Conn) {
	defer glog.V(5).Info("recvLoop(): exited")

	conn.SetReadLimit(readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// unblock ReadMessage on cancel
	readCancel := make(chan struct{})
	defer close(readCancel)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-readCancel:
		}
	}()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				glog.Errorf("recvLoop(): read error: %v", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			continue
		}

		glog.V(5).Infof("recvLoop(): incoming frame: %s", string(raw))

		var f frame
		if err := json.Unmarshal(raw, &f); err != nil {
			glog.Errorf("recvLoop(): bad frame `%s`: %v", string(raw), err)
			continue
		}

		ev, ok := a.normalize(f)
		if !ok {
			continue
		}
		if !a.emit(ctx, ev) {
			return
		}
	}
}

// normalize maps an inbound frame to a typed event. Malformed payloads are
// logged and dropped so one bad push cannot wedge the stream.
func (a *Adapter) normalize(f frame) (Event, bool) {
	switch f.Event {
	case chat.EventMessageReceived:
		msg, err := chat.DecodeMessage(f.Data)
		if err != nil {
			glog.Errorf("normalize(): %s: %v", f.Event, err)
			return Event{}, false
		}
		return Event{Type: MessageReceived, Message: msg}, true
	case chat.EventNotificationNew:
		return Event{Type: NotificationNew, Notification: f.Data}, true
	case chat.EventTypingUser:
		ev, err := chat.DecodeTyping(f.Data)
		if err != nil {
			glog.Errorf("normalize(): %s: %v", f.Event, err)
			return Event{}, false
		}
		return Event{Type: TypingUser, Typing: ev}, true
	case chat.EventReadUpdate:
		ru, err := chat.DecodeReadUpdate(f.Data)
		if err != nil {
			glog.Errorf("normalize(): %s: %v", f.Event, err)
			return Event{}, false
		}
		return Event{Type: ReadUpdate, Read: ru}, true
	case chat.EventError:
		return Event{Type: ServerError, Err: string(f.Data)}, true
	default:
		glog.V(5).Infof("normalize(): ignore unknown event `%s`", f.Event)
		return Event{}, false
	}
}

func (a *Adapter) emit(ctx context.Context, ev Event) bool {
	select {
	case a.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) sendLoop(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Info("sendLoop(): exited")
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		case f := <-a.outbound:
			raw, err := json.Marshal(f)
			if err != nil {
				glog.Errorf("sendLoop(): marshal frame: %v", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				glog.Errorf("sendLoop(): write error: %v", err)
				conn.Close() // recv loop notices and tears the connection down
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(): write ping error: %v", err)
				conn.Close()
				return
			}
		}
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return backoffMin
	}
	d = time.Duration(float64(d) * backoffMultiplier).Truncate(time.Millisecond)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
