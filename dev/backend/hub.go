package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/madadgaar/chatsync/chat"
)

const (
	writeWait  = 3 * time.Second
	pongWait   = 25 * time.Second
	pingPeriod = 20 * time.Second
	readLimit  = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

type hub struct {
	mu      sync.Mutex
	clients map[*client]bool
	rooms   map[string]map[*client]bool
}

func newHub() *hub {
	return &hub{
		clients: make(map[*client]bool),
		rooms:   make(map[string]map[*client]bool),
	}
}

func (h *hub) serveWs(s *server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAuth(w, r) {
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			glog.Errorf("upgrade: %v", err)
			return
		}
		c := &client{conn: conn, send: make(chan []byte, 64)}
		h.add(c)
		go c.sendLoop()
		go h.recvLoop(c, s)
	}
}

func (h *hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	for _, room := range h.rooms {
		delete(room, c)
	}
	h.mu.Unlock()
	close(c.send)
}

func (h *hub) join(c *client, convID string) {
	h.mu.Lock()
	room := h.rooms[convID]
	if room == nil {
		room = make(map[*client]bool)
		h.rooms[convID] = room
	}
	room[c] = true
	h.mu.Unlock()
}

func (h *hub) leave(c *client, convID string) {
	h.mu.Lock()
	delete(h.rooms[convID], c)
	h.mu.Unlock()
}

func (h *hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *hub) broadcastRoom(convID, event string, data interface{}) {
	buf := encodeFrame(event, data)
	h.mu.Lock()
	for c := range h.rooms[convID] {
		c.enqueue(buf)
	}
	h.mu.Unlock()
}

func (h *hub) broadcastAll(event string, data interface{}) {
	buf := encodeFrame(event, data)
	h.mu.Lock()
	for c := range h.clients {
		c.enqueue(buf)
	}
	h.mu.Unlock()
}

func encodeFrame(event string, data interface{}) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		glog.Errorf("encode %s payload: %v", event, err)
		return nil
	}
	buf, _ := json.Marshal(frame{Event: event, Data: raw})
	return buf
}

func (c *client) enqueue(buf []byte) {
	if buf == nil {
		return
	}
	select {
	case c.send <- buf:
	default:
		// Slow consumer, drop. The dev backend never blocks on a client.
	}
}

func (c *client) sendLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case buf, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *hub) recvLoop(c *client, s *server) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, buf, err := c.conn.ReadMessage()
		if err != nil {
			if glog.V(5) {
				glog.Infof("recvLoop(): read: %v", err)
			}
			return
		}
		var f frame
		if err := json.Unmarshal(buf, &f); err != nil {
			glog.Errorf("recvLoop(): bad frame: %v", err)
			continue
		}
		h.dispatch(c, s, f)
	}
}

// dispatch handles one inbound client frame. Socket clients are the admin
// side, so message:send is stored with the admin identity and echoed back to
// the room, which is what drives placeholder reconciliation in the engine.
func (h *hub) dispatch(c *client, s *server, f frame) {
	switch f.Event {
	case chat.EventConversationJoin, chat.EventConversationLeave:
		var ref chat.RoomRef
		if err := json.Unmarshal(f.Data, &ref); err != nil || ref.ConversationID == "" {
			return
		}
		if f.Event == chat.EventConversationJoin {
			h.join(c, ref.ConversationID)
		} else {
			h.leave(c, ref.ConversationID)
		}

	case chat.EventMessageSend:
		var out chat.Outgoing
		if err := json.Unmarshal(f.Data, &out); err != nil || out.ConversationID == "" {
			c.enqueue(encodeFrame(chat.EventError, map[string]string{"message": "bad message:send payload"}))
			return
		}
		msg := s.storeMessage(out, adminID, chat.RoleAdmin)
		h.broadcastRoom(msg.ConversationID, chat.EventMessageReceived, map[string]interface{}{
			"message":        msg,
			"conversationId": msg.ConversationID,
		})

	case chat.EventTypingStart, chat.EventTypingStop:
		var ref chat.RoomRef
		if err := json.Unmarshal(f.Data, &ref); err != nil || ref.ConversationID == "" {
			return
		}
		h.broadcastRoom(ref.ConversationID, chat.EventTypingUser, chat.TypingEvent{
			UserID:   adminID,
			IsTyping: f.Event == chat.EventTypingStart,
		})

	default:
		if glog.V(5) {
			glog.Infof("dispatch(): ignore event %q", f.Event)
		}
	}
}
