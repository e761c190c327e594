// The dev backend is an in-memory stand-in for the Madadgaar chat API: the
// REST endpoints plus the websocket channel, with faked peer activity. It
// exists so the sync engine can be run and exercised without the real
// platform.
package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/madadgaar/chatsync/chat"
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:9000", "listen address, ip:port")
	flagActivity = flag.Duration("activity", 15*time.Second, "interval of simulated user messages, 0 disables")
)

const adminID = "a1"

type server struct {
	mu            sync.Mutex
	conversations map[string]*chat.Conversation
	messages      map[string][]chat.Message

	hub *hub
}

func main() {
	flag.Parse()
	defer glog.Flush()

	s := &server{
		conversations: make(map[string]*chat.Conversation),
		messages:      make(map[string][]chat.Message),
		hub:           newHub(),
	}
	s.seed()

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Route("/api", func(r chi.Router) {
		r.Get("/conversations", s.listConversations)
		r.Get("/conversations/{id}/messages", s.listMessages)
		r.Post("/conversations/{id}/read", s.markRead)
		r.Post("/messages", s.postMessage)
		r.Get("/chat/stats", s.stats)
	})
	r.Get("/ws", s.hub.serveWs(s))

	if *flagActivity > 0 {
		go s.simulateActivity(*flagActivity)
	}

	glog.Infof("dev backend listening on %s", *flagAddr)
	if err := http.ListenAndServe(*flagAddr, r); err != nil {
		glog.Errorf("listen: %v", err)
	}
}

func (s *server) seed() {
	now := time.Now()
	for i, name := range []string{"Ali", "Sana", "Ahsan"} {
		conv := &chat.Conversation{
			ID: "c" + string(rune('1'+i)),
			Participants: []chat.Participant{
				{UserID: adminID, Name: "Madadgaar Support", Role: chat.RoleAdmin},
				{UserID: "u" + string(rune('1'+i)), Name: name, Role: "user"},
			},
		}
		msg := chat.Message{
			ID:             uuid.New(),
			ConversationID: conv.ID,
			SenderID:       conv.Participants[1].UserID,
			SenderRole:     "user",
			Content:        "Assalam o alaikum, I need help with my loan application",
			Type:           chat.DefaultMessageType,
			CreatedAt:      now.Add(-time.Duration(3-i) * time.Hour),
		}
		conv.LastMessage = chat.LastMessage{Content: msg.Content, CreatedAt: msg.CreatedAt}
		conv.UnreadCount = 1
		s.conversations[conv.ID] = conv
		s.messages[conv.ID] = []chat.Message{msg}
	}
}

func respond(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"data":    data,
	})
}

// requireAuth accepts any non-empty bearer token; this is a dev tool.
func requireAuth(w http.ResponseWriter, r *http.Request) bool {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") || strings.TrimPrefix(h, "Bearer ") == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return false
	}
	return true
}

func (s *server) listConversations(w http.ResponseWriter, r *http.Request) {
	if !requireAuth(w, r) {
		return
	}
	s.mu.Lock()
	out := make([]chat.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		out = append(out, *c)
	}
	s.mu.Unlock()
	chat.SortConversations(out)
	respond(w, out)
}

func (s *server) listMessages(w http.ResponseWriter, r *http.Request) {
	if !requireAuth(w, r) {
		return
	}
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	out := append([]chat.Message(nil), s.messages[id]...)
	s.mu.Unlock()
	chat.SortMessages(out)
	respond(w, out)
}

func (s *server) markRead(w http.ResponseWriter, r *http.Request) {
	if !requireAuth(w, r) {
		return
	}
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	var readIDs []string
	for i := range s.messages[id] {
		m := &s.messages[id][i]
		if m.SenderRole != chat.RoleAdmin && !m.ReadByUser(adminID) {
			m.ReadBy = append(m.ReadBy, adminID)
			readIDs = append(readIDs, m.ID)
		}
	}
	if c := s.conversations[id]; c != nil {
		c.UnreadCount = 0
	}
	s.mu.Unlock()

	if len(readIDs) > 0 {
		s.hub.broadcastRoom(id, chat.EventReadUpdate, chat.ReadUpdate{
			ConversationID: id,
			MessageIDs:     readIDs,
			ReadBy:         adminID,
		})
	}
	respond(w, map[string]int{"updated": len(readIDs)})
}

func (s *server) postMessage(w http.ResponseWriter, r *http.Request) {
	if !requireAuth(w, r) {
		return
	}
	var in chat.Outgoing
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg := s.storeMessage(in, adminID, chat.RoleAdmin)
	s.hub.broadcastRoom(msg.ConversationID, chat.EventMessageReceived, map[string]interface{}{
		"message":        msg,
		"conversationId": msg.ConversationID,
	})
	respond(w, msg)
}

func (s *server) stats(w http.ResponseWriter, r *http.Request) {
	if !requireAuth(w, r) {
		return
	}
	s.mu.Lock()
	var total int
	for _, msgs := range s.messages {
		total += len(msgs)
	}
	out := chat.Stats{
		TotalConversations: len(s.conversations),
		TotalMessages:      total,
		ActiveUsers:        s.hub.clientCount(),
	}
	s.mu.Unlock()
	respond(w, out)
}

func (s *server) storeMessage(in chat.Outgoing, senderID, senderRole string) chat.Message {
	if in.MessageType == "" {
		in.MessageType = chat.DefaultMessageType
	}
	msg := chat.Message{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		SenderID:       senderID,
		SenderRole:     senderRole,
		Content:        in.Content,
		Type:           in.MessageType,
		CreatedAt:      time.Now(),
	}

	s.mu.Lock()
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], msg)
	if c := s.conversations[msg.ConversationID]; c != nil {
		c.LastMessage = chat.LastMessage{Content: msg.Content, CreatedAt: msg.CreatedAt}
		if senderRole != chat.RoleAdmin {
			c.UnreadCount++
		}
	}
	s.mu.Unlock()
	return msg
}

// simulateActivity posts a user message into a random conversation so a
// connected engine always has traffic to reconcile.
func (s *server) simulateActivity(interval time.Duration) {
	lines := []string{
		"Is my installment due this week?",
		"Can you share the property documents?",
		"What is the status of my insurance claim?",
		"Jazakallah for the quick reply",
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		ids := make([]string, 0, len(s.conversations))
		for id := range s.conversations {
			ids = append(ids, id)
		}
		s.mu.Unlock()
		if len(ids) == 0 {
			continue
		}

		convID := ids[rand.Intn(len(ids))]
		s.mu.Lock()
		peer := s.conversations[convID].Peer()
		s.mu.Unlock()

		msg := s.storeMessage(chat.Outgoing{
			ConversationID: convID,
			Content:        lines[rand.Intn(len(lines))],
		}, peer.UserID, "user")

		s.hub.broadcastRoom(convID, chat.EventMessageReceived, map[string]interface{}{
			"message":        msg,
			"conversationId": convID,
		})
		s.hub.broadcastAll(chat.EventNotificationNew, map[string]string{
			"conversationId": convID,
			"from":           peer.Name,
		})
	}
}
