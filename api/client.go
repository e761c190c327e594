// Package api is the REST side of the backend contract: conversation and
// message listing, the send fallback used while the socket is down, read
// acknowledgements and aggregate stats. Every request carries the bearer
// token of the active session.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/glog"

	"github.com/madadgaar/chatsync/chat"
)

const requestTimeout = 10 * time.Second

// ErrUnauthorized is returned on HTTP 401. The caller invalidates the stored
// session and routes back to the login flow.
var ErrUnauthorized = errors.New("api: unauthorized")

// Client is what the engine needs from the REST backend.
type Client interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error)
	SendMessage(ctx context.Context, conversationID, content, messageType string) (chat.Message, error)
	MarkRead(ctx context.Context, conversationID string) error
	Stats(ctx context.Context) (chat.Stats, error)
}

// envelope is the response wrapper every endpoint uses.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
}

type httpClient struct {
	baseURL string
	token   string
	hc      *http.Client
}

// New creates a REST client for baseURL authenticated with token.
func New(baseURL, token string) Client {
	return &httpClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: requestTimeout},
	}
}

func (c *httpClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("api: marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("api: new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("api: %s %s: decode response: %v", method, path, err)
	}
	if !env.Success {
		return fmt.Errorf("api: %s %s: backend error: %s", method, path, env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("api: %s %s: decode data: %v", method, path, err)
	}
	return nil
}

func (c *httpClient) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	var convs []chat.Conversation
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (c *httpClient) ListMessages(ctx context.Context, conversationID string) ([]chat.Message, error) {
	var raw json.RawMessage
	path := "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	return chat.DecodeMessages(raw)
}

func (c *httpClient) SendMessage(ctx context.Context, conversationID, content, messageType string) (chat.Message, error) {
	var raw json.RawMessage
	body := chat.Outgoing{
		ConversationID: conversationID,
		Content:        content,
		MessageType:    messageType,
	}
	if err := c.do(ctx, http.MethodPost, "/messages", body, &raw); err != nil {
		return chat.Message{}, err
	}
	return chat.DecodeMessage(raw)
}

func (c *httpClient) MarkRead(ctx context.Context, conversationID string) error {
	path := "/conversations/" + url.PathEscape(conversationID) + "/read"
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		// fire-and-forget contract: the caller only logs this
		glog.V(5).Infof("MarkRead(%s): %v", conversationID, err)
		return err
	}
	return nil
}

func (c *httpClient) Stats(ctx context.Context) (chat.Stats, error) {
	var stats chat.Stats
	if err := c.do(ctx, http.MethodGet, "/chat/stats", nil, &stats); err != nil {
		return chat.Stats{}, err
	}
	return stats, nil
}
