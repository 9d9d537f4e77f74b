// Package slack implements the Slack channel: socket-mode ingest, Web API
// egress, and history backfill. All Web API access goes through small
// interfaces so tests run against fixture maps instead of the network.
package slack

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// DefaultAPIBase is the production Slack Web API root.
const DefaultAPIBase = "https://slack.com/api"

// APIBase returns the Web API root, honoring the DIRECLAW_SLACK_API_BASE
// override used by tests and proxies.
func APIBase() string {
	if v := os.Getenv("DIRECLAW_SLACK_API_BASE"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return DefaultAPIBase
}

// Conversation is one Slack channel or IM.
type Conversation struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	IsIM bool   `json:"is_im,omitempty"`
}

// Message is one Slack message as returned by the history APIs.
type Message struct {
	TS       string `json:"ts"`
	User     string `json:"user,omitempty"`
	BotID    string `json:"bot_id,omitempty"`
	Text     string `json:"text"`
	ThreadTS string `json:"thread_ts,omitempty"`
}

// InboundAPI is the read side of the Slack Web API used by backfill.
type InboundAPI interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ConversationHistory(ctx context.Context, channelID, oldestTS string, limit int) ([]Message, error)
	ConversationReplies(ctx context.Context, channelID, threadTS string) ([]Message, error)
}

// OutboundAPI is the write side used by egress.
type OutboundAPI interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string) (ts string, err error)
}

// SocketAPI opens socket-mode connections.
type SocketAPI interface {
	ConnectionsOpen(ctx context.Context) (wssURL string, err error)
}

// Client is the production Web API implementation over HTTP.
type Client struct {
	base     string
	botToken string
	appToken string
	http     *http.Client
}

// NewClient builds a Web API client from resolved tokens.
func NewClient(botToken, appToken string) *Client {
	return &Client{base: APIBase(), botToken: botToken, appToken: appToken, http: http.DefaultClient}
}

type apiEnvelope struct {
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	URL      string         `json:"url,omitempty"`
	TS       string         `json:"ts,omitempty"`
	Channels []Conversation `json:"channels,omitempty"`
	Messages []Message      `json:"messages,omitempty"`
}

func (c *Client) call(ctx context.Context, token, method string, params url.Values) (*apiEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base+"/"+method, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("slack %s: %w", method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	var env apiEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("slack %s: parse response: %w", method, err)
	}
	if !env.OK {
		return nil, fmt.Errorf("slack %s: %s", method, env.Error)
	}
	return &env, nil
}

// ListConversations lists channels the bot can see.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	env, err := c.call(ctx, c.botToken, "conversations.list", url.Values{
		"types": {"public_channel,private_channel,im"},
	})
	if err != nil {
		return nil, err
	}
	return env.Channels, nil
}

// ConversationHistory fetches messages newer than oldestTS.
func (c *Client) ConversationHistory(ctx context.Context, channelID, oldestTS string, limit int) ([]Message, error) {
	params := url.Values{"channel": {channelID}}
	if oldestTS != "" {
		params.Set("oldest", oldestTS)
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	env, err := c.call(ctx, c.botToken, "conversations.history", params)
	if err != nil {
		return nil, err
	}
	return env.Messages, nil
}

// ConversationReplies fetches a thread.
func (c *Client) ConversationReplies(ctx context.Context, channelID, threadTS string) ([]Message, error) {
	env, err := c.call(ctx, c.botToken, "conversations.replies", url.Values{
		"channel": {channelID}, "ts": {threadTS},
	})
	if err != nil {
		return nil, err
	}
	return env.Messages, nil
}

// PostMessage sends a message, threading when threadTS is set.
func (c *Client) PostMessage(ctx context.Context, channelID, threadTS, text string) (string, error) {
	params := url.Values{"channel": {channelID}, "text": {text}}
	if threadTS != "" {
		params.Set("thread_ts", threadTS)
	}
	env, err := c.call(ctx, c.botToken, "chat.postMessage", params)
	if err != nil {
		return "", err
	}
	return env.TS, nil
}

// ConnectionsOpen requests a socket-mode websocket URL using the app token.
func (c *Client) ConnectionsOpen(ctx context.Context) (string, error) {
	env, err := c.call(ctx, c.appToken, "apps.connections.open", url.Values{})
	if err != nil {
		return "", err
	}
	if env.URL == "" {
		return "", fmt.Errorf("slack apps.connections.open: empty url")
	}
	return env.URL, nil
}
