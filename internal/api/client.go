// Package api is the client for the REST history service: message history,
// sends, read state, presence status and the channel list.
package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/coworkhub/chatsync/internal/chat"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Presence statuses accepted by SetPresence.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Config holds REST client settings.
type Config struct {
	BaseURL string        // https://api.example.com/v1
	Token   string        // bearer token, sent on every request
	Timeout time.Duration // per-request timeout when ctx has no deadline
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 10 * time.Second,
	}
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// OnlineUser is one entry of the presence fallback listing.
type OnlineUser struct {
	UserID     string    `json:"user_id"`
	LastActive time.Time `json:"last_active"`
}

// SendRequest is the body of a message send.
type SendRequest struct {
	Content     string            `json:"content"`
	Kind        chat.Kind         `json:"kind"`
	Attachments []chat.Attachment `json:"attachments,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
}

// Client talks to the REST history service. It is goroutine-safe.
type Client struct {
	cfg  Config
	http *fasthttp.Client
	log  zerolog.Logger
}

// New creates a Client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &Client{
		cfg: cfg,
		http: &fasthttp.Client{
			Name:                "chatsync",
			MaxIdleConnDuration: time.Minute,
		},
		log: logger,
	}
}

// FetchMessages returns up to limit recent events of a channel.
func (c *Client) FetchMessages(ctx context.Context, channelID string, limit int) ([]chat.Event, error) {
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Messages []chat.Event `json:"messages"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		if out.Messages[i].ChannelID == "" {
			out.Messages[i].ChannelID = channelID
		}
	}
	return out.Messages, nil
}

// SendMessage posts a message and returns the persisted event. Each call
// carries a fresh Idempotency-Key.
func (c *Client) SendMessage(ctx context.Context, channelID string, req SendRequest) (chat.Event, error) {
	path := "/channels/" + url.PathEscape(channelID) + "/messages"
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	var out struct {
		Message chat.Event `json:"message"`
	}
	if err := c.do(ctx, fasthttp.MethodPost, path, headers, req, &out); err != nil {
		return chat.Event{}, err
	}
	if out.Message.ChannelID == "" {
		out.Message.ChannelID = channelID
	}
	return out.Message, nil
}

// MarkRead persists read state for eventIDs in channelID.
func (c *Client) MarkRead(ctx context.Context, channelID string, eventIDs []string) error {
	path := "/channels/" + url.PathEscape(channelID) + "/read"
	body := struct {
		MessageIDs []string `json:"message_ids"`
	}{eventIDs}
	return c.do(ctx, fasthttp.MethodPost, path, nil, body, nil)
}

// SetPresence updates the local participant's status.
func (c *Client) SetPresence(ctx context.Context, status string) error {
	body := struct {
		Status string `json:"status"`
	}{status}
	return c.do(ctx, fasthttp.MethodPut, "/presence", nil, body, nil)
}

// ListOnlineUsers returns the backend's view of who is online, used when the
// presence topic is unavailable.
func (c *Client) ListOnlineUsers(ctx context.Context) ([]OnlineUser, error) {
	var out struct {
		Users []OnlineUser `json:"users"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, "/presence/online", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// ListChannels returns the channels the participant belongs to.
func (c *Client) ListChannels(ctx context.Context) ([]chat.Channel, error) {
	var out struct {
		Channels []chat.Channel `json:"channels"`
	}
	if err := c.do(ctx, fasthttp.MethodGet, "/channels", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Channels, nil
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, in, out interface{}) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.cfg.BaseURL + path)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: %s %s: encode: %w", method, path, err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(body)
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	deadline := time.Now().Add(c.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	start := time.Now()
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	code := resp.StatusCode()
	c.log.Debug().Str("method", method).Str("path", path).Int("status", code).
		Dur("took", time.Since(start)).Msg("request")

	if code < 200 || code > 299 {
		return &StatusError{Method: method, Path: path, Code: code, Body: string(resp.Body())}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("api: %s %s: decode: %w", method, path, err)
	}
	return nil
}
