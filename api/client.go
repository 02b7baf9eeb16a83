// Package api is the REST side of the chat backend: conversation list,
// message history, the send fallback and attachment upload.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/tidwall/gjson"

	"dolabb/logger"
	"dolabb/middleware"
	"dolabb/models"
	"dolabb/protocol"
)

const maxErrorBody = 4 << 10

// Config defines REST client settings.
type Config struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Client calls the chat REST endpoints
type Client struct {
	base string
	http *http.Client
	log  *slog.Logger
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	log := logger.OrDefault(cfg.Logger).With("component", "api")
	return &Client{
		base: cfg.BaseURL,
		http: &http.Client{
			Timeout:   timeout,
			Transport: middleware.Chain(cfg.Transport, middleware.Logging(log), middleware.Auth(cfg.Token)),
		},
		log: log,
	}
}

// Conversations returns GET /api/chat/conversations/ as sent by the server, unmerged
func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	body, err := c.do(ctx, http.MethodGet, "/api/chat/conversations/", nil, "")
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return protocol.DecodeConversations(body)
}

// Messages returns one page of history, newest first
func (c *Client) Messages(ctx context.Context, conversationID string, page, limit int) ([]protocol.Envelope, *protocol.Pagination, error) {
	q := url.Values{}
	q.Set("conversationId", conversationID)
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	body, err := c.do(ctx, http.MethodGet, "/api/chat/messages?"+q.Encode(), nil, "")
	if err != nil {
		return nil, nil, fmt.Errorf("list messages page %d: %w", page, err)
	}
	return protocol.DecodeMessagePage(body)
}

// SendRequest is the body of the REST send fallback
type SendRequest struct {
	ConversationID string              `json:"conversationId"`
	SenderID       string              `json:"senderId,omitempty"`
	ReceiverID     string              `json:"receiverId"`
	Text           string              `json:"text"`
	Attachments    []models.Attachment `json:"attachments"`
}

// SendMessage posts a chat message when the socket is unavailable. The
// sender defaults to the user stored in ctx.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (protocol.Envelope, error) {
	if req.SenderID == "" {
		if u := middleware.GetUserFromContext(ctx); u != nil {
			req.SenderID = u.ID
		}
	}
	if req.Attachments == nil {
		req.Attachments = []models.Attachment{}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return protocol.Envelope{}, err
	}

	body, err := c.do(ctx, http.MethodPost, "/api/chat/send/", bytes.NewReader(payload), "application/json")
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("send message: %w", err)
	}
	root := gjson.ParseBytes(body)
	msg := root.Get("message")
	if !msg.IsObject() {
		msg = root
	}
	env := protocol.NormalizeMessage(msg)
	if env.Message.ID == "" {
		return protocol.Envelope{}, fmt.Errorf("send message: %w: response without id", protocol.ErrMalformedFrame)
	}
	if env.Message.ConversationID == "" {
		env.Message.ConversationID = req.ConversationID
	}
	return env, nil
}

// Upload stores an attachment and returns its public URL
func (c *Client) Upload(ctx context.Context, filename string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("upload %s: read: %w", filename, err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	body, err := c.do(ctx, http.MethodPost, "/api/chat/upload/", &buf, mw.FormDataContentType())
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	fileURL := gjson.GetBytes(body, "fileUrl").String()
	if fileURL == "" {
		fileURL = gjson.GetBytes(body, "file_url").String()
	}
	if fileURL == "" {
		return "", fmt.Errorf("upload %s: response without fileUrl", filename)
	}
	return fileURL, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &Error{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return io.ReadAll(resp.Body)
}
