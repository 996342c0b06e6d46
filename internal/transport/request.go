package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/matheus3301/convsync/internal/model"
	"github.com/matheus3301/convsync/internal/session"
	"go.uber.org/zap"
)

// maxResponseBytes bounds a single response body.
const maxResponseBytes = 8 << 20

// HTTPError is a non-2xx backend response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// outgoing is the wire form of a send, shared by both channels.
type outgoing struct {
	ClientID   string            `json:"clientId"`
	SenderID   string            `json:"senderId"`
	ReceiverID string            `json:"receiverId"`
	Content    string            `json:"content,omitempty"`
	Attachment *model.Attachment `json:"attachment,omitempty"`
	CreatedAt  int64             `json:"createdAt"`
}

func toOutgoing(msg model.Message) outgoing {
	return outgoing{
		ClientID:   msg.ClientID,
		SenderID:   msg.SenderID,
		ReceiverID: msg.ReceiverID,
		Content:    msg.Content,
		Attachment: msg.Attachment,
		CreatedAt:  msg.CreatedAt.UnixMilli(),
	}
}

// RequestChannel talks to the REST backend. It is always available for send.
type RequestChannel struct {
	baseURL    string
	httpClient *http.Client
	tokens     session.TokenSource
	logger     *zap.Logger
	handlers   handlerSet
}

// NewRequestChannel creates a channel for baseURL. timeout bounds every
// request in addition to the caller's context.
func NewRequestChannel(baseURL string, timeout time.Duration, tokens session.TokenSource, logger *zap.Logger) *RequestChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RequestChannel{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		tokens:     tokens,
		logger:     logger,
	}
}

func (c *RequestChannel) Kind() Kind { return KindRequest }

func (c *RequestChannel) IsAvailableForSend() bool { return true }

// OnInboundEvent retains h for symmetry with the push channel. A
// request/response transport never produces unsolicited events.
func (c *RequestChannel) OnInboundEvent(h Handler) func() {
	return c.handlers.add(h)
}

// Send posts msg and returns the canonical stored message. Fields the
// backend leaves out are filled from msg.
func (c *RequestChannel) Send(ctx context.Context, msg model.Message) (*model.Message, error) {
	var (
		body []byte
		err  error
	)
	if msg.Attachment.IsLocal() {
		body, err = c.upload(ctx, msg)
	} else {
		body, err = c.doRequest(ctx, http.MethodPost, "/messages", toOutgoing(msg), nil)
	}
	if err != nil {
		return nil, err
	}

	stored, err := NormalizeMessage(body)
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", msg.ClientID, err)
	}
	if stored.ClientID == "" {
		stored.ClientID = msg.ClientID
	}
	if stored.ReceiverID == "" {
		stored.ReceiverID = msg.ReceiverID
	}
	if stored.Content == "" {
		stored.Content = msg.Content
	}
	if stored.Attachment == nil && msg.Attachment != nil {
		att := *msg.Attachment
		att.LocalPath = ""
		stored.Attachment = &att
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = msg.CreatedAt
	}
	return &stored, nil
}

// upload posts msg as multipart form data with the local file attached.
func (c *RequestChannel) upload(ctx context.Context, msg model.Message) ([]byte, error) {
	f, err := os.Open(msg.Attachment.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("open attachment: %w", err)
	}
	defer func() { _ = f.Close() }()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"clientId", msg.ClientID},
		{"senderId", msg.SenderID},
		{"receiverId", msg.ReceiverID},
		{"content", msg.Content},
		{"createdAt", strconv.FormatInt(msg.CreatedAt.UnixMilli(), 10)},
	}
	for _, kv := range fields {
		if err := w.WriteField(kv[0], kv[1]); err != nil {
			return nil, fmt.Errorf("encode form: %w", err)
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, msg.Attachment.Name))
	mediaType := msg.Attachment.MediaType
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	h.Set("Content-Type", mediaType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, fmt.Errorf("encode form: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("encode form: %w", err)
	}

	return c.doRequestRaw(ctx, http.MethodPost, "/messages", w.FormDataContentType(), &buf, nil)
}

// FetchConversation returns the messages exchanged with peer, newer than
// since when it is non-zero.
func (c *RequestChannel) FetchConversation(ctx context.Context, peer string, since time.Time) ([]model.Message, error) {
	var query url.Values
	if !since.IsZero() {
		query = url.Values{"since": {strconv.FormatInt(since.UnixMilli(), 10)}}
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/conversations/"+url.PathEscape(peer), nil, query)
	if err != nil {
		return nil, err
	}
	return NormalizeMessages(body)
}

// MarkRead acknowledges every message from sender.
func (c *RequestChannel) MarkRead(ctx context.Context, sender string) error {
	_, err := c.doRequest(ctx, http.MethodPut, "/conversations/"+url.PathEscape(sender)+"/read", nil, nil)
	return err
}

// UnreadTally returns the server's per-sender unread counts.
func (c *RequestChannel) UnreadTally(ctx context.Context) (model.Tally, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/unread", nil, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeTally(body)
}

// Contacts returns the peers and groups the participant can message.
func (c *RequestChannel) Contacts(ctx context.Context) ([]model.Conversation, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/contacts", nil, nil)
	if err != nil {
		return nil, err
	}
	return NormalizeConversations(body)
}

func (c *RequestChannel) doRequest(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	var (
		bodyReader  io.Reader
		contentType string
	)
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
		contentType = "application/json"
	}
	return c.doRequestRaw(ctx, method, path, contentType, bodyReader, query)
}

func (c *RequestChannel) doRequestRaw(ctx context.Context, method, path, contentType string, body io.Reader, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	if c.tokens != nil {
		if token := c.tokens(); token != "" {
			request.Header.Set("Authorization", "Bearer "+token)
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &model.TransportError{Op: method + " " + path, Err: err}
	}
	defer func() { _ = response.Body.Close() }()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, &model.TransportError{Op: "read " + path, Err: err}
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}
	c.logger.Debug("backend error response",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", response.StatusCode))
	return nil, classify(&HTTPError{
		Method:     method,
		Path:       path,
		StatusCode: response.StatusCode,
		Body:       strings.TrimSpace(string(responseBody)),
	})
}

// classify maps a status code onto the error taxonomy.
func classify(e *HTTPError) error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %w", model.ErrAuthRequired, e)
	case e.StatusCode == http.StatusNotFound, e.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %w", model.ErrInvalidRecipient, e)
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout, e.StatusCode >= 500:
		return &model.TransportError{Op: e.Method + " " + e.Path, Err: e}
	default:
		return e
	}
}
