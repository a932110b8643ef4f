// Package api is the client for the chat server's REST collaborator.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/livechat/internal/observability"
	"github.com/haasonsaas/livechat/internal/protocol"
	"github.com/haasonsaas/livechat/pkg/models"
)

// Operation names, used for errors, metrics and spans.
const (
	OpListConversations = "list_conversations"
	OpFetchConversation = "fetch_conversation"
	OpFetchMessages     = "fetch_messages"
	OpSendMessage       = "send_message"
	OpMarkRead          = "mark_read"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	Credential string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Tracer     *observability.Tracer
}

// Client calls the REST endpoints with a bearer credential. Every response
// body is schema-validated before it is returned.
type Client struct {
	rest    *resty.Client
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	mu         sync.RWMutex
	credential string
}

// NewClient creates a REST client.
func NewClient(cfg Config) *Client {
	var rc *resty.Client
	if cfg.HTTPClient != nil {
		rc = resty.NewWithClient(cfg.HTTPClient)
	} else {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		rc = resty.New().SetTimeout(timeout)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")
	rc.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Accept", "application/json").
		SetLogger(restyLogger{logger})

	return &Client{
		rest:       rc,
		credential: cfg.Credential,
		logger:     logger,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
	}
}

// SetCredential replaces the bearer credential for subsequent requests.
func (c *Client) SetCredential(credential string) {
	c.mu.Lock()
	c.credential = credential
	c.mu.Unlock()
}

// Credential returns the current bearer credential.
func (c *Client) Credential() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credential
}

// SendRequest is the body of POST send.
type SendRequest struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	SenderID       string `json:"senderId"`
}

type sendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Error     string `json:"error"`
}

type markReadResult struct {
	Success bool `json:"success"`
}

type conversationList struct {
	Conversations []models.Conversation `json:"conversations"`
}

type conversationItem struct {
	Conversation models.Conversation `json:"conversation"`
}

type messageList struct {
	Messages []models.Message `json:"messages"`
}

// ListConversations fetches every conversation summary visible to the caller.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	var out conversationList
	if err := c.do(ctx, OpListConversations, http.MethodGet, "/conversations", nil, protocol.SchemaConversationList, &out); err != nil {
		return nil, err
	}
	for i := range out.Conversations {
		out.Conversations[i].Normalize()
	}
	return out.Conversations, nil
}

// FetchConversation fetches one conversation summary.
func (c *Client) FetchConversation(ctx context.Context, conversationID string) (models.Conversation, error) {
	var out conversationItem
	path := "/conversations/" + url.PathEscape(conversationID)
	if err := c.do(ctx, OpFetchConversation, http.MethodGet, path, nil, protocol.SchemaConversationItem, &out); err != nil {
		return models.Conversation{}, err
	}
	out.Conversation.Normalize()
	return out.Conversation, nil
}

// FetchMessages fetches the history of a conversation.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	var out messageList
	path := "/messages/" + url.PathEscape(conversationID)
	if err := c.do(ctx, OpFetchMessages, http.MethodGet, path, nil, protocol.SchemaMessageList, &out); err != nil {
		return nil, err
	}
	for i := range out.Messages {
		if out.Messages[i].ConversationID == "" {
			out.Messages[i].ConversationID = conversationID
		}
		out.Messages[i].State = models.DeliveryConfirmed
	}
	return out.Messages, nil
}

// SendMessage persists a message and returns its server-assigned id.
func (c *Client) SendMessage(ctx context.Context, req SendRequest) (string, error) {
	var out sendResult
	if err := c.do(ctx, OpSendMessage, http.MethodPost, "/send", req, protocol.SchemaSendResult, &out); err != nil {
		return "", err
	}
	if !out.Success {
		reason := out.Error
		if reason == "" {
			reason = "send not accepted"
		}
		return "", &Error{Op: OpSendMessage, Code: CodeRejected, Message: reason}
	}
	return out.MessageID, nil
}

// MarkRead tells the server the caller has read conversationID.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	var out markReadResult
	path := "/mark-read/" + url.PathEscape(conversationID)
	if err := c.do(ctx, OpMarkRead, http.MethodPut, path, nil, protocol.SchemaMarkReadResult, &out); err != nil {
		return err
	}
	if !out.Success {
		return &Error{Op: OpMarkRead, Code: CodeRejected, Message: "mark-read not accepted"}
	}
	return nil
}

func (c *Client) do(ctx context.Context, op, method, path string, payload any, schema string, out any) (err error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "api."+op,
		attribute.String("http.method", method),
		attribute.String("http.route", path),
	)
	defer func() {
		c.metrics.ObserveREST(op, start, err)
		observability.End(span, err)
		if err != nil {
			c.logger.Debug("request failed", "op", op, "path", path, "error", err)
		}
	}()

	req := c.rest.R().SetContext(ctx)
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}
	if credential := c.Credential(); credential != "" {
		req.SetAuthToken(credential)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return &Error{Op: op, Code: CodeTransport, Err: err}
	}
	if !resp.IsSuccess() {
		apiErr := &Error{Op: op, Code: CodeStatus, Status: resp.StatusCode(), Message: resp.Status()}
		if snippet := strings.TrimSpace(resp.String()); snippet != "" {
			if len(snippet) > maxErrorSnippet {
				snippet = snippet[:maxErrorSnippet]
			}
			apiErr.Message = fmt.Sprintf("%s (%s)", resp.Status(), snippet)
		}
		return apiErr
	}
	if err := protocol.Validate(schema, resp.Body(), out); err != nil {
		return &Error{Op: op, Code: CodeDecode, Status: resp.StatusCode(), Err: err}
	}
	return nil
}

const maxErrorSnippet = 4096

// restyLogger routes resty's own diagnostics into slog.
type restyLogger struct{ logger *slog.Logger }

func (l restyLogger) Errorf(format string, v ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Warnf(format string, v ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l restyLogger) Debugf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
