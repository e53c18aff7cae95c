package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// HTTPConfig points the client at a chat-messages endpoint.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient calls the hosted chat API over HTTP.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	// streamClient has no overall timeout; streams end when the service closes them.
	streamClient *http.Client
	logger       *zap.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient validates cfg and builds a client.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) (*HTTPClient, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("chat API configuration missing")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		logger:       logger.Named("generation"),
	}, nil
}

type chatMessagesBody struct {
	Inputs         map[string]any `json:"inputs"`
	Query          string         `json:"query"`
	ResponseMode   Mode           `json:"response_mode"`
	User           string         `json:"user"`
	Files          []any          `json:"files"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// Generate sends a blocking request and decodes the full answer.
func (c *HTTPClient) Generate(ctx context.Context, req Request) (*Response, error) {
	req.Mode = ModeBlocking
	resp, err := c.do(ctx, c.httpClient, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chat response: %w", err)
	}

	c.logger.Debug("chat response received",
		zap.Int("answer_length", len(out.Answer)),
		zap.String("conversation_id", out.ConversationID))
	return &out, nil
}

// Stream sends a streaming request and hands back the response body.
func (c *HTTPClient) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	req.Mode = ModeStreaming
	resp, err := c.do(ctx, c.streamClient, req)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *HTTPClient) do(ctx context.Context, client *http.Client, req Request) (*http.Response, error) {
	inputs := req.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	body := chatMessagesBody{
		Inputs:       inputs,
		Query:        req.Query,
		ResponseMode: req.Mode,
		User:         req.User,
		Files:        []any{},
	}
	// A blank handle must be omitted so the service opens a new conversation.
	if strings.TrimSpace(req.ConversationID) != "" {
		body.ConversationID = req.ConversationID
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat-messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send chat request: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		c.logger.Warn("chat API error response",
			zap.Int("status", resp.StatusCode),
			zap.String("body", string(errBody)),
			zap.Bool("had_conversation", body.ConversationID != ""))
		return nil, &APIError{Status: resp.StatusCode, Body: string(errBody)}
	}

	return resp, nil
}
