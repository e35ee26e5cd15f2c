package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/manthysbr/autopress/internal/core/domain"
	"github.com/manthysbr/autopress/internal/core/ports"
)

var ErrRejected = errors.New("publisher rejected the article")

// Webhook publishes by POSTing the request as JSON to a configured endpoint
// and verifies by issuing a HEAD against the returned URL.
type Webhook struct {
	logger   *slog.Logger
	client   *http.Client
	endpoint string
	apiKey   string
	clock    clock.Clock
}

var _ ports.Publisher = (*Webhook)(nil)

func NewWebhook(logger *slog.Logger, cfg domain.PublisherConfig, clk clock.Clock) (*Webhook, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("publisher endpoint is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Webhook{
		logger:   logger,
		client:   &http.Client{Timeout: cfg.Timeout},
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		clock:    clk,
	}, nil
}

type webhookPayload struct {
	WorkflowID string                `json:"workflow_id"`
	Title      string                `json:"title"`
	Body       string                `json:"body"`
	Hashtags   []string              `json:"hashtags,omitempty"`
	SourceURL  string                `json:"source_url,omitempty"`
	Options    domain.PublishOptions `json:"options"`
}

type webhookReply struct {
	Success     bool      `json:"success"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
	Error       string    `json:"error"`
}

func (w *Webhook) Publish(ctx context.Context, req domain.PublishRequest) (domain.PublishResult, error) {
	payload, err := json.Marshal(webhookPayload{
		WorkflowID: string(req.WorkflowID),
		Title:      req.Article.Title,
		Body:       req.Article.Body,
		Hashtags:   req.Article.Hashtags,
		SourceURL:  req.Article.SourceURL,
		Options:    req.Options,
	})
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// lets the receiver drop duplicates when a publish is replayed after a restart
	httpReq.Header.Set("Idempotency-Key", string(req.WorkflowID))
	if w.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return domain.PublishResult{}, fmt.Errorf("publish request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return domain.PublishResult{}, fmt.Errorf("publisher returned status %d: %s", resp.StatusCode, string(body))
	}

	var reply webhookReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		return domain.PublishResult{}, fmt.Errorf("failed to decode publisher reply: %w", err)
	}
	if !reply.Success {
		return domain.PublishResult{}, fmt.Errorf("%w: %s", ErrRejected, reply.Error)
	}
	if reply.PublishedAt.IsZero() {
		reply.PublishedAt = w.clock.Now()
	}

	w.logger.Info("article published", "workflow_id", req.WorkflowID, "url", reply.URL)
	return domain.PublishResult{
		Success:     true,
		URL:         reply.URL,
		PublishedAt: reply.PublishedAt,
	}, nil
}

// Verify succeeds when the published URL answers a HEAD with a 2xx or 3xx.
func (w *Webhook) Verify(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("verify request failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("published url returned status %d", resp.StatusCode)
	}
	return nil
}
