package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/manthysbr/autopress/internal/core/domain"
	"github.com/manthysbr/autopress/internal/core/ports"
)

const systemPrompt = `You write short social media articles. Reply with JSON only, no prose, shaped as
{"articles":[{"title":"...","body":"...","hashtags":["..."]}]}`

var ErrMalformedReply = errors.New("llm reply is not valid article JSON")

// ArticleGenerator implements ports.Generator on top of a text provider.
type ArticleGenerator struct {
	logger   *slog.Logger
	provider TextProvider
}

var _ ports.Generator = (*ArticleGenerator)(nil)

func NewArticleGenerator(logger *slog.Logger, provider TextProvider) *ArticleGenerator {
	return &ArticleGenerator{logger: logger, provider: provider}
}

// NewProvider picks the backend named in cfg.Provider.
func NewProvider(cfg domain.LLMProviderConfig) (TextProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		return NewOpenAIProvider(cfg.BaseURL, cfg.APIKey, cfg.DefaultModel, cfg.Timeout), nil
	case "ollama":
		return NewOllamaProvider(cfg.BaseURL, cfg.DefaultModel, cfg.Timeout), nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

func (g *ArticleGenerator) Generate(ctx context.Context, sel domain.Selection) ([]domain.Article, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Write one article about the following item.\nTitle: %s\n", sel.Title)
	if sel.Summary != "" {
		fmt.Fprintf(&b, "Summary: %s\n", sel.Summary)
	}
	if len(sel.Keywords) > 0 {
		fmt.Fprintf(&b, "Keywords: %s\n", strings.Join(sel.Keywords, ", "))
	}
	if sel.URL != "" {
		fmt.Fprintf(&b, "Source: %s\n", sel.URL)
	}

	articles, err := g.complete(ctx, b.String())
	if err != nil {
		return nil, err
	}
	for i := range articles {
		articles[i].SourceURL = sel.URL
		articles[i].Keywords = append([]string(nil), sel.Keywords...)
	}
	g.logger.Info("articles generated", "title", sel.Title, "count", len(articles))
	return articles, nil
}

func (g *ArticleGenerator) Rewrite(ctx context.Context, a domain.Article, feedback string) (domain.Article, error) {
	draft, err := json.Marshal(map[string]any{"title": a.Title, "body": a.Body, "hashtags": a.Hashtags})
	if err != nil {
		return domain.Article{}, err
	}
	prompt := fmt.Sprintf("Rewrite this article to address the reviewer feedback.\nFeedback: %s\nArticle: %s\n", feedback, draft)

	articles, err := g.complete(ctx, prompt)
	if err != nil {
		return domain.Article{}, err
	}
	out := articles[0]
	out.SourceURL = a.SourceURL
	out.Keywords = append([]string(nil), a.Keywords...)
	return out, nil
}

func (g *ArticleGenerator) complete(ctx context.Context, prompt string) ([]domain.Article, error) {
	reply, err := g.provider.GenerateText(ctx, systemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("llm request failed: %w", err)
	}
	articles, err := parseArticles(reply)
	if err != nil {
		g.logger.Warn("unusable llm reply", "error", err, "reply_len", len(reply))
		return nil, err
	}
	return articles, nil
}

// parseArticles accepts the JSON object, optionally wrapped in a markdown
// code fence or surrounded by chatter.
func parseArticles(reply string) ([]domain.Article, error) {
	start := strings.Index(reply, "{")
	end := strings.LastIndex(reply, "}")
	if start < 0 || end < start {
		return nil, ErrMalformedReply
	}

	var payload struct {
		Articles []struct {
			Title    string   `json:"title"`
			Body     string   `json:"body"`
			Hashtags []string `json:"hashtags"`
		} `json:"articles"`
	}
	if err := json.Unmarshal([]byte(reply[start:end+1]), &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}

	var out []domain.Article
	for _, a := range payload.Articles {
		if strings.TrimSpace(a.Title) == "" || strings.TrimSpace(a.Body) == "" {
			continue
		}
		out = append(out, domain.Article{Title: a.Title, Body: a.Body, Hashtags: a.Hashtags})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no usable articles", ErrMalformedReply)
	}
	return out, nil
}
