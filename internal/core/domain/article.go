package domain

import "time"

// Article is a draft produced by the generation service.
type Article struct {
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Hashtags  []string  `json:"hashtags,omitempty"`
	SourceURL string    `json:"source_url,omitempty"`
	Keywords  []string  `json:"keywords,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Clone copies the article including its slices.
func (a *Article) Clone() *Article {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Hashtags = append([]string(nil), a.Hashtags...)
	cp.Keywords = append([]string(nil), a.Keywords...)
	return &cp
}

// QualityReport is the scorer's verdict for one article.
type QualityReport struct {
	Total   float64            `json:"total"`
	Passed  bool               `json:"passed"`
	Details map[string]float64 `json:"details,omitempty"`
}

// Selection identifies the source material a draft is generated from.
type Selection struct {
	Title    string   `json:"title"`
	URL      string   `json:"url,omitempty"`
	Summary  string   `json:"summary,omitempty"`
	Keywords []string `json:"keywords,omitempty"`
	Score    float64  `json:"score,omitempty"`
}

// PublishOptions are forwarded to the publisher untouched except for
// the fields the workflow understands.
type PublishOptions struct {
	Visibility string         `json:"visibility,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// PublishRequest is the payload a publish job carries.
type PublishRequest struct {
	WorkflowID WorkflowID     `json:"workflow_id"`
	Article    Article        `json:"article"`
	Options    PublishOptions `json:"options"`
}

// PublishResult is recorded once the platform accepted the article.
type PublishResult struct {
	Success     bool      `json:"success"`
	URL         string    `json:"url"`
	PublishedAt time.Time `json:"published_at"`
}
