package scoring

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/manthysbr/autopress/internal/core/domain"
	"github.com/manthysbr/autopress/internal/core/ports"
)

// PassScore is the total a draft needs for QualityReport.Passed.
const PassScore = 70.0

// Rubric scores drafts with fixed, explainable heuristics. Each criterion
// contributes up to its weight; weights sum to 100.
type Rubric struct {
	IdealTitle    [2]int // rune length range that earns full marks
	IdealBody     [2]int
	IdealHashtags [2]int
}

var _ ports.QualityScorer = (*Rubric)(nil)

func NewRubric() *Rubric {
	return &Rubric{
		IdealTitle:    [2]int{20, 90},
		IdealBody:     [2]int{400, 3000},
		IdealHashtags: [2]int{2, 6},
	}
}

func (r *Rubric) Score(ctx context.Context, a domain.Article) (domain.QualityReport, error) {
	details := map[string]float64{
		"title":       25 * rangeFit(utf8.RuneCountInString(strings.TrimSpace(a.Title)), r.IdealTitle),
		"length":      25 * rangeFit(utf8.RuneCountInString(strings.TrimSpace(a.Body)), r.IdealBody),
		"hashtags":    15 * rangeFit(len(a.Hashtags), r.IdealHashtags),
		"readability": 20 * readability(a.Body),
		"keywords":    15 * keywordCoverage(a),
	}

	var total float64
	for _, v := range details {
		total += v
	}
	return domain.QualityReport{
		Total:   total,
		Passed:  total >= PassScore,
		Details: details,
	}, nil
}

// rangeFit is 1 inside [lo, hi] and falls off linearly outside it.
func rangeFit(n int, ideal [2]int) float64 {
	lo, hi := ideal[0], ideal[1]
	switch {
	case n <= 0:
		return 0
	case n < lo:
		return float64(n) / float64(lo)
	case n > hi:
		over := float64(n-hi) / float64(hi)
		if over >= 1 {
			return 0
		}
		return 1 - over
	}
	return 1
}

// readability rewards average sentence lengths of 8-25 words.
func readability(body string) float64 {
	sentences := strings.FieldsFunc(body, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n'
	})
	words, count := 0, 0
	for _, s := range sentences {
		if n := len(strings.Fields(s)); n > 0 {
			words += n
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return rangeFit(words/count, [2]int{8, 25})
}

// keywordCoverage is the share of source keywords that appear in the draft.
// Drafts without keywords get full marks.
func keywordCoverage(a domain.Article) float64 {
	if len(a.Keywords) == 0 {
		return 1
	}
	text := strings.ToLower(a.Title + " " + a.Body + " " + strings.Join(a.Hashtags, " "))
	hit := 0
	for _, k := range a.Keywords {
		if k != "" && strings.Contains(text, strings.ToLower(k)) {
			hit++
		}
	}
	return float64(hit) / float64(len(a.Keywords))
}
