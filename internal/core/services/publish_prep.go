package services

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/manthysbr/autopress/internal/core/domain"
)

var (
	blankRuns   = regexp.MustCompile(`\n{3,}`)
	hashtagBody = regexp.MustCompile(`[^\p{L}\p{N}_]`)
)

// PrepareArticle normalizes a draft for the target platform: control
// characters are stripped, whitespace collapsed, lengths capped on rune
// boundaries and hashtags deduplicated and capped.
func PrepareArticle(a domain.Article, cfg domain.PreparationConfig) domain.Article {
	out := *a.Clone()

	out.Title = truncateRunes(collapseSpaces(stripControl(out.Title, false)), cfg.MaxTitleLength)

	body := strings.ReplaceAll(out.Body, "\r\n", "\n")
	body = stripControl(body, true)
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRightFunc(line, unicode.IsSpace)
	}
	body = blankRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	out.Body = truncateRunes(strings.TrimSpace(body), cfg.MaxBodyLength)

	out.Hashtags = normalizeHashtags(out.Hashtags, cfg.MaxHashtags)
	return out
}

func normalizeHashtags(tags []string, limit int) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := hashtagBody.ReplaceAllString(strings.TrimLeft(strings.TrimSpace(tag), "#"), "")
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func stripControl(s string, keepNewlines bool) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n' && keepNewlines:
			return r
		case r == '\t' || r == '\n':
			return ' '
		case unicode.IsControl(r) || r == utf8.RuneError:
			return -1
		}
		return r
	}, s)
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit]))
}
