package news

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"stockbot/internal/browser"
)

const (
	fetchTimeout  = 20 * time.Second
	fetchMaxBytes = 512 * 1024
	textMaxRunes  = 8000
)

// Article is the extracted content handed to the summarizer.
type Article struct {
	Title         string
	Text          string
	URL           string
	Source        string
	PublishedDate string
}

// Extractor fetches article pages and strips them to plain text. A plain
// HTTP fetch is tried first; when a browser bridge is configured, pages
// that come back effectively empty are retried through headless Chrome.
type Extractor struct {
	client *http.Client
	bridge *browser.Bridge // nil disables the browser fallback
	logger *slog.Logger
}

func NewExtractor(bridge *browser.Bridge, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		client: &http.Client{Timeout: fetchTimeout},
		bridge: bridge,
		logger: logger,
	}
}

// Extract downloads the page behind a search result and returns its text.
// Metadata from the search result fills any fields the page itself lacks.
func (e *Extractor) Extract(ctx context.Context, res Result) (*Article, error) {
	parsed, err := url.Parse(res.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("unsupported article URL: %s", res.URL)
	}

	text, title, fetchErr := e.fetchHTTP(ctx, res.URL)
	if (fetchErr != nil || tooShort(text)) && e.bridge != nil {
		e.logger.Info("falling back to browser extraction", "url", res.URL)
		if browserText, berr := e.bridge.ExtractText(ctx, res.URL); berr == nil && !tooShort(browserText) {
			text, fetchErr = browserText, nil
		}
	}
	if fetchErr != nil && tooShort(text) {
		// Degrade to the search snippet rather than failing the request.
		if res.Snippet != "" {
			text = res.Snippet
		} else {
			return nil, fmt.Errorf("extract article %s: %w", res.URL, fetchErr)
		}
	}

	art := &Article{
		Title:         res.Title,
		Text:          truncateRunes(text, textMaxRunes),
		URL:           res.URL,
		Source:        res.Source,
		PublishedDate: res.PublishedDate,
	}
	if art.Title == "" {
		art.Title = title
	}
	if art.Source == "" {
		art.Source = parsed.Host
	}
	return art, nil
}

// fetchHTTP downloads the page and returns stripped body text and the
// document title.
func (e *Extractor) fetchHTTP(ctx context.Context, target string) (text, title string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", userAgentString)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, fetchMaxBytes))
	if err != nil {
		return "", "", fmt.Errorf("read body: %w", err)
	}

	html := string(body)
	return stripHTMLTags(dropNonContent(html)), extractTitle(html), nil
}

// dropNonContent removes script and style blocks before tag stripping.
func dropNonContent(html string) string {
	for _, tag := range []string{"script", "style", "noscript"} {
		for {
			lower := strings.ToLower(html)
			start := strings.Index(lower, "<"+tag)
			if start < 0 {
				break
			}
			end := strings.Index(lower[start:], "</"+tag+">")
			if end < 0 {
				html = html[:start]
				break
			}
			html = html[:start] + html[start+end+len(tag)+3:]
		}
	}
	return html
}

// stripHTMLTags removes HTML tags and collapses blank lines.
func stripHTMLTags(s string) string {
	var result strings.Builder
	inTag := false
	for _, r := range s {
		if r == '<' {
			inTag = true
			continue
		}
		if r == '>' {
			inTag = false
			result.WriteRune(' ')
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}
	var cleaned []string
	for _, line := range strings.Split(result.String(), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

func extractTitle(html string) string {
	lower := strings.ToLower(html)
	start := strings.Index(lower, "<title")
	if start < 0 {
		return ""
	}
	start = strings.Index(html[start:], ">") + start
	if start < 0 {
		return ""
	}
	end := strings.Index(lower, "</title>")
	if end < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(html[start+1 : end])
}

func tooShort(text string) bool {
	return len(strings.TrimSpace(text)) < 200
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
