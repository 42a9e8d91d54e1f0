// Package news finds recent articles through the Google Custom Search JSON
// API and extracts their text for summarization.
package news

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

const (
	searchTimeout   = 15 * time.Second
	probeTimeout    = 3 * time.Second
	userAgentString = "Mozilla/5.0 (StockBot)"
)

// Result is one search hit with the metadata the reply formatter uses.
type Result struct {
	Title         string
	Snippet       string
	URL           string
	Source        string // hostname
	PublishedDate string // from article:published_time metatag, may be empty
}

// Searcher queries the Custom Search API restricted to recent news.
type Searcher struct {
	apiKey       string
	engineID     string
	apiBase      string
	maxResults   int
	dateRestrict string
	client       *http.Client
	logger       *slog.Logger
}

type SearcherConfig struct {
	APIKey         string
	SearchEngineID string
	APIBase        string // default: https://www.googleapis.com/customsearch/v1
	MaxResults     int    // default 5
	DateRestrict   string // default "d7"
	Logger         *slog.Logger
}

func NewSearcher(cfg SearcherConfig) *Searcher {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://www.googleapis.com/customsearch/v1"
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = 5
	}
	if cfg.DateRestrict == "" {
		cfg.DateRestrict = "d7"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Searcher{
		apiKey:       cfg.APIKey,
		engineID:     cfg.SearchEngineID,
		apiBase:      cfg.APIBase,
		maxResults:   cfg.MaxResults,
		dateRestrict: cfg.DateRestrict,
		client:       &http.Client{Timeout: searchTimeout},
		logger:       cfg.Logger,
	}
}

// cseResponse mirrors the Custom Search items we consume.
type cseResponse struct {
	Items []struct {
		Title   string `json:"title"`
		Link    string `json:"link"`
		Snippet string `json:"snippet"`
		Pagemap struct {
			Metatags []map[string]string `json:"metatags"`
		} `json:"pagemap"`
	} `json:"items"`
}

// Search returns recent news hits for the query, most relevant first.
// Results whose URL fails a HEAD probe sink to the end so the caller
// naturally picks a reachable article first.
func (s *Searcher) Search(ctx context.Context, query string) ([]Result, error) {
	params := url.Values{}
	params.Set("key", s.apiKey)
	params.Set("cx", s.engineID)
	params.Set("q", query)
	params.Set("num", fmt.Sprintf("%d", s.maxResults))
	params.Set("dateRestrict", s.dateRestrict)
	params.Set("sort", "date")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.apiBase+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("search API returned %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}

	var cse cseResponse
	if err := json.Unmarshal(body, &cse); err != nil {
		return nil, fmt.Errorf("parse search response: %w", err)
	}

	if len(cse.Items) == 0 {
		s.logger.Info("no search results", "query", query)
		return nil, nil
	}

	var reachable, unreachable []Result
	for _, item := range cse.Items {
		r := Result{
			Title:   item.Title,
			Snippet: item.Snippet,
			URL:     item.Link,
		}
		if u, err := url.Parse(item.Link); err == nil {
			r.Source = u.Host
		}
		for _, meta := range item.Pagemap.Metatags {
			if published, ok := meta["article:published_time"]; ok && published != "" {
				if idx := len("2006-01-02"); len(published) >= idx {
					r.PublishedDate = published[:idx]
				}
				break
			}
		}
		if s.probe(ctx, r.URL) {
			reachable = append(reachable, r)
		} else {
			unreachable = append(unreachable, r)
		}
	}

	return append(reachable, unreachable...), nil
}

// probe checks whether a URL answers a HEAD request within a short timeout.
func (s *Searcher) probe(ctx context.Context, target string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, target, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", userAgentString)

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("url probe failed", "url", target, "err", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
