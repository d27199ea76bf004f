// Package newsapi is the REST client for the portal backend. It supplies
// the fetch functions the async data layer wraps and the send primitive the
// offline queue replays through.
package newsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bkalafat/tskulis-sub000/pkg/state"
)

// Config holds client settings
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
}

// Client talks to the backend news API
type Client struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// New creates a backend API client
func New(cfg Config) (*Client, error) {
	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %s", cfg.BaseURL)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Tskulis/1.0"
	}
	return &Client{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		userAgent: cfg.UserAgent,
		client:    &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// GetNews fetches the article list, optionally filtered by category
func (c *Client) GetNews(ctx context.Context, category string) ([]state.NewsRecord, error) {
	path := "/api/news"
	if category != "" {
		path += "?category=" + url.QueryEscape(category)
	}
	var items []state.NewsRecord
	if err := c.getJSON(ctx, path, &items); err != nil {
		return nil, fmt.Errorf("get news: %w", err)
	}
	return items, nil
}

// GetNewsItem fetches a single article by id
func (c *Client) GetNewsItem(ctx context.Context, id string) (*state.NewsRecord, error) {
	var item state.NewsRecord
	if err := c.getJSON(ctx, "/api/news/"+url.PathEscape(id), &item); err != nil {
		return nil, fmt.Errorf("get news item %s: %w", id, err)
	}
	return &item, nil
}

// GetComments fetches the comments for an article
func (c *Client) GetComments(ctx context.Context, newsID string) ([]state.CommentRecord, error) {
	var comments []state.CommentRecord
	if err := c.getJSON(ctx, "/api/news/"+url.PathEscape(newsID)+"/comments", &comments); err != nil {
		return nil, fmt.Errorf("get comments for %s: %w", newsID, err)
	}
	return comments, nil
}

// Send issues an arbitrary mutation against the backend, satisfying the
// offline queue's sender contract: any non-2xx response is an error. path
// may be relative to the base url or absolute.
func (c *Client) Send(ctx context.Context, path, method string, headers map[string]string, body []byte) error {
	target := path
	if strings.HasPrefix(path, "/") {
		target = c.baseURL + path
	}

	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s %s: %w", method, target, err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body is drained by Close

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d for %s %s", resp.StatusCode, method, target)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // response body is drained by Close

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
