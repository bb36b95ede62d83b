package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
)

const (
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000
)

// Result is the readable content of one fetched page.
type Result struct {
	URL   string `json:"url"`
	Title string `json:"title"`
	Text  string `json:"text"`
}

// Extractor fetches pages and strips them down to readable article text.
type Extractor struct {
	client   *http.Client
	maxChars int
}

func New(timeout time.Duration, maxChars int) *Extractor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}
	return &Extractor{
		client:   &http.Client{Timeout: timeout},
		maxChars: maxChars,
	}
}

// Extract fetches the page and runs readability extraction over it.
func (e *Extractor) Extract(ctx context.Context, pageURL string) (Result, error) {
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return Result{}, fmt.Errorf("parsing url %q: %w", pageURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", pageURL, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", "deepresearch/1.0")

	resp, err := e.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetching %q: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetching %q: status %d", pageURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("reading %q: %w", pageURL, err)
	}

	article, err := readability.FromReader(strings.NewReader(string(body)), parsed)
	if err != nil {
		return Result{}, fmt.Errorf("extracting %q: %w", pageURL, err)
	}

	text := strings.TrimSpace(article.TextContent)
	if len(text) > e.maxChars {
		text = text[:e.maxChars]
	}
	return Result{URL: pageURL, Title: article.Title, Text: text}, nil
}
