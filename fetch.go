package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// FetchTimeout bounds each URL content fetch.
	FetchTimeout = 30 * time.Second

	// FetchUserAgent identifies the council backend to fetched sites.
	FetchUserAgent = "LLM-Council/1.0"

	// MaxFetchedContentLength caps extracted text so a single page
	// cannot blow up a council prompt.
	MaxFetchedContentLength = 50000
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// FetchURLContent downloads a page and extracts its readable text so
// clients can attach web context to a council query. Scripts, styles
// and navigation chrome are stripped.
func FetchURLContent(ctx context.Context, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", FetchUserAgent)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("URL returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()

	// Prefer the main content region when the page marks one up.
	content := ""
	for _, selector := range []string{"article", "main", "body"} {
		if text := doc.Find(selector).First().Text(); strings.TrimSpace(text) != "" {
			content = text
			break
		}
	}

	content = strings.TrimSpace(whitespaceRe.ReplaceAllString(content, " "))
	if content == "" {
		return "", fmt.Errorf("no readable content found")
	}
	if len(content) > MaxFetchedContentLength {
		content = content[:MaxFetchedContentLength]
	}
	return content, nil
}
