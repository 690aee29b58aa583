package ingest

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/pkg/errors"

	"github.com/japaniel/voxqueue/pkg/segment"
)

// MaxBodySize bounds the HTML read from an article URL.
const MaxBodySize = 10 * 1024 * 1024

// Article is the readable text extracted from a web page.
type Article struct {
	Title    string
	Byline   string
	SiteName string
	Text     string
}

// FetchArticle downloads rawURL and extracts its main text. Ruby annotations
// are removed first so furigana do not duplicate the text they annotate. A
// nil client uses a 30s-timeout default.
func FetchArticle(ctx context.Context, client *http.Client, rawURL string) (*Article, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "parse url %q", rawURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "create request")
	}
	// Some sites block clients that do not look like a browser.
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9,ja;q=0.8")

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > MaxBodySize {
		return nil, errors.Errorf("content-length %d exceeds limit of %d bytes", resp.ContentLength, MaxBodySize)
	}

	// Read one byte past the limit to tell a full body from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxBodySize+1))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(body) > MaxBodySize {
		return nil, errors.Errorf("response body exceeded maximum size of %d bytes", MaxBodySize)
	}

	body = segment.SanitizeRuby(body)
	article, err := readability.FromReader(bytes.NewReader(body), parsedURL)
	if err != nil {
		return nil, errors.Wrap(err, "extract article")
	}
	return &Article{
		Title:    article.Title,
		Byline:   article.Byline,
		SiteName: article.SiteName,
		Text:     article.TextContent,
	}, nil
}
