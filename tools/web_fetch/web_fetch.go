// Package web_fetch retrieves web pages for indexing. Pages are fetched
// statically first; single-page applications that ship an empty shell
// are re-fetched through a headless browser.
package web_fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/carevault/carevault/internal/extract"
	"github.com/carevault/carevault/tools/web_fetch/chromedp"
	"github.com/carevault/carevault/tools/web_fetch/models"
)

const (
	DefaultTimeout  = 15 * time.Second
	MaxCharsDefault = 20000

	// spaTextFloor is the extracted-text length below which a page is
	// suspected to be a client-rendered shell.
	spaTextFloor = 200
)

type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

// Fetcher does a plain HTTP GET and falls back to headless rendering
// when the response looks like an unrendered SPA shell.
type Fetcher struct {
	Timeout  time.Duration
	MaxChars int

	httpClient *http.Client
	renderer   WebFetcher
}

func NewWebFetcher(timeout time.Duration, maxChars int) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = MaxCharsDefault
	}
	return &Fetcher{
		Timeout:    timeout,
		MaxChars:   maxChars,
		httpClient: &http.Client{Timeout: timeout},
		renderer:   &chromedp.Fetch{Timeout: timeout, MaxChars: maxChars},
	}
}

func (f *Fetcher) Exec(ctx context.Context, url string) (models.Result, error) {
	if strings.TrimSpace(url) == "" {
		return models.Result{}, errors.New("invalid url")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return models.Result{}, fmt.Errorf("unsupported url scheme: %s", url)
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	html, status, err := f.fetchStatic(ctx, url)
	if err != nil {
		return models.Result{URL: url, Status: status}, fmt.Errorf("fetching %s: %w", url, err)
	}

	if NeedsRendering(html) && f.renderer != nil {
		rendered, rerr := f.renderer.Exec(ctx, url)
		if rerr == nil && len(rendered.Text) > 0 {
			rendered.Rendered = true
			return rendered, nil
		}
		// fall through to whatever the static fetch produced
	}

	res := models.Result{
		URL:      url,
		HTML:     html,
		Status:   status,
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}
	article, rerr := readability.FromReader(strings.NewReader(html), mustParseURL(url))
	if rerr == nil && strings.TrimSpace(article.TextContent) != "" {
		res.Title = strings.TrimSpace(article.Title)
		res.Byline = strings.TrimSpace(article.Byline)
		res.Text = strings.TrimSpace(article.TextContent)
	} else {
		text, meta := extract.Extract(html)
		res.Title = meta.Title
		res.Byline = meta.Author
		res.PublishedAt = meta.PublishedDate
		res.Text = text
	}
	if len(res.Text) > f.MaxChars {
		res.Text = res.Text[:f.MaxChars]
	}
	return res, nil
}

func (f *Fetcher) fetchStatic(ctx context.Context, url string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("User-Agent", "CareVault/1.0 (+records-indexer)")
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", 599, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", resp.StatusCode, fmt.Errorf("status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", resp.StatusCode, err
	}
	return string(body), resp.StatusCode, nil
}

func mustParseURL(raw string) *neturl.URL {
	u, err := neturl.Parse(raw)
	if err != nil {
		return &neturl.URL{}
	}
	return u
}

var spaRootMarkers = regexp.MustCompile(
	`<div[^>]+id=["'](?:root|app|___gatsby)["']|data-reactroot|ng-app|__NEXT_DATA__|id=["']__nuxt["']`)

// NeedsRendering reports whether the HTML looks like a client-rendered
// shell: almost no extractable text, or a bare framework mount point.
func NeedsRendering(html string) bool {
	text, _ := extract.Extract(html)
	if len(strings.TrimSpace(text)) >= spaTextFloor {
		return false
	}
	if spaRootMarkers.MatchString(html) {
		return true
	}
	return len(strings.TrimSpace(text)) < spaTextFloor/4
}
