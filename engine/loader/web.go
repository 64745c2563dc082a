package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/time/rate"

	"github.com/SatchelAI/satchel-mvp/engine/domain"
)

// WebOpts configures the web loader. Zero values take the defaults.
type WebOpts struct {
	Client   *http.Client
	Rate     rate.Limit // requests per second
	Burst    int
	MaxBytes int64
}

// Web fetches pages over HTTP and extracts their visible text.
type Web struct {
	client   *http.Client
	limiter  *rate.Limiter
	maxBytes int64
}

// NewWeb creates a web loader. Defaults: 30s request timeout, 2 req/s with a
// burst of 4, 8 MiB response cap.
func NewWeb(opts WebOpts) *Web {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Rate <= 0 {
		opts.Rate = 2
	}
	if opts.Burst <= 0 {
		opts.Burst = 4
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 8 << 20
	}
	return &Web{
		client:   opts.Client,
		limiter:  rate.NewLimiter(opts.Rate, opts.Burst),
		maxBytes: opts.MaxBytes,
	}
}

// Load fetches a URL and normalizes its HTML into text. The page title goes
// into the document metadata; the source ID is derived from host and path so
// re-fetching the same page replaces its chunks.
func (l *Web) Load(ctx context.Context, req Request) (domain.Document, error) {
	u, err := url.Parse(req.Location)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return domain.Document{}, fmt.Errorf("loader: url %q: %w", req.Location, domain.ErrUnsupportedSource)
	}

	if err := l.limiter.Wait(ctx); err != nil {
		return domain.Document{}, fmt.Errorf("loader: fetch %s: %w", req.Location, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.Location, nil)
	if err != nil {
		return domain.Document{}, fmt.Errorf("loader: fetch %s: %w", req.Location, err)
	}

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return domain.Document{}, fmt.Errorf("loader: fetch %s: %w: %w", req.Location, domain.ErrExtraction, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.Document{}, fmt.Errorf("loader: fetch %s: status %d: %w",
			req.Location, resp.StatusCode, domain.ErrExtraction)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, l.maxBytes))
	if err != nil {
		return domain.Document{}, fmt.Errorf("loader: fetch %s: %w: %w", req.Location, domain.ErrExtraction, err)
	}

	text, title := extractHTML(string(body))
	if text == "" {
		return domain.Document{}, fmt.Errorf("loader: %s has no extractable text: %w", req.Location, domain.ErrExtraction)
	}

	meta := newMeta(domain.SourceWeb, "web:"+u.Host+u.Path, req.Extra)
	meta.URI = req.Location
	meta.Title = title

	return domain.Document{Text: cleanText(text), Meta: meta}, nil
}

// extractHTML walks the parse tree collecting visible text, skipping script,
// style, and markup-only subtrees. Block elements become line breaks so the
// chunker sees paragraph structure.
func extractHTML(raw string) (text, title string) {
	root, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return "", ""
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "head", "iframe", "svg":
				if n.Data == "head" {
					title = findTitle(n)
				}
				return
			case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6",
				"section", "article", "blockquote", "pre":
				b.WriteString("\n")
			}
		case html.TextNode:
			if t := strings.TrimSpace(n.Data); t != "" {
				b.WriteString(t)
				b.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
		if n.Type == html.ElementNode {
			switch n.Data {
			case "p", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6",
				"section", "article", "blockquote", "pre":
				b.WriteString("\n")
			}
		}
	}
	walk(root)

	return strings.TrimSpace(b.String()), title
}

func findTitle(head *html.Node) string {
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "title" && c.FirstChild != nil {
			return strings.TrimSpace(c.FirstChild.Data)
		}
	}
	return ""
}
