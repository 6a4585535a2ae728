// Package fetch implements the river fetch adapter: HTTP retrieval with
// conditional requests and RSS/Atom parsing via gofeed.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/feedriver/river/app/river"
)

// maxBodySize guards against pathological feeds.
const maxBodySize = 10 << 20

type Client struct {
	httpClient *http.Client
	parser     *gofeed.Parser
	userAgent  string
}

func NewClient(httpClient *http.Client, userAgent string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{
		httpClient: httpClient,
		parser:     gofeed.NewParser(),
		userAgent:  userAgent,
	}
}

var _ river.Fetcher = (*Client)(nil)

// Fetch retrieves and parses one feed. A 304 answer yields an empty
// NotModified result. Failures are classified into the river error taxonomy:
// timeouts, transport/HTTP errors, and malformed content.
func (c *Client) Fetch(ctx context.Context, req river.FetchRequest) (*river.FetchResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, &river.FetchError{Kind: river.FetchHTTP, URL: req.URL, Err: err}
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &river.FetchError{Kind: classifyTransport(err), URL: req.URL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		slog.Debug("Feed not modified", "url", req.URL)
		return &river.FetchResult{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &river.FetchError{
			Kind: river.FetchHTTP,
			URL:  req.URL,
			Err:  fmt.Errorf("unexpected status: %s", resp.Status),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &river.FetchError{Kind: classifyTransport(err), URL: req.URL, Err: err}
	}

	feed, err := c.parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &river.FetchError{Kind: river.FetchParse, URL: req.URL, Err: err}
	}

	items := make([]river.RawItem, 0, len(feed.Items))
	for _, item := range feed.Items {
		items = append(items, river.RawItem{
			GUID:      item.GUID,
			Title:     item.Title,
			Link:      item.Link,
			Published: publishedTime(item),
		})
	}

	return &river.FetchResult{
		Items:        items,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}

func publishedTime(item *gofeed.Item) *time.Time {
	if item.PublishedParsed != nil {
		return item.PublishedParsed
	}
	return item.UpdatedParsed
}

func classifyTransport(err error) river.FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return river.FetchTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return river.FetchTimeout
	}
	return river.FetchHTTP
}
