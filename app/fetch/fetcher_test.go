package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/feedriver/river/app/river"
)

const sampleRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Feed</title>
    <item>
      <title>First Post</title>
      <link>https://example.com/first</link>
      <guid>https://example.com/first</guid>
      <pubDate>Mon, 03 Jun 2024 10:00:00 GMT</pubDate>
    </item>
    <item>
      <title>Second Post</title>
      <link>https://example.com/second</link>
    </item>
  </channel>
</rss>`

func TestFetchParsesFeed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "river-test/1.0" {
			t.Errorf("Expected custom user agent, got %q", ua)
		}
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Last-Modified", "Mon, 03 Jun 2024 10:00:00 GMT")
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(sampleRSS))
	}))
	defer server.Close()

	client := NewClient(server.Client(), "river-test/1.0")
	res, err := client.Fetch(context.Background(), river.FetchRequest{URL: server.URL})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if len(res.Items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(res.Items))
	}
	if res.Items[0].GUID != "https://example.com/first" {
		t.Errorf("Expected guid, got %q", res.Items[0].GUID)
	}
	if res.Items[0].Published == nil {
		t.Errorf("Expected parsed pubDate")
	}
	if res.Items[1].Published != nil {
		t.Errorf("Expected nil timestamp for undated item")
	}
	if res.ETag != `"abc123"` {
		t.Errorf("Expected etag captured, got %q", res.ETag)
	}
	if res.LastModified == "" {
		t.Errorf("Expected last-modified captured")
	}
	if res.NotModified {
		t.Errorf("Expected fresh response")
	}
}

func TestFetchSendsConditionalHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") != `"abc123"` {
			t.Errorf("Expected If-None-Match, got %q", r.Header.Get("If-None-Match"))
		}
		if r.Header.Get("If-Modified-Since") == "" {
			t.Errorf("Expected If-Modified-Since")
		}
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	client := NewClient(server.Client(), "river-test/1.0")
	res, err := client.Fetch(context.Background(), river.FetchRequest{
		URL:          server.URL,
		ETag:         `"abc123"`,
		LastModified: "Mon, 03 Jun 2024 10:00:00 GMT",
	})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if !res.NotModified {
		t.Errorf("Expected NotModified for 304")
	}
	if len(res.Items) != 0 {
		t.Errorf("Expected no items on 304, got %d", len(res.Items))
	}
}

func TestFetchServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := NewClient(server.Client(), "river-test/1.0")
	_, err := client.Fetch(context.Background(), river.FetchRequest{URL: server.URL})
	if err == nil {
		t.Fatal("Expected error for 500 response")
	}

	var fe *river.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FetchError, got %T", err)
	}
	if fe.Kind != river.FetchHTTP {
		t.Errorf("Expected http error kind, got %q", fe.Kind)
	}
}

func TestFetchMalformedContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not a feed"))
	}))
	defer server.Close()

	client := NewClient(server.Client(), "river-test/1.0")
	_, err := client.Fetch(context.Background(), river.FetchRequest{URL: server.URL})

	var fe *river.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FetchError, got %v", err)
	}
	if fe.Kind != river.FetchParse {
		t.Errorf("Expected parse error kind, got %q", fe.Kind)
	}
}

func TestFetchTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(server.Client(), "river-test/1.0")
	_, err := client.Fetch(ctx, river.FetchRequest{URL: server.URL})

	var fe *river.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FetchError, got %v", err)
	}
	if fe.Kind != river.FetchTimeout {
		t.Errorf("Expected timeout error kind, got %q", fe.Kind)
	}
}

func TestFetchUnreachableHost(t *testing.T) {
	client := NewClient(&http.Client{Timeout: 200 * time.Millisecond}, "river-test/1.0")
	_, err := client.Fetch(context.Background(), river.FetchRequest{URL: "http://127.0.0.1:1/feed.xml"})

	var fe *river.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Expected FetchError, got %v", err)
	}
}
