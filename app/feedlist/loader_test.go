package feedlist

import (
	"os"
	"path/filepath"
	"testing"
)

func writeList(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	path := writeList(t, "feeds.yaml", `feeds:
  - https://example.com/plain.xml
  - url: https://example.com/weighted.xml
    title: Weighted Feed
    weight: 2.5
`)

	subs, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("Expected 2 subscriptions, got %d", len(subs))
	}

	if subs[0].URL != "https://example.com/plain.xml" {
		t.Errorf("Expected scalar entry URL, got %q", subs[0].URL)
	}
	if subs[0].Weight != 1 {
		t.Errorf("Expected default weight 1, got %g", subs[0].Weight)
	}

	if subs[1].Title != "Weighted Feed" {
		t.Errorf("Expected title, got %q", subs[1].Title)
	}
	if subs[1].Weight != 2.5 {
		t.Errorf("Expected weight 2.5, got %g", subs[1].Weight)
	}
}

func TestLoadOPML(t *testing.T) {
	path := writeList(t, "feeds.opml", `<?xml version="1.0" encoding="UTF-8"?>
<opml version="2.0">
  <body>
    <outline text="Tech">
      <outline text="Example Blog" xmlUrl="https://example.com/blog.xml"/>
      <outline title="Nested News" text="fallback" xmlUrl="https://example.com/news.xml"/>
    </outline>
    <outline text="Top Level" xmlUrl="https://example.com/top.xml"/>
  </body>
</opml>
`)

	subs, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(subs) != 3 {
		t.Fatalf("Expected 3 subscriptions, got %d", len(subs))
	}

	if subs[0].URL != "https://example.com/blog.xml" || subs[0].Title != "Example Blog" {
		t.Errorf("Expected nested outline with text title, got %+v", subs[0])
	}
	if subs[1].Title != "Nested News" {
		t.Errorf("Expected title attribute preferred over text, got %q", subs[1].Title)
	}
	if subs[2].URL != "https://example.com/top.xml" {
		t.Errorf("Expected top-level outline, got %q", subs[2].URL)
	}
}

func TestLoadPlainText(t *testing.T) {
	path := writeList(t, "feeds.txt", `# subscriptions
https://example.com/a.xml

https://example.com/b.xml
`)

	subs, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("Expected 2 subscriptions, got %d", len(subs))
	}
	if subs[0].URL != "https://example.com/a.xml" || subs[1].URL != "https://example.com/b.xml" {
		t.Errorf("Unexpected URLs: %+v", subs)
	}
}

func TestLoadDeduplicates(t *testing.T) {
	path := writeList(t, "feeds.yaml", `feeds:
  - url: https://example.com/feed.xml
    title: First
    weight: 3
  - url: https://example.com/feed.xml
    title: Second
`)

	subs, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("Expected duplicate collapsed, got %d entries", len(subs))
	}
	if subs[0].Title != "First" || subs[0].Weight != 3 {
		t.Errorf("Expected first occurrence kept, got %+v", subs[0])
	}
}

func TestLoadZeroWeightMeansUnset(t *testing.T) {
	path := writeList(t, "feeds.yaml", `feeds:
  - url: https://example.com/feed.xml
    weight: 0
`)

	subs, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("Expected 1 subscription, got %d", len(subs))
	}
	if subs[0].Weight != 1 {
		t.Errorf("Expected zero weight to default to 1, got %g", subs[0].Weight)
	}
}

func TestLoadRejectsNegativeWeight(t *testing.T) {
	path := writeList(t, "feeds.yaml", `feeds:
  - url: https://example.com/feed.xml
    weight: -1
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for negative weight")
	}
}

func TestLoadRejectsMissingURL(t *testing.T) {
	path := writeList(t, "feeds.yaml", `feeds:
  - title: No URL here
`)

	if _, err := Load(path); err == nil {
		t.Fatal("Expected error for entry without URL")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}
