// Package output persists river updates as dated JSON archives, one file per
// day with the newest update block first.
package output

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/feedriver/river/app/river"
)

const (
	archiveFileMode = 0644
	titleLimit      = 280
	ellipsis        = "…"
)

type update struct {
	Timestamp string     `json:"timestamp"`
	Feed      feedInfo   `json:"feed"`
	Items     []itemInfo `json:"items"`
}

type feedInfo struct {
	Title   string `json:"title"`
	FeedURL string `json:"feed_url"`
}

type itemInfo struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Link      string `json:"link,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Archive is a river sink writing one JSON file per day.
type Archive struct {
	mu  sync.Mutex
	dir string
}

func NewArchive(dir string) (*Archive, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Archive{dir: dir}, nil
}

var _ river.Sink = (*Archive)(nil)

// ItemsAdded appends one update block per feed to today's archive. Write
// failures are logged and dropped; archiving never blocks the scheduler's
// merge path for long or fails a check.
func (a *Archive) ItemsAdded(items []river.RiverItem) {
	if len(items) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, u := range groupByFeed(items) {
		if err := a.prepend(u); err != nil {
			slog.Warn("Failed to archive river update", "feed", u.Feed.FeedURL, "error", err)
		}
	}
}

func groupByFeed(items []river.RiverItem) []update {
	var updates []update
	index := make(map[string]int)

	for _, item := range items {
		i, ok := index[item.FeedID]
		if !ok {
			i = len(updates)
			index[item.FeedID] = i
			updates = append(updates, update{
				Timestamp: item.VirtualTimestamp.UTC().Format(time.RFC3339),
				Feed: feedInfo{
					Title:   item.FeedTitle,
					FeedURL: item.FeedID,
				},
			})
		}
		updates[i].Items = append(updates[i].Items, itemInfo{
			ID:        item.ItemID,
			Title:     CleanText(item.Title),
			Link:      item.Link,
			Timestamp: item.VirtualTimestamp.UTC().Format(time.RFC3339),
		})
	}
	return updates
}

func (a *Archive) prepend(u update) error {
	path := filepath.Join(a.dir, time.Now().UTC().Format("2006-01-02")+".json")

	var updates []update
	if data, err := os.ReadFile(path); err == nil {
		// A corrupt archive is abandoned rather than fatal.
		if err := json.Unmarshal(data, &updates); err != nil {
			slog.Warn("Discarding unreadable archive", "path", path, "error", err)
			updates = nil
		}
	}

	updates = append([]update{u}, updates...)

	data, err := json.MarshalIndent(updates, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode archive: %w", err)
	}
	if err := os.WriteFile(path, data, archiveFileMode); err != nil {
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return nil
}

// CleanText strips markup and collapses whitespace for display, truncating
// to a word boundary near the display limit.
func CleanText(s string) string {
	s = html.UnescapeString(stripTags(s))
	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) <= titleLimit {
		return s
	}
	cut := string(runes[:titleLimit])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + ellipsis
}

func stripTags(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}
	return b.String()
}
