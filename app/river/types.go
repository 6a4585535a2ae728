package river

import (
	"context"
	"fmt"
	"time"
)

// FeedState is the durable per-feed scheduling and dedup record. It is owned
// by the coordinator goroutine after startup; nothing else mutates it.
type FeedState struct {
	ID                  string // feed URL, stable identifier
	Title               string
	Weight              float64
	Seq                 int // registration order, used for deterministic tie-breaks
	LastCheckedAt       *time.Time
	LastItemAt          *time.Time
	IntervalEstimate    time.Duration
	ConsecutiveFailures int
	CheckCount          int
	EverChecked         bool
	LastFetchCount      int

	// Conditional request state from the last successful fetch.
	ETag         string
	LastModified string

	// Item identities already merged into the river, oldest first.
	SeenIDs []string

	seen map[string]struct{}
}

// HasSeen reports whether the item identity was already merged.
func (st *FeedState) HasSeen(id string) bool {
	if st.seen == nil {
		st.rebuildSeen()
	}
	_, ok := st.seen[id]
	return ok
}

// MarkSeen records an item identity. Duplicate marks are ignored.
func (st *FeedState) MarkSeen(id string) {
	if st.seen == nil {
		st.rebuildSeen()
	}
	if _, ok := st.seen[id]; ok {
		return
	}
	st.seen[id] = struct{}{}
	st.SeenIDs = append(st.SeenIDs, id)
}

// EvictSeen drops the oldest identities until at most bound remain.
func (st *FeedState) EvictSeen(bound int) {
	if bound <= 0 || len(st.SeenIDs) <= bound {
		return
	}
	evicted := st.SeenIDs[:len(st.SeenIDs)-bound]
	for _, id := range evicted {
		delete(st.seen, id)
	}
	st.SeenIDs = append([]string(nil), st.SeenIDs[len(st.SeenIDs)-bound:]...)
}

func (st *FeedState) rebuildSeen() {
	st.seen = make(map[string]struct{}, len(st.SeenIDs))
	for _, id := range st.SeenIDs {
		st.seen[id] = struct{}{}
	}
}

// RiverItem is an entry in the global output stream, immutable once created.
type RiverItem struct {
	FeedID           string     `json:"feed_id"`
	FeedTitle        string     `json:"feed_title"`
	Title            string     `json:"title"`
	Link             string     `json:"link"`
	ItemID           string     `json:"item_id"`
	VirtualTimestamp time.Time  `json:"virtual_timestamp"`
	FirstSeenAt      time.Time  `json:"first_seen_at"`
	Published        *time.Time `json:"published,omitempty"` // publisher-claimed, display only

	feedSeq  int // registration order of the feed
	fetchIdx int // position within the fetch result
}

// RawItem is a candidate item as produced by the fetch adapter. Published is
// the publisher-claimed timestamp and is never trusted for ordering.
type RawItem struct {
	GUID      string
	Title     string
	Link      string
	Published *time.Time
}

// FetchRequest carries everything the fetch adapter needs for one check.
type FetchRequest struct {
	URL          string
	ETag         string
	LastModified string
}

// FetchResult is a successful fetch. NotModified means the source answered
// 304; Items is empty in that case.
type FetchResult struct {
	Items        []RawItem
	ETag         string
	LastModified string
	NotModified  bool
}

// FetchErrorKind classifies fetch failures. All kinds are non-fatal and feed
// the backoff path.
type FetchErrorKind string

const (
	FetchTimeout FetchErrorKind = "timeout"
	FetchHTTP    FetchErrorKind = "http"
	FetchParse   FetchErrorKind = "parse"
)

// FetchError is the failure contract of the fetch adapter.
type FetchError struct {
	Kind FetchErrorKind
	URL  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Fetcher is the external capability that retrieves and parses one feed.
// Called at most once per feed per dispatch cycle.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error)
}

// StateStore is the only persistence boundary the core requires.
// Save is per-feed last-writer-wins; concurrent saves for different feeds
// must be safe.
type StateStore interface {
	Load() (map[string]*FeedState, error)
	Save(feedID string, st *FeedState) error
}

// Sink is notified after each successful merge that produced new items.
type Sink interface {
	ItemsAdded(items []RiverItem)
}

// Subscription is one entry of the subscription list.
type Subscription struct {
	URL    string
	Title  string
	Weight float64
}

// FeedStatus is a read-only snapshot of one feed's scheduling state.
type FeedStatus struct {
	ID                  string        `json:"id"`
	Title               string        `json:"title"`
	Weight              float64       `json:"weight"`
	DueAt               time.Time     `json:"due_at"`
	IntervalEstimate    time.Duration `json:"interval_estimate"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	EverChecked         bool          `json:"ever_checked"`
	LastCheckedAt       *time.Time    `json:"last_checked_at,omitempty"`
	InFlight            bool          `json:"in_flight"`
}

// Stats are cumulative scheduler counters.
type Stats struct {
	Checks      int64      `json:"checks"`
	Failures    int64      `json:"failures"`
	ItemsMerged int64      `json:"items_merged"`
	LastCheckAt *time.Time `json:"last_check_at,omitempty"`
	QueueSize   int        `json:"queue_size"`
	InFlight    int        `json:"in_flight"`
}
