package river

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// seenFloor keeps the dedup window useful for feeds that publish a handful of
// items per fetch.
const seenFloor = 50

// Stream is the global ordered river buffer. It is owned by the coordinator;
// Merge must only be called from the coordinator goroutine.
type Stream struct {
	maxItems     int
	maxAge       time.Duration
	seenMultiple int
	items        []RiverItem // descending VirtualTimestamp
}

func NewStream(maxItems int, maxAge time.Duration, seenMultiple int) *Stream {
	return &Stream{
		maxItems:     maxItems,
		maxAge:       maxAge,
		seenMultiple: seenMultiple,
	}
}

// Merge folds one feed's fetch result into the river at check time now.
// It discards already-seen identities, truncates a first-ever check to
// firstCheckLimit items, assigns observation-time virtual timestamps, and
// returns the items actually inserted, in stream order.
func (s *Stream) Merge(st *FeedState, raw []RawItem, now time.Time, firstCheckLimit int) []RiverItem {
	var fresh []RiverItem
	for _, r := range raw {
		id := ItemIdentity(r)
		if id == "" || st.HasSeen(id) {
			continue
		}
		// Duplicate identities within a single fetch collapse to the first.
		dup := false
		for _, f := range fresh {
			if f.ItemID == id {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		fresh = append(fresh, RiverItem{
			FeedID:           st.ID,
			FeedTitle:        st.Title,
			Title:            r.Title,
			Link:             r.Link,
			ItemID:           id,
			VirtualTimestamp: now,
			FirstSeenAt:      now,
			Published:        plausiblePublished(r.Published, now),
			feedSeq:          st.Seq,
		})
	}

	// A feed new to the river must not flood it with backlog. The whole
	// fetch still counts as seen, so truncated items never resurface on a
	// later check.
	inserted := fresh
	if !st.EverChecked && firstCheckLimit > 0 && len(fresh) > firstCheckLimit {
		inserted = fresh[:firstCheckLimit]
	}

	for i := range inserted {
		inserted[i].fetchIdx = i
	}
	for _, f := range fresh {
		st.MarkSeen(f.ItemID)
	}
	st.LastFetchCount = len(raw)
	st.EvictSeen(s.seenBound(st))

	if len(inserted) > 0 {
		s.insert(inserted)
	}
	s.applyRetention(now)

	return inserted
}

// insert places items while preserving descending virtual-timestamp order,
// with ties broken by feed registration order then fetch order.
func (s *Stream) insert(fresh []RiverItem) {
	s.items = append(s.items, fresh...)
	sort.SliceStable(s.items, func(i, j int) bool {
		a, b := s.items[i], s.items[j]
		if !a.VirtualTimestamp.Equal(b.VirtualTimestamp) {
			return a.VirtualTimestamp.After(b.VirtualTimestamp)
		}
		if a.feedSeq != b.feedSeq {
			return a.feedSeq < b.feedSeq
		}
		return a.fetchIdx < b.fetchIdx
	})
}

func (s *Stream) applyRetention(now time.Time) {
	if s.maxItems > 0 && len(s.items) > s.maxItems {
		s.items = s.items[:s.maxItems]
	}
	if s.maxAge > 0 {
		cutoff := now.Add(-s.maxAge)
		// Items are sorted newest first; find the first expired entry.
		idx := sort.Search(len(s.items), func(i int) bool {
			return s.items[i].VirtualTimestamp.Before(cutoff)
		})
		s.items = s.items[:idx]
	}
}

func (s *Stream) seenBound(st *FeedState) int {
	bound := s.seenMultiple * st.LastFetchCount
	if bound < seenFloor {
		bound = seenFloor
	}
	return bound
}

// Items returns a copy of the stream, newest first.
func (s *Stream) Items() []RiverItem {
	out := make([]RiverItem, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Stream) Len() int {
	return len(s.items)
}

// ItemIdentity derives the dedup key for a raw item: guid when present, else
// the normalized link, else a hash of title and link. Feeds are inconsistent
// about stable identifiers, hence the fallback chain.
func ItemIdentity(r RawItem) string {
	if g := strings.TrimSpace(r.GUID); g != "" {
		return g
	}
	if l := normalizeLink(r.Link); l != "" {
		return l
	}
	if r.Title == "" && r.Link == "" {
		return ""
	}
	content := norm.NFC.String(r.Title + "|" + r.Link)
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// normalizeLink lowercases scheme and host and strips fragments so trivially
// different URLs dedup to the same identity.
func normalizeLink(link string) string {
	link = strings.TrimSpace(link)
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return link
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	return u.String()
}

// plausiblePublished keeps publisher timestamps for display only, rejecting
// obviously bogus values (pre-2000 or from the future).
func plausiblePublished(ts *time.Time, now time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	if ts.Year() < 2000 || ts.After(now) {
		return nil
	}
	t := *ts
	return &t
}
