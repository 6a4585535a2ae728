package database

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/feedriver/river/app/river"
)

// StateRepository implements the river state-store contract on SQLite.
// Saves are per-feed last-writer-wins; each Save replaces the feed's row and
// its seen-item window in one transaction.
type StateRepository struct {
	db *DB
}

func NewStateRepository(db *DB) *StateRepository {
	return &StateRepository{db: db}
}

var _ river.StateStore = (*StateRepository)(nil)

// Load reads every persisted feed state. A row that fails to scan is skipped
// with a warning; losing one feed's state must not abort startup.
func (r *StateRepository) Load() (map[string]*river.FeedState, error) {
	rows, err := r.db.Query(`
		SELECT id, title, weight, last_checked_at, last_item_at,
		       interval_estimate_ms, consecutive_failures, check_count,
		       ever_checked, last_fetch_count, etag, last_modified
		FROM feed_states
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query feed states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]*river.FeedState)
	for rows.Next() {
		var (
			st          river.FeedState
			lastChecked sql.NullInt64
			lastItem    sql.NullInt64
			estimateMs  int64
		)
		err := rows.Scan(
			&st.ID, &st.Title, &st.Weight, &lastChecked, &lastItem,
			&estimateMs, &st.ConsecutiveFailures, &st.CheckCount,
			&st.EverChecked, &st.LastFetchCount, &st.ETag, &st.LastModified,
		)
		if err != nil {
			slog.Warn("Skipping unreadable feed state row", "error", err)
			continue
		}
		if lastChecked.Valid {
			t := time.Unix(lastChecked.Int64, 0).UTC()
			st.LastCheckedAt = &t
		}
		if lastItem.Valid {
			t := time.Unix(lastItem.Int64, 0).UTC()
			st.LastItemAt = &t
		}
		st.IntervalEstimate = time.Duration(estimateMs) * time.Millisecond
		states[st.ID] = &st
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feed state rows: %w", err)
	}

	if err := r.loadSeenItems(states); err != nil {
		return nil, err
	}

	return states, nil
}

func (r *StateRepository) loadSeenItems(states map[string]*river.FeedState) error {
	rows, err := r.db.Query(`
		SELECT feed_id, item_id
		FROM feed_seen_items
		ORDER BY feed_id, position
	`)
	if err != nil {
		return fmt.Errorf("failed to query seen items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var feedID, itemID string
		if err := rows.Scan(&feedID, &itemID); err != nil {
			slog.Warn("Skipping unreadable seen item row", "error", err)
			continue
		}
		if st, ok := states[feedID]; ok {
			st.MarkSeen(itemID)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating seen item rows: %w", err)
	}
	return nil
}

// Save persists one feed's state.
func (r *StateRepository) Save(feedID string, st *river.FeedState) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var lastChecked, lastItem any
	if st.LastCheckedAt != nil {
		lastChecked = st.LastCheckedAt.Unix()
	}
	if st.LastItemAt != nil {
		lastItem = st.LastItemAt.Unix()
	}

	_, err = tx.Exec(`
		INSERT INTO feed_states (
			id, title, weight, last_checked_at, last_item_at,
			interval_estimate_ms, consecutive_failures, check_count,
			ever_checked, last_fetch_count, etag, last_modified, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			title = excluded.title,
			weight = excluded.weight,
			last_checked_at = excluded.last_checked_at,
			last_item_at = excluded.last_item_at,
			interval_estimate_ms = excluded.interval_estimate_ms,
			consecutive_failures = excluded.consecutive_failures,
			check_count = excluded.check_count,
			ever_checked = excluded.ever_checked,
			last_fetch_count = excluded.last_fetch_count,
			etag = excluded.etag,
			last_modified = excluded.last_modified,
			updated_at = excluded.updated_at
	`, feedID, st.Title, st.Weight, lastChecked, lastItem,
		st.IntervalEstimate.Milliseconds(), st.ConsecutiveFailures, st.CheckCount,
		st.EverChecked, st.LastFetchCount, st.ETag, st.LastModified,
		time.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert feed state: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM feed_seen_items WHERE feed_id = ?`, feedID); err != nil {
		return fmt.Errorf("failed to clear seen items: %w", err)
	}
	for i, itemID := range st.SeenIDs {
		_, err := tx.Exec(`
			INSERT INTO feed_seen_items (feed_id, item_id, position)
			VALUES (?, ?, ?)
		`, feedID, itemID, i)
		if err != nil {
			return fmt.Errorf("failed to insert seen item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit feed state: %w", err)
	}
	return nil
}

// Prune removes state rows for feeds no longer subscribed.
func (r *StateRepository) Prune(keep []string) (int, error) {
	if len(keep) == 0 {
		res, err := r.db.Exec(`DELETE FROM feed_states`)
		if err != nil {
			return 0, fmt.Errorf("failed to prune feed states: %w", err)
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}

	placeholders := strings.Repeat("?,", len(keep))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(keep))
	for i, id := range keep {
		args[i] = id
	}

	res, err := r.db.Exec(
		`DELETE FROM feed_states WHERE id NOT IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to prune feed states: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
