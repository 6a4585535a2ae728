package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

func NewHandler(service RiverService, version string) *Handler {
	return &Handler{
		service: service,
		version: version,
	}
}

// GetRiver serves the current river, newest first.
func (h *Handler) GetRiver(c *gin.Context) {
	items := h.service.River()

	c.Header("X-River-Items", strconv.Itoa(len(items)))
	c.JSON(http.StatusOK, gin.H{
		"updated": time.Now().UTC().Format(time.RFC3339),
		"count":   len(items),
		"items":   items,
	})
}

// GetFeeds serves per-feed scheduling status in registration order.
func (h *Handler) GetFeeds(c *gin.Context) {
	feeds := h.service.Feeds()

	out := make([]gin.H, 0, len(feeds))
	for _, f := range feeds {
		entry := gin.H{
			"id":                   f.ID,
			"title":                f.Title,
			"weight":               f.Weight,
			"due_at":               f.DueAt.UTC().Format(time.RFC3339),
			"interval_estimate":    f.IntervalEstimate.String(),
			"consecutive_failures": f.ConsecutiveFailures,
			"ever_checked":         f.EverChecked,
			"in_flight":            f.InFlight,
		}
		if f.LastCheckedAt != nil {
			entry["last_checked_at"] = f.LastCheckedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"feeds": out,
		"total": len(out),
	})
}

// GetHealth reports scheduler health. Status degrades when a notable share
// of feeds is erroring; single-feed failures stay invisible beyond that.
func (h *Handler) GetHealth(c *gin.Context) {
	feeds := h.service.Feeds()

	erroring := 0
	for _, f := range feeds {
		if f.ConsecutiveFailures > 0 {
			erroring++
		}
	}

	status := "healthy"
	if len(feeds) > 0 {
		ratio := float64(erroring) / float64(len(feeds))
		if ratio > 0.5 {
			status = "unhealthy"
		} else if ratio > 0.1 {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"feeds":          len(feeds),
		"erroring_feeds": erroring,
	})
}

// GetStats serves cumulative scheduler counters.
func (h *Handler) GetStats(c *gin.Context) {
	stats := h.service.Stats()

	out := gin.H{
		"checks":       stats.Checks,
		"failures":     stats.Failures,
		"items_merged": stats.ItemsMerged,
		"queue_size":   stats.QueueSize,
		"in_flight":    stats.InFlight,
	}
	if stats.LastCheckAt != nil {
		out["last_check_at"] = stats.LastCheckAt.UTC().Format(time.RFC3339)
	}

	c.JSON(http.StatusOK, out)
}
