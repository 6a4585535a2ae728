package api

import "github.com/feedriver/river/app/river"

// RiverService is the read-only surface the handlers need from the
// scheduler. Everything returned is a snapshot copy.
type RiverService interface {
	River() []river.RiverItem
	Feeds() []river.FeedStatus
	Stats() river.Stats
}

type Handler struct {
	service RiverService
	version string
}
