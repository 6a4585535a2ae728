package cfg

import "time"

type Cfg struct {
	// Inputs and persistence
	FeedsFile string
	DBPath    string
	OutputDir string

	// Polling bounds and estimator tuning
	MinInterval  time.Duration
	MaxInterval  time.Duration
	Smoothing    float64
	BackoffCap   int
	FetchTimeout time.Duration

	// Scheduler and river
	WorkerCount     int
	FirstCheckLimit int
	RetentionCount  int
	RetentionAge    time.Duration
	SeenMultiple    int
	ReloadInterval  time.Duration

	// HTTP server
	Port string

	// Application metadata
	UserAgent string
	Timezone  string
	Debug     bool
	Version   string
}
