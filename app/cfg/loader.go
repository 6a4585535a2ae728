package cfg

import (
	"cmp"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Version is set at build time via -ldflags
var Version = "dev"

func GetVersion() string {
	return cmp.Or(Version, "unknown")
}

type rawCfg struct {
	// Inputs and persistence
	FeedsFile string `long:"feeds" env:"FEEDS_FILE" default:"./feeds.yaml" description:"Subscription list (OPML, YAML or plain text)"`
	DBPath    string `long:"db-path" env:"DB_PATH" default:"./river.db" description:"SQLite database path for feed state"`
	OutputDir string `long:"output-dir" env:"OUTPUT_DIR" default:"./output" description:"Directory for dated river archives"`

	// Polling bounds and estimator tuning
	MinInterval  time.Duration `long:"min-interval" env:"MIN_INTERVAL" default:"5m" description:"Lower bound on the per-feed check interval"`
	MaxInterval  time.Duration `long:"max-interval" env:"MAX_INTERVAL" default:"60m" description:"Upper bound on the per-feed check interval"`
	Smoothing    float64       `long:"smoothing" env:"SMOOTHING" default:"0.3" description:"EWMA smoothing factor for interval estimates"`
	BackoffCap   int           `long:"backoff-cap" env:"BACKOFF_CAP" default:"5" description:"Cap on the failure backoff exponent"`
	FetchTimeout time.Duration `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"30s" description:"Per-fetch timeout"`

	// Scheduler and river
	WorkerCount     int           `long:"worker-count" env:"WORKER_COUNT" default:"5" description:"Maximum concurrent feed checks"`
	FirstCheckLimit int           `long:"first-check-limit" env:"FIRST_CHECK_LIMIT" default:"5" description:"Items merged on a feed's first successful check"`
	RetentionCount  int           `long:"retention-count" env:"RETENTION_COUNT" default:"2000" description:"Maximum river items kept, 0 disables"`
	RetentionAge    time.Duration `long:"retention-age" env:"RETENTION_AGE" default:"168h" description:"Maximum river item age, 0 disables"`
	SeenMultiple    int           `long:"seen-multiple" env:"SEEN_MULTIPLE" default:"10" description:"Dedup window as a multiple of per-check item count"`
	ReloadInterval  time.Duration `long:"reload-interval" env:"RELOAD_INTERVAL" default:"15m" description:"How often the subscription list is re-read"`

	// HTTP server
	Port string `long:"port" env:"PORT" default:"8080" description:"HTTP server port"`

	// Application metadata
	UserAgent string `long:"user-agent" env:"USER_AGENT" default:"river/1.0" description:"User agent string for HTTP requests"`
	Timezone  string `long:"timezone" env:"TZ" default:"UTC" description:"Timezone for timestamps (e.g., UTC, America/New_York)"`
	Debug     bool   `long:"debug" env:"DEBUG" description:"Enable debug logging"`
}

var globalCfg *Cfg

func Load() (*Cfg, error) {
	var raw rawCfg

	parser := flags.NewParser(&raw, flags.Default)

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				return nil, nil
			}
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg := &Cfg{
		FeedsFile:       raw.FeedsFile,
		DBPath:          raw.DBPath,
		OutputDir:       raw.OutputDir,
		MinInterval:     raw.MinInterval,
		MaxInterval:     raw.MaxInterval,
		Smoothing:       raw.Smoothing,
		BackoffCap:      raw.BackoffCap,
		FetchTimeout:    raw.FetchTimeout,
		WorkerCount:     raw.WorkerCount,
		FirstCheckLimit: raw.FirstCheckLimit,
		RetentionCount:  raw.RetentionCount,
		RetentionAge:    raw.RetentionAge,
		SeenMultiple:    raw.SeenMultiple,
		ReloadInterval:  raw.ReloadInterval,
		Port:            raw.Port,
		UserAgent:       raw.UserAgent,
		Timezone:        raw.Timezone,
		Debug:           raw.Debug,
		Version:         GetVersion(),
	}

	if err := applyTimezone(cfg.Timezone); err != nil {
		fmt.Printf("Warning: Invalid timezone '%s', using system default: %v\n", cfg.Timezone, err)
	}

	globalCfg = cfg

	return cfg, nil
}

func Get() *Cfg {
	if globalCfg == nil {
		panic("configuration not loaded - call cfg.Load() first")
	}
	return globalCfg
}

func applyTimezone(timezone string) error {
	if timezone != "" {
		loc, err := time.LoadLocation(timezone)
		if err != nil {
			return err
		}
		time.Local = loc
	}
	return nil
}
