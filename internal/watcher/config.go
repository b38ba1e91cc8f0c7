// Package watcher provides file watching with debouncing using fsnotify.
// config.go provides helper functions to create watchers from config.
package watcher

import (
	"log/slog"
	"time"
)

// RulesWatchValues holds the values needed to watch a rule table file.
// This struct avoids import cycles by using primitive types instead of config.ClassifierConfig.
type RulesWatchValues struct {
	Enabled    bool
	RulesFile  string
	DebounceMs int
}

// NewRulesWatcherFromConfig creates a watcher for the rule table file, or
// nil when watching is disabled or no rules file is configured.
func NewRulesWatcherFromConfig(cfg RulesWatchValues, reload ChangeCallback, logger *slog.Logger) (*FileWatcher, error) {
	if !cfg.Enabled || cfg.RulesFile == "" || reload == nil {
		return nil, nil
	}

	opts := []FileWatcherOption{
		WithOnChange(reload),
		WithLogger(logger),
	}

	// Apply debounce from config
	if cfg.DebounceMs > 0 {
		opts = append(opts, WithDebounce(time.Duration(cfg.DebounceMs)*time.Millisecond))
	}

	return NewFileWatcher(cfg.RulesFile, opts...)
}
