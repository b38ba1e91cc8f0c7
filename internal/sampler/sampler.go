// Package sampler captures a pane several times in a row and judges whether
// its content is changing.
package sampler

import (
	"context"
	"log/slog"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/Dicklesworthstone/paneward/internal/agent"
)

// Capturer is the slice of the terminal host the sampler needs.
type Capturer interface {
	CapturePane(ctx context.Context, target string) (string, error)
}

// Config controls sampling.
type Config struct {
	Count     int           // captures per sample
	Delay     time.Duration // pause between captures
	Threshold int           // edit distance above which adjacent captures differ
}

// DefaultConfig returns four captures about a second apart in total.
func DefaultConfig() Config {
	return Config{
		Count:     4,
		Delay:     300 * time.Millisecond,
		Threshold: 1,
	}
}

// Sampler produces Stability judgments.
type Sampler struct {
	host      Capturer
	normalize func(string) string
	config    Config
	dmp       *diffmatchpatch.DiffMatchPatch

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// New creates a sampler. normalize strips volatile regions before comparison;
// nil compares raw text.
func New(host Capturer, normalize func(string) string, cfg Config) *Sampler {
	if cfg.Count < 2 {
		cfg.Count = 2
	}
	if cfg.Threshold < 0 {
		cfg.Threshold = 0
	}
	if normalize == nil {
		normalize = func(s string) string { return s }
	}
	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = 200 * time.Millisecond
	return &Sampler{
		host:      host,
		normalize: normalize,
		config:    cfg,
		dmp:       dmp,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// WithClock replaces the time source.
func (s *Sampler) WithClock(now func() time.Time) *Sampler {
	s.now = now
	return s
}

// WithSleep replaces the inter-capture wait (tests use a no-op).
func (s *Sampler) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Sampler {
	s.sleep = sleep
	return s
}

// WithLogger sets the logger.
func (s *Sampler) WithLogger(logger *slog.Logger) *Sampler {
	s.logger = logger
	return s
}

func (s *Sampler) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Sample captures target up to Count times. It stops early once two adjacent
// captures differ significantly. Any capture failure, including ctx expiry,
// yields an Unavailable stability.
func (s *Sampler) Sample(ctx context.Context, target agent.Target) agent.Stability {
	var st agent.Stability
	var prev string

	for i := 0; i < s.config.Count; i++ {
		if i > 0 {
			if err := s.sleep(ctx, s.config.Delay); err != nil {
				return unavailable(st, err)
			}
		}

		text, err := s.host.CapturePane(ctx, target.String())
		if err != nil {
			s.log().Debug("[Sampler] capture_failed",
				"target", target.String(),
				"capture", i+1,
				"error", err)
			return unavailable(st, err)
		}
		st.Snapshots = append(st.Snapshots, agent.Snapshot{
			Target:     target,
			Text:       text,
			CapturedAt: s.now(),
		})

		norm := s.normalize(text)
		if i > 0 {
			if d := s.distance(prev, norm); d > s.config.Threshold {
				st.Changed = true
				s.log().Debug("[Sampler] change_detected",
					"target", target.String(),
					"capture", i+1,
					"distance", d)
				return st
			}
		}
		prev = norm
	}
	return st
}

// distance is the Levenshtein distance between two normalized captures.
func (s *Sampler) distance(a, b string) int {
	if a == b {
		return 0
	}
	return s.dmp.DiffLevenshtein(s.dmp.DiffMain(a, b, false))
}

func unavailable(st agent.Stability, err error) agent.Stability {
	st.Unavailable = true
	st.Changed = false
	st.Err = err
	return st
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
