package agent

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Dicklesworthstone/paneward/internal/ratelimit"
)

// ClassifierConfig holds the knobs the classifier needs beyond its rules.
type ClassifierConfig struct {
	// RateLimitCeiling caps any parsed reset delay.
	RateLimitCeiling time.Duration
	// RateLimitDefaultWait is used when a banner carries no parseable reset time.
	RateLimitDefaultWait time.Duration
}

// DefaultClassifierConfig returns sensible defaults.
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		RateLimitCeiling:     4 * time.Hour,
		RateLimitDefaultWait: 15 * time.Minute,
	}
}

// Classifier turns a sampled pane into a Result. The rule table can be swapped
// while classification runs on other goroutines.
type Classifier struct {
	config ClassifierConfig
	table  atomic.Pointer[Compiled]
}

// NewClassifier creates a classifier over a compiled table.
func NewClassifier(table *Compiled, cfg ClassifierConfig) *Classifier {
	c := &Classifier{config: cfg}
	c.table.Store(table)
	return c
}

// NewDefaultClassifier compiles the built-in table.
func NewDefaultClassifier(cfg ClassifierConfig) (*Classifier, error) {
	table, err := DefaultRuleTable().Compile()
	if err != nil {
		return nil, err
	}
	return NewClassifier(table, cfg), nil
}

// SetRules replaces the rule table.
func (c *Classifier) SetRules(table *Compiled) {
	c.table.Store(table)
}

// Rules returns the rule table currently in effect.
func (c *Classifier) Rules() *Compiled {
	return c.table.Load()
}

// Normalize delegates to the current table's volatile-region stripper.
func (c *Classifier) Normalize(text string) string {
	return c.table.Load().Normalize(text)
}

// Classify derives the agent state from a stability judgment. The reference
// time is the capture time of the newest snapshot, so identical inputs always
// produce identical results.
//
// An unavailable stability is not classified; callers must check it first.
// The returned result then has an empty State.
func (c *Classifier) Classify(target Target, st Stability, previous *State) Result {
	snap, ok := st.Latest()
	res := Result{Target: target, ClassifiedAt: snap.CapturedAt}
	if st.Unavailable || !ok {
		res.Detail = "pane unavailable"
		return res
	}

	table := c.table.Load()
	lines := contentLines(StripANSI(snap.Text))

	// Compaction pauses output legitimately, so it wins over stability.
	if m, ok := table.match(lines, StateCompacting); ok {
		return res.with(StateCompacting, m, 0.9)
	}

	if st.Changed {
		res.State = StateActive
		res.Confidence = 0.95
		res.Detail = "pane content changed between samples"
		return res
	}

	if m, ok := table.match(lines, StateRateLimited); ok {
		res = res.with(StateRateLimited, m, 0.9)
		region := strings.Join(lastLines(lines, m.regionSize()), "\n")
		raw, parsed := ratelimit.ResetDelay(region, snap.CapturedAt)
		if !parsed {
			raw = c.config.RateLimitDefaultWait
		}
		res.ResetIn = ratelimit.Clamp(raw, c.config.RateLimitCeiling)
		switch {
		case !parsed:
			res.Detail += fmt.Sprintf("; no reset time found, waiting default %s", ratelimit.FormatDelay(res.ResetIn))
		case res.ResetIn < raw:
			res.Detail += fmt.Sprintf("; reset in %s clamped to %s", ratelimit.FormatDelay(raw), ratelimit.FormatDelay(res.ResetIn))
		default:
			res.Detail += fmt.Sprintf("; reset in %s", ratelimit.FormatDelay(res.ResetIn))
		}
		return res
	}

	if m, ok := table.match(lines, StateActive); ok {
		return res.with(StateActive, m, 0.8)
	}

	m, ok := table.match(lines, StateCrashed)
	res.Vetoed = m.vetoed
	if ok {
		conf := 0.85
		if previous != nil && *previous == StateCrashed {
			conf = 0.95
		}
		return res.with(StateCrashed, m, conf)
	}

	if m, ok := table.match(lines, StateUnsubmitted); ok {
		return res.with(StateUnsubmitted, m, 0.75)
	}

	if m, ok := table.match(lines, StateIdle); ok {
		return res.with(StateIdle, m, 0.7)
	}

	res.State = StateIdle
	res.Confidence = 0.3
	res.Detail = "stable pane, no rule matched"
	if len(res.Vetoed) > 0 {
		res.Detail += fmt.Sprintf(" (crash vetoed: %s)", strings.Join(res.Vetoed, "; "))
	}
	return res
}

type match struct {
	rule   *compiledRule
	line   string
	vetoed []string
}

func (m match) regionSize() int {
	if m.rule == nil {
		return DefaultTailLines
	}
	return m.rule.regionSize()
}

func (r Result) with(state State, m match, confidence float64) Result {
	r.State = state
	r.Rule = m.rule.Name
	r.Confidence = confidence
	r.Detail = fmt.Sprintf("matched %s: %q", m.rule.Name, truncate(m.line, 80))
	return r
}

func (r *compiledRule) regionSize() int {
	if r.Lines > 0 {
		return r.Lines
	}
	switch r.Scope {
	case ScopeTrailing:
		return DefaultTrailingLines
	case ScopeAnywhere:
		return 0
	default:
		return DefaultTailLines
	}
}

func (r *compiledRule) region(lines []string) []string {
	switch r.Scope {
	case ScopeTrailing:
		return trailingNonEmpty(lines, r.regionSize())
	case ScopeAnywhere:
		return lines
	default:
		return lastLines(lines, r.regionSize())
	}
}

// match finds the first rule for state that matches, scanning each rule's
// region from the bottom up. Crash candidates rejected by framing, an unless
// pattern or safe context are reported in vetoed.
func (c *Compiled) match(lines []string, state State) (match, bool) {
	var m match
	for i := range c.rules {
		r := &c.rules[i]
		if r.State != state {
			continue
		}
		region := r.region(lines)
		for j := len(region) - 1; j >= 0; j-- {
			line := region[j]
			if !r.re.MatchString(line) {
				continue
			}
			if reason := c.veto(r, line); reason != "" {
				if state == StateCrashed {
					m.vetoed = append(m.vetoed, fmt.Sprintf("%s %s", r.Name, reason))
				}
				continue
			}
			m.rule = r
			m.line = line
			return m, true
		}
	}
	return m, false
}

func (c *Compiled) veto(r *compiledRule, line string) string {
	if r.SkipFramed && isFramed(line, c.framing) {
		return "on framed output line"
	}
	for _, u := range r.unless {
		if u.MatchString(line) {
			return "excepted by " + u.String()
		}
	}
	if r.State == StateCrashed {
		for _, s := range c.safe {
			if s.MatchString(line) {
				return "in safe context"
			}
		}
	}
	return ""
}
