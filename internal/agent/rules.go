package agent

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scope selects which region of a capture a rule is evaluated against.
type Scope string

const (
	// ScopeTrailing checks only the last non-blank line(s), where a real shell
	// prompt or process exit marker would appear.
	ScopeTrailing Scope = "trailing"
	// ScopeTail checks the bottom of the capture (input box, status line).
	ScopeTail Scope = "tail"
	// ScopeAnywhere checks the whole capture.
	ScopeAnywhere Scope = "anywhere"
)

// Default region sizes per scope.
const (
	DefaultTrailingLines = 1
	DefaultTailLines     = 12
)

// Rule maps a pattern to a verdict.
type Rule struct {
	Name    string   `yaml:"name" json:"name"`
	State   State    `yaml:"state" json:"state"`
	Scope   Scope    `yaml:"scope" json:"scope"`
	Lines   int      `yaml:"lines,omitempty" json:"lines,omitempty"` // region size, 0 = scope default
	Pattern string   `yaml:"pattern" json:"pattern"`
	Unless  []string `yaml:"unless,omitempty" json:"unless,omitempty"` // per-rule exceptions matched against the same line

	// SkipFramed ignores lines that start with an output framing prefix.
	SkipFramed bool `yaml:"skip_framed,omitempty" json:"skip_framed,omitempty"`
}

// RuleTable is the versioned data set the classifier evaluates.
type RuleTable struct {
	Version int    `yaml:"version" json:"version"`
	Mode    string `yaml:"mode,omitempty" json:"mode,omitempty"` // "extend" (default) or "replace" when loaded from a file

	Rules []Rule `yaml:"rules" json:"rules"`

	// SafeContext patterns veto a crash verdict when they match the candidate line.
	SafeContext []string `yaml:"safe_context" json:"safe_context"`

	// FramingPrefixes mark lines that belong to the agent's own rendered output.
	FramingPrefixes []string `yaml:"framing_prefixes" json:"framing_prefixes"`

	// Volatile patterns are blanked before comparing snapshots.
	Volatile []string `yaml:"volatile" json:"volatile"`
}

// LoadRuleTable reads a YAML rule file.
func LoadRuleTable(path string) (*RuleTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules: %w", err)
	}
	var rt RuleTable
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("parsing rules %s: %w", path, err)
	}
	return &rt, nil
}

// Merge combines a file table with the base table according to the file's mode.
// In extend mode file rules are evaluated before built-in rules of the same state.
func Merge(base, file *RuleTable) (*RuleTable, error) {
	if file == nil {
		return base, nil
	}
	switch file.Mode {
	case "", "extend":
	case "replace":
		out := *file
		if out.Version == 0 {
			out.Version = base.Version
		}
		return &out, nil
	default:
		return nil, fmt.Errorf("unknown rules mode %q", file.Mode)
	}

	out := &RuleTable{
		Version: base.Version,
		Mode:    "extend",
	}
	if file.Version > out.Version {
		out.Version = file.Version
	}
	out.Rules = append(append([]Rule{}, file.Rules...), base.Rules...)
	out.SafeContext = append(append([]string{}, base.SafeContext...), file.SafeContext...)
	out.FramingPrefixes = append(append([]string{}, base.FramingPrefixes...), file.FramingPrefixes...)
	out.Volatile = append(append([]string{}, base.Volatile...), file.Volatile...)
	return out, nil
}

// LoadEffectiveRules compiles the built-in table merged with the rule file
// at path. An empty path yields the built-in table alone.
func LoadEffectiveRules(path string) (*Compiled, error) {
	table := DefaultRuleTable()
	if path != "" {
		file, err := LoadRuleTable(path)
		if err != nil {
			return nil, err
		}
		if table, err = Merge(table, file); err != nil {
			return nil, err
		}
	}
	return table.Compile()
}

type compiledRule struct {
	Rule
	re     *regexp.Regexp
	unless []*regexp.Regexp
}

// Compiled is a validated, ready-to-evaluate rule table.
type Compiled struct {
	Version  int
	rules    []compiledRule
	safe     []*regexp.Regexp
	framing  []string
	volatile []*regexp.Regexp
	source   *RuleTable
}

// Source returns the table this was compiled from.
func (c *Compiled) Source() *RuleTable {
	return c.source
}

// Compile validates every rule and compiles its patterns. All problems are
// reported together.
func (rt *RuleTable) Compile() (*Compiled, error) {
	c := &Compiled{Version: rt.Version, framing: rt.FramingPrefixes, source: rt}
	var errs []error
	seen := make(map[string]bool)

	for i, r := range rt.Rules {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("rule %d: name is required", i))
			continue
		}
		if seen[r.Name] {
			errs = append(errs, fmt.Errorf("rule %s: duplicate name", r.Name))
		}
		seen[r.Name] = true
		if !r.State.Valid() {
			errs = append(errs, fmt.Errorf("rule %s: unknown state %q", r.Name, r.State))
		}
		switch r.Scope {
		case ScopeTrailing, ScopeTail, ScopeAnywhere:
		case "":
			r.Scope = ScopeTail
		default:
			errs = append(errs, fmt.Errorf("rule %s: unknown scope %q", r.Name, r.Scope))
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			errs = append(errs, fmt.Errorf("rule %s: invalid pattern %q: %v", r.Name, r.Pattern, err))
			continue
		}
		cr := compiledRule{Rule: r, re: re}
		for _, u := range r.Unless {
			ure, err := regexp.Compile(u)
			if err != nil {
				errs = append(errs, fmt.Errorf("rule %s: invalid unless pattern %q: %w", r.Name, u, err))
				continue
			}
			cr.unless = append(cr.unless, ure)
		}
		c.rules = append(c.rules, cr)
	}

	for _, p := range rt.SafeContext {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("safe_context %q: %w", p, err))
			continue
		}
		c.safe = append(c.safe, re)
	}
	for _, p := range rt.Volatile {
		re, err := regexp.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("volatile %q: %w", p, err))
			continue
		}
		c.volatile = append(c.volatile, re)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

// Normalize strips ANSI codes and volatile regions (spinners, counters) so two
// captures of an otherwise unchanged pane compare equal.
func (c *Compiled) Normalize(text string) string {
	text = StripANSI(text)
	for _, re := range c.volatile {
		text = re.ReplaceAllString(text, "")
	}
	return strings.Join(contentLines(text), "\n")
}
