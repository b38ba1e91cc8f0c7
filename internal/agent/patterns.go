package agent

// RulesVersion is bumped whenever the built-in table changes behavior.
const RulesVersion = 4

// Output framing used by agent UIs for tool results, assistant turns and boxes.
// Text on these lines is something the agent is showing, never the host shell.
var defaultFramingPrefixes = []string{
	"│", "┃", "║", "⎿", "●", "⏺", "╭", "╰", "▌", "✓", "✗",
}

// Crash indicators. Only trusted on the trailing line(s) of a capture.
var crashRules = []Rule{
	{
		Name:       "shell-prompt-user-host",
		State:      StateCrashed,
		Scope:      ScopeTrailing,
		Pattern:    `^[\w.-]+@[\w.-]+(?:[: ]\S*)?\s*[$#%]$`,
		SkipFramed: true,
	},
	{
		Name:       "shell-prompt-bare",
		State:      StateCrashed,
		Scope:      ScopeTrailing,
		Pattern:    `^(?:(?:ba|z|da|k)?sh(?:-[\d.]+)?)?[$#%]$`,
		SkipFramed: true,
	},
	{
		Name:       "process-finished",
		State:      StateCrashed,
		Scope:      ScopeTrailing,
		Lines:      2,
		Pattern:    `(?i)^(?:\[?(?:process (?:completed|exited|terminated)|exited)(?: with (?:code|status) \d+)?\]?|pane is dead(?: \(.*\))?)$`,
		SkipFramed: true,
	},
	{
		Name:       "agent-binary-missing",
		State:      StateCrashed,
		Scope:      ScopeTrailing,
		Lines:      2,
		Pattern:    `(?i)^(?:ba|z)?sh: (?:command not found: (?:claude|codex|gemini|aider)|(?:claude|codex|gemini|aider): command not found)$`,
		SkipFramed: true,
	},
	{
		Name:       "fatal-signal",
		State:      StateCrashed,
		Scope:      ScopeTrailing,
		Lines:      2,
		Pattern:    `^(?:Segmentation fault|Killed|Terminated|Aborted)(?: \(core dumped\))?(?:: \d+)?$`,
		SkipFramed: true,
	},
}

// Rate-limit banners. Claude renders these inside tool-result framing, so
// framed lines are not skipped here.
var rateLimitRules = []Rule{
	{
		Name:    "usage-limit-reached",
		State:   StateRateLimited,
		Scope:   ScopeTail,
		Lines:   15,
		Pattern: `(?i)\b(?:usage|session|5-hour|weekly|opus|sonnet) limit reached\b`,
	},
	{
		Name:    "hit-your-limit",
		State:   StateRateLimited,
		Scope:   ScopeTail,
		Lines:   15,
		Pattern: `(?i)you(?:'|’)?ve (?:hit|reached) your (?:usage )?limit`,
	},
	{
		Name:    "rate-limit-exceeded",
		State:   StateRateLimited,
		Scope:   ScopeTail,
		Lines:   15,
		Pattern: `(?i)\brate[ -]limit(?:ed| exceeded| error)\b`,
		Unless:  []string{`(?i)\b(?:implement|add(?:ed|ing)?|middleware|handler|bucket|test(?:s|ing)?)\b`},
	},
	{
		Name:    "too-many-requests",
		State:   StateRateLimited,
		Scope:   ScopeTail,
		Lines:   15,
		Pattern: `(?i)\b(?:429 )?too many requests\b`,
		Unless:  []string{`(?i)\b(?:return(?:s|ing)?|respond(?:s|ing)? with|status code|http\.Status)\b`},
	},
	{
		Name:    "quota-exhausted",
		State:   StateRateLimited,
		Scope:   ScopeTail,
		Lines:   15,
		Pattern: `(?i)\bquota exceeded\b|\bresource[_ ]exhausted\b`,
	},
}

// Context compaction pauses output without being idle.
var compactingRules = []Rule{
	{
		Name:    "compacting-conversation",
		State:   StateCompacting,
		Scope:   ScopeTail,
		Lines:   8,
		Pattern: `(?i)\bcompacting (?:conversation|context|history)\b`,
	},
	{
		Name:    "summarizing-conversation",
		State:   StateCompacting,
		Scope:   ScopeTail,
		Lines:   8,
		Pattern: `(?i)\bsummari[sz]ing (?:the )?conversation\b`,
	},
}

// Working indicators: the agent is busy even though the pane looked stable.
var workingRules = []Rule{
	{
		Name:    "esc-to-interrupt",
		State:   StateActive,
		Scope:   ScopeTail,
		Lines:   6,
		Pattern: `(?i)\b(?:esc|ctrl\+c) to (?:interrupt|cancel)\b`,
	},
	{
		Name:    "working-status-line",
		State:   StateActive,
		Scope:   ScopeTrailing,
		Lines:   3,
		Pattern: `(?i)^\S?\s*(?:thinking|working|processing|reasoning|pondering|generating)\b.*(?:…|\.\.\.)`,
	},
}

// Typed but not submitted input in the agent's input box.
var unsubmittedRules = []Rule{
	{
		Name:    "claude-input-pending",
		State:   StateUnsubmitted,
		Scope:   ScopeTail,
		Lines:   4,
		Pattern: `^\s*[│|]?\s*>\s+[^\s│|].*$`,
		Unless:  []string{`^\s*[│|]?\s*>\s+Try "`},
	},
	{
		Name:    "codex-input-pending",
		State:   StateUnsubmitted,
		Scope:   ScopeTail,
		Lines:   4,
		Pattern: `^\s*›\s+\S.*$`,
		Unless:  []string{`(?i)^\s*›\s+Ask Codex`},
	},
}

// Ready prompts.
var idleRules = []Rule{
	{
		Name:    "empty-input-prompt",
		State:   StateIdle,
		Scope:   ScopeTail,
		Lines:   4,
		Pattern: `^\s*[│|]?\s*[>›]\s*[│|]?$`,
	},
	{
		Name:    "input-placeholder",
		State:   StateIdle,
		Scope:   ScopeTail,
		Lines:   4,
		Pattern: `^\s*[│|]?\s*>\s+Try "|(?i)^\s*›\s+Ask Codex`,
	},
	{
		Name:    "shortcuts-hint",
		State:   StateIdle,
		Scope:   ScopeTail,
		Lines:   4,
		Pattern: `(?i)\?\s*for shortcuts`,
	},
	{
		Name:    "named-cli-prompt",
		State:   StateIdle,
		Scope:   ScopeTrailing,
		Pattern: `(?i)^(?:gemini|codex|aider|cursor|windsurf)>$|^(?:Human|User):$`,
	},
}

// Sentences that merely discuss a failure. They veto a crash verdict on the
// same line.
var defaultSafeContext = []string{
	`(?i)\b(?:tests?|builds?|jobs?|checks?|lint(?:er)?|compilation|deploy(?:ment)?|ci|pipeline)\b.*\bfail(?:ed|ing|ure|s)?\b`,
	`(?i)\bfail(?:ed|ing|ure|s)?\b.*\b(?:tests?|builds?|jobs?|checks?)\b`,
	`(?i)\bprevious (?:attempt|run|try|build)\b.*\bfailed\b`,
	"`[^`]*`",
	`^\s*(?:#|//|--)\s`,
}

// Regions that change on every repaint without meaning progress.
var defaultVolatile = []string{
	`[\x{2800}-\x{28FF}]`,       // braille spinners
	`[✢✳✶✻✽✺·]`,                 // dot spinners
	`█`,                         // block cursor
	`\(\d+m?\s?\d*s\b[^)\n]*\)`, // elapsed counters "(12s · ↑ 1.2k tokens)"
	`[↑↓]\s*[\d.,]+k?\s*tokens`,
	`\b[\d.,]+k?\s*tokens\b`,
	`\b\d+%\s*(?:context left|until auto-compact)`,
	`\b\d{1,2}:\d{2}(?::\d{2})?\s?(?:[AaPp][Mm])?\b`,
}

// DefaultRuleTable returns the built-in rule table. Evaluation order between
// verdicts is fixed by the classifier; order within a verdict is table order.
func DefaultRuleTable() *RuleTable {
	var rules []Rule
	for _, group := range [][]Rule{compactingRules, rateLimitRules, workingRules, crashRules, unsubmittedRules, idleRules} {
		rules = append(rules, group...)
	}
	return &RuleTable{
		Version:         RulesVersion,
		Rules:           rules,
		SafeContext:     append([]string(nil), defaultSafeContext...),
		FramingPrefixes: append([]string(nil), defaultFramingPrefixes...),
		Volatile:        append([]string(nil), defaultVolatile...),
	}
}
