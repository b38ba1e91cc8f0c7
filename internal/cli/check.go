package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/paneward/internal/agent"
	"github.com/Dicklesworthstone/paneward/internal/config"
	"github.com/Dicklesworthstone/paneward/internal/ratelimit"
	"github.com/Dicklesworthstone/paneward/internal/recovery"
	"github.com/Dicklesworthstone/paneward/internal/sampler"
	"github.com/Dicklesworthstone/paneward/internal/suppress"
	"github.com/Dicklesworthstone/paneward/internal/util"
)

// CheckResult is the machine-readable output of `paneward check`.
type CheckResult struct {
	Target       string   `json:"target"`
	State        string   `json:"state"`
	Confidence   float64  `json:"confidence"`
	Rule         string   `json:"rule,omitempty"`
	Detail       string   `json:"detail"`
	ResetIn      string   `json:"reset_in,omitempty"`
	Vetoed       []string `json:"vetoed,omitempty"`
	Action       string   `json:"action"`
	ActionReason string   `json:"action_reason"`
	Captures     int      `json:"captures"`
	Changed      bool     `json:"changed"`
}

func newCheckCmd() *cobra.Command {
	var fromStdin bool
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "check [session:window]",
		Short: "Classify one pane and show what the daemon would do",
		Long: `Samples a tmux window the way the daemon does, classifies it, and prints the
verdict with the recovery action a known (out of grace) target would get.

With --stdin the text is read from standard input and classified as a single
stable capture, which is handy for testing rules against saved pane output:

  tmux capture-pane -p -t proj:2 | paneward check --stdin`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if rulesFile == "" {
				rulesFile = cfg.Classifier.RulesFile
			}
			rules, err := agent.LoadEffectiveRules(util.ExpandHome(rulesFile))
			if err != nil {
				return err
			}
			classifier := agent.NewClassifier(rules, agent.ClassifierConfig{
				RateLimitCeiling:     cfg.RateLimit.ClampCeiling(),
				RateLimitDefaultWait: cfg.RateLimit.DefaultWait(),
			})

			var (
				target agent.Target
				st     agent.Stability
			)
			switch {
			case fromStdin:
				target = agent.Target{Session: "stdin", Role: agent.RoleAgent}
				st, err = stabilityFromReader(cmd.InOrStdin(), target, time.Now())
				if err != nil {
					return err
				}
			case len(args) == 1:
				if target, err = parseTarget(args[0]); err != nil {
					return err
				}
				s := sampler.New(newTmuxClient(cfg), classifier.Normalize, sampler.Config{
					Count:     cfg.Monitor.SampleCount,
					Delay:     cfg.Monitor.SampleDelay(),
					Threshold: cfg.Monitor.ChangeThreshold,
				})
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Monitor.TargetTimeout())
				defer cancel()
				st = s.Sample(ctx, target)
				if st.Unavailable {
					return fmt.Errorf("capture %s: %w", target, st.Err)
				}
			default:
				return fmt.Errorf("give a session:window target or --stdin")
			}

			res := classifier.Classify(target, st, nil)
			act := previewAction(cfg, res)
			result := newCheckResult(res, act, st)

			f := newFormatter(cmd)
			if f.IsJSON() {
				return f.JSON(result)
			}
			printCheck(f, result)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "Classify text read from standard input")
	cmd.Flags().StringVar(&rulesFile, "rules", "", "Rule file to use instead of classifier.rules_file")
	return cmd
}

// parseTarget parses "session:window". Session names may contain colons.
func parseTarget(s string) (agent.Target, error) {
	i := strings.LastIndex(s, ":")
	if i <= 0 || i == len(s)-1 {
		return agent.Target{}, fmt.Errorf("invalid target %q: want session:window", s)
	}
	window, err := strconv.Atoi(s[i+1:])
	if err != nil || window < 0 {
		return agent.Target{}, fmt.Errorf("invalid window index in %q", s)
	}
	return agent.Target{Session: s[:i], Window: window, Role: agent.RoleAgent}, nil
}

func stabilityFromReader(r io.Reader, target agent.Target, now time.Time) (agent.Stability, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return agent.Stability{}, fmt.Errorf("read stdin: %w", err)
	}
	return agent.Stability{
		Snapshots: []agent.Snapshot{{Target: target, Text: string(data), CapturedAt: now}},
	}, nil
}

// previewAction runs the coordinator on fresh state: no grace, no cooldowns,
// no restart history.
func previewAction(c *config.Config, res agent.Result) recovery.Action {
	coord := recovery.NewCoordinator(recovery.Config{
		MaxRestartAttempts: c.Recovery.MaxRestartAttempts,
		RecoveryCooldown:   c.Suppression.RecoveryCooldown(),
		SubmitCooldown:     c.Suppression.SubmitCooldown(),
		ResumeAfterWait:    c.RateLimit.ResumeAfterWait,
	}, suppress.NewRegistry(nil), ratelimit.NewTracker(""), nil)
	return coord.Handle(res)
}

func newCheckResult(res agent.Result, act recovery.Action, st agent.Stability) CheckResult {
	out := CheckResult{
		Target:       res.Target.String(),
		State:        string(res.State),
		Confidence:   res.Confidence,
		Rule:         res.Rule,
		Detail:       res.Detail,
		Vetoed:       res.Vetoed,
		Action:       string(act.Kind),
		ActionReason: act.Reason,
		Captures:     len(st.Snapshots),
		Changed:      st.Changed,
	}
	if res.ResetIn > 0 {
		out.ResetIn = ratelimit.FormatDelay(res.ResetIn)
	}
	return out
}
