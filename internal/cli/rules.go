package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/paneward/internal/agent"
	"github.com/Dicklesworthstone/paneward/internal/output"
	"github.com/Dicklesworthstone/paneward/internal/util"
)

func newRulesCmd() *cobra.Command {
	var rulesFile string

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Show the effective classification rules",
		Long: `Prints the rule table the classifier evaluates: the built-in rules merged
with classifier.rules_file (or --file). Rules are evaluated top to bottom and
the first match wins.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if rulesFile == "" {
				rulesFile = cfg.Classifier.RulesFile
			}
			compiled, err := agent.LoadEffectiveRules(util.ExpandHome(rulesFile))
			if err != nil {
				return err
			}
			table := compiled.Source()

			f := newFormatter(cmd)
			if f.IsJSON() {
				return f.JSON(table)
			}
			printRules(f, table, rulesFile)
			return nil
		},
	}

	cmd.Flags().StringVar(&rulesFile, "file", "", "Rule file to merge instead of classifier.rules_file")
	return cmd
}

func printRules(f *output.Formatter, table *agent.RuleTable, source string) {
	s := f.Styles()
	title := "Built-in rules"
	if source != "" {
		title = "Rules (built-in + " + source + ")"
	}
	f.Println(s.Title.Render(title) + "  " + s.Muted.Render(fmt.Sprintf("version %d", table.Version)))

	tbl := output.NewTable(f.Writer(), "NAME", "STATE", "SCOPE", "PATTERN").MaxColumnWidth(f.Width() / 2)
	for _, r := range table.Rules {
		scope := string(r.Scope)
		if r.Lines > 0 {
			scope = fmt.Sprintf("%s/%d", r.Scope, r.Lines)
		}
		tbl.AddRow(r.Name, string(r.State), scope, r.Pattern)
	}
	tbl.Render()

	f.Line()
	field(f, "Rules", output.CountStr(len(table.Rules), "rule", "rules"))
	field(f, "Safe ctx", output.CountStr(len(table.SafeContext), "pattern", "patterns"))
	field(f, "Framing", output.CountStr(len(table.FramingPrefixes), "prefix", "prefixes"))
	field(f, "Volatile", output.CountStr(len(table.Volatile), "pattern", "patterns"))
}
