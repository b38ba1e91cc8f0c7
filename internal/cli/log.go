package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/paneward/internal/journal"
	"github.com/Dicklesworthstone/paneward/internal/output"
	"github.com/Dicklesworthstone/paneward/internal/util"
)

func newLogCmd() *cobra.Command {
	var limit int
	var target string

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show recent daemon decisions from the journal",
		Example: `  paneward log
  paneward log --target proj:2 --limit 50
  paneward log --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}
			if target != "" {
				if _, err := parseTarget(target); err != nil {
					return err
				}
			}

			store, err := journal.Open(util.ExpandHome(cfg.Journal.Path))
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(); err != nil {
				return err
			}

			decisions, err := store.Recent(cmd.Context(), target, limit)
			if err != nil {
				return err
			}

			f := newFormatter(cmd)
			if f.IsJSON() {
				if decisions == nil {
					decisions = []journal.Decision{}
				}
				return f.JSON(decisions)
			}
			printDecisions(f, decisions)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of decisions to show")
	cmd.Flags().StringVarP(&target, "target", "t", "", "Only show decisions for session:window")
	return cmd
}

func printDecisions(f *output.Formatter, decisions []journal.Decision) {
	if len(decisions) == 0 {
		f.Println(f.Styles().Muted.Render("no decisions recorded"))
		return
	}
	tbl := output.NewTable(f.Writer(), "TIME", "TARGET", "STATE", "ACTION", "REASON").MaxColumnWidth(f.Width() / 2)
	for _, d := range decisions {
		tbl.AddRow(d.At.Local().Format("01-02 15:04:05"), d.Target, d.State, d.Action, d.Reason)
	}
	tbl.Render()
}
