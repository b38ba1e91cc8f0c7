package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/paneward/internal/config"
	"github.com/Dicklesworthstone/paneward/internal/daemon"
	"github.com/Dicklesworthstone/paneward/internal/util"
)

func newRunCmd() *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the monitoring daemon",
		Long: `Starts the daemon in the foreground. It ticks every monitor.tick_interval_sec
until interrupted; a tick in progress when SIGINT or SIGTERM arrives is
finished first. Only one daemon per state directory can run.

Use --once to run a single tick and print its report.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if errs := config.Validate(cfg); len(errs) > 0 {
				return fmt.Errorf("invalid config: %w", errors.Join(errs...))
			}

			client := newTmuxClient(cfg)
			if !client.IsInstalled(cmd.Context()) {
				return fmt.Errorf("tmux is not available (remote %q)", cfg.Tmux.Remote)
			}

			d, err := daemon.New(cfg, client, daemon.WithLogger(slog.Default()))
			if err != nil {
				return err
			}
			defer d.Close()

			if !once {
				return d.Run(cmd.Context())
			}

			report, err := d.Tick(cmd.Context(), d.State())
			if err != nil {
				return err
			}
			return printTickReport(newFormatter(cmd), report)
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "Run a single tick and exit")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, pid, err := daemon.IsRunning(cfg.Daemon.StateDir)
			if err != nil {
				return err
			}

			f := newFormatter(cmd)
			if f.IsJSON() {
				return f.JSON(map[string]interface{}{
					"running":   running,
					"pid":       pid,
					"state_dir": util.ExpandHome(cfg.Daemon.StateDir),
				})
			}
			if !running {
				f.Println(f.Styles().Muted.Render("paneward is not running"))
				return nil
			}
			f.Println(f.Styles().Good.Render(fmt.Sprintf("paneward is running (pid %d)", pid)))
			return nil
		},
	}
}
