package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/paneward/internal/config"
	"github.com/Dicklesworthstone/paneward/internal/output"
	"github.com/Dicklesworthstone/paneward/internal/tmux"
	"github.com/Dicklesworthstone/paneward/internal/util"
)

var (
	cfgFile string
	cfg     *config.Config
	sshHost string

	// Global JSON output flag - inherited by all subcommands
	jsonOutput bool

	// Global color control flag - inherited by all subcommands
	noColor bool

	// Global log level flag; PANEWARD_LOG_LEVEL is the fallback
	logLevel string

	// Build information - set via ldflags
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
	BuiltBy = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "paneward",
	Short: "Watch tmux-hosted coding agents and recover them when they stall",
	Long: `paneward polls the tmux windows that host AI coding agents, works out
whether each agent is active, idle, waiting on unsubmitted input, crashed,
rate-limited or compacting, and acts on it: it presses Enter on forgotten
input, restarts crashed agents up to a cap, waits out rate limits, and sends
one batched note per tick to the managing agent (PM) of each session.

Quick Start:
  paneward config init          # Write the default config
  paneward check proj:2         # Classify one window once
  paneward run                  # Start the daemon`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := logLevel
		if level == "" {
			level = os.Getenv("PANEWARD_LOG_LEVEL")
		}
		slog.SetDefault(newLogger(os.Stderr, level))

		if !needsConfig(cmd) {
			return nil
		}
		loaded, err := config.Load(configPath())
		if err != nil {
			return err
		}
		if sshHost != "" {
			loaded.Tmux.Remote = sshHost
		}
		cfg = loaded
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		// If not in JSON mode, print the error to stderr
		// (SilenceErrors is set to true to handle JSON mode properly)
		if !jsonOutput {
			fmt.Fprintln(os.Stderr, "Error:", err)
		} else {
			_ = output.New(os.Stdout, output.Options{JSON: true}).JSON(map[string]string{"error": err.Error()})
		}
		return err
	}
	return nil
}

// IsJSONOutput reports whether --json was given.
func IsJSONOutput() bool {
	return jsonOutput
}

func configPath() string {
	if cfgFile != "" {
		return util.ExpandHome(cfgFile)
	}
	return config.DefaultPath()
}

// needsConfig is false for commands that must work without a readable config.
func needsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "init", "path", "help", "completion":
		return false
	}
	return true
}

func newFormatter(cmd *cobra.Command) *output.Formatter {
	return output.New(cmd.OutOrStdout(), output.Options{JSON: jsonOutput, NoColor: noColor})
}

func newTmuxClient(c *config.Config) *tmux.Client {
	client := tmux.NewClient(c.Tmux.Remote)
	client.CaptureLines = c.Monitor.CaptureLines
	return client
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.config/paneward/config.toml)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format (machine-readable)")
	rootCmd.PersistentFlags().StringVar(&sshHost, "ssh", "", "Remote host for SSH execution (e.g. user@host)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default info)")

	rootCmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newCheckCmd(),
		newRulesCmd(),
		newLogCmd(),
		newConfigCmd(),
		newVersionCmd(),
	)
}
