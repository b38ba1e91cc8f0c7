package cli

import (
	"github.com/spf13/cobra"

	"github.com/Dicklesworthstone/paneward/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the paneward configuration",
	}
	cmd.AddCommand(newConfigInitCmd(), newConfigPathCmd(), newConfigShowCmd())
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.CreateDefault(configPath())
			if err != nil {
				return err
			}
			f := newFormatter(cmd)
			if f.IsJSON() {
				return f.JSON(map[string]string{"path": path})
			}
			f.Println(f.Styles().Good.Render("Created " + path))
			return nil
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd)
			if f.IsJSON() {
				return f.JSON(map[string]string{"path": configPath()})
			}
			f.Println(configPath())
			return nil
		},
	}
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config (file, defaults and environment)",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd)
			if f.IsJSON() {
				masked := *cfg
				if masked.Notifications.NATS.Token != "" {
					masked.Notifications.NATS.Token = "********"
				}
				return f.JSON(masked)
			}
			return config.Print(cfg, f.Writer())
		},
	}
}
