package cli

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			f := newFormatter(cmd)
			if f.IsJSON() {
				return f.JSON(map[string]string{
					"version":    Version,
					"commit":     Commit,
					"built_at":   Date,
					"built_by":   BuiltBy,
					"go_version": runtime.Version(),
					"platform":   runtime.GOOS + "/" + runtime.GOARCH,
				})
			}
			if short {
				f.Println(Version)
				return nil
			}
			f.Println(fmt.Sprintf("paneward %s", Version))
			f.Println(fmt.Sprintf("  commit:    %s", Commit))
			f.Println(fmt.Sprintf("  built:     %s", Date))
			f.Println(fmt.Sprintf("  builder:   %s", BuiltBy))
			f.Println(fmt.Sprintf("  go:        %s", runtime.Version()))
			f.Println(fmt.Sprintf("  platform:  %s/%s", runtime.GOOS, runtime.GOARCH))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only the version number")
	return cmd
}
