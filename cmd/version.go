// cmd/version.go
package cmd

import (
	"fmt"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X .../cmd.Version=v1.2.3".
var Version = "dev"

// buildVersion returns Version followed by the VCS revision the binary was
// built from, when the toolchain recorded one.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return Version
	}

	var revision string
	var dirty bool
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if revision == "" {
		return Version
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	if dirty {
		revision += "-dirty"
	}
	return fmt.Sprintf("%s (%s)", Version, revision)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of credit-meter",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		labelColor.Print("credit-meter ")
		fmt.Fprintln(cmd.OutOrStdout(), buildVersion())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
