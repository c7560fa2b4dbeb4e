package cmd

import (
	"fmt"

	"github.com/Nismirno/TheBotVanished/thebotvanished"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the bot",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf(
			"version=%s commit=%s built: %s",
			thebotvanished.Version,
			thebotvanished.CommitSHA,
			thebotvanished.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
