package mkimage

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/state"
	"github.com/0xa1bed0/mkimage/internal/version"
	"github.com/0xa1bed0/mkimage/internal/versioncheck"
)

func newVersionCmd() *cobra.Command {
	var check bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version of mkimage",
		Long:  `Display the current version of mkimage and the image schema it produces.`,
		Run: func(cmd *cobra.Command, args []string) {
			current := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "%s (image schema %d)\n", current, version.ImageSchemaVersion)
			if !check {
				return
			}

			kv, err := state.DefaultKVStore(cmd.Context())
			if err != nil {
				logs.Debugf("version check without cache: %v", err)
			}
			res := versioncheck.NewChecker(kv).Check(cmd.Context(), current)
			if res != nil && !res.UpdateAvailable {
				fmt.Fprintln(cmd.OutOrStdout(), "mkimage is up to date")
			}
			versioncheck.PrintUpdateBanner(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "look up the latest release")

	return cmd
}
