package mkimage

import (
	"github.com/spf13/cobra"

	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/runtime"
)

var (
	verbosity int
	logFile   string
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mkimage",
		Short: "Minimal, non-root container images for FastAPI services",
		Long: `mkimage builds a small, hardened container image for a FastAPI service
from its uv.lock and .python-version.

Dependencies are resolved once per lock and runtime pin and cached, the
toolchain never reaches the final image, and the server runs as an
unprivileged user on the configured port.`,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logs.SetDebugVerbosity(verbosity)
			if logFile != "" {
				return logs.SetFullLogPath(logFile)
			}
			return nil
		},
		// we will handle that
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase verbosity level")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write the full log to this file")

	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newDockerfileCmd())
	rootCmd.AddCommand(newLaunchCmd())
	rootCmd.AddCommand(newInspectCmd())
	rootCmd.AddCommand(newCacheCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func Execute(rt *runtime.Runtime) error {
	return newRootCmd().ExecuteContext(rt.Ctx())
}
