package mkimage

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/0xa1bed0/mkimage/internal/launcher"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/runconfig"
)

type launchFlags struct {
	workdir string
	module  string
}

func newLaunchCmd() *cobra.Command {
	var flags launchFlags

	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Run the service the way the image entrypoint does",
		Long: `Resolve HOST, FAST_API_PORT and PYTHONPATH from the environment, check
that the application module is importable and the address is free, then run
uvicorn in the foreground. The exit code is the server's.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			workdir := flags.workdir
			if workdir == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				workdir = wd
			}

			c, err := launchCommand(launcher.App{Module: flags.module}, os.Environ(), workdir)
			if err != nil {
				return err
			}
			logs.Infof("starting %s", c)
			return launcher.Launch(cmd.Context(), c)
		},
	}

	cmd.Flags().StringVar(&flags.workdir, "workdir", "", "directory the server runs in (default: current directory)")
	cmd.Flags().StringVar(&flags.module, "app", launcher.DefaultApp().Module, "ASGI application, module:attribute")

	return cmd
}

// launchCommand resolves the configuration from environ and preflights it.
// A listen port the image does not expose fails like the image entrypoint.
func launchCommand(app launcher.App, environ []string, workdir string) (launcher.Command, error) {
	vars := runconfig.EnvironMap(environ)
	cfg, err := runconfig.Resolve(nil, vars)
	if err != nil {
		return launcher.Command{}, err
	}

	if declared, ok := runconfig.DeclaredPort(vars); ok {
		if err := runconfig.CheckExposed(declared, cfg); err != nil {
			logs.Errorf("refusing to start: %v", err)
			return launcher.Command{}, &launcher.ExitError{Code: launcher.ExitPortMismatch, Err: err}
		}
	}

	if err := launcher.Preflight(app, cfg, workdir); err != nil {
		return launcher.Command{}, err
	}

	c := launcher.BuildCommand(app, cfg, environ)
	c.Dir = workdir
	return c, nil
}
