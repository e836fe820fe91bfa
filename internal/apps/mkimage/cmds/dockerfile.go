package mkimage

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/0xa1bed0/mkimage/internal/dockerfile"
	"github.com/0xa1bed0/mkimage/internal/dockerimage"
	"github.com/0xa1bed0/mkimage/internal/pipeline"
	"github.com/0xa1bed0/mkimage/internal/runconfig"
)

func newDockerfileCmd() *cobra.Command {
	var buildArgs []string

	cmd := &cobra.Command{
		Use:   "dockerfile [PATH]",
		Short: "Print the Dockerfile the docker backend would build",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliArgs, err := parseBuildArgs(buildArgs)
			if err != nil {
				return err
			}
			dir, err := projectDir(args)
			if err != nil {
				return err
			}
			return renderDockerfile(cmd.OutOrStdout(), dir, cliArgs)
		},
	}
	attachBuildArgFlag(cmd, &buildArgs)

	return cmd
}

func renderDockerfile(w io.Writer, dir string, cliArgs map[string]string) error {
	in, err := pipeline.LoadInputs(dir, "")
	if err != nil {
		return err
	}
	cfg, err := runconfig.ResolveIn(in.Project.Config.SourceRoot(), mergeBuildArgs(in.Project, cliArgs), nil)
	if err != nil {
		return err
	}
	df, err := dockerfile.Render(dockerimage.ParamsFor(in.Project, in.Pin, in.Lock.Digest(), cfg))
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, df.String())
	return err
}
