package mkimage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/ociimage"
	"github.com/0xa1bed0/mkimage/internal/runtime"
	"github.com/0xa1bed0/mkimage/internal/state"
	"github.com/0xa1bed0/mkimage/internal/ui"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect DIR",
		Short: "Show the configuration of an OCI image layout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			img, err := ociimage.ReadLayout(dir, "")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if err := printImage(out, img); err != nil {
				return err
			}
			if rec, ok := lastBuildOf(cmd.Context(), dir); ok {
				fmt.Fprintf(out, "\nBuilt %s ago from %s (%s backend, build %s)\n",
					units.HumanDuration(time.Since(rec.Time)), rec.Dir, rec.Backend, rec.BuildID)
				if len(rec.CacheHit) > 0 {
					fmt.Fprintf(out, "Cached stages: %s\n", strings.Join(rec.CacheHit, ", "))
				}
			}
			return nil
		},
	}

	return cmd
}

func printImage(w io.Writer, img *ociimage.Image) error {
	cfg := img.Config.Config

	summary := ui.NewTable(ui.Column{Header: "FIELD"}, ui.Column{Header: "VALUE", MaxWidth: 96})
	summary.AddRow("platform", img.Config.OS+"/"+img.Config.Architecture)
	summary.AddRow("user", cfg.User)
	summary.AddRow("workdir", cfg.WorkingDir)
	summary.AddRow("ports", strings.Join(img.ExposedPorts(), ", "))
	summary.AddRow("volumes", strings.Join(sortedKeys(cfg.Volumes), ", "))
	summary.AddRow("entrypoint", strings.Join(cfg.Entrypoint, " "))
	for _, kv := range cfg.Env {
		summary.AddRow("env", kv)
	}
	labels := make([]string, 0, len(cfg.Labels))
	for k := range cfg.Labels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	for _, k := range labels {
		summary.AddRow("label", k+"="+cfg.Labels[k])
	}
	if err := summary.Render(w); err != nil {
		return err
	}
	fmt.Fprintln(w)

	layers := ui.NewTable(
		ui.Column{Header: "#", Align: ui.AlignRight},
		ui.Column{Header: "DIGEST", MaxWidth: 23},
		ui.Column{Header: "SIZE", Align: ui.AlignRight},
		ui.Column{Header: "CREATED BY", MaxWidth: 48},
	)
	for i, l := range img.Layers {
		layers.AddRow(fmt.Sprint(i), l.Digest.String(), units.HumanSize(float64(l.Size())), l.CreatedBy)
	}
	return layers.Render(w)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// lastBuildOf finds the recorded build that wrote the layout at dir.
func lastBuildOf(ctx context.Context, dir string) (runtime.BuildRecord, bool) {
	kv, err := state.DefaultKVStore(ctx)
	if err != nil {
		logs.Debugf("no build state: %v", err)
		return runtime.BuildRecord{}, false
	}
	records, err := runtime.NewBuildHistory(kv).List(ctx)
	if err != nil {
		logs.Debugf("read build history: %v", err)
		return runtime.BuildRecord{}, false
	}
	for _, rec := range records {
		if rec.Output == dir {
			return rec, true
		}
	}
	return runtime.BuildRecord{}, false
}
