package mkimage

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/0xa1bed0/mkimage/internal/buildcache"
	"github.com/0xa1bed0/mkimage/internal/logs"
	"github.com/0xa1bed0/mkimage/internal/ui"
)

const defaultPruneAge = 7 * 24 * time.Hour

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local build cache",
	}
	cmd.AddCommand(newCacheLsCmd())
	cmd.AddCommand(newCachePruneCmd())
	cmd.AddCommand(newCacheRmCmd())
	return cmd
}

func newCacheLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List cached environments and layers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cache, _, err := openCache(cmd.Context(), buildcache.RemoteConfig{})
			if err != nil {
				return err
			}
			entries, err := cache.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(entries) == 0 {
				fmt.Fprintln(out, "The build cache is empty")
				return nil
			}
			return renderEntries(out, entries, time.Now())
		},
	}
}

func newCachePruneCmd() *cobra.Command {
	var olderThan time.Duration
	var yes bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove cache entries that were not used recently",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cache, _, err := openCache(ctx, buildcache.RemoteConfig{})
			if err != nil {
				return err
			}
			entries, err := cache.List(ctx)
			if err != nil {
				return err
			}

			cutoff := time.Now().Add(-olderThan)
			stale := unusedSince(entries, cutoff)
			out := cmd.OutOrStdout()
			if len(stale) == 0 {
				fmt.Fprintf(out, "Nothing unused for %s\n", units.HumanDuration(olderThan))
				return nil
			}

			if !yes {
				ok, err := logs.PromptConfirm(fmt.Sprintf("Remove %d cache entries (%s)?", len(stale), units.HumanSize(float64(totalSize(stale)))))
				if errors.Is(err, ui.ErrNotInteractive) {
					return fmt.Errorf("not a terminal: pass --yes to prune")
				}
				if err != nil || !ok {
					return err
				}
			}

			removed, err := cache.Prune(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Removed %d entries, %s\n", len(removed), units.HumanSize(float64(totalSize(removed))))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", defaultPruneAge, "remove entries unused for this long")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	return cmd
}

func newCacheRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm [KEY...]",
		Short: "Remove cache entries by key prefix, or pick them interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cache, _, err := openCache(ctx, buildcache.RemoteConfig{})
			if err != nil {
				return err
			}
			entries, err := cache.List(ctx)
			if err != nil {
				return err
			}

			var keys []buildcache.Key
			if len(args) > 0 {
				keys, err = matchKeys(entries, args)
				if err != nil {
					return err
				}
			} else {
				if len(entries) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "The build cache is empty")
					return nil
				}
				keys, err = pickKeys(entries)
				if err != nil {
					return err
				}
			}
			if len(keys) == 0 {
				return nil
			}

			removed, err := cache.Remove(ctx, keys...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d entries, %s\n", len(removed), units.HumanSize(float64(totalSize(removed))))
			return nil
		},
	}
}

type entryOption struct {
	entry buildcache.Entry
}

func (o entryOption) OptionLabel() string {
	return fmt.Sprintf("%s  %-40s %s", o.entry.Key.Short(), describeEntry(o.entry), units.HumanSize(float64(o.entry.Size)))
}

func (o entryOption) OptionID() string {
	return o.entry.Key.String()
}

func pickKeys(entries []buildcache.Entry) ([]buildcache.Key, error) {
	options := make([]entryOption, len(entries))
	for i, e := range sortEntries(entries) {
		options[i] = entryOption{entry: e}
	}
	chosen, err := logs.PromptSelectMany("Select cache entries to remove", ui.ToSelectOptions(options))
	if err != nil {
		return nil, err
	}
	keys := make([]buildcache.Key, 0, len(chosen))
	for _, c := range chosen {
		keys = append(keys, buildcache.Key(c.OptionID()))
	}
	return keys, nil
}

// matchKeys resolves key prefixes as shown by `cache ls`. A prefix must name
// exactly one entry.
func matchKeys(entries []buildcache.Entry, prefixes []string) ([]buildcache.Key, error) {
	var keys []buildcache.Key
	for _, p := range prefixes {
		var found []buildcache.Key
		for _, e := range entries {
			if strings.HasPrefix(e.Key.String(), p) {
				found = append(found, e.Key)
			}
		}
		switch len(found) {
		case 0:
			return nil, fmt.Errorf("no cache entry matches %q", p)
		case 1:
			keys = append(keys, found[0])
		default:
			return nil, fmt.Errorf("%q matches %d cache entries", p, len(found))
		}
	}
	return keys, nil
}

func renderEntries(w io.Writer, entries []buildcache.Entry, now time.Time) error {
	tbl := ui.NewTable(
		ui.Column{Header: "KEY"},
		ui.Column{Header: "CONTENT", MaxWidth: 48},
		ui.Column{Header: "SIZE", Align: ui.AlignRight},
		ui.Column{Header: "CREATED"},
		ui.Column{Header: "LAST USED"},
	)
	for _, e := range sortEntries(entries) {
		tbl.AddRow(
			e.Key.Short(),
			describeEntry(e),
			units.HumanSize(float64(e.Size)),
			ago(now, e.CreatedAt),
			ago(now, e.LastUsed),
		)
	}
	if err := tbl.Render(w); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d entries, %s\n", len(entries), units.HumanSize(float64(totalSize(entries))))
	return err
}

// describeEntry summarizes what a cache entry holds from its metadata.
func describeEntry(e buildcache.Entry) string {
	m := e.Meta
	switch {
	case m["kind"] == "environment":
		return fmt.Sprintf("python %s, %s packages (%s)", m["python"], m["packages"], m["platform"])
	case m["tag"] != "":
		return "image " + m["tag"]
	case m["step"] != "":
		return "layer " + m["step"]
	default:
		return "-"
	}
}

func ago(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return units.HumanDuration(now.Sub(t)) + " ago"
}

func sortEntries(entries []buildcache.Entry) []buildcache.Entry {
	out := append([]buildcache.Entry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out
}

func unusedSince(entries []buildcache.Entry, cutoff time.Time) []buildcache.Entry {
	var out []buildcache.Entry
	for _, e := range entries {
		if e.LastUsed.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

func totalSize(entries []buildcache.Entry) int64 {
	var n int64
	for _, e := range entries {
		n += e.Size
	}
	return n
}
