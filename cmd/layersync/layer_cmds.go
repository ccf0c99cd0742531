package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/schaermu/layersync/internal/dataset"
	"github.com/schaermu/layersync/internal/export"
	"github.com/schaermu/layersync/internal/merge"
	"github.com/schaermu/layersync/internal/repo"
	"github.com/schaermu/layersync/internal/source"
	"github.com/schaermu/layersync/internal/sync"
)

var (
	branchFlag    string
	refFlag       string
	messageFlag   string
	layerFlag     string
	dirFlag       string
	allFlag       bool
	untrackedFlag bool
	oursFlag      bool
	theirsFlag    bool
)

var addLayerCmd = &cobra.Command{
	Use:   "add-layer <repo> <file>",
	Short: "Add a GeoPackage layer that is not yet versioned to a repository",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			layer := layerFlag
			if layer == "" {
				layers, err := dataset.Layers(ctx, args[1])
				if err != nil {
					return err
				}
				if len(layers) == 0 {
					return fmt.Errorf("no layers in %s", args[1])
				}
				layer = layers[0]
			}
			ds, err := dataset.OpenGeoPackage(args[1], layer)
			if err != nil {
				return err
			}
			if err := a.ws.Add(ds); err != nil {
				_ = ds.Close()
				return err
			}
			res, err := a.exporter.ImportNewLayer(ctx, r, ds, a.importRequest(a.branch(branchFlag)))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added %s with %d features in %s\n", layer, res.Changes, repo.ShortID(res.CommitID))
			return nil
		})
	},
}

var checkoutCmd = &cobra.Command{
	Use:   "checkout <repo> [layer]",
	Short: "Export a layer (or every layer with --all) into its tracked GeoPackage",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			var paths []string
			switch {
			case allFlag:
				p, err := a.exporter.ExportFullRepo(ctx, r, refFlag)
				if err != nil {
					return err
				}
				paths = p
			case len(args) == 2:
				ds, err := a.exporter.CheckoutLayer(ctx, r, args[1], refFlag)
				if err != nil {
					return err
				}
				paths = []string{ds.Path()}
			default:
				return errors.New("a layer name or --all is required")
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <repo>",
	Short: "Show how tracked datasets relate to a branch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			branch := a.branch(branchFlag)
			datasets, err := a.trackedDatasets(ctx, r, branch)
			if err != nil {
				return err
			}
			if len(datasets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no tracked datasets")
				return nil
			}
			for _, ds := range datasets {
				st, err := a.engine.Status(ctx, r, ds, branch)
				if err != nil {
					return err
				}
				printStatus(cmd.OutOrStdout(), st)
			}
			return nil
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <repo> [dataset]",
	Short: "Commit local edits and merge upstream changes of tracked datasets",
	Long: `Sync reconciles tracked datasets with a branch. Local edits are committed,
upstream changes are merged into the datasets. Without a dataset every tracked
dataset of the repository is synced, and nothing is committed while any layer
has unresolved conflicts.

Conflicts can be resolved for the whole run with --ours (keep the local
version) or --theirs (keep the branch version).`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			branch := a.branch(branchFlag)
			opts := a.syncOptions()

			run := func(opts sync.Options) (*sync.Result, error) {
				if len(args) == 2 {
					ds, err := a.resolver.ResolveOrLoad(ctx, args[1])
					if err != nil {
						return nil, err
					}
					return a.engine.Sync(ctx, r, ds, branch, opts)
				}
				return a.engine.SyncRepo(ctx, r, branch, opts)
			}

			res, err := run(opts)
			if errors.Is(err, sync.ErrUnresolvedConflicts) && res != nil && (oursFlag || theirsFlag) {
				opts.Resolutions = strategyResolutions(res.Conflicts)
				res, err = run(opts)
			}
			if res != nil {
				printConflicts(cmd.OutOrStdout(), res.Conflicts)
			}
			if err != nil {
				return err
			}

			for _, st := range res.States {
				printStatus(cmd.OutOrStdout(), st)
			}
			if res.CommitID != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s is at %s (%d changes)\n", branch, repo.ShortID(res.CommitID), res.Changes)
			}
			return nil
		})
	},
}

var importCmd = &cobra.Command{
	Use:   "import <repo> <dataset>",
	Short: "Commit the local edits of one tracked dataset",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			ds, err := a.resolver.ResolveOrLoad(ctx, args[1])
			if err != nil {
				return err
			}
			req := a.importRequest(a.branch(branchFlag))
			res, err := a.exporter.ImportEdits(ctx, r, ds, req)
			if errors.Is(err, export.ErrUnresolvedConflicts) && res != nil && (oursFlag || theirsFlag) {
				req.AllowConflicts = true
				req.Resolutions = strategyResolutions(res.Conflicts)
				res, err = a.exporter.ImportEdits(ctx, r, ds, req)
			}
			if res != nil {
				printConflicts(cmd.OutOrStdout(), res.Conflicts)
			}
			if err != nil {
				return err
			}
			if res.CommitID == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to import")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d changes as %s\n", res.Changes, repo.ShortID(res.CommitID))
			return nil
		})
	},
}

var exportDiffCmd = &cobra.Command{
	Use:   "export-diff <repo> <from> <to>",
	Short: "Export the features that changed between two commits",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			dir := a.outputDir()
			diffs := map[string]export.DiffPaths{}
			if layerFlag != "" {
				var p export.DiffPaths
				var err error
				p.Before, err = a.exporter.ExportDiff(ctx, r, args[1], args[2], layerFlag, dir, true, true)
				if err == nil {
					p.After, err = a.exporter.ExportDiff(ctx, r, args[1], args[2], layerFlag, dir, false, true)
				}
				if err != nil && !errors.Is(err, repo.ErrLayerNotFound) {
					return err
				}
				diffs[layerFlag] = p
			} else {
				var err error
				if diffs, err = a.exporter.ExportVersionDiffs(ctx, r, args[1], args[2], dir); err != nil {
					return err
				}
			}

			names := make([]string, 0, len(diffs))
			for n := range diffs {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				p := diffs[n]
				if p.Before == "" && p.After == "" {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: no comparable changes\n", n)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s:\n  before %s\n  after  %s\n", n, p.Before, p.After)
			}
			return nil
		})
	},
}

var exportVersionCmd = &cobra.Command{
	Use:   "export-version <repo> <ref>",
	Short: "Export every layer of a commit as read only GeoPackages",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			paths, err := a.exporter.ExportVersion(ctx, r, args[1], a.outputDir())
			if err != nil {
				return err
			}
			for _, p := range paths {
				fmt.Fprintln(cmd.OutOrStdout(), p)
			}
			return nil
		})
	},
}

var trackCmd = &cobra.Command{
	Use:   "track",
	Short: "Inspect and maintain tracked layers",
}

var trackListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked layers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			if untrackedFlag {
				return listUntracked(ctx, cmd.OutOrStdout(), a)
			}
			for _, l := range a.store.List() {
				size := "-"
				if info, err := os.Stat(l.GeoPkg); err == nil {
					size = units.HumanSize(float64(info.Size()))
				}
				audit, err := export.ReadAudit(ctx, l.GeoPkg, l.LayerName)
				if err != nil {
					audit = "?"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %-9s %-8s %s\n", l.LayerName, size, repo.ShortID(audit), l.Source)
			}
			return nil
		})
	},
}

// listUntracked prints the layers of dataset files below the export
// directory that no tracking entry refers to
func listUntracked(ctx context.Context, w io.Writer, a *app) error {
	files, err := source.DiscoverDatasets(a.cfg.Paths.ExportDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", a.cfg.Paths.ExportDir, err)
	}
	for _, f := range files {
		layers, err := dataset.Layers(ctx, f)
		if err != nil {
			a.logger.Warn("skipping unreadable dataset", "path", f, "error", err)
			continue
		}
		for _, l := range layers {
			src, err := source.Canonicalize(f + "|layername=" + l)
			if err != nil || a.store.IsTracked(src) {
				continue
			}
			fmt.Fprintf(w, "untracked %s\n", src)
		}
	}
	return nil
}

var trackRemoveCmd = &cobra.Command{
	Use:   "remove <dataset>",
	Short: "Stop tracking a dataset",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			src, err := source.Canonicalize(args[0])
			if err != nil {
				return err
			}
			if !a.store.IsTracked(src) {
				return fmt.Errorf("%s is not tracked", src)
			}
			return a.store.Remove(src)
		})
	},
}

var trackPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop tracked layers whose files no longer exist",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(ctx context.Context, a *app) error {
			// missing files are pruned while the app starts
			fmt.Fprintf(cmd.OutOrStdout(), "pruned %d, %d tracked layers left\n", a.pruned, len(a.store.List()))
			return nil
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{addLayerCmd, statusCmd, syncCmd, importCmd} {
		c.Flags().StringVarP(&branchFlag, "branch", "b", "", "branch (default from config)")
	}
	for _, c := range []*cobra.Command{addLayerCmd, syncCmd, importCmd} {
		c.Flags().StringVarP(&messageFlag, "message", "m", "", "commit message")
	}
	for _, c := range []*cobra.Command{syncCmd, importCmd} {
		c.Flags().BoolVar(&oursFlag, "ours", false, "resolve conflicts with the local version")
		c.Flags().BoolVar(&theirsFlag, "theirs", false, "resolve conflicts with the branch version")
		c.MarkFlagsMutuallyExclusive("ours", "theirs")
	}
	for _, c := range []*cobra.Command{exportDiffCmd, exportVersionCmd} {
		c.Flags().StringVar(&dirFlag, "dir", "", "output directory (default is the configured temp dir)")
	}

	addLayerCmd.Flags().StringVar(&layerFlag, "layer", "", "layer of the file (default is the first one)")
	checkoutCmd.Flags().StringVar(&refFlag, "ref", "HEAD", "commit, branch or tag to export")
	checkoutCmd.Flags().BoolVar(&allFlag, "all", false, "export every layer")
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	exportDiffCmd.Flags().StringVar(&layerFlag, "layer", "", "only export this layer")
	trackListCmd.Flags().BoolVar(&untrackedFlag, "untracked", false, "list datasets in the export directory that are not tracked")

	trackCmd.AddCommand(trackListCmd, trackRemoveCmd, trackPruneCmd)
}

func (a *app) importRequest(branch string) export.ImportRequest {
	return export.ImportRequest{
		Branch:         branch,
		Message:        messageFlag,
		AuthorName:     a.cfg.User.Name,
		AuthorEmail:    a.cfg.User.Email,
		AllowConflicts: a.cfg.Sync.AllowConflicts,
	}
}

func (a *app) syncOptions() sync.Options {
	return sync.Options{
		Message:     messageFlag,
		AuthorName:  a.cfg.User.Name,
		AuthorEmail: a.cfg.User.Email,
		DryRun:      dryRun,
	}
}

func (a *app) outputDir() string {
	if dirFlag != "" {
		return dirFlag
	}
	return filepath.Join(a.cfg.Paths.TempDir, "diffs")
}

// trackedDatasets opens every tracked dataset of r whose layer exists on branch
func (a *app) trackedDatasets(ctx context.Context, r repo.Repository, branch string) ([]dataset.Dataset, error) {
	trees, err := r.Trees(ctx, branch)
	if err != nil {
		return nil, err
	}
	var out []dataset.Dataset
	for _, l := range a.store.ForRepository(r.URL(), trees) {
		ds, err := a.resolver.ResolveOrLoad(ctx, l.Source)
		if err != nil {
			return nil, err
		}
		out = append(out, ds)
	}
	return out, nil
}

// strategyResolutions resolves every conflict with the side picked by
// --ours or --theirs
func strategyResolutions(conflicts []merge.Conflict) merge.Resolutions {
	pick := merge.Ours()
	if theirsFlag {
		pick = merge.Theirs()
	}
	rs := make(merge.Resolutions, len(conflicts))
	for _, c := range conflicts {
		rs[c.Key()] = pick
	}
	return rs
}

var stateColors = map[sync.State]*color.Color{
	sync.InSync:      color.New(color.FgGreen),
	sync.LocalAhead:  color.New(color.FgCyan),
	sync.RemoteAhead: color.New(color.FgYellow),
	sync.Diverged:    color.New(color.FgMagenta),
	sync.Conflicted:  color.New(color.FgRed, color.Bold),
}

func printStatus(w io.Writer, st *sync.Status) {
	state := stateColors[st.State].Sprintf("%-12s", st.State)
	fmt.Fprintf(w, "%s %-10s %s..%s local %d, upstream %d  %s\n", state, st.Layer,
		repo.ShortID(st.Audit), repo.ShortID(st.Head), st.Local.Count(), st.Upstream.Count(), st.Source)
}

func printConflicts(w io.Writer, conflicts []merge.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(w, "%s\n", red(fmt.Sprintf("%d unresolved conflicts:", len(conflicts))))
	for _, c := range conflicts {
		fmt.Fprintf(w, "  %s\n    ancestor: %s\n    ours:     %s\n    theirs:   %s\n",
			red(c.Key()), c.Ancestor.String(), c.Ours.String(), c.Theirs.String())
	}
}
