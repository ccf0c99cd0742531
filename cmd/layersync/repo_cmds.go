package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/docker/go-units"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/schaermu/layersync/internal/repo"
	"github.com/schaermu/layersync/internal/sync"
)

var (
	nameFlag   string
	limitFlag  int
	deleteFlag bool
	switchFlag bool
)

var initCmd = &cobra.Command{
	Use:   "init <path>",
	Short: "Create an empty repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := setupLogger()
		name := nameFlag
		if name == "" {
			name = filepath.Base(args[0])
		}
		r, err := repo.Init(args[0], name, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized repository %s in %s\n", name, r.URL())
		return r.Close()
	},
}

var logCmd = &cobra.Command{
	Use:   "log <repo> [ref]",
	Short: "Show the first-parent history of a ref",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			ref := "HEAD"
			if len(args) == 2 {
				ref = args[1]
			}
			commits, err := r.Log(ctx, ref)
			if err != nil {
				return err
			}
			yellow := color.New(color.FgYellow).SprintFunc()
			faint := color.New(color.Faint).SprintFunc()
			for i, c := range commits {
				if limitFlag > 0 && i >= limitFlag {
					break
				}
				merge := ""
				if len(c.Parents) > 1 {
					merge = " (merge)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s%s %s\n", yellow(c.ShortID()), c.Message, merge,
					faint(fmt.Sprintf("<%s> %s ago", c.AuthorName, units.HumanDuration(time.Since(c.Timestamp)))))
			}
			return nil
		})
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch <repo> [name]",
	Short: "List, create, switch or delete branches",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			if len(args) == 1 {
				return listBranches(ctx, cmd, r)
			}
			name := args[1]
			switch {
			case deleteFlag:
				return r.DeleteBranch(ctx, name)
			case switchFlag:
				if _, err := r.BranchHead(ctx, name); errors.Is(err, repo.ErrRefNotFound) {
					if _, err := r.CreateBranch(ctx, name, refFlag); err != nil {
						return err
					}
				}
				return r.SwitchBranch(ctx, name)
			default:
				head, err := r.CreateBranch(ctx, name, refFlag)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "created %s at %s\n", name, repo.ShortID(head))
				return nil
			}
		})
	},
}

func listBranches(ctx context.Context, cmd *cobra.Command, r *repo.Local) error {
	branches, err := r.Branches(ctx)
	if err != nil {
		return err
	}
	current, err := r.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(branches))
	for n := range branches {
		names = append(names, n)
	}
	sort.Strings(names)
	green := color.New(color.FgGreen).SprintFunc()
	for _, n := range names {
		if n == current {
			fmt.Fprintf(cmd.OutOrStdout(), "* %s %s\n", green(n), repo.ShortID(branches[n]))
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n", n, repo.ShortID(branches[n]))
	}
	return nil
}

var tagCmd = &cobra.Command{
	Use:   "tag <repo> [name]",
	Short: "List, create or delete tags",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			if len(args) == 1 {
				tags, err := r.Tags(ctx)
				if err != nil {
					return err
				}
				for _, t := range tags {
					fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s %s\n", t.Name, repo.ShortID(t.Commit), t.Message)
				}
				return nil
			}
			if deleteFlag {
				return r.DeleteTag(ctx, args[1])
			}
			t, err := r.CreateTag(ctx, args[1], refFlag, messageFlag, a.cfg.Signature())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "tagged %s as %s\n", repo.ShortID(t.Commit), t.Name)
			return nil
		})
	},
}

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Manage the remotes of a repository",
}

var remoteAddCmd = &cobra.Command{
	Use:   "add <repo> <name> <url>",
	Short: "Register a remote repository",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			return r.AddRemote(ctx, args[1], args[2])
		})
	},
}

var remoteListCmd = &cobra.Command{
	Use:   "list <repo>",
	Short: "List remotes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			remotes, err := r.Remotes(ctx)
			if err != nil {
				return err
			}
			for _, rm := range remotes {
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", rm.Name, rm.URL)
			}
			return nil
		})
	},
}

var pushCmd = &cobra.Command{
	Use:   "push <repo> [remote]",
	Short: "Send a branch to a remote",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			res, err := a.engine.Push(ctx, r, remoteArg(args), a.branch(branchFlag))
			if err != nil {
				return err
			}
			if res.NothingToPush {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to push")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pushed %d commits to %s/%s\n", res.Pushed, res.Remote, res.Branch)
			return nil
		})
	},
}

var pullCmd = &cobra.Command{
	Use:   "pull <repo> [remote]",
	Short: "Fetch a branch from a remote and merge it",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			opts := a.syncOptions()
			remote, branch := remoteArg(args), a.branch(branchFlag)
			res, err := a.engine.Pull(ctx, r, remote, branch, opts)
			if errors.Is(err, sync.ErrUnresolvedConflicts) && res != nil && (oursFlag || theirsFlag) {
				opts.Resolutions = strategyResolutions(res.Conflicts)
				res, err = a.engine.Pull(ctx, r, remote, branch, opts)
			}
			if res != nil {
				printConflicts(cmd.OutOrStdout(), res.Conflicts)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s at %s, %d datasets updated\n", branch, res.Kind, repo.ShortID(res.Head), len(res.Updated))
			return nil
		})
	},
}

var removeRepoCmd = &cobra.Command{
	Use:   "remove-repo <repo>",
	Short: "Forget every tracked dataset of a repository",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepo(args[0], func(ctx context.Context, a *app, r *repo.Local) error {
			n, err := a.engine.RemoveRepository(ctx, r)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d tracked layers\n", n)
			return nil
		})
	},
}

func remoteArg(args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return "origin"
}

func init() {
	initCmd.Flags().StringVar(&nameFlag, "name", "", "repository name (default is the directory name)")
	logCmd.Flags().IntVarP(&limitFlag, "limit", "n", 0, "show at most n commits")

	branchCmd.Flags().BoolVarP(&deleteFlag, "delete", "d", false, "delete the branch")
	branchCmd.Flags().BoolVar(&switchFlag, "switch", false, "make the branch current, creating it if needed")
	branchCmd.Flags().StringVar(&refFlag, "from", "HEAD", "start point of a new branch")

	tagCmd.Flags().BoolVarP(&deleteFlag, "delete", "d", false, "delete the tag")
	tagCmd.Flags().StringVar(&refFlag, "ref", "HEAD", "commit to tag")
	tagCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "tag message")

	for _, c := range []*cobra.Command{pushCmd, pullCmd} {
		c.Flags().StringVarP(&branchFlag, "branch", "b", "", "branch (default from config)")
		c.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	}
	pullCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "merge commit message")
	pullCmd.Flags().BoolVar(&oursFlag, "ours", false, "resolve conflicts with the local version")
	pullCmd.Flags().BoolVar(&theirsFlag, "theirs", false, "resolve conflicts with the remote version")
	pullCmd.MarkFlagsMutuallyExclusive("ours", "theirs")

	remoteCmd.AddCommand(remoteAddCmd, remoteListCmd)
}
