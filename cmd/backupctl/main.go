// Command backupctl is a minimal operator CLI over a local datastore
// registry: create a datastore, run garbage collection on demand, pull
// from a remote (or locally mounted) datastore, and list snapshots.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gastrolog/internal/backupclient"
	"gastrolog/internal/backuperrs"
	"gastrolog/internal/config"
	configfile "gastrolog/internal/config/file"
	"gastrolog/internal/datastore"
	"gastrolog/internal/digest"
	"gastrolog/internal/gc"
	"gastrolog/internal/keyderiv"
	"gastrolog/internal/schedule"
	syncengine "gastrolog/internal/sync"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	rootCmd := &cobra.Command{
		Use:   "backupctl",
		Short: "Manage a local backup datastore registry",
	}
	rootCmd.PersistentFlags().String("config", "backupctl.json", "path to the datastore-definitions file")

	rootCmd.AddCommand(
		newCreateDatastoreCmd(logger),
		newGCCmd(logger),
		newPullCmd(logger),
		newListSnapshotsCmd(logger),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps an error to the documented exit codes: 0 is never
// reached here (Execute only returns non-nil on failure), 1 for soft
// failures a sync collected, 2 for anything else.
func exitCodeFor(err error) int {
	var soft *softFailureError
	if errors.As(err, &soft) {
		return 1
	}
	return 2
}

// softFailureError marks a command that completed but encountered
// per-item failures (e.g. a sync that logged some group failures),
// distinguishing exit code 1 from a fatal exit code 2.
type softFailureError struct {
	count int
}

func (e *softFailureError) Error() string {
	return fmt.Sprintf("%d soft error(s) encountered", e.count)
}

func loadRegistry(cmd *cobra.Command, logger *slog.Logger) (*datastore.Registry, *configfile.Store, error) {
	path, _ := cmd.Flags().GetString("config")
	store := configfile.NewStore(path)
	reg := datastore.NewRegistry(store, logger)
	return reg, store, nil
}

func newCreateDatastoreCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-datastore <name> <path>",
		Short: "Register and initialize a new datastore",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			comment, _ := cmd.Flags().GetString("comment")
			schedule, _ := cmd.Flags().GetString("gc-schedule")
			passphrase, _ := cmd.Flags().GetString("encrypt")

			_, store, err := loadRegistry(cmd, logger)
			if err != nil {
				return err
			}

			var key digest.Key
			if passphrase != "" {
				derived, _, err := keyderiv.Derive(passphrase)
				if err != nil {
					return fmt.Errorf("derive encryption key: %w", err)
				}
				key = derived
			}

			if _, err := datastore.Create(name, path, key, logger); err != nil {
				return fmt.Errorf("initialize datastore: %w", err)
			}

			if err := store.Put(config.DatastoreConfig{
				Name:          name,
				RootPath:      path,
				EncryptionKey: []byte(key),
				GCSchedule:    schedule,
				Comment:       comment,
			}); err != nil {
				return fmt.Errorf("persist datastore definition: %w", err)
			}

			fmt.Printf("created datastore %q at %s\n", name, path)
			return nil
		},
	}
	cmd.Flags().String("comment", "", "operator note stored with the datastore definition")
	cmd.Flags().String("gc-schedule", "", "cron expression for scheduled garbage collection")
	cmd.Flags().String("encrypt", "", "passphrase to derive the datastore's encryption key from; empty means unencrypted")
	return cmd
}

func newGCCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gc <datastore>",
		Short: "Run garbage collection against a datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			watch, _ := cmd.Flags().GetBool("watch")

			reg, store, err := loadRegistry(cmd, logger)
			if err != nil {
				return err
			}
			defer reg.Close()

			ds, err := reg.Get(args[0])
			if err != nil {
				return fmt.Errorf("open datastore %q: %w", args[0], err)
			}

			if !watch {
				ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
				defer cancel()
				return runGCOnce(ctx, args[0], ds)
			}

			def, err := store.Lookup(args[0])
			if err != nil {
				return fmt.Errorf("look up datastore %q: %w", args[0], err)
			}
			if def.GCSchedule == "" {
				return fmt.Errorf("datastore %q has no gc-schedule configured", args[0])
			}

			sched, err := schedule.New(logger)
			if err != nil {
				return err
			}
			if err := sched.AddJob("gc:"+args[0], def.GCSchedule, func(ctx context.Context) error {
				return runGCOnce(ctx, args[0], ds)
			}); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()
			fmt.Printf("watching %q on schedule %q, press ctrl-c to stop\n", args[0], def.GCSchedule)
			<-ctx.Done()
			return sched.Stop()
		},
	}
	cmd.Flags().Bool("watch", false, "instead of running once, block and run on the datastore's configured gc-schedule")
	return cmd
}

func runGCOnce(ctx context.Context, name string, ds *datastore.DataStore) error {
	status, err := ds.GC().Run(ctx)
	if err != nil {
		if errors.Is(err, gc.ErrAlreadyRunning) {
			return fmt.Errorf("garbage collection already running for %q", name)
		}
		return fmt.Errorf("run gc: %w", err)
	}

	fmt.Printf("gc complete: %d chunks remaining (%d bytes), removed %d chunks (%d bytes)\n",
		status.TotalChunks-status.RemovedChunks, status.TotalBytes-status.RemovedBytes,
		status.RemovedChunks, status.RemovedBytes)
	return nil
}

func newPullCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull <remote> <local>",
		Short: "Pull groups and snapshots from a remote datastore into a local one",
		Long:  "remote is a path to a datastore reachable from this machine's filesystem (a mounted share, a second local datastore); routing to a networked remote is handled by a separate binding, not this command.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			remotePath, localName := args[0], args[1]
			deleteStale, _ := cmd.Flags().GetBool("delete")
			include, _ := cmd.Flags().GetString("include")

			reg, _, err := loadRegistry(cmd, logger)
			if err != nil {
				return err
			}
			defer reg.Close()

			localDS, err := reg.Get(localName)
			if err != nil {
				return fmt.Errorf("open local datastore %q: %w", localName, err)
			}

			remoteDS, err := datastore.Open("remote", remotePath, localDS.Key(), logger)
			if err != nil {
				return fmt.Errorf("open remote datastore at %s: %w", remotePath, err)
			}

			transport := backupclient.NewLocalTransport(remoteDS)
			engine := syncengine.New(localDS, transport, logger)
			engine.ArchiveFilter = include

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
			defer cancel()

			res, err := engine.PullStore(ctx, deleteStale)
			if err != nil {
				return fmt.Errorf("pull: %w", err)
			}

			fmt.Printf("pulled %d snapshot(s), fetched %d chunk(s)\n", res.SnapshotsPulled, res.ChunksFetched)
			if len(res.Errors) > 0 {
				for _, e := range res.Errors {
					fmt.Fprintf(os.Stderr, "warning: %v\n", e)
				}
				return &softFailureError{count: len(res.Errors)}
			}
			return nil
		},
	}
	cmd.Flags().Bool("delete", false, "remove local snapshots and groups absent from the remote")
	cmd.Flags().String("include", "", "doublestar glob; only archives whose filename matches are pulled")
	return cmd
}

func newListSnapshotsCmd(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "list-snapshots <datastore>",
		Short: "List every snapshot in a datastore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, _, err := loadRegistry(cmd, logger)
			if err != nil {
				return err
			}
			defer reg.Close()

			ds, err := reg.Get(args[0])
			if err != nil {
				return fmt.Errorf("open datastore %q: %w", args[0], err)
			}

			groups, err := ds.ListGroups()
			if err != nil {
				return fmt.Errorf("list groups: %w", err)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tID\tBACKUP-TIME")
			for _, g := range groups {
				snaps, err := ds.ListSnapshots(g)
				if err != nil {
					return fmt.Errorf("list snapshots for %s: %w", g, err)
				}
				for _, s := range snaps {
					sealed := ""
					if _, err := datastore.ReadManifest(ds.SnapshotDir(s), ds.Key()); err != nil {
						if backuperrs.Classify(err) != backuperrs.KindNotFound {
							return fmt.Errorf("read manifest for %s: %w", s, err)
						}
						sealed = " (incomplete)"
					}
					fmt.Fprintf(w, "%s\t%s\t%s%s\n", g.Type, g.ID, s.Time.Format("2006-01-02T15:04:05Z"), sealed)
				}
			}
			return w.Flush()
		},
	}
}
