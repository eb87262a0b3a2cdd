package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/0k-tools/zk/internal/checkrestore"
	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/zklog"
)

func newCheckCmd(exec executor.Executor, log *zklog.Logger) *cobra.Command {
	var (
		passphrase  string
		deleteOK    bool
		forceDelete bool
		compare     bool
		concurrent  int
	)

	cmd := &cobra.Command{
		Use:   "check IMAGE",
		Short: "Compare a frozen image against its live locations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			session, err := checkrestore.Open(ctx, exec, log, args[0], passphrase)
			if err != nil {
				return err
			}
			defer session.Close(ctx)

			stats, err := checkrestore.Check(ctx, log, session, checkrestore.CheckOptions{
				Delete:      deleteOK,
				ForceDelete: forceDelete,
				UseCompare:  compare,
				Concurrency: concurrent,
			})
			if err != nil {
				return err
			}

			fmt.Printf("matched: %d files, %d dirs, %d links\n", stats.FilesMatched, stats.DirsMatched, stats.LinksMatched)
			fmt.Printf("mismatched: %d, missing: %d, skipped: %d, archive missing: %d\n", stats.Mismatch, stats.Missing, stats.Skipped, stats.ArchiveMissing)
			if deleteOK {
				fmt.Printf("deleted: %d files, %d dirs, %d links\n", stats.FilesDeleted, stats.DirsDeleted, stats.LinksDeleted)
			}

			if stats.Mismatch > 0 || stats.Missing > 0 || stats.ArchiveMissing > 0 {
				// os.Exit skips deferred calls, so unmount first.
				session.Close(ctx)
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", "", "LUKS passphrase, if the image is encrypted")
	cmd.Flags().BoolVar(&deleteOK, "delete", false, "delete live content that matches the archived copy")
	cmd.Flags().BoolVar(&forceDelete, "force-delete", false, "delete live content even when its mtime is newer than the archived copy")
	cmd.Flags().BoolVar(&compare, "compare", false, "byte-compare file contents instead of trusting matching sizes")
	cmd.Flags().IntVar(&concurrent, "concurrency", 0, "number of entries to compare concurrently (default 8)")

	return cmd
}
