package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/0k-tools/zk/internal/checkrestore"
	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/zklog"
)

func newUnfreezeCmd(exec executor.Executor, log *zklog.Logger) *cobra.Command {
	var (
		passphrase   string
		overwrite    bool
		skipExisting bool
		progress     bool
	)

	cmd := &cobra.Command{
		Use:   "unfreeze IMAGE",
		Short: "Restore a frozen image's contents back to their live locations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			session, err := checkrestore.Open(ctx, exec, log, args[0], passphrase)
			if err != nil {
				return err
			}
			defer session.Close(ctx)

			return checkrestore.Restore(ctx, exec, log, session, checkrestore.RestoreOptions{
				Overwrite:    overwrite,
				SkipExisting: skipExisting,
				ShowProgress: progress,
			})
		},
	}

	cmd.Flags().StringVar(&passphrase, "passphrase", "", "LUKS passphrase, if the image is encrypted")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing files at the restore destination")
	cmd.Flags().BoolVar(&skipExisting, "skip-existing", false, "skip entries whose destination already exists")
	cmd.Flags().BoolVar(&progress, "progress", false, "show rsync transfer progress")

	return cmd
}
