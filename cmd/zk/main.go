// Command zk freezes filesystem targets into a mountable, identity-
// preserving squashfs image (optionally LUKS-encrypted), verifies a
// frozen image against its live locations, and restores one back.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/zkerr"
	"github.com/0k-tools/zk/internal/zklog"
)

func main() {
	os.Exit(run())
}

func run() int {
	var verbose, debug bool

	root := &cobra.Command{
		Use:   "zk",
		Short: "Freeze, check, and restore identity-preserving cold storage images",
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	viper.BindPFlag("verbose", root.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("debug", root.PersistentFlags().Lookup("debug"))
	viper.SetEnvPrefix("ZK")
	viper.AutomaticEnv()

	log := zklog.NewLogger(verbose, debug)
	exec := executor.NewReal()

	root.AddCommand(newFreezeCmd(exec, log))
	root.AddCommand(newCheckCmd(exec, log))
	root.AddCommand(newUnfreezeCmd(exec, log))

	if err := root.Execute(); err != nil {
		if hint, ok := zkerr.FriendlyHint(err); ok {
			fmt.Fprintln(os.Stderr, hint)
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		return zkerr.ExitCode(err)
	}
	return 0
}
