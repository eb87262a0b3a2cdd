package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/0k-tools/zk/internal/executor"
	"github.com/0k-tools/zk/internal/freeze"
	"github.com/0k-tools/zk/internal/sink"
	"github.com/0k-tools/zk/internal/zklog"
)

func newFreezeCmd(exec executor.Executor, log *zklog.Logger) *cobra.Command {
	var (
		output      string
		encrypt     bool
		passphrase  string
		compression int
		overwrite   bool
		dereference bool
		redundancy  bool
		remote      string
		progress    string
		prefix      string
	)

	cmd := &cobra.Command{
		Use:   "freeze TARGET...",
		Short: "Pack one or more targets into a frozen image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolvedOutput := output
			if fi, err := os.Stat(output); err == nil && fi.IsDir() {
				name, err := resolveDirectoryOutputName(args[0], prefix, encrypt)
				if err != nil {
					return err
				}
				resolvedOutput = filepath.Join(output, name)
			}

			opts := freeze.Options{
				Targets:     args,
				OutputPath:  resolvedOutput,
				Encrypt:     encrypt,
				Passphrase:  passphrase,
				Compression: compression,
				Overwrite:   overwrite,
				Dereference: dereference,
				Redundancy:  redundancy,
			}
			switch progress {
			case "vanilla":
				opts.Progress = freeze.ProgressVanilla
			case "alfa":
				opts.Progress = freeze.ProgressAlfa
			default:
				opts.Progress = freeze.ProgressNone
			}
			if remote != "" {
				s, name, err := resolveRemoteSink(cmd.Context(), remote, log)
				if err != nil {
					return err
				}
				opts.RemoteSink = s
				opts.RemoteName = name
			}

			path, err := freeze.Freeze(context.Background(), exec, log, opts)
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output image path (default: derived from the first target)")
	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "wrap the image in a LUKS encrypted container (requires root)")
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "LUKS passphrase (prompted for if omitted, not yet implemented here)")
	cmd.Flags().IntVar(&compression, "compression", 0, "zstd compression level (default 19)")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "allow overwriting an existing output/container")
	cmd.Flags().BoolVar(&dereference, "dereference", false, "follow symlinked targets instead of freezing the link itself")
	cmd.Flags().BoolVar(&redundancy, "redundancy", false, "write a Reed-Solomon parity sidecar alongside the image")
	cmd.Flags().StringVar(&remote, "remote", "", "remote destination for the finalized image: a local/network directory, or a gs://bucket/object URI")
	cmd.Flags().StringVar(&progress, "progress", "none", "progress display: none, vanilla, or alfa")
	cmd.Flags().StringVar(&prefix, "prefix", "", "prefix for the auto-generated filename when --output names a directory (prompted for interactively if omitted)")

	return cmd
}

// resolveDirectoryOutputName generates the filename to use inside an
// --output directory, prompting interactively for a prefix if --prefix
// wasn't given, and falling back to the target's basename if the prompt
// can't be answered (no input, or piped/non-interactive stdin).
// Grounded on original_source's 0k.rs resolve_directory_output /
// prompt_for_prefix.
func resolveDirectoryOutputName(target, prefix string, encrypt bool) (string, error) {
	if prefix == "" {
		prefix = promptForPrefix(filepath.Base(target))
	}
	return freeze.GenerateDirectoryOutputName(prefix, encrypt), nil
}

func promptForPrefix(fallback string) string {
	fmt.Fprint(os.Stderr, "Output is a directory. Enter a prefix for the archive filename: ")
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	prefix := strings.TrimSpace(line)
	if err != nil || prefix == "" || strings.ContainsAny(prefix, "/\x00") {
		return fallback
	}
	return prefix
}

// parseGCSRemote splits a "gs://bucket/object" URI into its bucket and
// object name (object is "" if not given); ok is false for anything not
// using the gs:// scheme.
func parseGCSRemote(remote string) (bucket, name string, ok bool) {
	rest, ok := strings.CutPrefix(remote, "gs://")
	if !ok {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	bucket = parts[0]
	if len(parts) == 2 {
		name = parts[1]
	}
	return bucket, name, true
}

// resolveRemoteSink dispatches --remote to a GCSSink for a gs://bucket/obj
// URI (obj, if given, becomes the uploaded object's name) or a DiskSink
// for a plain directory path.
func resolveRemoteSink(ctx context.Context, remote string, log *zklog.Logger) (sink.Sink, string, error) {
	if bucket, name, ok := parseGCSRemote(remote); ok {
		s, err := sink.NewGCSSink(ctx, bucket)
		if err != nil {
			return nil, "", fmt.Errorf("freeze: connecting to gs://%s: %w", bucket, err)
		}
		s.Warn = func(msg string) { log.Warning("%s", msg) }
		return s, name, nil
	}
	return &sink.DiskSink{Dir: remote}, "", nil
}
