package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pullCmd = &cobra.Command{
	Use:   "pull <ref> [cache]",
	Short: "Pull a cache from a registry",
	Long:  "Restore a cache store from an OCI registry. The cache name defaults to the one it was pushed from.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runPull,
}

func init() {
	rootCmd.AddCommand(pullCmd)
}

func runPull(cmd *cobra.Command, args []string) (err error) {
	ref := args[0]
	name := ""
	if len(args) > 1 {
		name = args[1]
	}

	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer closeStorage(storage, &err)

	fmt.Fprintf(os.Stderr, "Pulling %s...\n", ref)

	n, err := storage.Pull(cmd.Context(), ref, name)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Done. %d entries restored\n", n)
	return nil
}
