package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var pushCmd = &cobra.Command{
	Use:   "push <cache> <ref>",
	Short: "Push a cache to a registry",
	Long:  "Upload a cache store to an OCI registry so it can be pulled onto another machine.",
	Args:  cobra.ExactArgs(2),
	RunE:  runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)
}

func runPush(cmd *cobra.Command, args []string) (err error) {
	name, ref := args[0], args[1]

	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer closeStorage(storage, &err)

	fmt.Fprintf(os.Stderr, "Pushing %s to %s...\n", name, ref)

	root, err := storage.Push(cmd.Context(), name, ref)
	if err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Done. Index: %s\n", root)
	return nil
}
