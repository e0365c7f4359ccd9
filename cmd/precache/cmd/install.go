package cmd

import (
	"fmt"
	"os"

	"github.com/aweris/precache"
	"github.com/spf13/cobra"
)

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Precache the manifest for the configured version",
	Long: `Fetch every manifest entry into the cache of the configured version,
then activate it, deleting caches of other versions. Nothing is stored if any
entry fails to fetch.`,
	Args:   cobra.NoArgs,
	PreRun: bindFlags("origin", "version", "manifest"),
	RunE:   runInstall,
}

func init() {
	installCmd.Flags().String("origin", "", "origin the manifest is fetched from")
	installCmd.Flags().String("version", "", "cache version tag")
	installCmd.Flags().StringSlice("manifest", nil, "manifest paths (repeatable)")

	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) (err error) {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer closeStorage(storage, &err)

	w, err := newInterceptor(storage)
	if err != nil {
		return err
	}

	cfg := w.Config()
	fmt.Fprintf(os.Stderr, "Installing %s (%d entries)...\n", cfg.Version, len(cfg.Manifest))

	reg := precache.NewRegistration()
	if err := reg.Register(cmd.Context(), w); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Done. Active cache: %s\n", cfg.Version)
	return nil
}
