package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/aweris/precache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var cachesCmd = &cobra.Command{
	Use:   "caches",
	Short: "Manage cache stores",
}

var cachesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache stores",
	Long:  "List every cache store, oldest first, with its entry count and size.",
	Args:  cobra.NoArgs,
	RunE:  runCachesList,
}

var cachesDeleteCmd = &cobra.Command{
	Use:   "delete <name>...",
	Short: "Delete cache stores",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCachesDelete,
}

func init() {
	cachesCmd.AddCommand(cachesListCmd, cachesDeleteCmd)
	rootCmd.AddCommand(cachesCmd)
}

func runCachesList(cmd *cobra.Command, args []string) (err error) {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer closeStorage(storage, &err)

	names, err := storage.Keys()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("(no caches)")
		return nil
	}

	current := loadConfig().Version
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tENTRIES\tSIZE\tCREATED\t")
	for _, name := range names {
		c, err := storage.Open(name)
		if err != nil {
			return err
		}
		entries, err := c.Entries(cmd.Context())
		if err != nil {
			return err
		}
		marker := ""
		if name == current {
			marker = "*"
		}
		fmt.Fprintf(tw, "%s%s\t%d\t%s\t%s\t\n",
			name, marker, len(entries), humanize.Bytes(totalSize(entries)), humanize.Time(c.Created()))
	}
	return tw.Flush()
}

func runCachesDelete(cmd *cobra.Command, args []string) (err error) {
	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer closeStorage(storage, &err)

	for _, name := range args {
		existed, err := storage.Delete(name)
		if err != nil {
			return err
		}
		if !existed {
			fmt.Fprintf(os.Stderr, "%s: no such cache\n", name)
			continue
		}
		fmt.Fprintf(os.Stderr, "Deleted %s\n", name)
	}
	return nil
}

func totalSize(entries []precache.Entry) uint64 {
	var n uint64
	for _, e := range entries {
		n += uint64(e.Size)
	}
	return n
}
