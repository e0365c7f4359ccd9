package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/aweris/precache"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var entriesCmd = &cobra.Command{
	Use:   "entries [cache]",
	Short: "List entries in a cache",
	Long:  "List the stored responses of a cache (default: the configured version).",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runEntries,
}

func init() {
	entriesCmd.Flags().StringP("output", "o", "table", "output format: table, json, yaml")
	rootCmd.AddCommand(entriesCmd)
}

type entryView struct {
	Key    string    `json:"key" yaml:"key"`
	Status int       `json:"status" yaml:"status"`
	Type   string    `json:"content_type,omitempty" yaml:"content_type,omitempty"`
	Size   int64     `json:"size" yaml:"size"`
	Body   string    `json:"body" yaml:"body"`
	Stored time.Time `json:"stored" yaml:"stored"`
}

func runEntries(cmd *cobra.Command, args []string) (err error) {
	name := loadConfig().Version
	if len(args) > 0 {
		name = args[0]
	}

	storage, err := openStorage()
	if err != nil {
		return err
	}
	defer closeStorage(storage, &err)

	ok, err := storage.Has(name)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cache %q: %w", name, precache.ErrNotFound)
	}

	c, err := storage.Open(name)
	if err != nil {
		return err
	}
	entries, err := c.Entries(cmd.Context())
	if err != nil {
		return err
	}

	output, _ := cmd.Flags().GetString("output")
	return writeEntries(os.Stdout, output, entries)
}

func writeEntries(out io.Writer, format string, entries []precache.Entry) error {
	views := make([]entryView, len(entries))
	for i, e := range entries {
		views[i] = entryView{
			Key:    e.Key,
			Status: e.StatusCode,
			Type:   e.Header.Get("Content-Type"),
			Size:   e.Size,
			Body:   e.Body.String(),
			Stored: e.Stored,
		}
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(views); err != nil {
			return err
		}
		return enc.Close()
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}

	if len(views) == 0 {
		fmt.Fprintln(out, "(no entries)")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tTYPE\tSIZE\tSTORED\t")
	for _, v := range views {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t\n", v.Key, v.Status, v.Type, humanize.Bytes(uint64(v.Size)), humanize.Time(v.Stored))
	}
	return tw.Flush()
}
