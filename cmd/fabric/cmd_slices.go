package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabric-testbed/fablib-go/pkg/cli"
)

var slicesAll bool

// slicesCmd lists the caller's slices.
var slicesCmd = &cobra.Command{
	Use:   "slices",
	Short: "List slices",
	Long: `List your slices and their states.

Examples:
  fabric slices
  fabric slices --all      # include dead slices`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		records, err := mgr.ListSlices(ctx, slicesAll)
		if err != nil {
			return err
		}

		if jsonOutput {
			return json.NewEncoder(os.Stdout).Encode(records)
		}

		t := cli.NewTable("NAME", "ID", "STATE", "LEASE END")
		for _, rec := range records {
			lease := ""
			if !rec.LeaseEnd.IsZero() {
				lease = rec.LeaseEnd.Format("2006-01-02 15:04")
			}
			t.Row(rec.Name, rec.ID, cli.StateColor(rec.State), lease)
		}
		t.Flush()
		return nil
	},
}

func init() {
	slicesCmd.Flags().BoolVar(&slicesAll, "all", false, "Include dead slices")
}
