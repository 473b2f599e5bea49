package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var submitNoWait bool

// submitCmd creates a slice from a serialized topology file.
var submitCmd = &cobra.Command{
	Use:   "submit <name> <topology.json>",
	Short: "Submit a slice topology",
	Long: `Submit a serialized topology as a new slice, wait for it to
converge, and run post-boot network configuration on its nodes.

Examples:
  fabric submit myslice topology.json
  fabric submit myslice topology.json --no-wait`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		name, path := args[0], args[1]

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading topology: %w", err)
		}
		s, err := mgr.NewSliceFromTopology(name, data)
		if err != nil {
			return err
		}

		if submitNoWait {
			if err := s.SubmitNoWait(ctx); err != nil {
				return err
			}
			fmt.Printf("Submitted slice %s (id %s)\n", s.Name(), s.ID())
			return nil
		}

		start := time.Now()
		if err := s.Submit(ctx); err != nil {
			return err
		}
		fmt.Printf("Slice %s (id %s) is %s after %s\n",
			s.Name(), s.ID(), s.State(), time.Since(start).Round(time.Second))
		return nil
	},
}

func init() {
	submitCmd.Flags().BoolVar(&submitNoWait, "no-wait", false, "Return once the request is accepted")
}
