package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fabric-testbed/fablib-go/pkg/fablib"
)

// deleteCmd tears down the selected slice.
var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the selected slice",
	Long: `Tear the selected slice down on the orchestrator.

Requires -s (slice).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		s, err := requireSlice(ctx)
		if err != nil {
			return err
		}
		if err := s.Delete(ctx); err != nil {
			return err
		}
		fmt.Printf("Deleted slice %s\n", s.Name())
		return nil
	},
}

// renewCmd extends the selected slice's lease.
var renewCmd = &cobra.Command{
	Use:   "renew <days>",
	Short: "Extend the slice lease",
	Long: `Extend the selected slice's lease by the given number of days
from now.

Requires -s (slice).

Examples:
  fabric -s myslice renew 14`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		days, err := strconv.Atoi(args[0])
		if err != nil || days <= 0 {
			return fmt.Errorf("days must be a positive integer, got %q", args[0])
		}
		s, err := requireSlice(ctx)
		if err != nil {
			return err
		}
		end := time.Now().Add(time.Duration(days) * 24 * time.Hour)
		if err := s.Renew(ctx, end); err != nil {
			return err
		}
		fmt.Printf("Slice %s lease extended to %s\n", s.Name(), end.Format("2006-01-02 15:04"))
		return nil
	},
}

var executeTimeout int

// executeCmd runs a command on the selected node.
var executeCmd = &cobra.Command{
	Use:   "execute <command>",
	Short: "Run a command on the selected node",
	Long: `Run a shell command on the selected node over the bastion.

Requires -s (slice) and -n (node).

Examples:
  fabric -s myslice -n node1 execute 'uname -a'
  fabric -s myslice -n node1 execute 'sleep 600' --timeout 60`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := requireNode(ctx)
		if err != nil {
			return err
		}
		result, err := n.ExecuteWith(ctx, args[0], fablib.ExecuteOptions{
			Timeout: time.Duration(executeTimeout) * time.Second,
			Quiet:   true,
		})
		if err != nil {
			return err
		}
		fmt.Print(result.Stdout)
		if result.Stderr != "" {
			fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
		}
		if result.ExitCode != 0 {
			return fmt.Errorf("command exited %d", result.ExitCode)
		}
		return nil
	},
}

// uploadCmd copies a local file to the selected node.
var uploadCmd = &cobra.Command{
	Use:   "upload <local> <remote>",
	Short: "Upload a file to the selected node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := requireNode(ctx)
		if err != nil {
			return err
		}
		if err := n.UploadFile(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Uploaded %s to %s:%s\n", args[0], n.Name(), args[1])
		return nil
	},
}

// downloadCmd copies a file from the selected node.
var downloadCmd = &cobra.Command{
	Use:   "download <remote> <local>",
	Short: "Download a file from the selected node",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		n, err := requireNode(ctx)
		if err != nil {
			return err
		}
		if err := n.DownloadFile(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Downloaded %s:%s to %s\n", n.Name(), args[0], args[1])
		return nil
	},
}

// resourcesCmd dumps the advertised testbed topology.
var resourcesCmd = &cobra.Command{
	Use:   "resources",
	Short: "Show advertised testbed resources",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		payload, err := mgr.Resources(ctx)
		if err != nil {
			return err
		}
		fmt.Println(string(payload))
		return nil
	},
}

func init() {
	executeCmd.Flags().IntVar(&executeTimeout, "timeout", 0, "Kill the remote command after this many seconds")
}
