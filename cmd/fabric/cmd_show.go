package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabric-testbed/fablib-go/pkg/cli"
	"github.com/fabric-testbed/fablib-go/pkg/fablib"
)

// showCmd displays slice details: state, nodes and networks.
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show slice details",
	Long: `Show details of the selected slice: state, lease, nodes with their
management addresses and reservation states, and network services.

Requires -s (slice).

Examples:
  fabric -s myslice show`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		s, err := requireSlice(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			return showJSON(s)
		}

		fmt.Printf("Slice: %s\n", cli.Bold(s.Name()))
		fmt.Printf("ID: %s\n", s.ID())
		fmt.Printf("State: %s\n", cli.StateColor(string(s.State())))
		if !s.LeaseEnd().IsZero() {
			fmt.Printf("Lease end: %s\n", s.LeaseEnd().Format("2006-01-02 15:04"))
		}

		fmt.Println("\nNodes:")
		t := cli.NewTable("NAME", "SITE", "STATE", "MANAGEMENT IP", "NOTICE").WithPrefix("  ")
		for _, n := range s.Nodes() {
			t.Row(n.Name(), n.Site(), cli.StateColor(string(n.State())), n.ManagementIP(), n.Notice())
		}
		t.Flush()

		networks := s.Networks()
		if len(networks) > 0 {
			fmt.Println("\nNetworks:")
			t = cli.NewTable("NAME", "TYPE", "LAYER", "STATE", "INTERFACES").WithPrefix("  ")
			for _, ns := range networks {
				t.Row(ns.Name(), string(ns.Type()), string(ns.Layer()),
					cli.StateColor(string(ns.State())), fmt.Sprintf("%d", len(ns.Interfaces())))
			}
			t.Flush()
		}
		return nil
	},
}

type sliceView struct {
	Name     string        `json:"name"`
	ID       string        `json:"id"`
	State    string        `json:"state"`
	Nodes    []nodeView    `json:"nodes"`
	Networks []networkView `json:"networks"`
}

type nodeView struct {
	Name         string `json:"name"`
	Site         string `json:"site"`
	State        string `json:"state"`
	ManagementIP string `json:"management_ip,omitempty"`
	Notice       string `json:"notice,omitempty"`
}

type networkView struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Layer      string `json:"layer"`
	State      string `json:"state"`
	Interfaces int    `json:"interfaces"`
}

func showJSON(s *fablib.Slice) error {
	view := sliceView{Name: s.Name(), ID: s.ID(), State: string(s.State())}
	for _, n := range s.Nodes() {
		view.Nodes = append(view.Nodes, nodeView{
			Name:         n.Name(),
			Site:         n.Site(),
			State:        string(n.State()),
			ManagementIP: n.ManagementIP(),
			Notice:       n.Notice(),
		})
	}
	for _, ns := range s.Networks() {
		view.Networks = append(view.Networks, networkView{
			Name:       ns.Name(),
			Type:       string(ns.Type()),
			Layer:      string(ns.Layer()),
			State:      string(ns.State()),
			Interfaces: len(ns.Interfaces()),
		})
	}
	return json.NewEncoder(os.Stdout).Encode(view)
}
