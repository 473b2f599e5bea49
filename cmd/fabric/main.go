// Fabric - testbed slice management tool
//
// A CLI for provisioning and operating experimental slices:
//
//	fabric slices                          # list your slices
//	fabric -s myslice show                 # slice details and node states
//	fabric submit myslice topology.json    # submit a serialized topology
//	fabric -s myslice -n node1 execute 'uname -a'
//	fabric -s myslice renew 14
//	fabric -s myslice delete
//
// Context flags select the object; commands are methods on that object.
package main

import (
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fabric-testbed/fablib-go/pkg/bastion"
	"github.com/fabric-testbed/fablib-go/pkg/fablib"
	"github.com/fabric-testbed/fablib-go/pkg/orchestrator"
	"github.com/fabric-testbed/fablib-go/pkg/settings"
	"github.com/fabric-testbed/fablib-go/pkg/util"
	"github.com/fabric-testbed/fablib-go/pkg/version"
)

var (
	// Context flags (object selectors)
	sliceName string // -s, --slice
	nodeName  string // -n, --node

	// Option flags
	configPath    string
	verbose       bool
	jsonOutput    bool
	askPassphrase bool

	// Global state
	cfg          *fablib.Config
	mgr          *fablib.Manager
	userSettings *settings.Settings
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:               "fabric",
	Short:             "Testbed slice management tool",
	SilenceUsage:      true,
	SilenceErrors:     true,
	CompletionOptions: cobra.CompletionOptions{HiddenDefaultCmd: true},
	Long: `Fabric provisions and operates experimental testbed slices.

Context flags select the object; commands are methods on that object:

  fabric -s <slice> [-n <node>] <verb> [args]`,
	Version: version.Info(),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if isSettingsOrHelp(cmd) {
			return nil
		}

		if verbose {
			util.SetLogLevel("debug")
		} else {
			util.SetLogLevel("warn")
		}

		var err error
		userSettings, err = settings.Load()
		if err != nil {
			util.Warnf("Could not load settings: %v", err)
			userSettings = &settings.Settings{}
		}

		// Apply defaults from settings
		if sliceName == "" {
			sliceName = userSettings.DefaultSlice
		}
		if configPath == "" {
			configPath = userSettings.ConfigPath
		}

		path := configPath
		if path == "" {
			path = fablib.DefaultConfigPath()
		}
		cfg, err = fablib.LoadConfigFrom(path)
		if err != nil {
			return err
		}

		if askPassphrase && cfg.Bastion.KeyPassphrase == "" {
			fmt.Fprint(os.Stderr, "Bastion key passphrase: ")
			pass, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("reading passphrase: %w", err)
			}
			cfg.Bastion.KeyPassphrase = string(pass)
		}

		orch, err := orchestrator.NewHTTPClient(cfg.OrchestratorHost, os.Getenv("FABRIC_TOKEN"))
		if err != nil {
			return err
		}
		transport := bastion.NewSSHTransport(cfg.BastionConfig())

		mgr, err = fablib.NewManager(cfg, orch, transport)
		return err
	},
}

// isSettingsOrHelp reports whether cmd needs no manager setup.
func isSettingsOrHelp(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "settings" || c.Name() == "help" {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&sliceName, "slice", "s", "", "Slice name (object selector)")
	rootCmd.PersistentFlags().StringVarP(&nodeName, "node", "n", "", "Node name (object selector)")

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.fablib/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVar(&askPassphrase, "ask-passphrase", false, "Prompt for the bastion key passphrase")

	for _, cmd := range []*cobra.Command{slicesCmd, showCmd, resourcesCmd} {
		cmd.Flags().BoolVar(&jsonOutput, "json", false, "JSON output")
	}

	rootCmd.AddCommand(
		slicesCmd,
		showCmd,
		submitCmd,
		deleteCmd,
		renewCmd,
		executeCmd,
		uploadCmd,
		downloadCmd,
		resourcesCmd,
		settingsCmd,
	)
}
