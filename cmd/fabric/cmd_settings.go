package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabric-testbed/fablib-go/pkg/cli"
	"github.com/fabric-testbed/fablib-go/pkg/settings"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage persistent settings",
	Long: `Manage persistent settings stored in ~/.fablib/settings.json.

Settings provide defaults for context flags:
  - default_slice: Used when -s is not specified
  - config_path:   Used when -c is not specified

Examples:
  fabric settings show
  fabric settings set slice myslice
  fabric settings set config /etc/fablib/config.yaml
  fabric settings clear`,
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := settings.Load()
		if err != nil {
			return fmt.Errorf("loading settings: %w", err)
		}

		fmt.Printf("Settings file: %s\n\n", settings.DefaultSettingsPath())

		t := cli.NewTable("SETTING", "VALUE")

		printSetting := func(name, value string) {
			if value == "" {
				value = "(not set)"
			}
			t.Row(name, value)
		}

		printSetting("default_slice", s.DefaultSlice)
		printSetting("config_path", s.ConfigPath)

		t.Flush()
		return nil
	},
}

var settingsSetCmd = &cobra.Command{
	Use:   "set <setting> <value>",
	Short: "Set a setting value",
	Long: `Set a persistent setting value.

Available settings:
  slice  - Default slice name (-s flag default)
  config - Configuration file path (-c flag default)

Examples:
  fabric settings set slice myslice
  fabric settings set config /etc/fablib/config.yaml`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		setting := args[0]
		value := args[1]

		s, err := settings.Load()
		if err != nil {
			s = &settings.Settings{}
		}

		switch setting {
		case "slice", "default_slice":
			s.SetSlice(value)
			fmt.Printf("Default slice set to: %s\n", value)
		case "config", "config_path":
			s.SetConfigPath(value)
			fmt.Printf("Config path set to: %s\n", value)
		default:
			return fmt.Errorf("unknown setting %q (available: slice, config)", setting)
		}

		return s.Save()
	},
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear all settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		s := &settings.Settings{}
		if err := s.Save(); err != nil {
			return err
		}
		fmt.Println("Settings cleared")
		return nil
	},
}

func init() {
	settingsCmd.AddCommand(settingsShowCmd, settingsSetCmd, settingsClearCmd)
}
