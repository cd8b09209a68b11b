package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openimagery/dicomgw/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Write a fully defaulted configuration file to the default location
or to the path given with --config.

Examples:
  # Write config to the default location
  dicomgw init

  # Write config to a custom path
  dicomgw init --config /etc/dicomgw/config.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", path)
		}
	}

	cfg := config.GetDefaultConfig()
	if err := config.SaveConfig(cfg, path); err != nil {
		return err
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file (database credentials, AE title)")
	fmt.Println("  2. Run migrations: dicomgw migrate")
	fmt.Println("  3. Start the gateway: dicomgw start")
	return nil
}
