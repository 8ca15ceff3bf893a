package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/filerift/filerift/pkg/config"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a sample configuration file",
	Long: `Initialize a sample FileRift configuration file.

By default, the configuration file is created at
$XDG_CONFIG_HOME/filerift/config.yaml. Use --config to specify a custom
path.

Examples:
  # Initialize with default location
  filerift init

  # Initialize with custom path
  filerift init --config /etc/filerift/config.yaml

  # Force overwrite existing config
  filerift init --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Force overwrite existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	path := GetConfigFile()
	if path == "" {
		path = config.GetDefaultConfigPath()
	}

	if !initForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
		}
	}

	if err := config.SaveConfig(config.GetDefaultConfig(), path); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}

	fmt.Printf("Configuration file created at: %s\n", path)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit the configuration file to customize your setup")
	fmt.Println("  2. Create a user with: filerift user add <name>")
	fmt.Println("  3. Start the server with: filerift serve")
	return nil
}
