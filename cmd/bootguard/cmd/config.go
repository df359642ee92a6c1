package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the device configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Prints the configuration after defaults, the config file and
BOOTGUARD_* environment variables have been merged and validated.`,
	RunE: runConfigShow,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(os.Stderr, "# from %s\n", used)
	}
	return cfg.WriteYAML(os.Stdout)
}
