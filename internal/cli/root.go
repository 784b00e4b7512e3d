// Package cli implements the hived command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "hived",
	Short:        "taskhive daemon — scheduled workers, task queue and claim coordination",
	SilenceUsage: true,
}

// Execute is the entry point called from cmd/hived/main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./hived.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "override logging.level: debug | info | warn | error")
	bindFlag("log_level", rootCmd.PersistentFlags(), "log-level")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(versionCmd)
}

// configPath resolves the config file: flag, then HIVED_CONFIG, then
// ./hived.yaml.
func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if env := os.Getenv("HIVED_CONFIG"); env != "" {
		return env
	}
	return "./hived.yaml"
}

func bindFlag(viperKey string, fs *pflag.FlagSet, flagName string) {
	if err := viper.BindPFlag(viperKey, fs.Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("bindFlag %q → %q: %v", flagName, viperKey, err))
	}
}
