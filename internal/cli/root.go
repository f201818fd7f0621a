package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time
var Version = "v0.1.0"

var (
	cfgFile    string
	verbose    bool
	jsonOutput bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "panelscore",
	Short: "panelscore - panel-of-judges politician ratings",
	Long: `panelscore rates politicians by asking a panel of AI judges to collect
public evidence, validating every item, and having the other judges grade it.

Grades are aggregated into ten category scores and a 200-1000 final score
with a named tier. Agreement between judges is reported as Pearson,
Spearman, ICC(2,1) and coefficient of variation.

Exit status is 0 when everything completed, 2 when the run finished with
shortfalls, and 1 on failure.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configure(viper.GetViper(), cfgFile)
	},
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

// versionCmd represents the version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "panelscore %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $HOME/.panelscore/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print reports as JSON")

	rootCmd.AddCommand(versionCmd)
}

// configDir is where config init writes and where the default config is read
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("find home directory: %w", err)
	}
	return filepath.Join(home, ".panelscore"), nil
}
