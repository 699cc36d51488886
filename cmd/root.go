package cmd

import (
	"fmt"
	"os"

	"github.com/lkarlslund/poolrouter/pkg/logutil"
	"github.com/lkarlslund/poolrouter/pkg/version"
	"github.com/spf13/cobra"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "poolrouter",
	Short: "Multi-account LLM proxy",
	Long:  "Poolrouter spreads OpenAI and Anthropic compatible traffic over a pool of upstream accounts, with model fallback, sticky sessions and daily token budgets.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "logformat", "text", "Log format (text, logfmt, json)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if err := logutil.Configure(logutil.Options{Level: logLevel, Format: logFormat}); err != nil {
			return err
		}
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Detailed("poolrouter"))
		},
	})
}
