package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lkarlslund/poolrouter/pkg/config"
	"github.com/lkarlslund/poolrouter/pkg/wizard"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and validate configuration files",
	}

	var serverConfigPath string
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective server config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(serverConfigPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				cfg = config.NewDefaultServerConfig()
			}
			if cfg.AdminPasswordHash != "" {
				cfg.AdminPasswordHash = "<set>"
			}
			b, err := config.MarshalTOML(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	showCmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	configCmd.AddCommand(showCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "validate <proxy-config.json>",
		Short: "Validate a proxy config export without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			cfg, err := config.ParseImport(b)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: port %d, %d model mappings\n", cfg.Port, len(cfg.CustomMapping))
			return nil
		},
	})
	rootCmd.AddCommand(configCmd)

	var setupConfigPath string
	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Run the server configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServerConfig(setupConfigPath)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				cfg = config.NewDefaultServerConfig()
			}
			return wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), setupConfigPath, cfg)
		},
	}
	setupCmd.Flags().StringVar(&setupConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	rootCmd.AddCommand(setupCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print its bcrypt hash for admin_password_hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
			line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			pw := strings.TrimRight(line, "\r\n")
			if pw == "" {
				return errors.New("password cannot be empty")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	})
}
