package command

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adamavenir/threadline/internal/core"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const redacted = "********"

// NewConfigCmd creates the config command.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if cfg.Token != "" {
				cfg.Token = redacted
			}
			if cfg.Passphrase != "" {
				cfg.Passphrase = redacted
			}

			jsonMode, _ := cmd.Flags().GetBool("json")
			if jsonMode {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.AddCommand(newConfigPathCmd(), newConfigInitCmd())
	return cmd
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	}
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a config file with the default settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(cmd)
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if _, err := os.Stat(path); err == nil {
				return writeCommandError(cmd, fmt.Errorf("%s already exists", path))
			} else if !errors.Is(err, os.ErrNotExist) {
				return writeCommandError(cmd, err)
			}

			data, err := yaml.Marshal(core.DefaultConfig())
			if err != nil {
				return writeCommandError(cmd, err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return writeCommandError(cmd, err)
			}
			if err := os.WriteFile(path, data, 0o600); err != nil {
				return writeCommandError(cmd, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}
}

func configPath(cmd *cobra.Command) (string, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path, nil
	}
	return core.DefaultConfigPath()
}
