package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mtingers/semabroker/internal/config"
)

const defaultConfigFileName = "config.yaml"

func defaultConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "semabroker"), nil
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage semabroker configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$XDG_CONFIG_HOME/semabroker/" + defaultConfigFileName
	if dir, err := defaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, defaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default semabroker configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}

			if outPath == "" {
				dir, err := defaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, defaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configFile mirrors the flag names so the generated file round-trips
// through viper.
type configFile struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeout     string `yaml:"read-timeout"`
	WriteTimeout    string `yaml:"write-timeout"`
	ShutdownTimeout string `yaml:"shutdown-timeout"`
	MaxConnections  int    `yaml:"max-connections"`
	OutboxSize      int    `yaml:"outbox-size"`
	GCInterval      string `yaml:"gc-interval"`
	GCMaxIdle       string `yaml:"gc-max-idle"`
	TLSCert         string `yaml:"tls-cert"`
	TLSKey          string `yaml:"tls-key"`
	MetricsListen   string `yaml:"metrics-listen"`
	LogFormat       string `yaml:"log-format"`
	Debug           bool   `yaml:"debug"`
}

func defaultConfigYAML() ([]byte, error) {
	cfg := configFile{
		Host:            config.DefaultHost,
		Port:            config.DefaultPort,
		ReadTimeout:     "0s",
		WriteTimeout:    config.DefaultWriteTimeout.String(),
		ShutdownTimeout: config.DefaultShutdownTimeout.String(),
		OutboxSize:      config.DefaultOutboxSize,
		GCInterval:      config.DefaultGCInterval.String(),
		GCMaxIdle:       config.DefaultGCMaxIdle.String(),
		LogFormat:       config.DefaultLogFormat,
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := "# semabroker configuration\n# Every key may also be set with a SEMABROKER_* environment variable or a flag.\n"
	return append([]byte(header), data...), nil
}
