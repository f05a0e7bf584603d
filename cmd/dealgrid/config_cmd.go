package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/dealgrid"
	"pkt.systems/dealgrid/filelock"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage dealgrid configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.dealgrid/" + dealgrid.DefaultConfigFileName
	if dir, err := dealgrid.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, dealgrid.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default dealgrid configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := dealgrid.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, dealgrid.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
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

// configDefaults mirrors the root command flags; keys match flag names so
// viper picks them up unchanged.
type configDefaults struct {
	Unit                   string   `yaml:"unit"`
	Leader                 bool     `yaml:"leader"`
	Listen                 string   `yaml:"listen"`
	Peer                   []string `yaml:"peer"`
	RequestTimeout         string   `yaml:"request-timeout"`
	LockFile               string   `yaml:"lock-file"`
	DisableFileLocks       bool     `yaml:"disable-file-locks"`
	LockWarnThreshold      string   `yaml:"lock-warn-threshold"`
	HeloPeriod             string   `yaml:"helo-period"`
	InterlockTimeout       string   `yaml:"interlock-timeout"`
	InterlockAttempts      int      `yaml:"interlock-attempts"`
	InterlockRetryDelay    string   `yaml:"interlock-retry-delay"`
	SkipVersionCheck       bool     `yaml:"skip-version-check"`
	VersionCheckTimeout    string   `yaml:"version-check-timeout"`
	DealSink               string   `yaml:"deal-sink"`
	DisposeInterval        string   `yaml:"dispose-interval"`
	KeepaliveURL           string   `yaml:"keepalive-url"`
	KeepalivePeriod        string   `yaml:"keepalive-period"`
	KeepaliveTimeout       string   `yaml:"keepalive-timeout"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Unit:                "",
		Listen:              dealgrid.DefaultListen,
		Peer:                []string{},
		RequestTimeout:      dealgrid.DefaultRequestTimeout.String(),
		LockFile:            filelock.DefaultPath(),
		LockWarnThreshold:   dealgrid.DefaultLockWarnThreshold.String(),
		HeloPeriod:          dealgrid.DefaultHeloPeriod.String(),
		InterlockTimeout:    dealgrid.DefaultInterlockTimeout.String(),
		InterlockAttempts:   dealgrid.DefaultInterlockAttempts,
		InterlockRetryDelay: dealgrid.DefaultInterlockRetryDelay.String(),
		VersionCheckTimeout: dealgrid.DefaultVersionCheckTimeout.String(),
		DealSink:            dealgrid.DefaultDealSink,
		DisposeInterval:     dealgrid.DefaultDisposeInterval.String(),
		KeepalivePeriod:     dealgrid.DefaultKeepalivePeriod.String(),
		KeepaliveTimeout:    dealgrid.DefaultKeepaliveTimeout.String(),
		MetricsListen:       dealgrid.DefaultMetricsListen,
		PprofListen:         dealgrid.DefaultPprofListen,
		ShutdownTimeout:     dealgrid.DefaultShutdownTimeout.String(),
		LogLevel:            "info",
	}
	data, err := yaml.Marshal(defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	header := "# dealgrid configuration\n# generated by `dealgrid config gen`; every key matches a command line flag\n"
	return append([]byte(header), data...), nil
}
