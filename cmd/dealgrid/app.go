package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/dealgrid"
	"pkt.systems/dealgrid/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DEALGRID_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "dealgrid")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the node itself
// rather than a subcommand. Root failures are logged, subcommand failures
// are printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookupLong := func(name string) *pflag.Flag {
		flag := root.Flags().Lookup(name)
		if flag == nil {
			flag = root.PersistentFlags().Lookup(name)
		}
		return flag
	}
	lookupShort := func(shorthand string) *pflag.Flag {
		flag := root.Flags().ShorthandLookup(shorthand)
		if flag == nil {
			flag = root.PersistentFlags().ShorthandLookup(shorthand)
		}
		return flag
	}
	hasSubcommand := func(rest []string) bool {
		for _, tok := range rest {
			if isSubcommandToken(root, tok) {
				return true
			}
		}
		return false
	}
	for i := 0; i < len(args); {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "--"):
			i++
			if strings.Contains(arg, "=") {
				continue
			}
			flag := lookupLong(strings.TrimPrefix(arg, "--"))
			if flag == nil {
				return !hasSubcommand(args[i:])
			}
			if flag.NoOptDefVal == "" && i < len(args) {
				i++
			}
		case strings.HasPrefix(arg, "-") && arg != "-":
			i++
			short := strings.TrimPrefix(arg, "-")
			consumeNext := false
			for idx, ch := range short {
				flag := lookupShort(string(ch))
				if flag == nil {
					return !hasSubcommand(args[i:])
				}
				if flag.NoOptDefVal == "" {
					consumeNext = idx == len(short)-1
					break
				}
			}
			if consumeNext && i < len(args) {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := dealgrid.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, dealgrid.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dealgrid",
		Short:         "dealgrid runs the coordination node of one energy-storage unit",
		SilenceErrors: true,
		Example: `
  # Leader node for unit E001 with two peers
  dealgrid --unit E001 --leader --peer http://10.0.0.2:9451 --peer http://10.0.0.3:9451

  # Follower node, Prometheus metrics on :9452
  DEALGRID_UNIT=E002 DEALGRID_PEER=http://10.0.0.1:9451 dealgrid --metrics-listen :9452

  # Report to an external restart watchdog every 5s
  dealgrid --unit E003 --keepalive-url http://localhost:8080/keepalive/E003
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}
			level := pslog.InfoLevel
			if parsed, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				level = parsed
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			cfg, err := bindConfig()
			if err != nil {
				return err
			}
			svcfields.WithSubsystem(logger, "node.lifecycle.init").Info(
				"welcome to dealgrid",
				"unit", cfg.UnitID,
				"leader", cfg.Leader,
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			node, err := dealgrid.NewNode(cfg, dealgrid.WithLogger(logger), dealgrid.WithLogLevel(level))
			if err != nil {
				return err
			}
			if err := node.Start(ctx); err != nil {
				return err
			}
			if configFile != "" {
				watchConfig(node, cliLogger)
			}

			select {
			case <-ctx.Done():
				cliLogger.Info("signal received, shutting down")
			case <-node.Done():
				cliLogger.Warn("node halted", "reason", node.HaltReason())
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if err := node.Shutdown(shutdownCtx); err != nil {
				cliLogger.Error("shutdown failed", "error", err)
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.dealgrid/"+dealgrid.DefaultConfigFileName+")")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	persistentFlags.StringSlice("peer", nil, "base URL of another node's HTTP bus (repeatable)")
	persistentFlags.Duration("request-timeout", dealgrid.DefaultRequestTimeout, "timeout for bus requests without a deadline")
	persistentFlags.String("lock-file", "", "cross-process lock file template containing one %s (defaults to the system temp dir)")

	flags := cmd.Flags()
	flags.StringP("unit", "u", "", "energy-storage unit id this node represents (required)")
	flags.Bool("leader", false, "claim the cluster leader role at startup")
	flags.String("listen", dealgrid.DefaultListen, "HTTP bus listen address")
	flags.Bool("disable-file-locks", false, "disable cross-process lock files for interlocks")
	flags.Duration("lock-warn-threshold", dealgrid.DefaultLockWarnThreshold, "warn when a local lock is held longer than this (negative disables; reloaded from config)")
	flags.Duration("helo-period", dealgrid.DefaultHeloPeriod, "interval between helo session announcements")
	flags.Duration("interlock-timeout", dealgrid.DefaultInterlockTimeout, "timeout for one interlock request")
	flags.Int("interlock-attempts", dealgrid.DefaultInterlockAttempts, "attempts per interlock request when the holder times out")
	flags.Duration("interlock-retry-delay", dealgrid.DefaultInterlockRetryDelay, "delay between interlock attempts")
	flags.Bool("skip-version-check", false, "start even when running peers report another build")
	flags.Duration("version-check-timeout", dealgrid.DefaultVersionCheckTimeout, "timeout for the startup cluster version check")
	flags.String("deal-sink", dealgrid.DefaultDealSink, fmt.Sprintf("where disposed deals go (%s, %s)", dealgrid.DealSinkBus, dealgrid.DealSinkLog))
	flags.Duration("dispose-interval", dealgrid.DefaultDisposeInterval, "interval between terminal deal disposal passes")
	flags.String("keepalive-url", "", "restart watchdog URL pinged periodically (empty disables)")
	flags.Duration("keepalive-period", dealgrid.DefaultKeepalivePeriod, "interval between keepalive pings")
	flags.Duration("keepalive-timeout", dealgrid.DefaultKeepaliveTimeout, "timeout for one keepalive ping")
	flags.String("metrics-listen", dealgrid.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", dealgrid.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Duration("shutdown-timeout", dealgrid.DefaultShutdownTimeout, "overall shutdown timeout")

	viper.SetEnvPrefix("DEALGRID")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	for _, set := range []*pflag.FlagSet{persistentFlags, flags} {
		if err := viper.BindPFlags(set); err != nil {
			panic(err)
		}
	}

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newLockfileCommand())
	cmd.AddCommand(newResetCommand(baseLogger))
	cmd.AddCommand(newShutdownCommand(baseLogger))
	cmd.AddCommand(newWhoisCommand(baseLogger))
	cmd.AddCommand(newLogLevelCommand(baseLogger))
	return cmd
}

func bindConfig() (dealgrid.Config, error) {
	cfg := dealgrid.Config{
		UnitID:                 viper.GetString("unit"),
		Leader:                 viper.GetBool("leader"),
		Listen:                 viper.GetString("listen"),
		Peers:                  peersFromViper(),
		RequestTimeout:         viper.GetDuration("request-timeout"),
		LockFile:               viper.GetString("lock-file"),
		DisableFileLocks:       viper.GetBool("disable-file-locks"),
		LockWarnThreshold:      viper.GetDuration("lock-warn-threshold"),
		HeloPeriod:             viper.GetDuration("helo-period"),
		InterlockTimeout:       viper.GetDuration("interlock-timeout"),
		InterlockAttempts:      viper.GetInt("interlock-attempts"),
		InterlockRetryDelay:    viper.GetDuration("interlock-retry-delay"),
		SkipVersionCheck:       viper.GetBool("skip-version-check"),
		VersionCheckTimeout:    viper.GetDuration("version-check-timeout"),
		DealSink:               viper.GetString("deal-sink"),
		DisposeInterval:        viper.GetDuration("dispose-interval"),
		KeepaliveURL:           viper.GetString("keepalive-url"),
		KeepalivePeriod:        viper.GetDuration("keepalive-period"),
		KeepaliveTimeout:       viper.GetDuration("keepalive-timeout"),
		MetricsListen:          viper.GetString("metrics-listen"),
		PprofListen:            viper.GetString("pprof-listen"),
		OTLPEndpoint:           viper.GetString("otlp-endpoint"),
		EnableProfilingMetrics: viper.GetBool("enable-profiling-metrics"),
		ShutdownTimeout:        viper.GetDuration("shutdown-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return dealgrid.Config{}, err
	}
	return cfg, nil
}

// peersFromViper accepts repeated flags as well as comma or space separated
// environment values.
func peersFromViper() []string {
	var peers []string
	for _, raw := range viper.GetStringSlice("peer") {
		for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
			peers = append(peers, part)
		}
	}
	return peers
}

// watchConfig applies config file edits that are safe at runtime. Only the
// lock watchdog threshold is reloaded; everything else needs a restart.
func watchConfig(node *dealgrid.Node, logger pslog.Logger) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		threshold := viper.GetDuration("lock-warn-threshold")
		if threshold == 0 {
			threshold = dealgrid.DefaultLockWarnThreshold
		}
		if threshold == node.Locks().WarnThreshold() {
			return
		}
		node.Locks().SetWarnThreshold(threshold)
		logger.Info("config.reload.lock_warn_threshold", "path", e.Name, "threshold", threshold.String())
	})
	viper.WatchConfig()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func requestTimeout() time.Duration {
	if d := viper.GetDuration("request-timeout"); d > 0 {
		return d
	}
	return dealgrid.DefaultRequestTimeout
}
