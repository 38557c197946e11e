package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"offline0/internal/offline0"
)

type rootOptions struct {
	configPath   string
	verbose      bool
	logFile      string
	cacheVersion string
	port         int
	provider     string

	logCloser io.Closer
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "offline0",
		Short: "Offline-capable caching proxy for a web application",
		Long: `offline0 sits in front of a web application and keeps a versioned copy
of its shell so pages keep loading when the origin is unreachable.

Navigations are answered from the network first and fall back to the cache.
Other same-origin GETs are answered from the cache and refreshed in the
background. Everything else is passed through.`,
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logCloser != nil {
				_ = opts.logCloser.Close()
			}
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", getenvDefault("OFFLINE0_CONFIG", "/offline0.yaml"), "path to offline0.yaml")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	f.StringVar(&opts.logFile, "log-file", "", "log file to use (in addition to stdout)")
	f.StringVar(&opts.cacheVersion, "cache-version", os.Getenv("OFFLINE0_CACHE_VERSION"), "override cache.version")
	f.IntVar(&opts.port, "port", 0, "override server.port")
	f.StringVar(&opts.provider, "provider", "", "override storage.provider (leveldb, sqlite, memory)")

	cmd.AddCommand(
		newServeCmd(opts),
		newInstallCmd(opts),
		newActivateCmd(opts),
		newVersionsCmd(opts),
	)
	return cmd
}

// load reads the config file, applies flag overrides and builds the logger.
func (o *rootOptions) load() (offline0.Config, zerolog.Logger, error) {
	cfg, err := offline0.LoadConfig(o.configPath)
	if err != nil {
		return offline0.Config{}, zerolog.Nop(), fmt.Errorf("load config: %w", err)
	}
	if o.cacheVersion != "" {
		cfg.Cache.Version = o.cacheVersion
	}
	if o.port != 0 {
		cfg.Server.Port = o.port
	}
	if o.provider != "" {
		if o.provider != cfg.Storage.Provider {
			cfg.Storage.Path = ""
		}
		cfg.Storage.Provider = o.provider
	}
	if o.logFile != "" {
		cfg.Logging.File = o.logFile
	}
	if err := cfg.Normalize(); err != nil {
		return offline0.Config{}, zerolog.Nop(), fmt.Errorf("config: %w", err)
	}

	logger, err := o.logger(cfg)
	if err != nil {
		return offline0.Config{}, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func (o *rootOptions) logger(cfg offline0.Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Logging.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Logging.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("logging.level: %w", err)
		}
		level = l
	}
	if o.verbose {
		level = zerolog.DebugLevel
	}

	outputs := []io.Writer{zerolog.ConsoleWriter{Out: os.Stdout}}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o644)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("open log file: %w", err)
		}
		o.logCloser = f
		outputs = append(outputs, f)
	}
	return zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(level).
		With().Timestamp().Str("cacheVersion", cfg.Cache.Version).
		Logger(), nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
