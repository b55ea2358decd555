package main

import (
	"fmt"
	"os"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// 构建时注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the global flags and what PersistentPreRunE derives from them
type app struct {
	configPath string
	storeType  string
	storeDir   string
	logLevel   string
	jsonOut    bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "dagflow",
		Short:         "Inspect and maintain a DAGFlow run store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "path to config file (YAML)")
	pf.StringVar(&a.storeType, "store-type", "", "override store.type (file, redis, memory)")
	pf.StringVar(&a.storeDir, "store-dir", "", "override store.base_dir")
	pf.StringVar(&a.logLevel, "log-level", "", "override log.level")
	pf.BoolVar(&a.jsonOut, "json", false, "print JSON instead of tables")

	root.AddCommand(
		newMigrateCmd(a),
		newListCmd(a),
		newShowCmd(a),
		newIncompleteCmd(a),
		newStatsCmd(a),
		newCleanupCmd(a),
		newReindexCmd(a),
		newVersionCmd(),
	)
	return root
}

// init loads the configuration, applies flag overrides and builds the logger
func (a *app) init() error {
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if a.configPath != "" {
		loader = loader.WithConfigPath(a.configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if a.storeType != "" {
		cfg.Store.Type = store.StoreType(a.storeType)
	}
	if a.storeDir != "" {
		cfg.Store.BaseDir = a.storeDir
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	// the CLI sweeps explicitly through `cleanup`
	cfg.Store.Cleanup.Enabled = false
	// stdout carries command output
	if len(cfg.Log.OutputPaths) == 1 && cfg.Log.OutputPaths[0] == "stdout" {
		cfg.Log.OutputPaths = []string{"stderr"}
	}

	a.cfg = cfg
	a.logger = initLogger(cfg.Log)
	if keys := loader.EnvOverrides(); len(keys) > 0 {
		a.logger.Debug("config overridden from environment", zap.Strings("keys", keys))
	}
	return nil
}

// openStore opens the configured run store
func (a *app) openStore() (store.RunStore, error) {
	st, err := store.NewRunStore(a.cfg.StoreConfig(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", a.cfg.Store.Type, err)
	}
	return st, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		// no config needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "dagflow %s\n", Version)
			fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		},
	}
}

// initLogger builds the process logger from the log section
func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger.With(zap.String("service", "dagflow"))
}
