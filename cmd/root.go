// Package cmd provides the patterndb command-line interface.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"patterndb/bootstrap"
	"patterndb/config"
	"patterndb/detect"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

// Global flags
var (
	configFile   string
	databasePath string
	outputJSON   bool
	noColor      bool
	quiet        bool
	verbose      bool
)

// NewRootCmd creates the patterndb command with all subcommands.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "patterndb",
		Short: "Classify and correlate log messages with a pattern database",
		Long: `patterndb classifies log messages against a radix tree of patterns,
extracts the values they carry, groups related messages into correlation
contexts and emits synthetic messages when rules fire.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
			if databasePath != "" {
				viper.Set("database.path", databasePath)
			}
		},
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file path (default ./config.yaml or ./config/config.yaml)")
	root.PersistentFlags().StringVar(&databasePath, "database", "", "Rule database path, overrides database.path")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	root.PersistentFlags().BoolVar(&quiet, "quiet", false, "Suppress non-essential output")
	root.PersistentFlags().BoolVar(&verbose, "verbose", false, "Log at the configured level in one-shot commands")

	root.AddCommand(newServeCmd())
	root.AddCommand(newProcessCmd())
	root.AddCommand(newMatchCmd())
	root.AddCommand(newTestCmd())
	root.AddCommand(newDumpCmd())
	return root
}

// Execute runs the root command against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// session is what one-shot commands need: config, logger and a loaded engine.
type session struct {
	cfg    *config.Config
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	engine *detect.Engine
}

func (s *session) close() {
	s.engine.Shutdown()
	_ = s.logger.Sync()
}

// openSession loads the configuration and the rule database. One-shot
// commands log warnings and errors only unless --verbose is set.
func openSession() (*session, error) {
	level := "warn"
	if quiet {
		level = "error"
	}
	_, boot, err := bootstrap.InitLogger(level, "console")
	if err != nil {
		return nil, err
	}
	cfg, err := bootstrap.InitConfig(configFile, boot)
	if err != nil {
		return nil, err
	}
	if verbose {
		level = cfg.Log.Level
	}
	logger, sugar, err := bootstrap.InitLogger(level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	engine, err := bootstrap.InitEngine(cfg, nil, sugar)
	if err != nil {
		return nil, err
	}
	if err := bootstrap.LoadDatabase(engine, cfg.Database.Path, sugar); err != nil {
		return nil, fmt.Errorf("failed to load rule database: %w", err)
	}
	return &session{cfg: cfg, logger: logger, sugar: sugar, engine: engine}, nil
}

// outputAsJSON writes v as indented JSON
func outputAsJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// isTerminal reports whether w is a character device, for spinners
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}
