// Package cli implements the elastic command line.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tOgg1/elastic/internal/config"
	"github.com/tOgg1/elastic/internal/logging"
)

var (
	cfgFile    string
	logLevel   string
	logFormat  string
	jsonOutput bool
	noColor    bool

	appConfig *config.Config
	logFile   *os.File
)

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

var rootCmd = &cobra.Command{
	Use:   "elastic",
	Short: "Scale VM-backed compute clusters",
	Long: `elastic enables and disables the worker nodes of VM-backed clusters.

It drives each cluster's coordinator over SSH, asks the virtualization
layer to power VMs on and off over NATS and verifies the coordinator
reports the expected set of active workers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			_ = logFile.Close()
			logFile = nil
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/elastic/config.yaml)")
	flags.StringVar(&logLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "override logging format (json, console)")
	flags.BoolVar(&jsonOutput, "json", false, "output JSON")
	flags.BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command. An *ExitError asks the caller to exit with
// its code without printing anything further.
func Execute(version string) error {
	rootCmd.Version = version
	err := rootCmd.Execute()
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func initConfig(cmd *cobra.Command) error {
	loader := config.NewLoader()
	if cfgFile != "" {
		loader.SetConfigFile(cfgFile)
	}
	if logLevel != "" {
		loader.Set("logging.level", logLevel)
	}
	if logFormat != "" {
		loader.Set("logging.format", logFormat)
	}

	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	logCfg := cfg.LoggingSettings()
	logCfg.Output = cmd.ErrOrStderr()
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFile = f
		logCfg.Output = f
	}
	logging.Init(logCfg)

	if used := loader.ConfigFileUsed(); used != "" {
		logger := logging.Component("cli")
		logger.Debug().Str("config_file", used).Msg("loaded config file")
	}

	appConfig = cfg
	return nil
}

// GetConfig returns the loaded configuration.
func GetConfig() *config.Config {
	return appConfig
}

// IsJSONOutput reports whether --json was passed.
func IsJSONOutput() bool {
	return jsonOutput
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func contextStore() *config.ContextStore {
	path := ""
	if cfg := GetConfig(); cfg != nil && cfg.Global.ConfigDir != "" {
		path = cfg.Global.ConfigDir + string(os.PathSeparator) + "context.yaml"
	}
	return config.NewContextStore(path)
}
