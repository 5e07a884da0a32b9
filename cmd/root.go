// Package cmd wires the calibration pipeline into its command-line surface.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"kdump-calibrate/internal/config"
	"kdump-calibrate/internal/kernel"
	"kdump-calibrate/internal/logging"
	"kdump-calibrate/internal/pipeline"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const Version = "1.0.0"

var (
	configFile string
	outputFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:     "kdump-calibrate",
	Short:   "Crash-kernel memory calibration tool",
	Long:    "Calibrates the memory footprint a kdump crash-capture kernel needs by booting an instrumented VM with and without networking and deriving calibration constants from the observed memory counters.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if logLevel != "" {
			if err := logging.SetLogLevel(logLevel); err != nil {
				return fmt.Errorf("invalid log level: %w", err)
			}
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full two-scenario calibration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCalibration(configFile, outputFile)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a calibration configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return validateConfig(configFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Set log level (trace, debug, info, warn, error)")

	runCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to calibration configuration file")
	runCmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the report to a file instead of stdout")
	runCmd.MarkFlagRequired("config")

	validateCmd.Flags().StringVarP(&configFile, "config", "c", "", "Path to calibration configuration file")
	validateCmd.MarkFlagRequired("config")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}

func Execute() error {
	loadEnvironment()
	return rootCmd.Execute()
}

// loadEnvironment loads a .env file from the current or the application
// directory, so collaborator paths can be supplied without editing the yaml.
func loadEnvironment() {
	logger := logging.GetLogger()

	envFile := ".env"
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
		} else {
			logger.WithField("file", envFile).Debug("Loaded environment variables")
		}
		return
	}

	if execPath, err := os.Executable(); err == nil {
		envFile = filepath.Join(filepath.Dir(execPath), ".env")
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err != nil {
				logger.WithField("file", envFile).WithError(err).Warn("Error loading .env file")
			} else {
				logger.WithField("file", envFile).Debug("Loaded environment variables")
			}
		}
	}
}

func validateConfig(configFile string) error {
	logger := logging.GetLogger()

	_, err := config.LoadConfig(configFile)
	if err != nil {
		logger.WithField("config_file", configFile).WithError(err).Error("Configuration validation failed")
		return err
	}
	logger.WithField("config_file", configFile).Info("Configuration is valid")
	return nil
}

func runCalibration(configFile, outputFile string) error {
	logger := logging.GetLogger()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if logLevel == "" {
		if err := logging.SetLogLevel(cfg.Calibration.LogLevel); err != nil {
			logger.WithField("log_level", cfg.Calibration.LogLevel).WithError(err).Warn("Invalid log level in config, using INFO")
			logging.SetLogLevel("info")
		}
	}

	out := os.Stdout
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return fmt.Errorf("create report file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := pipeline.New(cfg).Run(out); err != nil {
		if errors.Is(err, kernel.ErrKernelNotFound) {
			fmt.Fprintln(os.Stderr, "Cannot determine target kernel")
		}
		return err
	}
	return nil
}
