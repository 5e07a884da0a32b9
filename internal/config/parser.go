package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"kdump-calibrate/internal/logging"

	"gopkg.in/yaml.v3"
)

func LoadConfig(filepath string) (*CalibrationConfig, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, err
	}

	// Expand environment variables
	expanded := expandEnvVars(string(data))

	var config CalibrationConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, err
	}

	applyDefaults(&config.Calibration)

	if err := validateConfig(&config.Calibration); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func applyDefaults(c *CalibrationInfo) {
	if c.TotalRAMKiB == 0 {
		c.TotalRAMKiB = 1024 * 1024
	}
	if c.NumCPUs == 0 {
		c.NumCPUs = 2
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DracutDir == "" {
		c.DracutDir = "/usr/lib/dracut"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = "dummy.conf"
	}
	if c.NetConfigFile == "" {
		c.NetConfigFile = "dummy-net.conf"
	}
	if c.MessagesLog == "" {
		c.MessagesLog = "messages.log"
	}
	if c.TrackRSSLog == "" {
		c.TrackRSSLog = "trackrss.log"
	}
	if c.CoreHeaderAddr == 0 {
		c.CoreHeaderAddr = DefaultCoreHeaderAddr
	}
}

func validateConfig(c *CalibrationInfo) error {
	if c.TotalRAMKiB <= 0 {
		return fmt.Errorf("total_ram_kib must be greater than 0")
	}

	if c.NumCPUs < 1 {
		return fmt.Errorf("num_cpus must be at least 1")
	}

	if c.ToolDir == "" {
		return fmt.Errorf("tool_dir is required")
	}

	if c.ConfigFile == c.NetConfigFile {
		return fmt.Errorf("config_file and net_config_file must differ: the two scenarios need different boot configurations")
	}

	return nil
}
