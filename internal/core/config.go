// Package core contains configuration loading for taskmedic.
package core

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/taskmedic/taskmedic/pkg/models"
)

// ConfigFileName is the per-project configuration file read from the base
// directory.
const ConfigFileName = ".taskconfig"

// ConfigurationManager loads and validates configuration from the
// .taskconfig file.
type ConfigurationManager interface {
	LoadGlobalConfig() (*models.GlobalConfig, error)
	WriteDefaultConfig() error
}

// viperConfigManager implements ConfigurationManager using Viper for
// reading the YAML configuration file.
type viperConfigManager struct {
	basePath string
}

// NewConfigurationManager creates a ConfigurationManager that reads
// configuration relative to basePath.
func NewConfigurationManager(basePath string) ConfigurationManager {
	return &viperConfigManager{basePath: basePath}
}

// DefaultGlobalConfig returns a GlobalConfig populated with the standard
// defaults.
func DefaultGlobalConfig() *models.GlobalConfig {
	return &models.GlobalConfig{
		DefaultPriority: models.P2,
		DefaultCategory: "general",
		DefaultSource:   "cli",
		BackupRetention: 10,
		Monitor: models.MonitorThresholds{
			StuckHours:           2,
			StaleDays:            3,
			LowProgressDays:      7,
			LowProgressPercent:   20,
			NoImplementationDays: 1,
		},
		Remediation: models.RemediationConfig{
			ConfidenceThreshold: 0.7,
			MaxAutoFixes:        10,
			SafeMode:            true,
		},
	}
}

// LoadGlobalConfig reads .taskconfig from the base path. If the file does
// not exist, defaults are returned.
func (cm *viperConfigManager) LoadGlobalConfig() (*models.GlobalConfig, error) {
	cfg := DefaultGlobalConfig()

	v := viper.New()
	v.SetConfigName(ConfigFileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(cm.basePath)

	v.SetDefault("defaults.priority", string(cfg.DefaultPriority))
	v.SetDefault("defaults.category", cfg.DefaultCategory)
	v.SetDefault("defaults.source", cfg.DefaultSource)
	v.SetDefault("backup.retention", cfg.BackupRetention)
	v.SetDefault("monitor.stuck_hours", cfg.Monitor.StuckHours)
	v.SetDefault("monitor.stale_days", cfg.Monitor.StaleDays)
	v.SetDefault("monitor.low_progress_days", cfg.Monitor.LowProgressDays)
	v.SetDefault("monitor.low_progress_percent", cfg.Monitor.LowProgressPercent)
	v.SetDefault("monitor.no_implementation_days", cfg.Monitor.NoImplementationDays)
	v.SetDefault("remediation.confidence_threshold", cfg.Remediation.ConfidenceThreshold)
	v.SetDefault("remediation.max_auto_fixes", cfg.Remediation.MaxAutoFixes)
	v.SetDefault("remediation.safe_mode", cfg.Remediation.SafeMode)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", ConfigFileName, err)
	}

	priority := models.Priority(v.GetString("defaults.priority"))
	if !models.ValidPriority(priority) {
		return nil, fmt.Errorf("reading %s: unknown default priority %q", ConfigFileName, priority)
	}
	cfg.DefaultPriority = priority
	cfg.DefaultCategory = v.GetString("defaults.category")
	cfg.DefaultSource = v.GetString("defaults.source")
	cfg.BackupRetention = v.GetInt("backup.retention")
	cfg.Monitor.StuckHours = v.GetInt("monitor.stuck_hours")
	cfg.Monitor.StaleDays = v.GetInt("monitor.stale_days")
	cfg.Monitor.LowProgressDays = v.GetInt("monitor.low_progress_days")
	cfg.Monitor.LowProgressPercent = v.GetInt("monitor.low_progress_percent")
	cfg.Monitor.NoImplementationDays = v.GetInt("monitor.no_implementation_days")
	cfg.Remediation.ConfidenceThreshold = v.GetFloat64("remediation.confidence_threshold")
	cfg.Remediation.MaxAutoFixes = v.GetInt("remediation.max_auto_fixes")

	// Distinguish "not set" from an explicit false.
	if v.IsSet("remediation.safe_mode") {
		cfg.Remediation.SafeMode = v.GetBool("remediation.safe_mode")
	}

	return cfg, nil
}

// configTemplate mirrors the nested .taskconfig layout for emission.
type configTemplate struct {
	Defaults struct {
		Priority string `yaml:"priority"`
		Category string `yaml:"category"`
		Source   string `yaml:"source"`
	} `yaml:"defaults"`
	Backup struct {
		Retention int `yaml:"retention"`
	} `yaml:"backup"`
	Monitor     models.MonitorThresholds `yaml:"monitor"`
	Remediation models.RemediationConfig `yaml:"remediation"`
}

// WriteDefaultConfig emits a .taskconfig with the default settings, unless
// one already exists.
func (cm *viperConfigManager) WriteDefaultConfig() error {
	path := filepath.Join(cm.basePath, ConfigFileName)
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	cfg := DefaultGlobalConfig()
	var tmpl configTemplate
	tmpl.Defaults.Priority = string(cfg.DefaultPriority)
	tmpl.Defaults.Category = cfg.DefaultCategory
	tmpl.Defaults.Source = cfg.DefaultSource
	tmpl.Backup.Retention = cfg.BackupRetention
	tmpl.Monitor = cfg.Monitor
	tmpl.Remediation = cfg.Remediation

	data, err := yaml.Marshal(&tmpl)
	if err != nil {
		return fmt.Errorf("marshalling default config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", ConfigFileName, err)
	}
	return nil
}
