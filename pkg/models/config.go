package models

// MonitorThresholds configures the health monitor's detection rules.
type MonitorThresholds struct {
	StuckHours           int `yaml:"stuck_hours" json:"stuck_hours"`
	StaleDays            int `yaml:"stale_days" json:"stale_days"`
	LowProgressDays      int `yaml:"low_progress_days" json:"low_progress_days"`
	LowProgressPercent   int `yaml:"low_progress_percent" json:"low_progress_percent"`
	NoImplementationDays int `yaml:"no_implementation_days" json:"no_implementation_days"`
}

// RemediationConfig configures the remediation engine's run bounds.
type RemediationConfig struct {
	ConfidenceThreshold float64 `yaml:"confidence_threshold" json:"confidence_threshold"`
	MaxAutoFixes        int     `yaml:"max_auto_fixes" json:"max_auto_fixes"`
	SafeMode            bool    `yaml:"safe_mode" json:"safe_mode"`
}

// GlobalConfig holds settings read from the .taskconfig file.
type GlobalConfig struct {
	DefaultPriority Priority          `yaml:"default_priority"`
	DefaultCategory string            `yaml:"default_category"`
	DefaultSource   string            `yaml:"default_source"`
	BackupRetention int               `yaml:"backup_retention"`
	Monitor         MonitorThresholds `yaml:"monitor"`
	Remediation     RemediationConfig `yaml:"remediation"`
}
