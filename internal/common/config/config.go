// Package config provides configuration management for crewd.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MissedFirePolicy controls what a recurring check does with deadlines
// that passed while the process was down.
type MissedFirePolicy string

const (
	// MissedFireSkip advances the deadline to the next future interval.
	MissedFireSkip MissedFirePolicy = "skip"
	// MissedFireImmediate fires once immediately, then resumes the cadence.
	MissedFireImmediate MissedFirePolicy = "immediate"
)

// Config holds all configuration sections for crewd.
type Config struct {
	Session    SessionConfig    `mapstructure:"session"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	Activity   ActivityConfig   `mapstructure:"activity"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Watchdog   WatchdogConfig   `mapstructure:"watchdog"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SessionConfig holds PTY session and supervisor configuration.
type SessionConfig struct {
	// OrchestratorName is the reserved session name that is never auto-restarted.
	OrchestratorName string `mapstructure:"orchestratorName"`
	Shell            string `mapstructure:"shell"`
	DefaultCols      int    `mapstructure:"defaultCols"`
	DefaultRows      int    `mapstructure:"defaultRows"`
	MaxCols          int    `mapstructure:"maxCols"`
	MaxRows          int    `mapstructure:"maxRows"`
	MaxDataListeners int    `mapstructure:"maxDataListeners"`
	MaxExitListeners int    `mapstructure:"maxExitListeners"`
	// SendCRDelayMS is the pause between writing message text and the
	// trailing carriage return. Some runtime REPLs coalesce a same-frame
	// CR with the text, swallowing the submit.
	SendCRDelayMS  int  `mapstructure:"sendCRDelayMs"`
	ReadyTimeoutS  int  `mapstructure:"readyTimeoutS"`
	ForceKillS     int  `mapstructure:"forceKillS"`
	MirrorOutput   bool `mapstructure:"mirrorOutput"`
	SettleDelayMS  int  `mapstructure:"settleDelayMs"`
	DetectProbeMS  int  `mapstructure:"detectProbeMs"`
	ExternalToolMS int  `mapstructure:"externalToolMs"` // timeout for "which <runtime>" style probes
}

// MonitorConfig holds output monitor configuration.
type MonitorConfig struct {
	BufferMaxBytes    int `mapstructure:"bufferMaxBytes"`
	StartupGraceMS    int `mapstructure:"startupGraceMs"`
	ConfirmDelayMS    int `mapstructure:"confirmDelayMs"`
	ProcessPollMS     int `mapstructure:"processPollMs"`
	ProcessPollGraceS int `mapstructure:"processPollGraceS"`
}

// ActivityConfig holds activity tracker TTLs.
type ActivityConfig struct {
	ActiveTTLS int `mapstructure:"activeTTLS"`
	IdleTTLS   int `mapstructure:"idleTTLS"`
}

// SchedulerConfig holds check-in scheduler configuration.
type SchedulerConfig struct {
	StatePath        string `mapstructure:"statePath"`
	MinFireLeadS     int    `mapstructure:"minFireLeadS"`
	MissedFirePolicy string `mapstructure:"missedFirePolicy"`
}

// CheckpointConfig holds state checkpoint store configuration.
type CheckpointConfig struct {
	StateDir          string `mapstructure:"stateDir"`
	Namespace         string `mapstructure:"namespace"`
	BackupRetention   int    `mapstructure:"backupRetention"`
	IntervalS         int    `mapstructure:"intervalS"`
	ResumeConvWindowS int    `mapstructure:"resumeConvWindowS"`
	MaxRecentMessages int    `mapstructure:"maxRecentMessages"`
}

// WatchdogConfig holds resource watchdog thresholds and timing.
type WatchdogConfig struct {
	PollIntervalS  int     `mapstructure:"pollIntervalS"`
	AlertCooldownS int     `mapstructure:"alertCooldownS"`
	DiskWarnPct    float64 `mapstructure:"diskWarnPct"`
	DiskCritPct    float64 `mapstructure:"diskCritPct"`
	MemWarnPct     float64 `mapstructure:"memWarnPct"`
	MemCritPct     float64 `mapstructure:"memCritPct"`
	CPUWarnPct     float64 `mapstructure:"cpuWarnPct"` // % of per-core capacity
	CPUCritPct     float64 `mapstructure:"cpuCritPct"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// SendCRDelay returns the text-to-CR pause as a time.Duration.
func (s *SessionConfig) SendCRDelay() time.Duration {
	return time.Duration(s.SendCRDelayMS) * time.Millisecond
}

// ReadyTimeout returns the initialization deadline as a time.Duration.
func (s *SessionConfig) ReadyTimeout() time.Duration {
	return time.Duration(s.ReadyTimeoutS) * time.Second
}

// ForceKillDelay returns the SIGTERM-to-SIGKILL escalation delay.
func (s *SessionConfig) ForceKillDelay() time.Duration {
	return time.Duration(s.ForceKillS) * time.Second
}

// SettleDelay returns the pause after clearing a command line.
func (s *SessionConfig) SettleDelay() time.Duration {
	return time.Duration(s.SettleDelayMS) * time.Millisecond
}

// DetectProbe returns how long a runtime-detection probe waits for the
// pane to settle after typing.
func (s *SessionConfig) DetectProbe() time.Duration {
	return time.Duration(s.DetectProbeMS) * time.Millisecond
}

// ExternalToolTimeout bounds "which <runtime>" style probes.
func (s *SessionConfig) ExternalToolTimeout() time.Duration {
	return time.Duration(s.ExternalToolMS) * time.Millisecond
}

// StartupGrace returns the window during which exit-pattern matches are suppressed.
func (m *MonitorConfig) StartupGrace() time.Duration {
	return time.Duration(m.StartupGraceMS) * time.Millisecond
}

// ConfirmDelay returns the exit-match debounce interval.
func (m *MonitorConfig) ConfirmDelay() time.Duration {
	return time.Duration(m.ConfirmDelayMS) * time.Millisecond
}

// ProcessPollInterval returns the process-liveness poll interval.
func (m *MonitorConfig) ProcessPollInterval() time.Duration {
	return time.Duration(m.ProcessPollMS) * time.Millisecond
}

// ProcessPollGrace returns the delay before liveness polling begins.
func (m *MonitorConfig) ProcessPollGrace() time.Duration {
	return time.Duration(m.ProcessPollGraceS) * time.Second
}

// ActiveTTL returns the window during which a session counts as active.
func (a *ActivityConfig) ActiveTTL() time.Duration {
	return time.Duration(a.ActiveTTLS) * time.Second
}

// IdleTTL returns the window during which a session counts as idle.
func (a *ActivityConfig) IdleTTL() time.Duration {
	return time.Duration(a.IdleTTLS) * time.Second
}

// MinFireLead returns the minimum lead re-armed past-due checks are clipped to.
func (s *SchedulerConfig) MinFireLead() time.Duration {
	return time.Duration(s.MinFireLeadS) * time.Second
}

// Policy returns the configured missed-fire policy.
func (s *SchedulerConfig) Policy() MissedFirePolicy {
	if s.MissedFirePolicy == string(MissedFireImmediate) {
		return MissedFireImmediate
	}
	return MissedFireSkip
}

// Interval returns the periodic checkpoint interval.
func (c *CheckpointConfig) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

// ResumeConversationWindow returns the recency window for conversations to resume.
func (c *CheckpointConfig) ResumeConversationWindow() time.Duration {
	return time.Duration(c.ResumeConvWindowS) * time.Second
}

// PollInterval returns the watchdog sampling interval.
func (w *WatchdogConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalS) * time.Second
}

// AlertCooldown returns the per-(metric,severity) alert dedup window.
func (w *WatchdogConfig) AlertCooldown() time.Duration {
	return time.Duration(w.AlertCooldownS) * time.Second
}

// HomeDir resolves the crewd home directory, honoring the CREWD_HOME override.
func HomeDir() string {
	if dir := os.Getenv("CREWD_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".crewd")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home := HomeDir()

	// Session defaults
	v.SetDefault("session.orchestratorName", "orchestrator")
	v.SetDefault("session.shell", "/bin/bash")
	v.SetDefault("session.defaultCols", 80)
	v.SetDefault("session.defaultRows", 24)
	v.SetDefault("session.maxCols", 500)
	v.SetDefault("session.maxRows", 300)
	v.SetDefault("session.maxDataListeners", 16)
	v.SetDefault("session.maxExitListeners", 16)
	v.SetDefault("session.sendCRDelayMs", 100)
	v.SetDefault("session.readyTimeoutS", 45)
	v.SetDefault("session.forceKillS", 5)
	v.SetDefault("session.mirrorOutput", false)
	v.SetDefault("session.settleDelayMs", 200)
	v.SetDefault("session.detectProbeMs", 500)
	v.SetDefault("session.externalToolMs", 5000)

	// Output monitor defaults
	v.SetDefault("monitor.bufferMaxBytes", 16*1024)
	v.SetDefault("monitor.startupGraceMs", 60_000)
	v.SetDefault("monitor.confirmDelayMs", 750)
	v.SetDefault("monitor.processPollMs", 5000)
	v.SetDefault("monitor.processPollGraceS", 30)

	// Activity defaults
	v.SetDefault("activity.activeTTLS", 300)
	v.SetDefault("activity.idleTTLS", 1800)

	// Scheduler defaults
	v.SetDefault("scheduler.statePath", filepath.Join(home, "state", "scheduler.json"))
	v.SetDefault("scheduler.minFireLeadS", 10)
	v.SetDefault("scheduler.missedFirePolicy", string(MissedFireSkip))

	// Checkpoint defaults
	v.SetDefault("checkpoint.stateDir", filepath.Join(home, "state"))
	v.SetDefault("checkpoint.namespace", "orchestrator")
	v.SetDefault("checkpoint.backupRetention", 10)
	v.SetDefault("checkpoint.intervalS", 300)
	v.SetDefault("checkpoint.resumeConvWindowS", 3600)
	v.SetDefault("checkpoint.maxRecentMessages", 50)

	// Watchdog defaults
	v.SetDefault("watchdog.pollIntervalS", 60)
	v.SetDefault("watchdog.alertCooldownS", 900)
	v.SetDefault("watchdog.diskWarnPct", 85.0)
	v.SetDefault("watchdog.diskCritPct", 95.0)
	v.SetDefault("watchdog.memWarnPct", 85.0)
	v.SetDefault("watchdog.memCritPct", 95.0)
	v.SetDefault("watchdog.cpuWarnPct", 200.0)
	v.SetDefault("watchdog.cpuCritPct", 400.0)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "crewd")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CREWD_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/crewd/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CREWD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose config key is camelCase.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("checkpoint.stateDir", "CREWD_STATE_DIR", "CREWD_CHECKPOINT_STATE_DIR")
	_ = v.BindEnv("scheduler.statePath", "CREWD_SCHEDULER_STATE_PATH")
	_ = v.BindEnv("watchdog.pollIntervalS", "CREWD_WATCHDOG_POLL_INTERVAL_S")
	_ = v.BindEnv("session.orchestratorName", "CREWD_SESSION_ORCHESTRATOR_NAME")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crewd/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that the configuration is internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Session.OrchestratorName == "" {
		errs = append(errs, "session.orchestratorName must not be empty")
	}
	if cfg.Session.MaxCols <= 0 || cfg.Session.MaxRows <= 0 {
		errs = append(errs, "session.maxCols and session.maxRows must be positive")
	}
	if cfg.Session.DefaultCols <= 0 || cfg.Session.DefaultCols > cfg.Session.MaxCols {
		errs = append(errs, "session.defaultCols must be in 1..maxCols")
	}
	if cfg.Session.DefaultRows <= 0 || cfg.Session.DefaultRows > cfg.Session.MaxRows {
		errs = append(errs, "session.defaultRows must be in 1..maxRows")
	}
	if cfg.Session.MaxDataListeners <= 0 || cfg.Session.MaxExitListeners <= 0 {
		errs = append(errs, "session listener caps must be positive")
	}

	if cfg.Monitor.BufferMaxBytes <= 0 {
		errs = append(errs, "monitor.bufferMaxBytes must be positive")
	}

	if cfg.Activity.ActiveTTLS <= 0 || cfg.Activity.IdleTTLS <= 0 {
		errs = append(errs, "activity TTLs must be positive")
	}
	if cfg.Activity.ActiveTTLS >= cfg.Activity.IdleTTLS {
		errs = append(errs, "activity.activeTTLS must be less than activity.idleTTLS")
	}

	switch cfg.Scheduler.MissedFirePolicy {
	case string(MissedFireSkip), string(MissedFireImmediate):
	default:
		errs = append(errs, "scheduler.missedFirePolicy must be one of: skip, immediate")
	}

	if cfg.Checkpoint.BackupRetention <= 0 {
		errs = append(errs, "checkpoint.backupRetention must be positive")
	}

	if cfg.Watchdog.DiskWarnPct >= cfg.Watchdog.DiskCritPct {
		errs = append(errs, "watchdog.diskWarnPct must be below watchdog.diskCritPct")
	}
	if cfg.Watchdog.MemWarnPct >= cfg.Watchdog.MemCritPct {
		errs = append(errs, "watchdog.memWarnPct must be below watchdog.memCritPct")
	}
	if cfg.Watchdog.CPUWarnPct >= cfg.Watchdog.CPUCritPct {
		errs = append(errs, "watchdog.cpuWarnPct must be below watchdog.cpuCritPct")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
