package config

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

type Config struct {
	AdaptiveSyncEnabled bool   `mapstructure:"adaptive_sync_enabled"`
	FPSCap              int    `mapstructure:"fps_cap"`
	DetectIntervalMs    int    `mapstructure:"detect_interval_ms"`
	ScenarioFile        string `mapstructure:"scenario_file"`

	DiagnosticsAddr string `mapstructure:"diagnostics_addr"`
	StatsIntervalMs int    `mapstructure:"stats_interval_ms"`

	OSDWorkers   int `mapstructure:"osd_workers"`
	OSDQueueSize int `mapstructure:"osd_queue_size"`

	LogFormat     string `mapstructure:"log_format"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogForwardMin string `mapstructure:"log_forward_level"`
}

func Default() *Config {
	return &Config{
		AdaptiveSyncEnabled: true,
		DetectIntervalMs:    250,
		StatsIntervalMs:     1000,
		OSDWorkers:          1,
		OSDQueueSize:        32,
		LogFormat:           "text",
		LogLevel:            "info",
		LogMaxSizeMB:        50,
		LogMaxBackups:       3,
		LogForwardMin:       "warn",
	}
}

// Load reads cfgFile, or frametiming.yaml from the config dir or the working
// directory, then FRAMETIMING_* environment variables.
func Load(cfgFile string) (*Config, error) {
	return LoadWith(viper.GetViper(), cfgFile)
}

// LoadWith is Load against a specific viper instance.
func LoadWith(v *viper.Viper, cfgFile string) (*Config, error) {
	cfg := Default()
	setDefaults(v, cfg)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("frametiming")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("FRAMETIMING")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// never appear in the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("adaptive_sync_enabled", cfg.AdaptiveSyncEnabled)
	v.SetDefault("fps_cap", cfg.FPSCap)
	v.SetDefault("detect_interval_ms", cfg.DetectIntervalMs)
	v.SetDefault("scenario_file", cfg.ScenarioFile)
	v.SetDefault("diagnostics_addr", cfg.DiagnosticsAddr)
	v.SetDefault("stats_interval_ms", cfg.StatsIntervalMs)
	v.SetDefault("osd_workers", cfg.OSDWorkers)
	v.SetDefault("osd_queue_size", cfg.OSDQueueSize)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)
	v.SetDefault("log_max_size_mb", cfg.LogMaxSizeMB)
	v.SetDefault("log_max_backups", cfg.LogMaxBackups)
	v.SetDefault("log_forward_level", cfg.LogForwardMin)
}

// SaveTo writes cfg as YAML to cfgFile, or to the default location.
func SaveTo(cfg *Config, cfgFile string) error {
	v := viper.New()
	v.Set("adaptive_sync_enabled", cfg.AdaptiveSyncEnabled)
	v.Set("fps_cap", cfg.FPSCap)
	v.Set("detect_interval_ms", cfg.DetectIntervalMs)
	v.Set("scenario_file", cfg.ScenarioFile)
	v.Set("diagnostics_addr", cfg.DiagnosticsAddr)
	v.Set("stats_interval_ms", cfg.StatsIntervalMs)
	v.Set("osd_workers", cfg.OSDWorkers)
	v.Set("osd_queue_size", cfg.OSDQueueSize)
	v.Set("log_format", cfg.LogFormat)
	v.Set("log_level", cfg.LogLevel)
	v.Set("log_file", cfg.LogFile)
	v.Set("log_max_size_mb", cfg.LogMaxSizeMB)
	v.Set("log_max_backups", cfg.LogMaxBackups)
	v.Set("log_forward_level", cfg.LogForwardMin)

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(configDir(), "frametiming.yaml")
	}
	if dir := filepath.Dir(cfgPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return v.WriteConfigAs(cfgPath)
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "frametiming")
	case "darwin":
		return "/Library/Application Support/frametiming"
	default:
		if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
			return filepath.Join(dir, "frametiming")
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".config", "frametiming")
		}
		return "/etc/frametiming"
	}
}
