// Package config loads process configuration from flags, environment
// variables, and an optional YAML file, in that order of precedence, via
// viper.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultPaths are the process's default on-disk locations, used when the
// operator hasn't overridden them via flag, env, or config file.
type DefaultPaths struct {
	ConfigDir   string
	ProjectsDir string
	LogPath     string
}

// Config is the fully-resolved process configuration.
type Config struct {
	Server struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"server"`

	Projects struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"projects"`

	Browser struct {
		DevtoolsURL     string `mapstructure:"devtools_url"`
		GracePeriodSecs int    `mapstructure:"grace_period_secs"`
		JanitorMultiple int    `mapstructure:"janitor_multiple"`
	} `mapstructure:"browser"`

	Replay struct {
		SkipTLSVerify bool `mapstructure:"skip_tls_verify"`
		AllowLoopback bool `mapstructure:"allow_loopback"`
		TimeoutSecs   int  `mapstructure:"timeout_secs"`
	} `mapstructure:"replay"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Path   string `mapstructure:"path"`
		Pretty bool   `mapstructure:"pretty"`
	} `mapstructure:"logging"`
}

// GracePeriod returns the operator-channel disconnect grace period as a Duration.
func (c Config) GracePeriod() time.Duration {
	return time.Duration(c.Browser.GracePeriodSecs) * time.Second
}

// ReplayTimeout returns the replay client timeout as a Duration.
func (c Config) ReplayTimeout() time.Duration {
	return time.Duration(c.Replay.TimeoutSecs) * time.Second
}

func expandTilde(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get user home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// GetDefaultPaths computes the process's default config/projects/log
// locations under the user's config directory.
func GetDefaultPaths() DefaultPaths {
	base, err := os.UserConfigDir()
	if err != nil {
		base = "."
	}
	dir := filepath.Join(base, "mitmrelay")
	return DefaultPaths{
		ConfigDir:   dir,
		ProjectsDir: filepath.Join(dir, "projects"),
		LogPath:     filepath.Join(dir, "logs", "mitmrelay.log"),
	}
}

// Load resolves a Config from environment variables prefixed MITMRELAY_,
// cfgFile (if non-empty), and hard defaults, in that order of precedence —
// flags passed by the caller win over all of them once applied by the
// command layer.
func Load(cfgFile string) (Config, error) {
	v := viper.New()
	defaults := GetDefaultPaths()

	v.SetDefault("server.addr", "127.0.0.1:8791")
	v.SetDefault("projects.dir", defaults.ProjectsDir)
	v.SetDefault("browser.devtools_url", "http://127.0.0.1:9222")
	v.SetDefault("browser.grace_period_secs", 5)
	v.SetDefault("browser.janitor_multiple", 3)
	v.SetDefault("replay.skip_tls_verify", false)
	v.SetDefault("replay.allow_loopback", false)
	v.SetDefault("replay.timeout_secs", 30)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.path", defaults.LogPath)
	v.SetDefault("logging.pretty", false)

	if cfgFile != "" {
		expanded, err := expandTilde(cfgFile)
		if err != nil {
			return Config{}, err
		}
		v.SetConfigFile(expanded)
	} else {
		v.AddConfigPath(defaults.ConfigDir)
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("MITMRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	expandedProjectsDir, err := expandTilde(cfg.Projects.Dir)
	if err != nil {
		return Config{}, err
	}
	cfg.Projects.Dir = expandedProjectsDir

	expandedLogPath, err := expandTilde(cfg.Logging.Path)
	if err != nil {
		return Config{}, err
	}
	cfg.Logging.Path = expandedLogPath

	return cfg, nil
}
