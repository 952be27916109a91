// Package config handles configuration loading and management for cairn.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration for cairn.
type Config struct {
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Supervisor SupervisorConfig `mapstructure:"supervisor" yaml:"supervisor"`
	A2A        A2AConfig        `mapstructure:"a2a" yaml:"a2a"`
	Planner    PlannerConfig    `mapstructure:"planner" yaml:"planner"`
	Composer   ComposerConfig   `mapstructure:"composer" yaml:"composer"`
	SWE        SWEConfig        `mapstructure:"swe" yaml:"swe"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic" yaml:"anthropic"`
	SCM        SCMConfig        `mapstructure:"scm" yaml:"scm"`
	HTTP       HTTPConfig       `mapstructure:"http" yaml:"http"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Policy     PolicyConfig     `mapstructure:"policy" yaml:"policy"`
}

// StoreConfig selects the task store database.
type StoreConfig struct {
	// Driver is "sqlite" (pure Go) or "sqlite3" (cgo).
	Driver string `mapstructure:"driver" yaml:"driver"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// SupervisorConfig bounds execution unit concurrency.
type SupervisorConfig struct {
	Slots        int           `mapstructure:"slots" yaml:"slots"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	UnitTimeout  time.Duration `mapstructure:"unit_timeout" yaml:"unit_timeout"`
	// Isolation is "process" (one OS process per unit) or "goroutine".
	Isolation string `mapstructure:"isolation" yaml:"isolation"`
}

// A2AConfig selects the sibling channel backend.
type A2AConfig struct {
	// Backend is "store" or "redis".
	Backend     string        `mapstructure:"backend" yaml:"backend"`
	RedisAddr   string        `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPrefix string        `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	WaitTimeout time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	PollInitial time.Duration `mapstructure:"poll_initial" yaml:"poll_initial"`
	PollMax     time.Duration `mapstructure:"poll_max" yaml:"poll_max"`
}

// PlannerConfig controls the fullstack planner.
type PlannerConfig struct {
	// AutoMaterialize creates every PM child right after planning instead
	// of waiting for a human to trigger materialization.
	AutoMaterialize bool `mapstructure:"auto_materialize" yaml:"auto_materialize"`
	MaxSubtasks     int  `mapstructure:"max_subtasks" yaml:"max_subtasks"`
}

// ComposerConfig controls child polling while a composite run waits.
type ComposerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
}

// SWEConfig bounds the SWE tool loop.
type SWEConfig struct {
	MaxIterations int `mapstructure:"max_iterations" yaml:"max_iterations"`
}

// AnthropicConfig holds model API settings.
type AnthropicConfig struct {
	APIKey     string `mapstructure:"api_key" yaml:"api_key"`
	Model      string `mapstructure:"model" yaml:"model"`
	Bedrock    bool   `mapstructure:"bedrock" yaml:"bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
}

// SCMConfig locates repository checkouts.
type SCMConfig struct {
	Workdir    string `mapstructure:"workdir" yaml:"workdir"`
	Owner      string `mapstructure:"owner" yaml:"owner"`
	RemoteBase string `mapstructure:"remote_base" yaml:"remote_base"`
}

// HTTPConfig holds the trigger API listen address.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// PolicyConfig points at an optional Rego policy overriding the built-in one.
type PolicyConfig struct {
	File string `mapstructure:"file" yaml:"file"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CAIRN_SECTION_KEY, ANTHROPIC_API_KEY)
// 2. Project config (.cairn.yaml in current directory or parent)
// 3. User config (~/.config/cairn/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return decode(v)
}

// LoadFromPath loads configuration from a specific file plus environment.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return decode(v)
}

// Watch calls onChange with the reloaded configuration each time the file
// at path is written. Decode errors are passed to onError and the previous
// configuration stays in effect.
func Watch(path string, onChange func(*Config), onError func(error)) error {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("reading config from %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("CAIRN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "CAIRN_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Store.Path = expandEnv(cfg.Store.Path)
	cfg.SCM.Workdir = expandEnv(cfg.SCM.Workdir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot honor.
func (c *Config) Validate() error {
	if c.Supervisor.Slots < 1 {
		return fmt.Errorf("supervisor.slots must be at least 1, got %d", c.Supervisor.Slots)
	}
	switch c.Supervisor.Isolation {
	case "process", "goroutine":
	default:
		return fmt.Errorf("supervisor.isolation must be process or goroutine, got %q", c.Supervisor.Isolation)
	}
	switch c.A2A.Backend {
	case "store", "redis":
	default:
		return fmt.Errorf("a2a.backend must be store or redis, got %q", c.A2A.Backend)
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("store.driver must be sqlite or sqlite3, got %q", c.Store.Driver)
	}
	return nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("store.driver", d.Store.Driver)
	v.SetDefault("store.path", d.Store.Path)

	v.SetDefault("supervisor.slots", d.Supervisor.Slots)
	v.SetDefault("supervisor.poll_interval", d.Supervisor.PollInterval.String())
	v.SetDefault("supervisor.unit_timeout", d.Supervisor.UnitTimeout.String())
	v.SetDefault("supervisor.isolation", d.Supervisor.Isolation)

	v.SetDefault("a2a.backend", d.A2A.Backend)
	v.SetDefault("a2a.redis_addr", d.A2A.RedisAddr)
	v.SetDefault("a2a.redis_prefix", d.A2A.RedisPrefix)
	v.SetDefault("a2a.wait_timeout", d.A2A.WaitTimeout.String())
	v.SetDefault("a2a.poll_initial", d.A2A.PollInitial.String())
	v.SetDefault("a2a.poll_max", d.A2A.PollMax.String())

	v.SetDefault("planner.auto_materialize", d.Planner.AutoMaterialize)
	v.SetDefault("planner.max_subtasks", d.Planner.MaxSubtasks)
	v.SetDefault("composer.poll_interval", d.Composer.PollInterval.String())
	v.SetDefault("swe.max_iterations", d.SWE.MaxIterations)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.bedrock", false)
	v.SetDefault("anthropic.aws_region", "")
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("scm.workdir", d.SCM.Workdir)
	v.SetDefault("scm.owner", "")
	v.SetDefault("scm.remote_base", d.SCM.RemoteBase)

	v.SetDefault("http.addr", d.HTTP.Addr)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("policy.file", "")
}

// getUserConfigDir returns the XDG config directory for cairn.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cairn")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "cairn")
	}
	return filepath.Join(home, ".config", "cairn")
}

func xdgDir(env, fallback string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, fallback)
}

// findProjectConfig searches for .cairn.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".cairn.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "cairn", "cairn.db"),
		},
		Supervisor: SupervisorConfig{
			Slots:        4,
			PollInterval: 2 * time.Second,
			UnitTimeout:  45 * time.Minute,
			Isolation:    "process",
		},
		A2A: A2AConfig{
			Backend:     "store",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "cairn",
			WaitTimeout: 2 * time.Minute,
			PollInitial: time.Second,
			PollMax:     15 * time.Second,
		},
		Planner: PlannerConfig{
			MaxSubtasks: 8,
		},
		Composer: ComposerConfig{
			PollInterval: 5 * time.Second,
		},
		SWE: SWEConfig{
			MaxIterations: 40,
		},
		Anthropic: AnthropicConfig{
			Model: "claude-sonnet-4-5",
		},
		SCM: SCMConfig{
			Workdir:    filepath.Join(xdgDir("XDG_CACHE_HOME", ".cache"), "cairn", "repos"),
			RemoteBase: "https://github.com",
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info", Format: "text"},
	}
}
