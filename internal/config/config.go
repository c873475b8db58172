// File: internal/config/config.go
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Commands read through it and apply flag overrides with the setters.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Wait() WaitConfig
	Runner() RunnerConfig

	// Browser Setters
	SetBrowserDriver(string)
	SetBrowserHeadless(bool)

	// Runner Setters
	SetRunnerConcurrency(int)
	SetRunnerReportPath(string)
	SetRunnerFailFast(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	WaitCfg    WaitConfig    `mapstructure:"wait" yaml:"wait"`
	RunnerCfg  RunnerConfig  `mapstructure:"runner" yaml:"runner"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Wait() WaitConfig       { return c.WaitCfg }
func (c *Config) Runner() RunnerConfig   { return c.RunnerCfg }

// --- Interface Method Implementations (Setters) ---

// Browser Setters
func (c *Config) SetBrowserDriver(d string) { c.BrowserCfg.Driver = d }
func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }

// Runner Setters
func (c *Config) SetRunnerConcurrency(n int)   { c.RunnerCfg.Concurrency = n }
func (c *Config) SetRunnerReportPath(p string) { c.RunnerCfg.ReportPath = p }
func (c *Config) SetRunnerFailFast(b bool)     { c.RunnerCfg.FailFast = b }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color settings for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Browser driver names.
const (
	DriverCDP        = "cdp"
	DriverPlaywright = "playwright"
	DriverStatic     = "static"
)

// Drivers lists the accepted browser.driver values.
var Drivers = []string{DriverCDP, DriverPlaywright, DriverStatic}

// BrowserConfig selects and tunes the browser backend.
type BrowserConfig struct {
	Driver   string   `mapstructure:"driver" yaml:"driver"`
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	Args     []string `mapstructure:"args" yaml:"args"`
	// RemoteURL attaches the cdp driver to a running browser.
	RemoteURL         string        `mapstructure:"remote_url" yaml:"remote_url"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	// Install downloads Playwright's Chromium on first use.
	Install        bool          `mapstructure:"install" yaml:"install"`
	InstallTimeout time.Duration `mapstructure:"install_timeout" yaml:"install_timeout"`
}

// WaitConfig holds the wait engine's defaults.
type WaitConfig struct {
	DefaultTimeout  time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	SlowTimeout     time.Duration `mapstructure:"slow_timeout" yaml:"slow_timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MinPollInterval time.Duration `mapstructure:"min_poll_interval" yaml:"min_poll_interval"`
	// RestoreTimeout bounds context restoration after a scoped block ends.
	RestoreTimeout time.Duration `mapstructure:"restore_timeout" yaml:"restore_timeout"`
}

// RunnerConfig controls scenario execution.
type RunnerConfig struct {
	Concurrency int    `mapstructure:"concurrency" yaml:"concurrency"`
	ReportPath  string `mapstructure:"report_path" yaml:"report_path"`
	FailFast    bool   `mapstructure:"fail_fast" yaml:"fail_fast"`
	// BaseURL is prefixed to relative scenario URLs.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// NewDefaultConfig creates a configuration populated solely by SetDefaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "scalpel-harness")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.driver", DriverCDP)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.navigation_timeout", "30s")
	v.SetDefault("browser.install", false)
	v.SetDefault("browser.install_timeout", "5m")

	// -- Wait --
	v.SetDefault("wait.default_timeout", "10s")
	v.SetDefault("wait.slow_timeout", "20s")
	v.SetDefault("wait.poll_interval", "250ms")
	v.SetDefault("wait.min_poll_interval", "200ms")
	v.SetDefault("wait.restore_timeout", "5s")

	// -- Runner --
	v.SetDefault("runner.concurrency", 2)
	v.SetDefault("runner.report_path", "")
	v.SetDefault("runner.fail_fast", false)
	v.SetDefault("runner.base_url", "")
}

// EnvPrefix namespaces every environment override, e.g. HARNESS_BROWSER_DRIVER.
const EnvPrefix = "HARNESS"

// NewConfigFromViper binds environment overrides, unmarshals v into a Config
// and validates it.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Shorter aliases shared with the integration tests.
	_ = v.BindEnv("browser.exec_path", "HARNESS_CHROME", "HARNESS_BROWSER_EXEC_PATH")
	_ = v.BindEnv("browser.remote_url", "HARNESS_REMOTE_URL", "HARNESS_BROWSER_REMOTE_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for logical consistency.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return err
	}
	if err := c.WaitCfg.Validate(); err != nil {
		return err
	}
	if c.RunnerCfg.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be a positive integer")
	}
	return nil
}

// Validate checks the browser section.
func (b BrowserConfig) Validate() error {
	if !slices.Contains(Drivers, b.Driver) {
		return fmt.Errorf("browser.driver must be one of %s, got %q", strings.Join(Drivers, ", "), b.Driver)
	}
	if b.NavigationTimeout <= 0 {
		return fmt.Errorf("browser.navigation_timeout must be positive")
	}
	if b.RemoteURL != "" && b.Driver != DriverCDP {
		return fmt.Errorf("browser.remote_url is only supported by the %s driver", DriverCDP)
	}
	return nil
}

// MinPollIntervalFloor is the shortest min_poll_interval a config may set.
// Faster polling floods a remote browser with protocol round trips.
const MinPollIntervalFloor = 50 * time.Millisecond

// Validate checks the wait section.
func (w WaitConfig) Validate() error {
	if w.DefaultTimeout <= 0 {
		return fmt.Errorf("wait.default_timeout must be positive")
	}
	if w.SlowTimeout < w.DefaultTimeout {
		return fmt.Errorf("wait.slow_timeout (%s) must not be shorter than wait.default_timeout (%s)", w.SlowTimeout, w.DefaultTimeout)
	}
	if w.MinPollInterval < MinPollIntervalFloor {
		return fmt.Errorf("wait.min_poll_interval (%s) must be at least %s", w.MinPollInterval, MinPollIntervalFloor)
	}
	if w.PollInterval < w.MinPollInterval {
		return fmt.Errorf("wait.poll_interval (%s) must not be shorter than wait.min_poll_interval (%s)", w.PollInterval, w.MinPollInterval)
	}
	return nil
}
