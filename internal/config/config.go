// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Scraper  ScraperConfig  `mapstructure:"scraper" yaml:"scraper"`
	Batch    BatchConfig    `mapstructure:"batch" yaml:"batch"`
	Crawler  CrawlerConfig  `mapstructure:"crawler" yaml:"crawler"`
	Analysis AnalysisConfig `mapstructure:"analysis" yaml:"analysis"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

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

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the shared headless browser process.
type BrowserConfig struct {
	Headless       bool          `mapstructure:"headless" yaml:"headless"`
	DisableGPU     bool          `mapstructure:"disable_gpu" yaml:"disable_gpu"`
	ExecPath       string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args           []string      `mapstructure:"args" yaml:"args"`
	ViewportWidth  int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserAgent      string        `mapstructure:"user_agent" yaml:"user_agent"`
	LaunchTimeout  time.Duration `mapstructure:"launch_timeout" yaml:"launch_timeout"`
	// InstallCommand is run once when the browser binary is missing.
	InstallCommand []string `mapstructure:"install_command" yaml:"install_command"`
}

// ScraperConfig tunes the per-source scrapers and where their records land.
type ScraperConfig struct {
	DataDir           string        `mapstructure:"data_dir" yaml:"data_dir"`
	ScreenshotsDir    string        `mapstructure:"screenshots_dir" yaml:"screenshots_dir"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	SearchSettle      time.Duration `mapstructure:"search_settle" yaml:"search_settle"`
	ResultsTimeout    time.Duration `mapstructure:"results_timeout" yaml:"results_timeout"`
	ResultsRetries    int           `mapstructure:"results_retries" yaml:"results_retries"`
	MaxResults        int           `mapstructure:"max_results" yaml:"max_results"`
	OCRCommand        string        `mapstructure:"ocr_command" yaml:"ocr_command"`
	OCRLanguage       string        `mapstructure:"ocr_language" yaml:"ocr_language"`
	StackOverflowURL  string        `mapstructure:"stackoverflow_url" yaml:"stackoverflow_url"`
	SnykURL           string        `mapstructure:"snyk_url" yaml:"snyk_url"`

	// OfficialURLTemplate turns a bare CVE id into an advisory URL for the official source.
	OfficialURLTemplate string `mapstructure:"official_url_template" yaml:"official_url_template"`
}

// BatchConfig holds the pacing policy used between dispatches.
type BatchConfig struct {
	InterSourceDelay time.Duration `mapstructure:"inter_source_delay" yaml:"inter_source_delay"`
	InterCVEDelay    time.Duration `mapstructure:"inter_cve_delay" yaml:"inter_cve_delay"`
	// NavigationsPerMinute caps dispatches across the whole batch. Zero disables the cap.
	NavigationsPerMinute int `mapstructure:"navigations_per_minute" yaml:"navigations_per_minute"`
}

// CrawlerConfig points at the external crawling collaborator.
type CrawlerConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Endpoint      string        `mapstructure:"endpoint" yaml:"endpoint"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SingleTimeout time.Duration `mapstructure:"single_timeout" yaml:"single_timeout"`
	UserAgent     string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// LLMProvider defines the supported analysis backends.
type LLMProvider string

const (
	ProviderOllama LLMProvider = "ollama"
	ProviderGemini LLMProvider = "gemini"
)

// AnalysisConfig configures the mitigation-report collaborator.
type AnalysisConfig struct {
	Provider   LLMProvider   `mapstructure:"provider" yaml:"provider"`
	Model      string        `mapstructure:"model" yaml:"model"`
	Endpoint   string        `mapstructure:"endpoint" yaml:"endpoint"`
	APIKey     string        `mapstructure:"api_key" yaml:"-"`
	APITimeout time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	MaxRetries int           `mapstructure:"max_retries" yaml:"max_retries"`
	OutputDir  string        `mapstructure:"output_dir" yaml:"output_dir"`

	// GeminiBaseURL overrides the Gemini API host. Empty uses the public endpoint.
	GeminiBaseURL string `mapstructure:"gemini_base_url" yaml:"gemini_base_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	WarmBrowser    bool          `mapstructure:"warm_browser" yaml:"warm_browser"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "dvrs")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.disable_gpu", true)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.launch_timeout", "60s")
	v.SetDefault("browser.install_command", []string{"npx", "playwright", "install", "chromium"})

	// -- Scraper --
	v.SetDefault("scraper.data_dir", "data")
	v.SetDefault("scraper.screenshots_dir", "screenshots")
	v.SetDefault("scraper.navigation_timeout", "30s")
	v.SetDefault("scraper.post_load_wait", "2s")
	v.SetDefault("scraper.search_settle", "10s")
	v.SetDefault("scraper.results_timeout", "60s")
	v.SetDefault("scraper.results_retries", 3)
	v.SetDefault("scraper.max_results", 1)
	v.SetDefault("scraper.ocr_command", "tesseract")
	v.SetDefault("scraper.ocr_language", "eng")
	v.SetDefault("scraper.stackoverflow_url", "https://stackoverflow.com/")
	v.SetDefault("scraper.snyk_url", "https://security.snyk.io/vuln/")
	v.SetDefault("scraper.official_url_template", "https://nvd.nist.gov/vuln/detail/%s")

	// -- Batch --
	v.SetDefault("batch.inter_source_delay", "1500ms")
	v.SetDefault("batch.inter_cve_delay", "3s")
	v.SetDefault("batch.navigations_per_minute", 0)

	// -- Crawler --
	v.SetDefault("crawler.enabled", true)
	v.SetDefault("crawler.endpoint", "http://localhost:8000/crawl")
	v.SetDefault("crawler.timeout", "30s")
	v.SetDefault("crawler.single_timeout", "10s")
	v.SetDefault("crawler.user_agent", "DVRS/1.0")

	// -- Analysis --
	v.SetDefault("analysis.provider", string(ProviderOllama))
	v.SetDefault("analysis.model", "mistral:latest")
	v.SetDefault("analysis.endpoint", "http://localhost:11434")
	v.SetDefault("analysis.api_timeout", "5m")
	v.SetDefault("analysis.max_retries", 2)
	v.SetDefault("analysis.output_dir", "ai-analysis")

	// -- Server --
	v.SetDefault("server.listen_addr", ":3001")
	v.SetDefault("server.request_timeout", "30m")
	v.SetDefault("server.warm_browser", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Sensitive values come from the environment only.
	_ = v.BindEnv("analysis.api_key", "DVRS_ANALYSIS_API_KEY", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.ResolvePaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ResolvePaths expands '~' in directory settings and anchors the
// screenshot and analysis directories under the data directory when relative.
func (c *Config) ResolvePaths() error {
	dataDir, err := homedir.Expand(c.Scraper.DataDir)
	if err != nil {
		return fmt.Errorf("failed to expand scraper.data_dir: %w", err)
	}
	c.Scraper.DataDir = dataDir

	shots, err := homedir.Expand(c.Scraper.ScreenshotsDir)
	if err != nil {
		return fmt.Errorf("failed to expand scraper.screenshots_dir: %w", err)
	}
	if shots != "" && !filepath.IsAbs(shots) {
		shots = filepath.Join(dataDir, shots)
	}
	c.Scraper.ScreenshotsDir = shots

	out, err := homedir.Expand(c.Analysis.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to expand analysis.output_dir: %w", err)
	}
	if out != "" && !filepath.IsAbs(out) {
		out = filepath.Join(dataDir, out)
	}
	c.Analysis.OutputDir = out

	if c.Logger.LogFile != "" {
		logFile, err := homedir.Expand(c.Logger.LogFile)
		if err != nil {
			return fmt.Errorf("failed to expand logger.log_file: %w", err)
		}
		c.Logger.LogFile = logFile
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Scraper.DataDir) == "" {
		return fmt.Errorf("scraper.data_dir is a required configuration field")
	}
	if c.Scraper.NavigationTimeout <= 0 {
		return fmt.Errorf("scraper.navigation_timeout must be a positive duration")
	}
	if c.Scraper.ResultsRetries < 0 {
		return fmt.Errorf("scraper.results_retries must not be negative")
	}
	if c.Scraper.MaxResults < 1 {
		return fmt.Errorf("scraper.max_results must be at least 1")
	}
	if c.Batch.InterSourceDelay < 0 || c.Batch.InterCVEDelay < 0 {
		return fmt.Errorf("batch delays must not be negative")
	}
	if c.Batch.NavigationsPerMinute < 0 {
		return fmt.Errorf("batch.navigations_per_minute must not be negative")
	}
	if c.Browser.ViewportWidth <= 0 || c.Browser.ViewportHeight <= 0 {
		return fmt.Errorf("browser viewport dimensions must be positive")
	}
	if c.Crawler.Enabled && c.Crawler.Endpoint == "" {
		return fmt.Errorf("crawler.endpoint is required when the crawler is enabled")
	}
	return c.Analysis.Validate()
}

// Validate checks the analysis backend settings.
func (a *AnalysisConfig) Validate() error {
	switch a.Provider {
	case ProviderOllama:
		if a.Endpoint == "" {
			return fmt.Errorf("analysis.endpoint is required for the ollama provider")
		}
	case ProviderGemini:
		// The API key is only checked when a Gemini client is actually built.
	default:
		return fmt.Errorf("unsupported analysis.provider '%s' (supported: %s, %s)", a.Provider, ProviderOllama, ProviderGemini)
	}
	if a.Model == "" {
		return fmt.Errorf("analysis.model is required")
	}
	return nil
}
