package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/spf13/viper"

	"artifact-scanner/v1/pkg/archive"
	"artifact-scanner/v1/pkg/extract"
	"artifact-scanner/v1/pkg/logger"
	"artifact-scanner/v1/pkg/sources"
	"artifact-scanner/v1/pkg/workers"
)

// EnvPrefix is prepended to environment overrides, e.g. ARTIFACT_SCANNER_SCAN_WORKERS.
const EnvPrefix = "ARTIFACT_SCANNER"

// Config represents the main configuration structure
type Config struct {
	Scan   ScanConfig   `mapstructure:"scan" yaml:"scan"`
	S3     S3Config     `mapstructure:"s3" yaml:"s3"`
	Tools  ToolsConfig  `mapstructure:"tools" yaml:"tools"`
	Retry  RetryConfig  `mapstructure:"retry" yaml:"retry"`
	Report ReportConfig `mapstructure:"report" yaml:"report"`
	Color  bool         `mapstructure:"color" yaml:"color"`
}

// ScanConfig controls what is matched and how deep archives are unpacked
type ScanConfig struct {
	EnvSecretsOnly bool  `mapstructure:"envSecretsOnly" yaml:"envSecretsOnly"`
	Workers        int   `mapstructure:"workers" yaml:"workers"`
	MaxDepth       int   `mapstructure:"maxDepth" yaml:"maxDepth"`
	MaxUnitBytes   int64 `mapstructure:"maxUnitBytes" yaml:"maxUnitBytes"`
	MaxEntries     int   `mapstructure:"maxEntries" yaml:"maxEntries"`
	// Keywords extend the built-in SECRET, PASSWORD, ACCESS_KEY and TOKEN set.
	Keywords        []string `mapstructure:"keywords" yaml:"keywords"`
	MinSecretLength int      `mapstructure:"minSecretLength" yaml:"minSecretLength"`
	// ExtraSecrets are literal values matched like harvested environment secrets.
	ExtraSecrets   []string      `mapstructure:"extraSecrets" yaml:"extraSecrets"`
	Include        []string      `mapstructure:"include" yaml:"include"`
	Exclude        []string      `mapstructure:"exclude" yaml:"exclude"`
	Sniff          bool          `mapstructure:"sniff" yaml:"sniff"`
	Gitleaks       bool          `mapstructure:"gitleaks" yaml:"gitleaks"`
	GitleaksConfig string        `mapstructure:"gitleaksConfig" yaml:"gitleaksConfig"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	TempDir        string        `mapstructure:"tempDir" yaml:"tempDir"`
}

// S3Config configures the S3 client. Empty values keep SDK defaults.
type S3Config struct {
	Region       string `mapstructure:"region" yaml:"region"`
	Profile      string `mapstructure:"profile" yaml:"profile"`
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	UsePathStyle bool   `mapstructure:"usePathStyle" yaml:"usePathStyle"`
}

// ToolsConfig names the package extraction binaries
type ToolsConfig struct {
	DpkgDeb  string `mapstructure:"dpkgDeb" yaml:"dpkgDeb"`
	Rpm2cpio string `mapstructure:"rpm2cpio" yaml:"rpm2cpio"`
	Cpio     string `mapstructure:"cpio" yaml:"cpio"`
}

// RetryConfig bounds retries of blob fetches
type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"maxAttempts" yaml:"maxAttempts"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff" yaml:"initialBackoff"`
	MaxBackoff     time.Duration `mapstructure:"maxBackoff" yaml:"maxBackoff"`
}

// ReportConfig selects an optional report file
type ReportConfig struct {
	Output string `mapstructure:"output" yaml:"output"`
}

// ConfigError is returned for configuration that cannot start a scan
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return "invalid configuration: " + msg
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// SetDefaults registers every key with its default value. Registering all
// keys also makes them visible to AutomaticEnv during Unmarshal.
func SetDefaults(v *viper.Viper) {
	limits := archive.DefaultLimits()
	retry := workers.DefaultRetryPolicy()
	tools := extract.DefaultTools()

	v.SetDefault("scan.envSecretsOnly", false)
	v.SetDefault("scan.workers", 1)
	v.SetDefault("scan.maxDepth", limits.MaxDepth)
	v.SetDefault("scan.maxUnitBytes", limits.MaxUnitBytes)
	v.SetDefault("scan.maxEntries", limits.MaxEntries)
	v.SetDefault("scan.keywords", []string{})
	v.SetDefault("scan.minSecretLength", 1)
	v.SetDefault("scan.extraSecrets", []string{})
	v.SetDefault("scan.include", []string{})
	v.SetDefault("scan.exclude", []string{})
	v.SetDefault("scan.sniff", false)
	v.SetDefault("scan.gitleaks", false)
	v.SetDefault("scan.gitleaksConfig", "")
	v.SetDefault("scan.timeout", time.Duration(0))
	v.SetDefault("scan.tempDir", "")

	v.SetDefault("s3.region", "")
	v.SetDefault("s3.profile", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.usePathStyle", false)

	v.SetDefault("tools.dpkgDeb", tools.DpkgDeb)
	v.SetDefault("tools.rpm2cpio", tools.Rpm2cpio)
	v.SetDefault("tools.cpio", tools.Cpio)

	v.SetDefault("retry.maxAttempts", retry.MaxAttempts)
	v.SetDefault("retry.initialBackoff", retry.InitialBackoff)
	v.SetDefault("retry.maxBackoff", retry.MaxBackoff)

	v.SetDefault("report.output", "")
	v.SetDefault("color", false)
}

// Init prepares v: defaults, environment overrides and the config file.
// An explicit cfgFile must exist; otherwise config.yaml is looked up in the
// working directory and $HOME/.artifact-scanner, and its absence is fine.
func Init(v *viper.Viper, cfgFile string) error {
	log := logger.WithName("config")

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		if cwd, err := os.Getwd(); err == nil {
			v.AddConfigPath(cwd)
		}
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".artifact-scanner"))
		}
		v.SetConfigType("yaml")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile == "" && errors.As(err, &notFound) {
			log.V(1).InfoS("No config file found, using defaults and environment")
			return nil
		}
		return &ConfigError{Field: "config", Message: "failed to read config file", Err: err}
	}

	log.V(1).InfoS("Using config file", "file", v.ConfigFileUsed())
	return nil
}

// Load decodes v into a Config and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &ConfigError{Message: "failed to decode configuration", Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger.WithName("config").V(1).InfoS("Configuration loaded",
		"workers", cfg.Scan.Workers,
		"maxDepth", cfg.Scan.MaxDepth,
		"keywords", len(cfg.Scan.Keywords),
		"envSecretsOnly", cfg.Scan.EnvSecretsOnly,
		"sniff", cfg.Scan.Sniff,
		"gitleaks", cfg.Scan.Gitleaks)
	return &cfg, nil
}

var keywordPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

// Validate checks ranges and patterns. The first problem found is returned.
func (c *Config) Validate() error {
	s := c.Scan
	switch {
	case s.Workers < 0:
		return &ConfigError{Field: "scan.workers", Message: fmt.Sprintf("must be >= 0, got %d", s.Workers)}
	case s.MaxDepth < 1:
		return &ConfigError{Field: "scan.maxDepth", Message: fmt.Sprintf("must be >= 1, got %d", s.MaxDepth)}
	case s.MaxUnitBytes < 1:
		return &ConfigError{Field: "scan.maxUnitBytes", Message: fmt.Sprintf("must be >= 1, got %d", s.MaxUnitBytes)}
	case s.MaxEntries < 1:
		return &ConfigError{Field: "scan.maxEntries", Message: fmt.Sprintf("must be >= 1, got %d", s.MaxEntries)}
	case s.MinSecretLength < 1:
		return &ConfigError{Field: "scan.minSecretLength", Message: fmt.Sprintf("must be >= 1, got %d", s.MinSecretLength)}
	case s.Timeout < 0:
		return &ConfigError{Field: "scan.timeout", Message: "must not be negative"}
	case c.Retry.MaxAttempts < 1:
		return &ConfigError{Field: "retry.maxAttempts", Message: fmt.Sprintf("must be >= 1, got %d", c.Retry.MaxAttempts)}
	case c.Retry.InitialBackoff < 0 || c.Retry.MaxBackoff < 0:
		return &ConfigError{Field: "retry", Message: "backoff must not be negative"}
	}

	for _, kw := range s.Keywords {
		if !keywordPattern.MatchString(kw) {
			return &ConfigError{Field: "scan.keywords", Message: fmt.Sprintf("%q must contain only A-Z, 0-9 and _", kw)}
		}
	}
	if err := validateGlobs("scan.include", s.Include); err != nil {
		return err
	}
	if err := validateGlobs("scan.exclude", s.Exclude); err != nil {
		return err
	}
	if s.GitleaksConfig != "" {
		if _, err := os.Stat(s.GitleaksConfig); err != nil {
			return &ConfigError{Field: "scan.gitleaksConfig", Message: "cannot read rule file", Err: err}
		}
	}
	return nil
}

func validateGlobs(field string, globs []string) error {
	for _, g := range globs {
		if _, err := glob.Compile(g, '/'); err != nil {
			return &ConfigError{Field: field, Message: fmt.Sprintf("invalid pattern %q", g), Err: err}
		}
	}
	return nil
}

// Limits returns the archive walk limits
func (c *Config) Limits() archive.Limits {
	return archive.Limits{
		MaxDepth:     c.Scan.MaxDepth,
		MaxUnitBytes: c.Scan.MaxUnitBytes,
		MaxEntries:   c.Scan.MaxEntries,
	}
}

// ExtractTools returns the extraction binaries
func (c *Config) ExtractTools() extract.Tools {
	return extract.Tools{DpkgDeb: c.Tools.DpkgDeb, Rpm2cpio: c.Tools.Rpm2cpio, Cpio: c.Tools.Cpio}
}

// RetryPolicy merges the configured bounds into the default policy
func (c *Config) RetryPolicy() workers.RetryPolicy {
	p := workers.DefaultRetryPolicy()
	p.MaxAttempts = c.Retry.MaxAttempts
	p.InitialBackoff = c.Retry.InitialBackoff
	p.MaxBackoff = c.Retry.MaxBackoff
	return p
}

// S3Settings returns the client settings
func (c *Config) S3Settings() sources.S3Settings {
	return sources.S3Settings{
		Region:       c.S3.Region,
		Profile:      c.S3.Profile,
		Endpoint:     c.S3.Endpoint,
		UsePathStyle: c.S3.UsePathStyle,
	}
}

// ValidateS3Target checks the bucket argument of "scan s3". An empty prefix
// scans the whole bucket.
func ValidateS3Target(bucket string) error {
	if strings.TrimSpace(bucket) == "" {
		return &ConfigError{Field: "bucket", Message: "bucket name is required"}
	}
	if strings.Contains(bucket, "/") {
		return &ConfigError{Field: "bucket", Message: fmt.Sprintf("%q must be a bucket name, not a path", bucket)}
	}
	return nil
}

// ValidateFilesTarget checks the positional arguments of "scan files"
func ValidateFilesTarget(paths []string) error {
	if len(paths) == 0 {
		return &ConfigError{Field: "paths", Message: "at least one path is required"}
	}
	for _, p := range paths {
		if p == "" {
			return &ConfigError{Field: "paths", Message: "empty path"}
		}
	}
	return nil
}
