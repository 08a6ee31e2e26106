package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"cycletime-ingest/internal/api"
	"cycletime-ingest/internal/database"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// FatalConfigurationError halts the process before any ingestion starts
type FatalConfigurationError struct {
	Field   string
	Message string
}

func (e *FatalConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Message
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Message)
}

// Config represents the application configuration
type Config struct {
	Source   SourceConfig    `toml:"source" yaml:"source"`
	Pipeline PipelineConfig  `toml:"pipeline" yaml:"pipeline"`
	Database database.Config `toml:"database" yaml:"database"`
	API      APIConfig       `toml:"api" yaml:"api"`
	Schedule ScheduleConfig  `toml:"schedule" yaml:"schedule"`
	Logging  LoggingConfig   `toml:"logging" yaml:"logging"`
}

// SourceConfig describes the drop directory tree
type SourceConfig struct {
	Root      string `toml:"root" yaml:"root" validate:"required"`
	Extension string `toml:"extension" yaml:"extension" validate:"required,startswith=."`
	BackupDir string `toml:"backup_dir" yaml:"backup_dir" validate:"required,nefield=ErrorDir,excludesall=/\\"`
	ErrorDir  string `toml:"error_dir" yaml:"error_dir" validate:"required,excludesall=/\\"`
	// Delimiter is "," ";" "tab" or empty for auto-detection
	Delimiter string `toml:"delimiter" yaml:"delimiter" validate:"omitempty,oneof=0x2C ; tab"`
	Watch     bool   `toml:"watch" yaml:"watch"`
}

// PipelineConfig holds concurrency, retry and batch settings
type PipelineConfig struct {
	Workers           int           `toml:"workers" yaml:"workers" validate:"gte=1,lte=256"`
	MaxRetries        int           `toml:"max_retries" yaml:"max_retries" validate:"gte=1"`
	RetryBaseDelay    time.Duration `toml:"retry_base_delay" yaml:"retry_base_delay" validate:"gte=0"`
	FileUnlockRetries int           `toml:"file_unlock_retries" yaml:"file_unlock_retries" validate:"gte=1"`
	FileUnlockWait    time.Duration `toml:"file_unlock_wait" yaml:"file_unlock_wait" validate:"gte=0"`
	SettleDelay       time.Duration `toml:"settle_delay" yaml:"settle_delay" validate:"gte=0"`
	ErrorBudget       int           `toml:"error_budget" yaml:"error_budget" validate:"gte=0"`
	AlertThreshold    int           `toml:"alert_threshold" yaml:"alert_threshold" validate:"gte=0"`
	RoundCycle        bool          `toml:"round_cycle" yaml:"round_cycle"`
	DateFormats       []string      `toml:"date_formats" yaml:"date_formats" validate:"dive,required"`
	TimeFormats       []string      `toml:"time_formats" yaml:"time_formats" validate:"dive,required"`
}

// APIConfig holds the REST source settings
type APIConfig struct {
	Enabled  bool          `toml:"enabled" yaml:"enabled"`
	BaseURL  string        `toml:"base_url" yaml:"base_url" validate:"omitempty,url"`
	Auth     string        `toml:"auth" yaml:"auth" validate:"oneof=none basic bearer"`
	Username string        `toml:"username" yaml:"username" validate:"required_if=Auth basic"`
	Token    string        `toml:"token" yaml:"token"`
	TokenEnc string        `toml:"token_enc" yaml:"token_enc"` // AES-GCM, base64
	Timeout  time.Duration `toml:"timeout" yaml:"timeout" validate:"gte=0"`
	// Endpoints are polled in order
	Endpoints []api.Endpoint `toml:"endpoints" yaml:"endpoints" validate:"dive"`
}

// ScheduleConfig holds serve-mode cron expressions; empty disables a trigger
type ScheduleConfig struct {
	APICron    string `toml:"api_cron" yaml:"api_cron" validate:"omitempty,cron"`
	RescanCron string `toml:"rescan_cron" yaml:"rescan_cron" validate:"omitempty,cron"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level" validate:"oneof=debug info warn error"`
	// File receives JSON logs in addition to stderr; empty means stderr only
	File string `toml:"file" yaml:"file"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Source: SourceConfig{
			Root:      "data",
			Extension: ".csv",
			BackupDir: "Backup",
			ErrorDir:  "Error",
			Watch:     true,
		},
		Pipeline: PipelineConfig{
			Workers:           4,
			MaxRetries:        3,
			RetryBaseDelay:    5 * time.Second,
			FileUnlockRetries: 5,
			FileUnlockWait:    2 * time.Second,
			SettleDelay:       2 * time.Second,
			ErrorBudget:       10,
			AlertThreshold:    0,
			RoundCycle:        true,
		},
		Database: database.Config{
			URL:             "sqlite://cycletime.db",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		API: APIConfig{
			Auth:    "none",
			Timeout: 60 * time.Second,
		},
		Schedule: ScheduleConfig{
			APICron:    "*/15 * * * *",
			RescanCron: "",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadFromFile decodes path over the defaults. .yaml and .yml files are read as YAML, anything else as TOML.
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &FatalConfigurationError{Field: "config", Message: fmt.Sprintf("config file does not exist: %s", path)}
		}
		return nil, &FatalConfigurationError{Field: "config", Message: err.Error()}
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		_, err = toml.Decode(string(data), config)
	}
	if err != nil {
		return nil, &FatalConfigurationError{Field: "config", Message: fmt.Sprintf("failed to parse %s: %v", path, err)}
	}
	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. Environment variables
// 4. Command-line flags (handled by caller)
// The result is validated.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()
	if configPath != "" {
		var err error
		if config, err = LoadFromFile(configPath); err != nil {
			return nil, err
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// ApplyEnv applies environment overrides; lookup is os.LookupEnv outside tests
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.URL = v
	}
	if v, ok := lookup("CYCLETIME_ROOT"); ok && v != "" {
		c.Source.Root = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if err := envInt(lookup, "DB_MAX_OPEN_CONNS", &c.Database.MaxOpenConns); err != nil {
		return err
	}
	if err := envInt(lookup, "DB_MAX_IDLE_CONNS", &c.Database.MaxIdleConns); err != nil {
		return err
	}
	if v, ok := lookup("DB_CONN_MAX_LIFETIME"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return &FatalConfigurationError{Field: "DB_CONN_MAX_LIFETIME", Message: err.Error()}
		}
		c.Database.ConnMaxLifetime = d
	}
	return nil
}

func envInt(lookup func(string) (string, bool), key string, dst *int) error {
	v, ok := lookup(key)
	if !ok || v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &FatalConfigurationError{Field: key, Message: fmt.Sprintf("not an integer: %q", v)}
	}
	*dst = n
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report fields by their file keys
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("toml"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("cron", validateCron)
	return v
}

// validateCron accepts 5-field, 6-field and descriptor expressions
func validateCron(fl validator.FieldLevel) bool {
	expr := strings.Join(strings.Fields(fl.Field().String()), " ")
	if strings.HasPrefix(expr, "@") || len(strings.Fields(expr)) == 5 {
		_, err := cron.ParseStandard(expr)
		return err == nil
	}
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(expr)
	return err == nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			field := strings.TrimPrefix(fe.Namespace(), "Config.")
			return &FatalConfigurationError{Field: field, Message: describe(fe)}
		}
		return &FatalConfigurationError{Message: err.Error()}
	}

	if c.API.Enabled {
		if c.API.BaseURL == "" {
			return &FatalConfigurationError{Field: "api.base_url", Message: "is required when the API source is enabled"}
		}
		if len(c.API.Endpoints) == 0 {
			return &FatalConfigurationError{Field: "api.endpoints", Message: "at least one endpoint is required when the API source is enabled"}
		}
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return &FatalConfigurationError{Field: "database.max_idle_conns", Message: "must not exceed max_open_conns"}
	}
	if !strings.HasPrefix(c.Database.URL, "sqlite://") &&
		!strings.HasPrefix(c.Database.URL, "postgres://") &&
		!strings.HasPrefix(c.Database.URL, "postgresql://") {
		return &FatalConfigurationError{Field: "database.url", Message: "must start with sqlite://, postgres:// or postgresql://"}
	}

	seen := make(map[string]bool)
	for i, ep := range c.API.Endpoints {
		if seen[ep.Name] {
			return &FatalConfigurationError{Field: fmt.Sprintf("api.endpoints[%d].name", i), Message: fmt.Sprintf("duplicate endpoint %q", ep.Name)}
		}
		seen[ep.Name] = true
	}
	return nil
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %q", fe.Param(), fmt.Sprint(fe.Value()))
	case "cron":
		return fmt.Sprintf("invalid cron expression %q", fmt.Sprint(fe.Value()))
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "lte":
		return fmt.Sprintf("must be at most %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}

// DelimiterRune returns the configured CSV delimiter, 0 for auto-detection
func (s SourceConfig) DelimiterRune() rune {
	switch s.Delimiter {
	case ",":
		return ','
	case ";":
		return ';'
	case "tab":
		return '\t'
	}
	return 0
}
