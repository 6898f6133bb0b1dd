package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration required by the API process and the CLI.
// All values must come from env (or env-file loaded by the process runner),
// optionally overlaid by the YAML file named in PIPELINE_CONFIG.
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	Storage  StorageConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Pipeline PipelineConfig
	Schedule ScheduleConfig
	Engines  EnginesConfig
	Telegram TelegramConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string
}

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
)

type StorageConfig struct {
	// Driver selects the Job Store: memory or postgres.
	Driver string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional. With no host the single-flight lock stays in
// process memory, which is only safe for a single replica.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type PipelineConfig struct {
	Workers       int
	QueueSize     int
	MaxAttempts   int
	RetryBackoff  time.Duration
	EngineTimeout time.Duration
	LockTTL       time.Duration
}

type ScheduleConfig struct {
	ReaperInterval     time.Duration
	ReaperStuckTimeout time.Duration
	ReportInterval     time.Duration
	RetentionDays      int
	Timezone           string

	location *time.Location
}

// Location is the timezone daily reports are cut in.
func (s ScheduleConfig) Location() *time.Location {
	if s.location != nil {
		return s.location
	}
	return time.UTC
}

type EnginesConfig struct {
	TranscriberURL    string
	TranscriberAPIKey string
	TranscriberModel  string
	AnalyzerLanguages []string
}

// TelegramConfig is optional; without a token notifications are dropped.
type TelegramConfig struct {
	BotToken    string
	AdminChatID string
}

// fileOverlay is the PIPELINE_CONFIG document. Only keys present in the
// file override env values.
type fileOverlay struct {
	Pipeline struct {
		Workers       *int           `yaml:"workers"`
		QueueSize     *int           `yaml:"queue_size"`
		MaxAttempts   *int           `yaml:"max_attempts"`
		RetryBackoff  *time.Duration `yaml:"retry_backoff"`
		EngineTimeout *time.Duration `yaml:"engine_timeout"`
		LockTTL       *time.Duration `yaml:"lock_ttl"`
	} `yaml:"pipeline"`
	Schedule struct {
		ReaperInterval     *time.Duration `yaml:"reaper_interval"`
		ReaperStuckTimeout *time.Duration `yaml:"reaper_stuck_timeout"`
		ReportInterval     *time.Duration `yaml:"report_interval"`
		RetentionDays      *int           `yaml:"retention_days"`
		Timezone           *string        `yaml:"timezone"`
	} `yaml:"schedule"`
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.LogLevel = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Storage.Driver = strings.ToLower(strings.TrimSpace(os.Getenv("STORAGE_DRIVER")))

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optInt("DB_PORT", 5432)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optInt("REDIS_PORT", 6379)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = durationInto(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = durationInto(parseErrs, "JWT_REFRESH_TTL")

	c.Pipeline.Workers, parseErrs = intInto(parseErrs, "PIPELINE_WORKERS")
	c.Pipeline.QueueSize, parseErrs = intInto(parseErrs, "PIPELINE_QUEUE_SIZE")
	c.Pipeline.MaxAttempts, parseErrs = intInto(parseErrs, "PIPELINE_MAX_ATTEMPTS")
	c.Pipeline.RetryBackoff, parseErrs = durationInto(parseErrs, "PIPELINE_RETRY_BACKOFF")
	c.Pipeline.EngineTimeout, parseErrs = durationInto(parseErrs, "PIPELINE_ENGINE_TIMEOUT")
	c.Pipeline.LockTTL, parseErrs = durationInto(parseErrs, "PIPELINE_LOCK_TTL")
	if strings.TrimSpace(os.Getenv("PIPELINE_ENGINE_TIMEOUT")) == "" {
		c.Pipeline.EngineTimeout = -1
	}

	c.Schedule.ReaperInterval, parseErrs = durationInto(parseErrs, "REAPER_INTERVAL")
	c.Schedule.ReaperStuckTimeout, parseErrs = durationInto(parseErrs, "REAPER_STUCK_TIMEOUT")
	c.Schedule.ReportInterval, parseErrs = durationInto(parseErrs, "REPORT_INTERVAL")
	{
		n, err := optInt("RETENTION_DAYS", 90)
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Schedule.RetentionDays = n
	}
	c.Schedule.Timezone = strings.TrimSpace(os.Getenv("REPORT_TIMEZONE"))

	c.Engines.TranscriberURL = strings.TrimSpace(os.Getenv("TRANSCRIBER_URL"))
	c.Engines.TranscriberAPIKey = os.Getenv("TRANSCRIBER_API_KEY")
	c.Engines.TranscriberModel = strings.TrimSpace(os.Getenv("TRANSCRIBER_MODEL"))
	c.Engines.AnalyzerLanguages = splitList(os.Getenv("ANALYZER_LANGUAGES"))

	c.Telegram.BotToken = strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN"))
	c.Telegram.AdminChatID = strings.TrimSpace(os.Getenv("TELEGRAM_ADMIN_CHAT_ID"))

	if path := strings.TrimSpace(os.Getenv("PIPELINE_CONFIG")); path != "" {
		if err := c.applyFile(path); err != nil {
			parseErrs = append(parseErrs, err)
		}
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// applyFile overlays the YAML document at path.
func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("PIPELINE_CONFIG: cannot read %s: %w", path, err)
	}
	return c.applyYAML(raw)
}

func (c *Config) applyYAML(raw []byte) error {
	var f fileOverlay
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("PIPELINE_CONFIG: cannot parse: %w", err)
	}
	p, s := f.Pipeline, f.Schedule
	setIf(&c.Pipeline.Workers, p.Workers)
	setIf(&c.Pipeline.QueueSize, p.QueueSize)
	setIf(&c.Pipeline.MaxAttempts, p.MaxAttempts)
	setIf(&c.Pipeline.RetryBackoff, p.RetryBackoff)
	setIf(&c.Pipeline.EngineTimeout, p.EngineTimeout)
	setIf(&c.Pipeline.LockTTL, p.LockTTL)
	setIf(&c.Schedule.ReaperInterval, s.ReaperInterval)
	setIf(&c.Schedule.ReaperStuckTimeout, s.ReaperStuckTimeout)
	setIf(&c.Schedule.ReportInterval, s.ReportInterval)
	setIf(&c.Schedule.RetentionDays, s.RetentionDays)
	setIf(&c.Schedule.Timezone, s.Timezone)
	return nil
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// applyDefaults fills zero values. Validate runs after it.
func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.DB.SSLMode == "" && !c.IsProduction() {
		c.DB.SSLMode = "disable"
	}

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.QueueSize <= 0 {
		c.Pipeline.QueueSize = 256
	}
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = 3
	}
	if c.Pipeline.RetryBackoff <= 0 {
		c.Pipeline.RetryBackoff = 60 * time.Second
	}
	// Negative means "unset"; an explicit 0 disables the engine deadline.
	if c.Pipeline.EngineTimeout < 0 {
		c.Pipeline.EngineTimeout = 30 * time.Minute
	}
	if c.Pipeline.LockTTL <= 0 {
		c.Pipeline.LockTTL = 2 * time.Hour
	}

	if c.Schedule.ReaperInterval <= 0 {
		c.Schedule.ReaperInterval = 5 * time.Minute
	}
	if c.Schedule.ReaperStuckTimeout <= 0 {
		c.Schedule.ReaperStuckTimeout = 30 * time.Minute
	}
	if c.Schedule.ReportInterval <= 0 {
		c.Schedule.ReportInterval = 24 * time.Hour
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = "UTC"
	}
	if loc, err := time.LoadLocation(c.Schedule.Timezone); err == nil {
		c.Schedule.location = loc
	}

	if c.Engines.TranscriberURL == "" {
		c.Engines.TranscriberURL = "https://api.openai.com"
	}
	if c.Engines.TranscriberModel == "" {
		c.Engines.TranscriberModel = "whisper-1"
	}
	if len(c.Engines.AnalyzerLanguages) == 0 {
		c.Engines.AnalyzerLanguages = []string{"ru", "en"}
	}
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.LogLevel != "" && !isValidLogLevel(c.App.LogLevel) {
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error, got %q", c.App.LogLevel))
	}

	switch c.Storage.Driver {
	case DriverMemory:
		if c.IsProduction() {
			errs = append(errs, errors.New("STORAGE_DRIVER=memory is not allowed in production"))
		}
	case DriverPostgres:
		if c.DB.Host == "" {
			errs = append(errs, errors.New("DB_HOST is required"))
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
		}
		if c.DB.User == "" {
			errs = append(errs, errors.New("DB_USER is required"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
		if c.DB.SSLMode == "" {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else if !isValidSSLMode(c.DB.SSLMode) {
			errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_DRIVER must be memory or postgres, got %q", c.Storage.Driver))
	}

	if c.Redis.Host != "" && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Pipeline.LockTTL <= c.Pipeline.EngineTimeout && c.Pipeline.EngineTimeout > 0 {
		errs = append(errs, errors.New("PIPELINE_LOCK_TTL must exceed PIPELINE_ENGINE_TIMEOUT"))
	}
	if c.Schedule.RetentionDays < 0 {
		errs = append(errs, fmt.Errorf("RETENTION_DAYS must be >= 0, got %d", c.Schedule.RetentionDays))
	}
	if c.Schedule.location == nil {
		errs = append(errs, fmt.Errorf("REPORT_TIMEZONE is not a known timezone: %q", c.Schedule.Timezone))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// RedisEnabled reports whether a Redis host was configured.
func (c Config) RedisEnabled() bool { return c.Redis.Host != "" }

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string, def int) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return def, nil
	}
	return mustInt(key)
}

func intInto(errs []error, key string) (int, []error) {
	n, err := optInt(key, 0)
	return appendParseErr(errs, n, err)
}

func durationInto(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func isValidLogLevel(v string) bool {
	switch strings.ToLower(v) {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
