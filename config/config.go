package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const DefaultRenewalFile = "config/renewal.yaml"

type Config struct {
	DatabaseURL string
	DBPath      string
	LogPath     string
	DryRun      bool
	Twilio      TwilioConfig
	Redis       RedisConfig
	Archive     ArchiveConfig
	Server      ServerConfig
	Scheduler   SchedulerConfig
	Renewal     RenewalConfig
}

type TwilioConfig struct {
	AccountSID         string
	AuthToken          string
	FromNumber         string
	SendsPerSecond     float64
	ValidateSignatures bool
	WebhookURL         string // public URL Twilio posts to, used for signatures
	HTTPTimeout        time.Duration
	ProxyURL           string
}

type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	DedupeTTL time.Duration
}

type ArchiveConfig struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

type ServerConfig struct {
	Addr       string
	AdminToken string
}

type SchedulerConfig struct {
	ReminderCron string
	SweepCron    string
	PollInterval time.Duration
}

// RenewalConfig is the renewal policy, read from YAML and overridable by env.
type RenewalConfig struct {
	ReminderDaysBefore int           `yaml:"reminder_days_before"`
	RenewalDays        int           `yaml:"renewal_days"`
	MaxBatchSize       int           `yaml:"max_batch_size"`
	SingleTimeout      time.Duration `yaml:"single_timeout"`
	BatchTimeout       time.Duration `yaml:"batch_timeout"`
	QuietDays          []string      `yaml:"quiet_days"`
	Timezone           string        `yaml:"timezone"`
	SiteName           string        `yaml:"site_name"`
	DashboardURL       string        `yaml:"dashboard_url"`
}

func defaultRenewal() RenewalConfig {
	return RenewalConfig{
		ReminderDaysBefore: 5,
		RenewalDays:        30,
		MaxBatchSize:       10,
		SingleTimeout:      24 * time.Hour,
		BatchTimeout:       48 * time.Hour,
		Timezone:           "America/New_York",
		SiteName:           "Hadirot",
	}
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		DBPath:      getEnv("DB_PATH", "renewals.db"),
		LogPath:     getEnv("LOG_PATH", "logs/renewals.log"),
		DryRun:      getEnvBool("SMS_DRY_RUN", false),
		Twilio: TwilioConfig{
			AccountSID:         os.Getenv("TWILIO_ACCOUNT_SID"),
			AuthToken:          os.Getenv("TWILIO_AUTH_TOKEN"),
			FromNumber:         os.Getenv("TWILIO_FROM_NUMBER"),
			SendsPerSecond:     getEnvFloat("TWILIO_SENDS_PER_SECOND", 1),
			ValidateSignatures: getEnvBool("TWILIO_VALIDATE_SIGNATURES", true),
			WebhookURL:         os.Getenv("TWILIO_WEBHOOK_URL"),
			HTTPTimeout:        getEnvDuration("TWILIO_HTTP_TIMEOUT", 15*time.Second),
			ProxyURL:           os.Getenv("OUTBOUND_PROXY_URL"),
		},
		Redis: RedisConfig{
			Addr:      os.Getenv("REDIS_ADDR"),
			Password:  os.Getenv("REDIS_PASSWORD"),
			DB:        getEnvInt("REDIS_DB", 0),
			DedupeTTL: getEnvDuration("REDIS_DEDUPE_TTL", 72*time.Hour),
		},
		Archive: ArchiveConfig{
			Bucket:          os.Getenv("ARCHIVE_S3_BUCKET"),
			Region:          getEnv("ARCHIVE_S3_REGION", "us-east-1"),
			Endpoint:        os.Getenv("ARCHIVE_S3_ENDPOINT"),
			AccessKeyID:     os.Getenv("ARCHIVE_S3_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("ARCHIVE_S3_SECRET_ACCESS_KEY"),
			Prefix:          os.Getenv("ARCHIVE_S3_PREFIX"),
		},
		Server: ServerConfig{
			Addr:       getEnv("HTTP_ADDR", ":8080"),
			AdminToken: os.Getenv("ADMIN_TOKEN"),
		},
		Scheduler: SchedulerConfig{
			ReminderCron: getEnv("REMINDER_CRON", "0 10 * * *"),
			SweepCron:    getEnv("SWEEP_CRON", "*/15 * * * *"),
			PollInterval: getEnvDuration("COMMAND_POLL_INTERVAL", 2*time.Second),
		},
	}

	renewal, err := LoadRenewal(getEnv("RENEWAL_CONFIG", DefaultRenewalFile))
	if err != nil {
		return nil, err
	}
	cfg.Renewal = renewal

	return cfg, nil
}

// LoadRenewal reads the policy file, falling back to defaults when it does
// not exist, then applies env overrides.
func LoadRenewal(path string) (RenewalConfig, error) {
	r := defaultRenewal()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &r); err != nil {
			return r, fmt.Errorf("parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return r, err
	}

	r.ReminderDaysBefore = getEnvInt("REMINDER_DAYS_BEFORE", r.ReminderDaysBefore)
	r.RenewalDays = getEnvInt("RENEWAL_DAYS", r.RenewalDays)
	r.MaxBatchSize = getEnvInt("MAX_BATCH_SIZE", r.MaxBatchSize)
	r.SingleTimeout = getEnvDuration("SINGLE_TIMEOUT", r.SingleTimeout)
	r.BatchTimeout = getEnvDuration("BATCH_TIMEOUT", r.BatchTimeout)
	r.Timezone = getEnv("TIMEZONE", r.Timezone)
	r.SiteName = getEnv("SITE_NAME", r.SiteName)
	r.DashboardURL = getEnv("DASHBOARD_URL", r.DashboardURL)
	if v, ok := os.LookupEnv("QUIET_DAYS"); ok {
		r.QuietDays = nil
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				r.QuietDays = append(r.QuietDays, d)
			}
		}
	}
	return r, nil
}

func (r RenewalConfig) Location() (*time.Location, error) {
	return time.LoadLocation(r.Timezone)
}

var weekdays = map[string]time.Weekday{
	"sunday": time.Sunday, "sun": time.Sunday,
	"monday": time.Monday, "mon": time.Monday,
	"tuesday": time.Tuesday, "tue": time.Tuesday,
	"wednesday": time.Wednesday, "wed": time.Wednesday,
	"thursday": time.Thursday, "thu": time.Thursday,
	"friday": time.Friday, "fri": time.Friday,
	"saturday": time.Saturday, "sat": time.Saturday,
}

func (r RenewalConfig) Weekdays() ([]time.Weekday, error) {
	var out []time.Weekday
	for _, d := range r.QuietDays {
		wd, ok := weekdays[strings.ToLower(strings.TrimSpace(d))]
		if !ok {
			return nil, fmt.Errorf("unknown quiet day %q", d)
		}
		out = append(out, wd)
	}
	return out, nil
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if !c.DryRun {
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID and TWILIO_AUTH_TOKEN are required unless SMS_DRY_RUN is set"))
		}
		if c.Twilio.FromNumber == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required unless SMS_DRY_RUN is set"))
		}
	}
	if c.Twilio.ValidateSignatures && !c.DryRun {
		if c.Twilio.WebhookURL == "" {
			errs = append(errs, errors.New("TWILIO_WEBHOOK_URL is required when signature validation is on"))
		}
	}

	r := c.Renewal
	if _, err := r.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if _, err := r.Weekdays(); err != nil {
		errs = append(errs, err)
	}
	if r.ReminderDaysBefore < 0 {
		errs = append(errs, errors.New("reminder_days_before must not be negative"))
	}
	if r.RenewalDays <= 0 {
		errs = append(errs, errors.New("renewal_days must be positive"))
	}
	if r.MaxBatchSize < 1 {
		errs = append(errs, errors.New("max_batch_size must be at least 1"))
	}
	if r.SingleTimeout <= 0 || r.BatchTimeout <= 0 {
		errs = append(errs, errors.New("single_timeout and batch_timeout must be positive"))
	} else if r.SingleTimeout > r.BatchTimeout {
		errs = append(errs, errors.New("single_timeout must not exceed batch_timeout"))
	}

	for name, expr := range map[string]string{"REMINDER_CRON": c.Scheduler.ReminderCron, "SWEEP_CRON": c.Scheduler.SweepCron} {
		if expr == "" {
			continue
		}
		if _, err := cron.ParseStandard(expr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
