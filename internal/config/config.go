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

// Configuration preconditions checked once before any job runs.
var (
	ErrMissingModelKey  = errors.New("OPENAI_API_KEY is required")
	ErrNoDataKeys       = errors.New("AV_KEYS must list at least one data-provider key")
	ErrNoEngineCommand  = errors.New("ENGINE_COMMAND is required")
	ErrNoSubjects       = errors.New("no subjects configured")
	ErrBadConcurrency   = errors.New("CONCURRENCY must be at least 1")
	ErrUnknownIsolation = errors.New("ISOLATION must be \"process\" or \"cooperative\"")
)

// DefaultSubjects is the watchlist used when none is configured.
var DefaultSubjects = []string{"AMZN", "VTI", "TSM", "NOW", "NVDA", "MSFT", "AMD"}

// Config holds runtime configuration for the batch and its worker children.
type Config struct {
	Env               string
	ModelAPIKey       string
	ModelBaseURL      string
	SearchAPIKey      string
	DataAPIKeys       []string
	Subjects          []string
	SubjectsFile      string
	AsOfDate          string
	Concurrency       int
	DebateRounds      int
	DeepThinkModel    string
	QuickThinkModel   string
	ReportsDir        string
	Isolation         string
	JobTimeout        time.Duration
	EngineCommand     []string
	IncludeTranscript bool

	StatusAddr string

	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	LeaseTTL               time.Duration
	CredentialRateCapacity int
	CredentialRateRefill   float64

	ReportS3Bucket    string
	ReportS3Region    string
	ReportS3Endpoint  string
	ReportS3Prefix    string
	ReportS3PathStyle bool
}

// Load reads configuration from environment variables with defaults matching
// the daily batch.
func Load() Config {
	return Config{
		Env:                    getEnv("APP_ENV", "dev"),
		ModelAPIKey:            getEnv("OPENAI_API_KEY", ""),
		ModelBaseURL:           getEnv("MODEL_BASE_URL", "https://api.z.ai/api/coding/paas/v4"),
		SearchAPIKey:           getEnv("BRAVE_API_KEY", ""),
		DataAPIKeys:            getEnvList("AV_KEYS", nil),
		Subjects:               getEnvList("SUBJECTS", DefaultSubjects),
		SubjectsFile:           getEnv("SUBJECTS_FILE", ""),
		AsOfDate:               getEnv("AS_OF_DATE", ""),
		Concurrency:            getEnvInt("CONCURRENCY", 3),
		DebateRounds:           getEnvInt("MAX_DEBATE_ROUNDS", 2),
		DeepThinkModel:         getEnv("DEEP_THINK_MODEL", "glm-5"),
		QuickThinkModel:        getEnv("QUICK_THINK_MODEL", "glm-5"),
		ReportsDir:             getEnv("REPORTS_DIR", "reports"),
		Isolation:              getEnv("ISOLATION", "process"),
		JobTimeout:             getEnvDuration("JOB_TIMEOUT", 30*time.Minute),
		EngineCommand:          strings.Fields(getEnv("ENGINE_COMMAND", "")),
		IncludeTranscript:      getEnvBool("REPORT_INCLUDE_TRANSCRIPT", false),
		StatusAddr:             getEnv("STATUS_ADDR", ""),
		RedisAddr:              getEnv("REDIS_ADDR", ""),
		RedisPassword:          getEnv("REDIS_PASSWORD", ""),
		RedisDB:                getEnvInt("REDIS_DB", 0),
		LeaseTTL:               getEnvDuration("LEASE_TTL", time.Hour),
		CredentialRateCapacity: getEnvInt("CREDENTIAL_RATE_CAPACITY", 0),
		CredentialRateRefill:   getEnvFloat("CREDENTIAL_RATE_REFILL_PER_SEC", 0.08),
		ReportS3Bucket:         getEnv("REPORT_S3_BUCKET", ""),
		ReportS3Region:         getEnv("REPORT_S3_REGION", ""),
		ReportS3Endpoint:       getEnv("REPORT_S3_ENDPOINT", ""),
		ReportS3Prefix:         getEnv("REPORT_S3_PREFIX", ""),
		ReportS3PathStyle:      getEnvBool("REPORT_S3_PATH_STYLE", false),
	}
}

// ResolveAsOfDate returns the pinned date or today's date in YYYY-MM-DD.
func (c Config) ResolveAsOfDate(now time.Time) string {
	if c.AsOfDate != "" {
		return c.AsOfDate
	}
	return now.Format("2006-01-02")
}

// Validate checks every batch precondition and reports all violations together.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ModelAPIKey) == "" {
		errs = append(errs, ErrMissingModelKey)
	}
	if len(nonEmpty(c.DataAPIKeys)) == 0 {
		errs = append(errs, ErrNoDataKeys)
	}
	if len(c.EngineCommand) == 0 {
		errs = append(errs, ErrNoEngineCommand)
	}
	if len(nonEmpty(c.Subjects)) == 0 {
		errs = append(errs, ErrNoSubjects)
	}
	if c.Concurrency < 1 {
		errs = append(errs, ErrBadConcurrency)
	}
	if c.Isolation != "process" && c.Isolation != "cooperative" {
		errs = append(errs, ErrUnknownIsolation)
	}
	if c.AsOfDate != "" {
		if _, err := time.Parse("2006-01-02", c.AsOfDate); err != nil {
			errs = append(errs, fmt.Errorf("AS_OF_DATE must be YYYY-MM-DD: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ValidateWorker checks the subset a worker child needs.
func (c Config) ValidateWorker() error {
	var errs []error
	if strings.TrimSpace(c.ModelAPIKey) == "" {
		errs = append(errs, ErrMissingModelKey)
	}
	if len(c.EngineCommand) == 0 {
		errs = append(errs, ErrNoEngineCommand)
	}
	return errors.Join(errs...)
}

type subjectsFile struct {
	Subjects []string `yaml:"subjects"`
}

// LoadSubjectsFile reads a YAML watchlist of the form `subjects: [AMZN, ...]`.
func LoadSubjectsFile(path string) ([]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read subjects file: %w", err)
	}
	var f subjectsFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse subjects file: %w", err)
	}
	subjects := nonEmpty(f.Subjects)
	if len(subjects) == 0 {
		return nil, fmt.Errorf("subjects file %s: %w", path, ErrNoSubjects)
	}
	return subjects, nil
}

func nonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
