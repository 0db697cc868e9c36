package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures runtime settings for the design-core service.
type Config struct {
	Addr        string `yaml:"addr"`
	DatabaseURL string `yaml:"-"`
	LogMode     string `yaml:"logMode"`

	S3Bucket string `yaml:"s3Bucket"`
	S3Prefix string `yaml:"s3Prefix"`

	KafkaBrokers []string `yaml:"kafkaBrokers"`
	KafkaTopic   string   `yaml:"kafkaTopic"`

	JWTSecret       string `yaml:"-"`
	WriteScope      string `yaml:"writeScope"`
	AllowDebugToken bool   `yaml:"allowDebugToken"`
	DebugToken      string `yaml:"-"`

	AnalyzeURL        string        `yaml:"analyzeUrl"`
	RenderURL         string        `yaml:"renderUrl"`
	ComplianceURL     string        `yaml:"complianceUrl"`
	ExportURL         string        `yaml:"exportUrl"`
	CapabilityTimeout time.Duration `yaml:"capabilityTimeout"`

	AutoRender        bool          `yaml:"autoRender"`
	ComplianceTimeout time.Duration `yaml:"complianceTimeout"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	RuleSets  []RuleSet       `yaml:"ruleSets"`
}

type SchedulerConfig struct {
	PollInterval time.Duration         `yaml:"pollInterval"`
	MaxAttempts  int                   `yaml:"maxAttempts"`
	BaseBackoff  time.Duration         `yaml:"baseBackoff"`
	MaxBackoff   time.Duration         `yaml:"maxBackoff"`
	Breaker      BreakerConfig         `yaml:"breaker"`
	Kinds        map[string]KindLimits `yaml:"kinds"`
}

type BreakerConfig struct {
	Window             time.Duration `yaml:"window"`
	MinRequests        int           `yaml:"minRequests"`
	ErrorRateThreshold float64       `yaml:"errorRateThreshold"`
	Cooldown           time.Duration `yaml:"cooldown"`
}

type KindLimits struct {
	Workers       int           `yaml:"workers"`
	QueueCapacity int           `yaml:"queueCapacity"`
	RatePerSecond float64       `yaml:"ratePerSecond"`
	Deadline      time.Duration `yaml:"deadline"`
}

type RuleSet struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Mandatory bool   `yaml:"mandatory"`
}

const (
	defaultAddr              = ":8090"
	defaultKafkaTopic        = "design-core.events"
	defaultCapabilityTimeout = 30 * time.Second
	defaultComplianceTimeout = 3 * time.Minute
)

// DefaultRuleSets is the catalogue evaluated when a compliance request names none.
func DefaultRuleSets() []RuleSet {
	return []RuleSet{
		{ID: "fire", Name: "Fire code", Mandatory: true},
		{ID: "ada", Name: "ADA accessibility", Mandatory: true},
		{ID: "energy", Name: "Energy efficiency", Mandatory: false},
		{ID: "ibc", Name: "Spatial / IBC", Mandatory: true},
	}
}

// DefaultScheduler returns the per-kind limits and deadlines used when nothing is configured.
func DefaultScheduler() SchedulerConfig {
	return SchedulerConfig{
		PollInterval: 500 * time.Millisecond,
		MaxAttempts:  3,
		BaseBackoff:  500 * time.Millisecond,
		MaxBackoff:   10 * time.Second,
		Breaker: BreakerConfig{
			Window:             time.Minute,
			MinRequests:        10,
			ErrorRateThreshold: 0.5,
			Cooldown:           30 * time.Second,
		},
		Kinds: map[string]KindLimits{
			"analyze":           {Workers: 4, QueueCapacity: 64, RatePerSecond: 5, Deadline: 30 * time.Second},
			"render":            {Workers: 2, QueueCapacity: 32, RatePerSecond: 1, Deadline: 2 * time.Minute},
			"simulate-lighting": {Workers: 1, QueueCapacity: 8, RatePerSecond: 0.2, Deadline: 5 * time.Minute},
			"check-compliance":  {Workers: 8, QueueCapacity: 128, RatePerSecond: 10, Deadline: time.Minute},
			"export":            {Workers: 2, QueueCapacity: 32, RatePerSecond: 2, Deadline: 2 * time.Minute},
		},
	}
}

// Load reads environment variables, then overlays DESIGN_CORE_CONFIG_FILE when set.
func Load() (Config, error) {
	cfg := Config{
		Addr:              getEnv("DESIGN_CORE_ADDR", defaultAddr),
		DatabaseURL:       firstNonEmpty(os.Getenv("DESIGN_CORE_DATABASE_URL"), os.Getenv("DATABASE_URL")),
		LogMode:           getEnv("DESIGN_CORE_LOG_MODE", "development"),
		S3Bucket:          os.Getenv("DESIGN_CORE_S3_BUCKET"),
		S3Prefix:          getEnv("DESIGN_CORE_S3_PREFIX", "design-core"),
		KafkaBrokers:      splitList(os.Getenv("DESIGN_CORE_KAFKA_BROKERS")),
		KafkaTopic:        getEnv("DESIGN_CORE_KAFKA_TOPIC", defaultKafkaTopic),
		JWTSecret:         os.Getenv("DESIGN_CORE_JWT_SECRET"),
		WriteScope:        getEnv("DESIGN_CORE_WRITE_SCOPE", "design:write"),
		AllowDebugToken:   getBool("DESIGN_CORE_ALLOW_DEBUG_TOKEN", false),
		DebugToken:        os.Getenv("DESIGN_CORE_DEBUG_TOKEN"),
		AnalyzeURL:        os.Getenv("DESIGN_CORE_ANALYZE_URL"),
		RenderURL:         os.Getenv("DESIGN_CORE_RENDER_URL"),
		ComplianceURL:     os.Getenv("DESIGN_CORE_COMPLIANCE_URL"),
		ExportURL:         os.Getenv("DESIGN_CORE_EXPORT_URL"),
		CapabilityTimeout: getDuration("DESIGN_CORE_CAPABILITY_TIMEOUT", defaultCapabilityTimeout),
		AutoRender:        getBool("DESIGN_CORE_AUTO_RENDER", true),
		ComplianceTimeout: getDuration("DESIGN_CORE_COMPLIANCE_TIMEOUT", defaultComplianceTimeout),
		Scheduler:         DefaultScheduler(),
		RuleSets:          DefaultRuleSets(),
	}
	cfg.Scheduler.PollInterval = getDuration("DESIGN_CORE_POLL_INTERVAL", cfg.Scheduler.PollInterval)

	if path := os.Getenv("DESIGN_CORE_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.Overlay(data); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Overlay decodes YAML on top of cfg. Kinds present in the file replace the defaults for that kind only.
func (c *Config) Overlay(data []byte) error {
	defaults := c.Scheduler.Kinds
	c.Scheduler.Kinds = nil
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode config file: %w", err)
	}
	merged := make(map[string]KindLimits, len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range c.Scheduler.Kinds {
		merged[k] = v
	}
	c.Scheduler.Kinds = merged
	return nil
}

// Validate rejects configurations the scheduler and aggregator cannot run with.
func (c Config) Validate() error {
	if c.AllowDebugToken && c.DebugToken == "" {
		return fmt.Errorf("DESIGN_CORE_DEBUG_TOKEN required when DESIGN_CORE_ALLOW_DEBUG_TOKEN is set")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("DESIGN_CORE_KAFKA_TOPIC required when brokers are configured")
	}
	if c.Scheduler.MaxAttempts < 1 {
		return fmt.Errorf("scheduler.maxAttempts must be at least 1")
	}
	if t := c.Scheduler.Breaker.ErrorRateThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("scheduler.breaker.errorRateThreshold must be in (0,1], got %v", t)
	}
	for kind, limits := range c.Scheduler.Kinds {
		if limits.Workers < 1 {
			return fmt.Errorf("scheduler.kinds.%s.workers must be at least 1", kind)
		}
		if limits.Deadline <= 0 {
			return fmt.Errorf("scheduler.kinds.%s.deadline must be positive", kind)
		}
	}
	seen := map[string]bool{}
	for _, rs := range c.RuleSets {
		if rs.ID == "" {
			return fmt.Errorf("rule set id required")
		}
		if seen[rs.ID] {
			return fmt.Errorf("duplicate rule set %q", rs.ID)
		}
		seen[rs.ID] = true
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
