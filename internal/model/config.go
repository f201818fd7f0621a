package model

import (
	"fmt"
	"time"
)

// Config holds every tunable of the pipeline
type Config struct {
	Protocol    ProtocolConfig    `yaml:"protocol" mapstructure:"protocol"`
	Scoring     ScoringConfig     `yaml:"scoring" mapstructure:"scoring"`
	Evaluation  EvaluationConfig  `yaml:"evaluation" mapstructure:"evaluation"`
	Validation  ValidationConfig  `yaml:"validation" mapstructure:"validation"`
	Providers   []ProviderConfig  `yaml:"providers" mapstructure:"providers"`
	Collectors  []string          `yaml:"collectors" mapstructure:"collectors"`
	Evaluators  []string          `yaml:"evaluators" mapstructure:"evaluators"`
	Retry       RetryConfig       `yaml:"retry" mapstructure:"retry"`
	Concurrency ConcurrencyConfig `yaml:"concurrency" mapstructure:"concurrency"`
	HTTP        HTTPConfig        `yaml:"http" mapstructure:"http"`
	Store       StoreConfig       `yaml:"store" mapstructure:"store"`
	Directory   DirectoryConfig   `yaml:"directory" mapstructure:"directory"`
	Cache       CacheConfig       `yaml:"cache" mapstructure:"cache"`
	Logging     LoggingConfig     `yaml:"logging" mapstructure:"logging"`
	Server      ServerConfig      `yaml:"server" mapstructure:"server"`
}

// ProtocolConfig selects the collection protocol parameters
type ProtocolConfig struct {
	Version            string        `yaml:"version" mapstructure:"version"`
	Grades             GradeScale    `yaml:"grades" mapstructure:"grades"`
	OfficialWindowDays int           `yaml:"official_window_days" mapstructure:"official_window_days"`
	PublicWindowDays   int           `yaml:"public_window_days" mapstructure:"public_window_days"`
	OfficialTarget     int           `yaml:"official_target" mapstructure:"official_target"`
	PublicTarget       int           `yaml:"public_target" mapstructure:"public_target"`
	Framing            FramingConfig `yaml:"framing" mapstructure:"framing"`
	MaxRounds          int           `yaml:"max_rounds" mapstructure:"max_rounds"`
	ExcludeListLimit   int           `yaml:"exclude_list_limit" mapstructure:"exclude_list_limit"`
}

// FramingConfig is the negative/positive/open split in percent
type FramingConfig struct {
	Negative int `yaml:"negative" mapstructure:"negative"`
	Positive int `yaml:"positive" mapstructure:"positive"`
	Open     int `yaml:"open" mapstructure:"open"`
}

// ScoringConfig holds the category and final score constants
type ScoringConfig struct {
	Prior         float64 `yaml:"prior" mapstructure:"prior"`
	Coefficient   float64 `yaml:"coefficient" mapstructure:"coefficient"`
	Scale         float64 `yaml:"scale" mapstructure:"scale"`
	CategoryFloor int     `yaml:"category_floor" mapstructure:"category_floor"`
	CategoryCeil  int     `yaml:"category_ceiling" mapstructure:"category_ceiling"`
	FinalFloor    int     `yaml:"final_floor" mapstructure:"final_floor"`
	FinalCeil     int     `yaml:"final_ceiling" mapstructure:"final_ceiling"`
	Tiers         []Tier  `yaml:"tiers" mapstructure:"tiers"`
}

// Tier is a named inclusive score band
type Tier struct {
	Name string `yaml:"name" mapstructure:"name" json:"name"`
	Min  int    `yaml:"min" mapstructure:"min" json:"min"`
	Max  int    `yaml:"max" mapstructure:"max" json:"max"`
}

// InvalidGradePolicy decides what happens to an out-of-alphabet grade
type InvalidGradePolicy string

const (
	InvalidGradeRetry    InvalidGradePolicy = "retry"
	InvalidGradeMidpoint InvalidGradePolicy = "midpoint"
)

// EvaluationConfig controls evaluator batching
type EvaluationConfig struct {
	BatchSize           int                `yaml:"batch_size" mapstructure:"batch_size"`
	InvalidGradePolicy  InvalidGradePolicy `yaml:"invalid_grade_policy" mapstructure:"invalid_grade_policy"`
	AllowSelfEvaluation bool               `yaml:"allow_self_evaluation" mapstructure:"allow_self_evaluation"`
}

// ValidationConfig toggles individual validator checks
type ValidationConfig struct {
	Reachability       bool     `yaml:"reachability" mapstructure:"reachability"`
	SourceClass        bool     `yaml:"source_class" mapstructure:"source_class"`
	DateWindow         bool     `yaml:"date_window" mapstructure:"date_window"`
	RequiredFields     bool     `yaml:"required_fields" mapstructure:"required_fields"`
	Duplicates         bool     `yaml:"duplicates" mapstructure:"duplicates"`
	RespectRobots      bool     `yaml:"respect_robots" mapstructure:"respect_robots"`
	Workers            int      `yaml:"workers" mapstructure:"workers"`
	InstitutionalHosts []string `yaml:"institutional_hosts" mapstructure:"institutional_hosts"`
	PlatformHosts      []string `yaml:"platform_hosts" mapstructure:"platform_hosts"`
}

// ProviderConfig describes one AI vendor endpoint
type ProviderConfig struct {
	Name              string        `yaml:"name" mapstructure:"name"`
	Kind              string        `yaml:"kind" mapstructure:"kind"` // openai, anthropic, gemini, ollama
	Model             string        `yaml:"model" mapstructure:"model"`
	BaseURL           string        `yaml:"base_url,omitempty" mapstructure:"base_url"`
	Timeout           time.Duration `yaml:"timeout" mapstructure:"timeout"`
	MaxTokens         int           `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature       float64       `yaml:"temperature" mapstructure:"temperature"`
	RequestsPerSecond float64       `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int           `yaml:"burst" mapstructure:"burst"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
}

// RetryConfig bounds retries of transient provider errors
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries" mapstructure:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// ConcurrencyConfig bounds parallel cells
type ConcurrencyConfig struct {
	Cells int `yaml:"cells" mapstructure:"cells"`
}

// HTTPConfig is used by the reachability probe
type HTTPConfig struct {
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
	UserAgent  string        `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBytes   int64         `yaml:"max_bytes" mapstructure:"max_bytes"`
	HTTPProxy  string        `yaml:"http_proxy,omitempty" mapstructure:"http_proxy"`
	HTTPSProxy string        `yaml:"https_proxy,omitempty" mapstructure:"https_proxy"`
	NoProxy    string        `yaml:"no_proxy,omitempty" mapstructure:"no_proxy"`
}

// StoreConfig locates the SQLite database
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// DirectoryConfig locates the politician directory file
type DirectoryConfig struct {
	Path     string        `yaml:"path" mapstructure:"path"`
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// CacheConfig selects the score-view cache backend
type CacheConfig struct {
	Backend   string        `yaml:"backend" mapstructure:"backend"` // none, memory, layered, redis
	TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
	Dir       string        `yaml:"dir" mapstructure:"dir"`
	RedisAddr string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisDB   int           `yaml:"redis_db" mapstructure:"redis_db"`
}

// LoggingConfig configures the zap logger
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
	Output string `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the reporting API
type ServerConfig struct {
	Addr string `yaml:"addr" mapstructure:"addr"`
	// Per-client limit on /v1 requests; zero disables it
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
}

// DefaultConfig returns the canonical protocol with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Protocol: ProtocolConfig{
			Version:            "v1",
			Grades:             DefaultGradeScale(),
			OfficialWindowDays: 4 * 365,
			PublicWindowDays:   2 * 365,
			OfficialTarget:     25,
			PublicTarget:       25,
			Framing:            FramingConfig{Negative: 20, Positive: 20, Open: 60},
			MaxRounds:          4,
			ExcludeListLimit:   60,
		},
		Scoring: ScoringConfig{
			Prior:         6.0,
			Coefficient:   0.5,
			Scale:         10,
			CategoryFloor: 20,
			CategoryCeil:  100,
			FinalFloor:    200,
			FinalCeil:     1000,
			Tiers:         DefaultTiers(),
		},
		Evaluation: EvaluationConfig{
			BatchSize:          15,
			InvalidGradePolicy: InvalidGradeRetry,
		},
		Validation: ValidationConfig{
			Reachability:   true,
			SourceClass:    true,
			DateWindow:     true,
			RequiredFields: true,
			Duplicates:     true,
			RespectRobots:  true,
			Workers:        10,
			InstitutionalHosts: []string{
				"gov", "gov.uk", "gc.ca", "gov.au", "govt.nz", "europa.eu",
				"go.kr", "assembly.go.kr", "nec.go.kr", "congress.gov",
				"senate.gov", "house.gov", "parliament.uk", "bundestag.de",
				"assemblee-nationale.fr", "senat.fr", "go.jp", "gov.in",
			},
			PlatformHosts: []string{
				"x.com", "twitter.com", "facebook.com", "instagram.com",
				"threads.net", "tiktok.com",
			},
		},
		Providers: []ProviderConfig{
			{Name: "openai", Kind: "openai", Model: "gpt-4o-mini", Timeout: 60 * time.Second, MaxTokens: 4000, Temperature: 0.3, RequestsPerSecond: 1, Burst: 2, Concurrency: 2},
			{Name: "anthropic", Kind: "anthropic", Model: "claude-3-5-haiku-latest", Timeout: 60 * time.Second, MaxTokens: 4000, Temperature: 0.3, RequestsPerSecond: 0.5, Burst: 1, Concurrency: 1},
			{Name: "gemini", Kind: "gemini", Model: "gemini-2.0-flash", Timeout: 60 * time.Second, MaxTokens: 4000, Temperature: 0.3, RequestsPerSecond: 1, Burst: 2, Concurrency: 2},
		},
		Collectors: []string{"openai", "anthropic", "gemini"},
		Evaluators: []string{"openai", "anthropic", "gemini"},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseBackoff: 2 * time.Second,
			MaxBackoff:  30 * time.Second,
		},
		Concurrency: ConcurrencyConfig{Cells: 5},
		HTTP: HTTPConfig{
			Timeout:   15 * time.Second,
			UserAgent: "panelscore/0.1 (+https://github.com/civicledger/panelscore)",
			MaxBytes:  1_000_000,
		},
		Store:     StoreConfig{Path: "~/.panelscore/panelscore.db"},
		Directory: DirectoryConfig{Path: "~/.panelscore/politicians.yaml", CacheTTL: 10 * time.Minute},
		Cache: CacheConfig{
			Backend: "memory",
			TTL:     time.Hour,
			Dir:     "~/.panelscore/cache",
		},
		Logging: LoggingConfig{Level: "info", Format: "console", Output: "stderr"},
		Server:  ServerConfig{Addr: ":8080", RequestsPerSecond: 10, Burst: 20},
	}
}

// DefaultTiers is the band table, best first
func DefaultTiers() []Tier {
	return []Tier{
		{Name: "Diamond", Min: 920, Max: 1000},
		{Name: "Emerald", Min: 840, Max: 919},
		{Name: "Sapphire", Min: 760, Max: 839},
		{Name: "Platinum", Min: 680, Max: 759},
		{Name: "Gold", Min: 600, Max: 679},
		{Name: "Silver", Min: 520, Max: 599},
		{Name: "Bronze", Min: 440, Max: 519},
		{Name: "Iron", Min: 200, Max: 439},
	}
}

// Target returns the per-collector target for a source class
func (p ProtocolConfig) Target(class SourceClass) int {
	if class == SourceOfficial {
		return p.OfficialTarget
	}
	return p.PublicTarget
}

// Window returns the allowed publication lookback for a source class
func (p ProtocolConfig) Window(class SourceClass) time.Duration {
	days := p.PublicWindowDays
	if class == SourceOfficial {
		days = p.OfficialWindowDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Provider returns the named provider configuration
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}

// Validate rejects inconsistent configurations
func (c *Config) Validate() error {
	if err := c.Protocol.Grades.Validate(); err != nil {
		return fmt.Errorf("protocol.grades: %w", err)
	}
	f := c.Protocol.Framing
	if f.Negative < 0 || f.Positive < 0 || f.Open < 0 || f.Negative+f.Positive+f.Open != 100 {
		return fmt.Errorf("protocol.framing must be non-negative and sum to 100, got %d/%d/%d", f.Negative, f.Positive, f.Open)
	}
	if c.Protocol.MaxRounds < 1 {
		return fmt.Errorf("protocol.max_rounds must be at least 1")
	}
	if c.Protocol.OfficialTarget < 0 || c.Protocol.PublicTarget < 0 || c.Protocol.OfficialTarget+c.Protocol.PublicTarget == 0 {
		return fmt.Errorf("protocol targets must be non-negative and not both zero")
	}
	if c.Evaluation.BatchSize < 1 || c.Evaluation.BatchSize > 25 {
		return fmt.Errorf("evaluation.batch_size must be within 1..25, got %d", c.Evaluation.BatchSize)
	}
	switch c.Evaluation.InvalidGradePolicy {
	case InvalidGradeRetry:
	case InvalidGradeMidpoint:
		if _, ok := c.Protocol.Grades.Neutral(); !ok {
			return fmt.Errorf("evaluation.invalid_grade_policy %q requires a zero-valued grade", InvalidGradeMidpoint)
		}
	default:
		return fmt.Errorf("unknown evaluation.invalid_grade_policy %q", c.Evaluation.InvalidGradePolicy)
	}
	s := c.Scoring
	if s.CategoryFloor > s.CategoryCeil || s.FinalFloor > s.FinalCeil {
		return fmt.Errorf("scoring clamps are inverted")
	}
	if err := validateTiers(s.Tiers, s.FinalFloor, s.FinalCeil); err != nil {
		return fmt.Errorf("scoring.tiers: %w", err)
	}
	for _, name := range append(append([]string{}, c.Collectors...), c.Evaluators...) {
		if _, ok := c.Provider(name); !ok {
			return fmt.Errorf("provider %q is referenced but not configured", name)
		}
	}
	return nil
}

// validateTiers requires contiguous bands, best first, covering [floor, ceil]
func validateTiers(tiers []Tier, floor, ceil int) error {
	if len(tiers) == 0 {
		return fmt.Errorf("no tiers configured")
	}
	if tiers[0].Max != ceil {
		return fmt.Errorf("top tier must end at %d, got %d", ceil, tiers[0].Max)
	}
	if last := tiers[len(tiers)-1]; last.Min != floor {
		return fmt.Errorf("bottom tier must start at %d, got %d", floor, last.Min)
	}
	for i, t := range tiers {
		if t.Min > t.Max {
			return fmt.Errorf("tier %q has min > max", t.Name)
		}
		if i > 0 && t.Max != tiers[i-1].Min-1 {
			return fmt.Errorf("tier %q does not adjoin %q", t.Name, tiers[i-1].Name)
		}
	}
	return nil
}
