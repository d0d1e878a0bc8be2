package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/me/fairq/pkg/model"
	"gopkg.in/yaml.v3"
)

// SchedulerConfig is the versioned, hot-reloadable scheduling configuration:
// queue definitions, tenant weights, breaker thresholds, cache limits and
// fairness constants. It is read-only to the scheduler.
type SchedulerConfig struct {
	Version              int64              `yaml:"version" json:"version"`
	DefaultQueue         string             `yaml:"defaultQueue" json:"default_queue"`
	DefaultTier          string             `yaml:"defaultTier" json:"default_tier"`
	DefaultPriorityClass string             `yaml:"defaultPriorityClass" json:"default_priority_class"`
	PriorityClasses      map[string]float64 `yaml:"priorityClasses" json:"priority_classes"`
	TenantWeights        map[string]float64 `yaml:"tenantWeights" json:"tenant_weights"`
	Tenants              map[string]string  `yaml:"tenants" json:"tenants"`
	Queues               []QueueConfig      `yaml:"queues" json:"queues"`
	Breakers             BreakerConfig      `yaml:"breakers" json:"breakers"`
	Cache                CacheConfig        `yaml:"cache" json:"cache"`
	Fairness             FairnessConfig     `yaml:"fairness" json:"fairness"`
}

// QueueConfig defines capacity, rate and retry behaviour of one queue.
type QueueConfig struct {
	Name               string            `yaml:"name" json:"name"`
	ConcurrencyLimit   int               `yaml:"concurrencyLimit" json:"concurrency_limit"`
	RateLimitPerSecond float64           `yaml:"rateLimitPerSecond" json:"rate_limit_per_second"`
	Burst              int               `yaml:"burst" json:"burst"`
	DefaultMaxRetries  int               `yaml:"defaultMaxRetries" json:"default_max_retries"`
	RetryBackoffMs     int64             `yaml:"retryBackoffMs" json:"retry_backoff_ms"`
	RetryBackoffCapMs  int64             `yaml:"retryBackoffCapMs" json:"retry_backoff_cap_ms"`
	RetryJitter        float64           `yaml:"retryJitter" json:"retry_jitter"`
	MinPreemptionTime  time.Duration     `yaml:"minPreemptionTime" json:"min_preemption_time"`
	Preemptive         bool              `yaml:"preemptive" json:"preemptive"`
	Retry              RetryPolicyConfig `yaml:"retry" json:"retry"`
}

// RetryPolicyConfig classifies failures as retryable or terminal.
// Expression, when set, is a JavaScript boolean expression evaluated with
// kind, message, attempts and maxRetries in scope.
type RetryPolicyConfig struct {
	Retryable  []string `yaml:"retryable,omitempty" json:"retryable,omitempty"`
	Terminal   []string `yaml:"terminal,omitempty" json:"terminal,omitempty"`
	Expression string   `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// BreakerPolicy holds the thresholds of one circuit breaker.
type BreakerPolicy struct {
	Threshold    int           `yaml:"threshold" json:"threshold"`
	ResetTimeout time.Duration `yaml:"resetTimeout" json:"reset_timeout"`
}

// BreakerConfig is the default breaker policy plus per-dependency overrides.
type BreakerConfig struct {
	BreakerPolicy `yaml:",inline"`
	Overrides     map[string]BreakerPolicy `yaml:"overrides,omitempty" json:"overrides,omitempty"`
}

// CacheConfig bounds the result cache. MaxSize is human readable ("64MiB").
type CacheConfig struct {
	MaxSize    string        `yaml:"maxSize" json:"max_size"`
	MaxEntries int           `yaml:"maxEntries" json:"max_entries"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
}

// FairnessConfig tunes deficit accounting.
type FairnessConfig struct {
	Decay        float64 `yaml:"decay" json:"decay"`
	DeficitScale float64 `yaml:"deficitScale" json:"deficit_scale"`
}

// ErrInvalidSchedulerConfig wraps scheduler config validation failures.
var ErrInvalidSchedulerConfig = errors.New("invalid scheduler config")

// DefaultSchedulerConfig returns a single-queue configuration with the
// premium/standard/free tier table.
func DefaultSchedulerConfig() *SchedulerConfig {
	cfg := &SchedulerConfig{
		Version: 1,
		Queues: []QueueConfig{{
			Name:               "default",
			ConcurrencyLimit:   4,
			RateLimitPerSecond: 0,
			DefaultMaxRetries:  3,
			RetryBackoffMs:     500,
			RetryBackoffCapMs:  30_000,
			RetryJitter:        0.2,
			MinPreemptionTime:  30 * time.Second,
		}},
	}
	cfg.applyDefaults()
	return cfg
}

// ParseSchedulerConfig decodes YAML, fills defaults and validates.
func ParseSchedulerConfig(data []byte) (*SchedulerConfig, error) {
	var cfg SchedulerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse scheduler config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadSchedulerConfig reads and parses a scheduler config file.
func LoadSchedulerConfig(path string) (*SchedulerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseSchedulerConfig(data)
}

func (c *SchedulerConfig) applyDefaults() {
	if len(c.TenantWeights) == 0 {
		c.TenantWeights = map[string]float64{"premium": 100, "standard": 50, "free": 10}
	}
	if len(c.PriorityClasses) == 0 {
		c.PriorityClasses = map[string]float64{"low": 1, "normal": 2, "high": 3}
	}
	if c.DefaultTier == "" {
		c.DefaultTier = "free"
	}
	if c.DefaultPriorityClass == "" {
		c.DefaultPriorityClass = "normal"
	}
	if c.DefaultQueue == "" && len(c.Queues) > 0 {
		c.DefaultQueue = c.Queues[0].Name
	}
	for i := range c.Queues {
		q := &c.Queues[i]
		if q.Burst <= 0 {
			q.Burst = max(1, int(q.RateLimitPerSecond))
		}
		if q.RetryBackoffMs <= 0 {
			q.RetryBackoffMs = 500
		}
		if q.RetryBackoffCapMs <= 0 {
			q.RetryBackoffCapMs = 60_000
		}
	}
	if c.Breakers.Threshold <= 0 {
		c.Breakers.Threshold = 5
	}
	if c.Breakers.ResetTimeout <= 0 {
		c.Breakers.ResetTimeout = 30 * time.Second
	}
	if c.Cache.MaxSize == "" {
		c.Cache.MaxSize = "64MiB"
	}
	if c.Cache.MaxEntries <= 0 {
		c.Cache.MaxEntries = 10_000
	}
	if c.Cache.TTL <= 0 {
		c.Cache.TTL = 24 * time.Hour
	}
	if c.Fairness.Decay <= 0 {
		c.Fairness.Decay = 0.99
	}
	if c.Fairness.DeficitScale <= 0 {
		c.Fairness.DeficitScale = 10_000
	}
}

// Validate checks the configuration for values the scheduler cannot honour.
func (c *SchedulerConfig) Validate() error {
	if len(c.Queues) == 0 {
		return fmt.Errorf("%w: at least one queue is required", ErrInvalidSchedulerConfig)
	}
	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		switch {
		case q.Name == "":
			return fmt.Errorf("%w: queue name is required", ErrInvalidSchedulerConfig)
		case seen[q.Name]:
			return fmt.Errorf("%w: duplicate queue %q", ErrInvalidSchedulerConfig, q.Name)
		case q.ConcurrencyLimit <= 0:
			return fmt.Errorf("%w: queue %q: concurrencyLimit must be positive", ErrInvalidSchedulerConfig, q.Name)
		case q.RateLimitPerSecond < 0:
			return fmt.Errorf("%w: queue %q: rateLimitPerSecond must not be negative", ErrInvalidSchedulerConfig, q.Name)
		case q.DefaultMaxRetries < 0:
			return fmt.Errorf("%w: queue %q: defaultMaxRetries must not be negative", ErrInvalidSchedulerConfig, q.Name)
		case q.RetryJitter < 0 || q.RetryJitter > 1:
			return fmt.Errorf("%w: queue %q: retryJitter must be within [0,1]", ErrInvalidSchedulerConfig, q.Name)
		}
		for _, k := range append(append([]string{}, q.Retry.Retryable...), q.Retry.Terminal...) {
			if !knownErrorKind(k) {
				return fmt.Errorf("%w: queue %q: unknown error kind %q", ErrInvalidSchedulerConfig, q.Name, k)
			}
		}
		seen[q.Name] = true
	}
	if !seen[c.DefaultQueue] {
		return fmt.Errorf("%w: default queue %q is not defined", ErrInvalidSchedulerConfig, c.DefaultQueue)
	}
	for tier, w := range c.TenantWeights {
		if w <= 0 {
			return fmt.Errorf("%w: tier %q: weight must be positive", ErrInvalidSchedulerConfig, tier)
		}
	}
	if _, ok := c.TenantWeights[c.DefaultTier]; !ok {
		return fmt.Errorf("%w: default tier %q has no weight", ErrInvalidSchedulerConfig, c.DefaultTier)
	}
	for tenant, tier := range c.Tenants {
		if _, ok := c.TenantWeights[tier]; !ok {
			return fmt.Errorf("%w: tenant %q: unknown tier %q", ErrInvalidSchedulerConfig, tenant, tier)
		}
	}
	for class, w := range c.PriorityClasses {
		if w <= 0 {
			return fmt.Errorf("%w: priority class %q: weight must be positive", ErrInvalidSchedulerConfig, class)
		}
	}
	if _, ok := c.PriorityClasses[c.DefaultPriorityClass]; !ok {
		return fmt.Errorf("%w: default priority class %q has no weight", ErrInvalidSchedulerConfig, c.DefaultPriorityClass)
	}
	if c.Fairness.Decay > 1 {
		return fmt.Errorf("%w: fairness decay must be within (0,1]", ErrInvalidSchedulerConfig)
	}
	if _, err := humanize.ParseBytes(c.Cache.MaxSize); err != nil {
		return fmt.Errorf("%w: cache maxSize: %v", ErrInvalidSchedulerConfig, err)
	}
	return nil
}

func knownErrorKind(k string) bool {
	switch model.ErrorKind(k) {
	case model.ErrorKindDependencyUnavailable, model.ErrorKindExecutionFailed,
		model.ErrorKindDeadlineExceeded, model.ErrorKindMalformedInput,
		model.ErrorKindCancelled, model.ErrorKindUpstreamFailed:
		return true
	}
	return false
}

// Queue returns the named queue definition.
func (c *SchedulerConfig) Queue(name string) (QueueConfig, bool) {
	for _, q := range c.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueConfig{}, false
}

// TierFor returns the tier of a tenant, falling back to the default tier.
func (c *SchedulerConfig) TierFor(tenantID string) string {
	if tier, ok := c.Tenants[tenantID]; ok {
		return tier
	}
	return c.DefaultTier
}

// TenantWeight returns the weight of a tier. Unknown tiers get the default
// tier's weight.
func (c *SchedulerConfig) TenantWeight(tier string) float64 {
	if w, ok := c.TenantWeights[tier]; ok {
		return w
	}
	if w, ok := c.TenantWeights[c.DefaultTier]; ok {
		return w
	}
	return 1
}

// PriorityWeight returns the weight of a priority class. Unknown classes
// get the default class weight.
func (c *SchedulerConfig) PriorityWeight(class string) float64 {
	if w, ok := c.PriorityClasses[class]; ok {
		return w
	}
	if w, ok := c.PriorityClasses[c.DefaultPriorityClass]; ok {
		return w
	}
	return 1
}

// BreakerPolicyFor returns the breaker policy of a dependency.
func (c *SchedulerConfig) BreakerPolicyFor(dependencyID string) BreakerPolicy {
	if p, ok := c.Breakers.Overrides[dependencyID]; ok {
		if p.Threshold <= 0 {
			p.Threshold = c.Breakers.Threshold
		}
		if p.ResetTimeout <= 0 {
			p.ResetTimeout = c.Breakers.ResetTimeout
		}
		return p
	}
	return c.Breakers.BreakerPolicy
}

// Backoff returns the retry backoff policy of a queue.
func (q QueueConfig) Backoff() model.BackoffPolicy {
	return model.BackoffPolicy{
		BaseMs: q.RetryBackoffMs,
		CapMs:  q.RetryBackoffCapMs,
		Jitter: q.RetryJitter,
	}
}

// MaxBytes returns the cache byte limit parsed from MaxSize.
func (c CacheConfig) MaxBytes() int64 {
	n, err := humanize.ParseBytes(c.MaxSize)
	if err != nil {
		return 0
	}
	return int64(n)
}
