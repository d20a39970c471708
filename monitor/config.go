package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/pagewatch/extract"
	"github.com/hazyhaar/pagewatch/monitor/internal/changes"
	"github.com/hazyhaar/pagewatch/monitor/internal/detect"
	"github.com/hazyhaar/pagewatch/monitor/internal/fetch"
	"github.com/hazyhaar/pagewatch/monitor/internal/orchestrator"
	"github.com/hazyhaar/pagewatch/monitor/internal/relevance"
	"github.com/hazyhaar/pagewatch/monitor/internal/retryq"
	"github.com/hazyhaar/pagewatch/shield"
	"github.com/hazyhaar/pagewatch/watch"
)

// Target is a monitored page as declared in the configuration.
type Target = changes.Target

// Config holds all pagewatch configuration.
type Config struct {
	// DataDir holds raw.db, processed.db and intelligence.db unless the
	// individual paths are set.
	DataDir        string `yaml:"data_dir"`
	RawDB          string `yaml:"raw_db"`
	ProcessedDB    string `yaml:"processed_db"`
	IntelligenceDB string `yaml:"intelligence_db"`
	// TraceSQL opens the databases through the tracing driver: statement
	// latency is exported as a histogram and slow statements are logged.
	TraceSQL bool `yaml:"trace_sql"`

	Targets []*Target `yaml:"targets"`

	// Schedule is the period between batch invocations in serve mode.
	Schedule time.Duration `yaml:"schedule"`

	Batch     orchestrator.Options `yaml:"batch"`
	Fetch     fetch.Config         `yaml:"fetch"`
	Breaker   fetch.BreakerConfig  `yaml:"breaker"`
	Browser   BrowserConfig        `yaml:"browser"`
	Extract   ExtractConfig        `yaml:"extract"`
	Magnitude detect.Thresholds    `yaml:"magnitude"`
	Relevance relevance.Config     `yaml:"relevance"`
	Reconcile ReconcileConfig      `yaml:"reconcile"`
	Retry     retryq.Options       `yaml:"retry"`
	Retention RetentionConfig      `yaml:"retention"`
	Notify    NotifyConfig         `yaml:"notify"`
	HTTP      HTTPConfig           `yaml:"http"`
	Reload    watch.Options        `yaml:"reload"`
}

// BrowserConfig enables the headless browser fallback.
type BrowserConfig struct {
	Enabled             bool `yaml:"enabled"`
	fetch.BrowserConfig `yaml:",inline"`
}

// ExtractConfig sets the extraction defaults for targets without their own
// mode.
type ExtractConfig struct {
	Mode       string `yaml:"mode"`
	MinTextLen int    `yaml:"min_text_len"`
}

// ReconcileConfig controls the cross-store reconciler.
type ReconcileConfig struct {
	Windows  []time.Duration `yaml:"windows"`
	Interval time.Duration   `yaml:"interval"`
	PageSize int             `yaml:"page_size"`
}

// RetentionConfig controls raw content pruning. A zero MaxAge keeps raw
// content forever.
type RetentionConfig struct {
	MaxAge        time.Duration `yaml:"max_age"`
	KeepPerTarget int           `yaml:"keep_per_target"`
	Interval      time.Duration `yaml:"interval"`
}

// NotifyConfig selects the notification sinks.
type NotifyConfig struct {
	Stdout     bool            `yaml:"stdout"`
	AlertsOnly bool            `yaml:"alerts_only"`
	Webhooks   []WebhookConfig `yaml:"webhooks"`
	NATS       NATSConfig      `yaml:"nats"`
}

// WebhookConfig is one webhook receiver.
type WebhookConfig struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Retries int               `yaml:"retries"`
}

// NATSConfig is the NATS sink. An empty URL disables it.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// HTTPConfig is the API listener.
type HTTPConfig struct {
	Addr   string        `yaml:"addr"`
	Shield shield.Config `yaml:"shield"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.RawDB == "" {
		c.RawDB = filepath.Join(c.DataDir, "raw.db")
	}
	if c.ProcessedDB == "" {
		c.ProcessedDB = filepath.Join(c.DataDir, "processed.db")
	}
	if c.IntelligenceDB == "" {
		c.IntelligenceDB = filepath.Join(c.DataDir, "intelligence.db")
	}
	if c.Schedule <= 0 {
		c.Schedule = time.Hour
	}
	if c.Extract.Mode == "" {
		c.Extract.Mode = extract.ModeMarkdown
	}
	if c.Retention.KeepPerTarget <= 0 {
		c.Retention.KeepPerTarget = 2
	}
	if c.Retention.Interval <= 0 {
		c.Retention.Interval = 24 * time.Hour
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8085"
	}
	if c.Relevance.Token == "" {
		c.Relevance.Token = os.Getenv("PAGEWATCH_RELEVANCE_TOKEN")
	}
}

// Validate checks the parts of the configuration that defaults cannot fix.
func (c *Config) Validate() error {
	seen := make(map[[3]string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t == nil || t.Name == "" || t.URL == "" {
			return fmt.Errorf("%w: target %d needs a name and a url", ErrInvalidConfig, i)
		}
		key := [3]string{t.Group, t.Name, t.URL}
		if seen[key] {
			return fmt.Errorf("%w: duplicate target %q (%s)", ErrInvalidConfig, t.Name, t.URL)
		}
		seen[key] = true
		switch t.ExtractMode {
		case "", extract.ModeMarkdown, extract.ModeDensity, extract.ModeCSS, extract.ModeReadability, extract.ModeAuto:
		default:
			return fmt.Errorf("%w: target %q: unknown extract mode %q", ErrInvalidConfig, t.Name, t.ExtractMode)
		}
		if t.ExtractMode == extract.ModeCSS && len(t.Selectors) == 0 {
			return fmt.Errorf("%w: target %q: css mode needs selectors", ErrInvalidConfig, t.Name)
		}
	}
	return nil
}

// LoadConfigFile reads a YAML config file and applies defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig decodes YAML configuration and applies defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
