package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures every setting required to boot the investigation agent.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Backends      BackendsConfig      `yaml:"backends"`
	LLM           LLMConfig           `yaml:"llm"`
	Queue         QueueConfig         `yaml:"queue"`
	Investigation InvestigationConfig `yaml:"investigation"`
	Correlation   CorrelationConfig   `yaml:"correlation"`
	Knowledge     KnowledgeConfig     `yaml:"knowledge"`
	Reports       ReportsConfig       `yaml:"reports"`
	Logging       LoggingConfig       `yaml:"logging"`
	Rules         RulesConfig         `yaml:"rules"`
	Cache         CacheConfig         `yaml:"cache"`
}

// ServerConfig controls the HTTP and gRPC listeners.
type ServerConfig struct {
	HTTPAddress     string        `yaml:"httpAddress"`
	GRPCAddress     string        `yaml:"grpcAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// BackendsConfig groups the query backends used for evidence gathering.
type BackendsConfig struct {
	PrometheusURL string        `yaml:"prometheusURL"`
	LokiURL       string        `yaml:"lokiURL"`
	TempoURL      string        `yaml:"tempoURL"`
	Timeout       time.Duration `yaml:"timeout"`
}

// LLMConfig configures the reasoning service.
type LLMConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	APIKey      string        `yaml:"apiKey"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"maxTokens"`
	Timeout     time.Duration `yaml:"timeout"`

	// RequestsPerSecond caps calls to the provider; zero disables limiting.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
}

// QueueConfig controls intake deduplication and the worker pool.
type QueueConfig struct {
	StreamKey                   string        `yaml:"streamKey"`
	ConsumerGroup               string        `yaml:"consumerGroup"`
	ConsumerName                string        `yaml:"consumerName"`
	DedupPrefix                 string        `yaml:"dedupPrefix"`
	DedupWindow                 time.Duration `yaml:"dedupWindow"`
	MaxConcurrentInvestigations int           `yaml:"maxConcurrentInvestigations"`
	InvestigationTimeout        time.Duration `yaml:"investigationTimeout"`
	PollTimeout                 time.Duration `yaml:"pollTimeout"`
	PollErrorBackoff            time.Duration `yaml:"pollErrorBackoff"`
}

// InvestigationConfig tunes the state machine.
type InvestigationConfig struct {
	MaxIterations       int           `yaml:"maxIterations"`
	ConfidenceThreshold float64       `yaml:"confidenceThreshold"`
	QueryLookback       time.Duration `yaml:"queryLookback"`
	QueryLookahead      time.Duration `yaml:"queryLookahead"`
	QueryParallelism    int           `yaml:"queryParallelism"`
}

// CorrelationConfig controls the cross-signal snapshot taken when an
// investigation starts. Empty fields fall back to the correlator's defaults.
type CorrelationConfig struct {
	MetricQueries []string      `yaml:"metricQueries"`
	ErrorLogQuery string        `yaml:"errorLogQuery"`
	Lookback      time.Duration `yaml:"lookback"`
	Lookahead     time.Duration `yaml:"lookahead"`
	MetricStep    time.Duration `yaml:"metricStep"`
	LogLimit      int           `yaml:"logLimit"`
	TraceLimit    int           `yaml:"traceLimit"`
	SampleSize    int           `yaml:"sampleSize"`
}

// KnowledgeConfig configures runbook ingestion and the vector store.
type KnowledgeConfig struct {
	Dir      string        `yaml:"dir"`
	Watch    bool          `yaml:"watch"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"apiKey"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ReportsConfig controls report persistence.
type ReportsConfig struct {
	DSN string `yaml:"dsn"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	JSON       bool   `yaml:"json"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// RulesConfig controls rule-pack loading for fallback recommendations.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig controls the Valkey connection that backs dedup markers, the
// alert stream and knowledge lookups. When disabled an in-process store is used.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	KnowledgeTTL time.Duration `yaml:"knowledgeTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("SRE_AGENT_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the agent cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Queue.MaxConcurrentInvestigations <= 0 {
		errs = append(errs, errors.New("queue.maxConcurrentInvestigations must be positive"))
	}
	if c.Queue.InvestigationTimeout <= 0 {
		errs = append(errs, errors.New("queue.investigationTimeout must be positive"))
	}
	if c.Queue.DedupWindow <= 0 {
		errs = append(errs, errors.New("queue.dedupWindow must be positive"))
	}
	if c.Queue.PollTimeout <= 0 {
		errs = append(errs, errors.New("queue.pollTimeout must be positive"))
	}
	if c.Investigation.MaxIterations <= 0 {
		errs = append(errs, errors.New("investigation.maxIterations must be positive"))
	}
	if c.Investigation.ConfidenceThreshold < 0 || c.Investigation.ConfidenceThreshold > 1 {
		errs = append(errs, errors.New("investigation.confidenceThreshold must be within [0,1]"))
	}
	if c.Cache.Enabled && c.Cache.Addr == "" {
		errs = append(errs, errors.New("cache.addr is required when cache is enabled"))
	}
	return errors.Join(errs...)
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			HTTPAddress:     ":8100",
			GRPCAddress:     ":50051",
			GracefulTimeout: 10 * time.Second,
		},
		Backends: BackendsConfig{
			PrometheusURL: "http://prometheus:9090",
			LokiURL:       "http://loki:3100",
			TempoURL:      "http://tempo:3200",
			Timeout:       15 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o",
			Temperature: 0.1,
			MaxTokens:   4096,
			Timeout:     120 * time.Second,
		},
		Queue: QueueConfig{
			StreamKey:                   "sre:alerts",
			ConsumerGroup:               "sre-investigators",
			ConsumerName:                defaultConsumerName(),
			DedupPrefix:                 "sre:dedup:",
			DedupWindow:                 300 * time.Second,
			MaxConcurrentInvestigations: 3,
			InvestigationTimeout:        600 * time.Second,
			PollTimeout:                 2 * time.Second,
			PollErrorBackoff:            5 * time.Second,
		},
		Investigation: InvestigationConfig{
			MaxIterations:       6,
			ConfidenceThreshold: 0.7,
			QueryLookback:       30 * time.Minute,
			QueryLookahead:      10 * time.Minute,
			QueryParallelism:    8,
		},
		Correlation: CorrelationConfig{
			MetricQueries: []string{
				"sum(rate(app_errors_total[5m])) by (error_type)",
				"sum(rate(http_requests_total[5m])) by (status_code)",
				"histogram_quantile(0.95, sum(rate(http_request_duration_seconds_bucket[5m])) by (le))",
				"cpu_spike_total",
				"app_memory_usage_bytes",
				"active_simulations",
			},
			ErrorLogQuery: `{service_name="sre-playground"} |= "error" | json`,
			Lookback:      15 * time.Minute,
			Lookahead:     5 * time.Minute,
			MetricStep:    30 * time.Second,
			LogLimit:      50,
			TraceLimit:    20,
			SampleSize:    5,
		},
		Knowledge: KnowledgeConfig{
			Dir:     "/opt/agent/knowledge/runbooks",
			Watch:   true,
			Timeout: 5 * time.Second,
		},
		Reports: ReportsConfig{DSN: "file:/opt/agent/data/reports.db"},
		Logging: LoggingConfig{Level: "info", JSON: true, MaxSizeMB: 100, MaxBackups: 3},
		Rules:   RulesConfig{Path: "configs/rules/default.yaml"},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			KnowledgeTTL: 2 * time.Minute,
		},
	}
}

func defaultConsumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-1"
	}
	return "worker-" + host
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SRE_AGENT_HTTP_ADDRESS"); v != "" {
		cfg.Server.HTTPAddress = v
	}
	if v := os.Getenv("SRE_AGENT_GRPC_ADDRESS"); v != "" {
		cfg.Server.GRPCAddress = v
	}
	if v := os.Getenv("SRE_AGENT_PROMETHEUS_URL"); v != "" {
		cfg.Backends.PrometheusURL = v
	}
	if v := os.Getenv("SRE_AGENT_LOKI_URL"); v != "" {
		cfg.Backends.LokiURL = v
	}
	if v := os.Getenv("SRE_AGENT_TEMPO_URL"); v != "" {
		cfg.Backends.TempoURL = v
	}
	if v := os.Getenv("SRE_AGENT_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("SRE_AGENT_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("SRE_AGENT_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SRE_AGENT_LLM_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.LLM.Temperature = f
		}
	}
	if v := os.Getenv("SRE_AGENT_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.DedupWindow = d
		}
	}
	if v := os.Getenv("SRE_AGENT_MAX_CONCURRENT_INVESTIGATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxConcurrentInvestigations = n
		}
	}
	if v := os.Getenv("SRE_AGENT_INVESTIGATION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Queue.InvestigationTimeout = d
		}
	}
	if v := os.Getenv("SRE_AGENT_CONSUMER_NAME"); v != "" {
		cfg.Queue.ConsumerName = v
	}
	if v := os.Getenv("SRE_AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Investigation.MaxIterations = n
		}
	}
	if v := os.Getenv("SRE_AGENT_QUERY_LOOKBACK"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Investigation.QueryLookback = d
		}
	}
	if v := os.Getenv("SRE_AGENT_QUERY_LOOKAHEAD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Investigation.QueryLookahead = d
		}
	}
	if v := os.Getenv("SRE_AGENT_ERROR_LOG_QUERY"); v != "" {
		cfg.Correlation.ErrorLogQuery = v
	}
	if v := os.Getenv("SRE_AGENT_KNOWLEDGE_DIR"); v != "" {
		cfg.Knowledge.Dir = v
	}
	if v := os.Getenv("SRE_AGENT_KNOWLEDGE_URL"); v != "" {
		cfg.Knowledge.Endpoint = v
	}
	if v := os.Getenv("SRE_AGENT_KNOWLEDGE_API_KEY"); v != "" {
		cfg.Knowledge.APIKey = v
	}
	if v := os.Getenv("SRE_AGENT_REPORTS_DSN"); v != "" {
		cfg.Reports.DSN = v
	}
	if v := os.Getenv("SRE_AGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SRE_AGENT_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
	if v := os.Getenv("SRE_AGENT_LOG_FILE"); v != "" {
		cfg.Logging.File = v
	}
	if v := os.Getenv("SRE_AGENT_RULES_PATH"); v != "" {
		cfg.Rules.Path = v
	}
	if v := os.Getenv("SRE_AGENT_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("SRE_AGENT_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("SRE_AGENT_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("SRE_AGENT_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("SRE_AGENT_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("SRE_AGENT_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("SRE_AGENT_CACHE_READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.ReadTimeout = d
		}
	}
}
