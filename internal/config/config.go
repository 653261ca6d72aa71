// Package config handles loading and validating Posey configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	_ = godotenv.Load()
}

// Config is the root configuration for Posey.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.posey/data. Override: POSEY_DATA_DIR.
	Server        ServerConfig         `json:"server" yaml:"server"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Images        *ImagesConfig        `json:"images,omitempty" yaml:"images,omitempty"`   // nil = image generation disabled
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under data_dir
	Memory        *MemoryConfig        `json:"memory,omitempty" yaml:"memory,omitempty"`   // nil = in-process memory store
	Validation    ValidationConfig     `json:"validation" yaml:"validation"`
	Orchestrator  OrchestratorConfig   `json:"orchestrator" yaml:"orchestrator"`
	Web           WebConfig            `json:"web" yaml:"web"`
	MCP           []MCPServerConfig    `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	Maintenance   *MaintenanceConfig   `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`     // nil = no scheduled jobs
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// ServerConfig configures the HTTP and WebSocket gateways.
type ServerConfig struct {
	ListenAddr          string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080"
	EnableDocs          bool            `json:"enable_docs" yaml:"enable_docs"`
	MaxRequestSizeBytes int64           `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	RequestTimeoutS     int             `json:"request_timeout_s" yaml:"request_timeout_s"` // Default: 300
	WebSocket           bool            `json:"websocket" yaml:"websocket"`
	Auth                AuthConfig      `json:"auth" yaml:"auth"`
	RateLimit           RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// Addr returns the listen address, defaulting to ":8080".
func (s *ServerConfig) Addr() string {
	if s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// RequestTimeout bounds a single pipeline run started over HTTP.
func (s *ServerConfig) RequestTimeout() time.Duration {
	if s.RequestTimeoutS > 0 {
		return time.Duration(s.RequestTimeoutS) * time.Second
	}
	return 5 * time.Minute
}

// AuthConfig configures request authentication.
// With no API keys and no JWT secret, every request runs as AnonymousUser.
type AuthConfig struct {
	APIKeys       map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`     // API key → user ID.
	JWTSecret     string            `json:"jwt_secret,omitempty" yaml:"jwt_secret,omitempty"` // Override: POSEY_JWT_SECRET.
	JWTIssuer     string            `json:"jwt_issuer,omitempty" yaml:"jwt_issuer,omitempty"`
	AnonymousUser string            `json:"anonymous_user,omitempty" yaml:"anonymous_user,omitempty"` // Default: "anonymous"
}

// Enabled reports whether any credential source is configured.
func (a *AuthConfig) Enabled() bool {
	return len(a.APIKeys) > 0 || a.JWTSecret != ""
}

// Anonymous returns the user ID used when auth is disabled.
func (a *AuthConfig) Anonymous() string {
	if a.AnonymousUser != "" {
		return a.AnonymousUser
	}
	return "anonymous"
}

// RateLimitConfig configures per-user rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = unlimited
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
	ImageCost         int `json:"image_cost" yaml:"image_cost"` // Tokens consumed by one image request. Default: 5.
}

// ImageTokenCost returns the rate-limit cost of image generation.
func (r *RateLimitConfig) ImageTokenCost() int {
	if r.ImageCost > 0 {
		return r.ImageCost
	}
	return 5
}

// ProvidersConfig selects and configures the LLM backends.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"`                         // "anthropic", "openai", "gemini", "ollama". Empty = "openai".
	Fallback  []string        `json:"fallback,omitempty" yaml:"fallback,omitempty"`   // Tried in order when default fails.
	Formatter string          `json:"formatter,omitempty" yaml:"formatter,omitempty"` // Provider used to reformat invalid JSON. Empty = default.
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Gemini    GeminiConfig    `json:"gemini" yaml:"gemini"`
	Ollama    OllamaConfig    `json:"ollama" yaml:"ollama"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey         string `json:"api_key" yaml:"api_key"`
	Model          string `json:"model" yaml:"model"`
	FormatterModel string `json:"formatter_model,omitempty" yaml:"formatter_model,omitempty"` // Cheaper model for reformatting. Default: Model.
	BaseURL        string `json:"base_url" yaml:"base_url"`                                   // Default: https://api.openai.com
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"`
}

type OllamaConfig struct {
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Default: http://localhost:11434
}

// ImagesConfig configures image-generation providers.
type ImagesConfig struct {
	Default   string           `json:"default" yaml:"default"` // "openai" or "stability". Empty = first configured.
	OpenAI    *OpenAIImage     `json:"openai,omitempty" yaml:"openai,omitempty"`
	Stability *StabilityConfig `json:"stability,omitempty" yaml:"stability,omitempty"`
}

// OpenAIImage configures DALL-E. An empty APIKey reuses providers.openai.api_key.
type OpenAIImage struct {
	APIKey  string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	Model   string `json:"model" yaml:"model"` // Default: "dall-e-3"
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// StabilityConfig configures the Stability AI REST API.
type StabilityConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"` // Override: STABILITY_API_KEY.
	Engine  string `json:"engine" yaml:"engine"`   // Default: "stable-diffusion-xl-1024-v1-0"
	BaseURL string `json:"base_url,omitempty" yaml:"base_url,omitempty"`
}

// StorageConfig configures the relational persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"`
	JournalMode string `json:"journal_mode" yaml:"journal_mode"` // Default: "wal"
}

type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: POSEY_DB_DSN.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// MemoryConfig configures long-term vector memory.
type MemoryConfig struct {
	Backend            string  `json:"backend" yaml:"backend"`             // "pgvector" or "memory" (default).
	DSN                string  `json:"dsn,omitempty" yaml:"dsn,omitempty"` // pgvector only. Override: POSEY_VECTOR_DSN.
	Table              string  `json:"table,omitempty" yaml:"table,omitempty"`
	Dimensions         int     `json:"dimensions" yaml:"dimensions"`
	EmbeddingModel     string  `json:"embedding_model" yaml:"embedding_model"`
	EmbeddingBaseURL   string  `json:"embedding_base_url,omitempty" yaml:"embedding_base_url,omitempty"`
	RecallLimit        int     `json:"recall_limit" yaml:"recall_limit"`
	MinScore           float64 `json:"min_score" yaml:"min_score"`
	DuplicateThreshold float64 `json:"duplicate_threshold" yaml:"duplicate_threshold"`
	HistoryMessages    int     `json:"history_messages" yaml:"history_messages"`
}

// MemoryBackend returns the vector store backend, defaulting to "memory".
func (m *MemoryConfig) MemoryBackend() string {
	if m != nil && m.Backend != "" {
		return m.Backend
	}
	return "memory"
}

// TableName returns the pgvector table name.
func (m *MemoryConfig) TableName() string {
	if m != nil && m.Table != "" {
		return m.Table
	}
	return "memories"
}

// EmbeddingDimensions returns the vector width.
func (m *MemoryConfig) EmbeddingDimensions() int {
	if m != nil && m.Dimensions > 0 {
		return m.Dimensions
	}
	return 1536
}

// Embedding returns the embeddings model name.
func (m *MemoryConfig) Embedding() string {
	if m != nil && m.EmbeddingModel != "" {
		return m.EmbeddingModel
	}
	return "text-embedding-3-small"
}

// Limit returns how many memories a recall returns.
func (m *MemoryConfig) Limit() int {
	if m != nil && m.RecallLimit > 0 {
		return m.RecallLimit
	}
	return 5
}

// Score returns the minimum similarity for a recall hit.
func (m *MemoryConfig) Score() float64 {
	if m != nil && m.MinScore > 0 {
		return m.MinScore
	}
	return 0.3
}

// Duplicate returns the similarity at or above which a new memory is rejected.
func (m *MemoryConfig) Duplicate() float64 {
	if m != nil && m.DuplicateThreshold > 0 {
		return m.DuplicateThreshold
	}
	return 0.95
}

// History returns how many conversation messages feed the pipeline.
func (m *MemoryConfig) History() int {
	if m != nil && m.HistoryMessages > 0 {
		return m.HistoryMessages
	}
	return 20
}

// ValidationConfig configures the structured-completion repair loop.
type ValidationConfig struct {
	Strategy   string `json:"strategy" yaml:"strategy"`       // "retry", "format" or "hybrid" (default).
	MaxRetries *int   `json:"max_retries" yaml:"max_retries"` // nil = 2. Zero is allowed.
}

// Retries returns the retry budget, defaulting to 2.
func (v *ValidationConfig) Retries() int {
	if v.MaxRetries != nil {
		return *v.MaxRetries
	}
	return 2
}

// StrategyName returns the repair strategy, defaulting to "hybrid".
func (v *ValidationConfig) StrategyName() string {
	if v.Strategy != "" {
		return v.Strategy
	}
	return "hybrid"
}

// OrchestratorConfig tunes the pipeline.
type OrchestratorConfig struct {
	FallbackMinion string `json:"fallback_minion" yaml:"fallback_minion"` // Default: "content_analysis".
	MaxSteps       int    `json:"max_steps" yaml:"max_steps"`             // Default: 6.
	MaxConcurrency int    `json:"max_concurrency" yaml:"max_concurrency"` // Default: 3.
	StepTimeoutS   int    `json:"step_timeout_s" yaml:"step_timeout_s"`   // Default: 120.
	MaxToolRounds  int    `json:"max_tool_rounds" yaml:"max_tool_rounds"` // Default: 5.
	MaxTokens      int    `json:"max_tokens" yaml:"max_tokens"`
}

// Fallback returns the fallback minion name.
func (o *OrchestratorConfig) Fallback() string {
	if o.FallbackMinion != "" {
		return o.FallbackMinion
	}
	return "content_analysis"
}

// Steps returns the maximum number of plan steps.
func (o *OrchestratorConfig) Steps() int {
	if o.MaxSteps > 0 {
		return o.MaxSteps
	}
	return 6
}

// Concurrency returns how many plan steps may run at once.
func (o *OrchestratorConfig) Concurrency() int {
	if o.MaxConcurrency > 0 {
		return o.MaxConcurrency
	}
	return 3
}

// StepTimeout bounds a single minion run.
func (o *OrchestratorConfig) StepTimeout() time.Duration {
	if o.StepTimeoutS > 0 {
		return time.Duration(o.StepTimeoutS) * time.Second
	}
	return 2 * time.Minute
}

// ToolRounds returns the tool loop bound.
func (o *OrchestratorConfig) ToolRounds() int {
	if o.MaxToolRounds > 0 {
		return o.MaxToolRounds
	}
	return 5
}

// WebConfig configures fetching, search and browser rendering.
type WebConfig struct {
	AllowedDomains   []string       `json:"allowed_domains" yaml:"allowed_domains"` // Empty = any public host.
	MaxResponseBytes int64          `json:"max_response_bytes" yaml:"max_response_bytes"`
	TimeoutSeconds   int            `json:"timeout_seconds" yaml:"timeout_seconds"`
	UserAgent        string         `json:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	SearchResults    int            `json:"search_results" yaml:"search_results"`
	FetchPerQuery    int            `json:"fetch_per_query" yaml:"fetch_per_query"`
	CacheTTLSeconds  int            `json:"cache_ttl_seconds,omitempty" yaml:"cache_ttl_seconds,omitempty"` // Negative disables caching.
	Browser          *BrowserConfig `json:"browser,omitempty" yaml:"browser,omitempty"` // nil = plain HTTP only

	// AllowPrivateNetworks disables the private-address check. Local development only.
	AllowPrivateNetworks bool `json:"allow_private_networks,omitempty" yaml:"allow_private_networks,omitempty"`
}

// Timeout returns the per-request timeout.
func (w *WebConfig) Timeout() time.Duration {
	if w.TimeoutSeconds > 0 {
		return time.Duration(w.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxBytes returns the body cap.
func (w *WebConfig) MaxBytes() int64 {
	if w.MaxResponseBytes > 0 {
		return w.MaxResponseBytes
	}
	return 5 << 20
}

// Results returns the number of search results to keep.
func (w *WebConfig) Results() int {
	if w.SearchResults > 0 {
		return w.SearchResults
	}
	return 5
}

// Fetches returns how many search hits research fetches in full.
func (w *WebConfig) Fetches() int {
	if w.FetchPerQuery > 0 {
		return w.FetchPerQuery
	}
	return 3
}

// CacheTTL returns how long web ability results are reused. Zero means
// caching is disabled.
func (w *WebConfig) CacheTTL() time.Duration {
	switch {
	case w.CacheTTLSeconds < 0:
		return 0
	case w.CacheTTLSeconds == 0:
		return 60 * time.Second
	}
	return time.Duration(w.CacheTTLSeconds) * time.Second
}

// BrowserConfig configures headless Chromium rendering.
type BrowserConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	BinPath string `json:"bin_path,omitempty" yaml:"bin_path,omitempty"` // Empty = auto-detect.
	Width   int    `json:"width" yaml:"width"`
	Height  int    `json:"height" yaml:"height"`
}

// MCPServerConfig defines an external MCP server whose tools become abilities.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport"` // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"` // Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// MaintenanceConfig configures scheduled housekeeping.
type MaintenanceConfig struct {
	MemoryPruneSchedule string  `json:"memory_prune_schedule" yaml:"memory_prune_schedule"` // Cron spec. Default: "0 3 * * *".
	MemoryTTLDays       int     `json:"memory_ttl_days" yaml:"memory_ttl_days"`             // Default: 90.
	MemoryMinImportance float64 `json:"memory_min_importance" yaml:"memory_min_importance"` // Memories at or above survive. Default: 0.5.
	RunPurgeSchedule    string  `json:"run_purge_schedule" yaml:"run_purge_schedule"`       // Default: "30 3 * * *".
	RunRetentionDays    int     `json:"run_retention_days" yaml:"run_retention_days"`       // Default: 30.
}

func (m *MaintenanceConfig) PruneSchedule() string {
	if m.MemoryPruneSchedule != "" {
		return m.MemoryPruneSchedule
	}
	return "0 3 * * *"
}

func (m *MaintenanceConfig) MemoryTTL() time.Duration {
	if m.MemoryTTLDays > 0 {
		return time.Duration(m.MemoryTTLDays) * 24 * time.Hour
	}
	return 90 * 24 * time.Hour
}

func (m *MaintenanceConfig) MinImportance() float64 {
	if m.MemoryMinImportance > 0 {
		return m.MemoryMinImportance
	}
	return 0.5
}

func (m *MaintenanceConfig) PurgeSchedule() string {
	if m.RunPurgeSchedule != "" {
		return m.RunPurgeSchedule
	}
	return "30 3 * * *"
}

func (m *MaintenanceConfig) RunRetention() time.Duration {
	if m.RunRetentionDays > 0 {
		return time.Duration(m.RunRetentionDays) * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// ObservabilityConfig configures metrics, tracing and health checks.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "posey"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

type HealthConfig struct {
	IncludeDB     bool `json:"include_db" yaml:"include_db"`
	IncludeVector bool `json:"include_vector" yaml:"include_vector"`
}

// DefaultConfigPath returns ~/.posey/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/posey.yaml"
	}
	return filepath.Join(home, ".posey", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by extension. Secrets can be overridden by
// environment variables, which take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes raw config bytes, applies env overrides and validates.
// ext selects the format (".yaml"/".yml" or anything else for JSON).
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if cfg.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.DataDir = filepath.Join(home, ".posey", "data")
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	setFromEnv(&c.Providers.Anthropic.APIKey, "ANTHROPIC_API_KEY")
	setFromEnv(&c.Providers.OpenAI.APIKey, "OPENAI_API_KEY")
	setFromEnv(&c.Providers.Gemini.APIKey, "GEMINI_API_KEY")
	setFromEnv(&c.DataDir, "POSEY_DATA_DIR")
	setFromEnv(&c.Server.Auth.JWTSecret, "POSEY_JWT_SECRET")

	if v := os.Getenv("STABILITY_API_KEY"); v != "" {
		if c.Images == nil {
			c.Images = &ImagesConfig{}
		}
		if c.Images.Stability == nil {
			c.Images.Stability = &StabilityConfig{}
		}
		c.Images.Stability.APIKey = v
	}
	if v := os.Getenv("POSEY_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{Driver: "postgres"}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("POSEY_VECTOR_DSN"); v != "" {
		if c.Memory == nil {
			c.Memory = &MemoryConfig{Backend: "pgvector"}
		}
		c.Memory.DSN = v
	}
	for i := range c.MCP {
		for k, v := range c.MCP[i].Env {
			c.MCP[i].Env[k] = os.ExpandEnv(v)
		}
		for k, v := range c.MCP[i].Headers {
			c.MCP[i].Headers[k] = os.ExpandEnv(v)
		}
	}
}

func setFromEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory with ~ expanded.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		return "data"
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite file path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		if p, err := resolvePath(c.Storage.SQLite.Path); err == nil {
			return p
		}
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "posey.db")
}

// StorageDriverName returns the effective storage driver.
func (c *Config) StorageDriverName() string {
	return c.Storage.StorageDriver()
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "openai"
	}
	if err := c.validateProvider(c.Providers.Default, "providers.default"); err != nil {
		return err
	}
	for i, name := range c.Providers.Fallback {
		if err := c.validateProvider(name, fmt.Sprintf("providers.fallback[%d]", i)); err != nil {
			return err
		}
	}
	if c.Providers.Formatter != "" {
		if err := c.validateProvider(c.Providers.Formatter, "providers.formatter"); err != nil {
			return err
		}
	}

	switch c.Validation.StrategyName() {
	case "retry", "format", "hybrid":
	default:
		return fmt.Errorf("validation.strategy %q is not supported (use retry, format, or hybrid)", c.Validation.Strategy)
	}
	if c.Validation.Retries() < 0 {
		return fmt.Errorf("validation.max_retries must not be negative")
	}

	switch c.StorageDriverName() {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set POSEY_DB_DSN env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
	}

	switch c.Memory.MemoryBackend() {
	case "memory":
	case "pgvector":
		if c.Memory.DSN == "" {
			return fmt.Errorf("memory.dsn is required for the pgvector backend (set POSEY_VECTOR_DSN env var)")
		}
	default:
		return fmt.Errorf("memory.backend %q is not supported (use memory or pgvector)", c.Memory.Backend)
	}

	if c.Images != nil {
		if c.Images.OpenAI == nil && c.Images.Stability == nil {
			return fmt.Errorf("images requires at least one of images.openai or images.stability")
		}
		switch c.Images.Default {
		case "":
		case "openai":
			if c.Images.OpenAI == nil {
				return fmt.Errorf("images.default is openai but images.openai is not configured")
			}
		case "stability":
			if c.Images.Stability == nil {
				return fmt.Errorf("images.default is stability but images.stability is not configured")
			}
		default:
			return fmt.Errorf("images.default %q is not supported (use openai or stability)", c.Images.Default)
		}
		if c.Images.Stability != nil && c.Images.Stability.APIKey == "" {
			return fmt.Errorf("images.stability.api_key is required (set STABILITY_API_KEY env var)")
		}
	}

	if c.Orchestrator.MaxSteps < 0 || c.Orchestrator.MaxConcurrency < 0 {
		return fmt.Errorf("orchestrator limits must not be negative")
	}

	names := make(map[string]bool, len(c.MCP))
	for i, srv := range c.MCP {
		if srv.Name == "" {
			return fmt.Errorf("mcp[%d].name is required", i)
		}
		if names[srv.Name] {
			return fmt.Errorf("mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		names[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}

// validateProvider checks that the named LLM provider has its required fields.
func (c *Config) validateProvider(name, field string) error {
	switch name {
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "gemini":
		if c.Providers.Gemini.Model == "" {
			return fmt.Errorf("providers.gemini.model is required")
		}
		if c.Providers.Gemini.APIKey == "" {
			return fmt.Errorf("providers.gemini.api_key is required (set GEMINI_API_KEY env var)")
		}
	case "ollama":
		if c.Providers.Ollama.Model == "" {
			return fmt.Errorf("providers.ollama.model is required")
		}
	default:
		return fmt.Errorf("%s %q is not supported (use anthropic, openai, gemini, or ollama)", field, name)
	}
	return nil
}
