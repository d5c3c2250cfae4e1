package config

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

const (
	DefaultModel         = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens     = 2048
	DefaultTemperature   = 0.3
	DefaultHost          = "0.0.0.0"
	DefaultPort          = 8002
	DefaultDrainTimeout  = "30s"
	DefaultSweepSchedule = "0 */15 * * * *"

	DefaultShortThreshold = 20
	DefaultMidThreshold   = 5
	DefaultLongThreshold  = 3
	DefaultMaxRounds      = 8
	DefaultWorkers        = 4

	DefaultKnowledgeWindow = 10
	DefaultCoreSimilarity  = 0.8

	DefaultContextMessages  = 20
	DefaultContextShortTerm = 5
	DefaultContextMidTerm   = 3

	DefaultRetryAttempts = 3
	DefaultRetryInitial  = "500ms"
	DefaultRetryMax      = "10s"

	DefaultWebSocketPath = "/ws"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "console"

	envPrefix  = "HEARTH"
	configName = "config.toml"
)

type Config struct {
	Memory     MemoryConfig     `mapstructure:"memory" toml:"memory"`
	Provider   ProviderConfig   `mapstructure:"provider" toml:"provider"`
	Summarizer SummarizerConfig `mapstructure:"summarizer" toml:"summarizer"`
	Gateway    GatewayConfig    `mapstructure:"gateway" toml:"gateway"`
	Channels   ChannelsConfig   `mapstructure:"channels" toml:"channels"`
	Log        LogConfig        `mapstructure:"log" toml:"log"`
}

type MemoryConfig struct {
	DBPath        string          `mapstructure:"db_path" toml:"db_path"`
	Thresholds    TierCounts      `mapstructure:"thresholds" toml:"thresholds"`
	BatchSizes    TierCounts      `mapstructure:"batch_sizes" toml:"batch_sizes"`
	MaxRounds     int             `mapstructure:"max_rounds" toml:"max_rounds"`
	Workers       int             `mapstructure:"workers" toml:"workers"`
	SweepSchedule string          `mapstructure:"sweep_schedule" toml:"sweep_schedule"`
	Knowledge     KnowledgeConfig `mapstructure:"knowledge" toml:"knowledge"`
	Core          CoreConfig      `mapstructure:"core" toml:"core"`
	Context       ContextConfig   `mapstructure:"context" toml:"context"`
	Retry         RetryConfig     `mapstructure:"retry" toml:"retry"`
}

// TierCounts holds one value per condensation tier.
type TierCounts struct {
	Short int `mapstructure:"short" toml:"short"`
	Mid   int `mapstructure:"mid" toml:"mid"`
	Long  int `mapstructure:"long" toml:"long"`
}

type KnowledgeConfig struct {
	Enabled bool `mapstructure:"enabled" toml:"enabled"`
	Window  int  `mapstructure:"window" toml:"window"`
}

type CoreConfig struct {
	Similarity float64 `mapstructure:"similarity" toml:"similarity"`
}

type ContextConfig struct {
	RecentMessages int      `mapstructure:"recent_messages" toml:"recent_messages"`
	ShortTerm      int      `mapstructure:"short_term" toml:"short_term"`
	MidTerm        int      `mapstructure:"mid_term" toml:"mid_term"`
	MinImportance  *float64 `mapstructure:"min_importance" toml:"min_importance,omitempty"`
}

type RetryConfig struct {
	MaxAttempts     int    `mapstructure:"max_attempts" toml:"max_attempts"`
	InitialInterval string `mapstructure:"initial_interval" toml:"initial_interval"`
	MaxInterval     string `mapstructure:"max_interval" toml:"max_interval"`
}

type ProviderConfig struct {
	Type    string `mapstructure:"type" toml:"type"` // "anthropic" (default) or "openai"
	APIKey  string `mapstructure:"api_key" toml:"api_key"`
	BaseURL string `mapstructure:"base_url" toml:"base_url"`
}

type SummarizerConfig struct {
	Model       string  `mapstructure:"model" toml:"model"`
	MaxTokens   int     `mapstructure:"max_tokens" toml:"max_tokens"`
	Temperature float64 `mapstructure:"temperature" toml:"temperature"`
	PromptsPath string  `mapstructure:"prompts_path" toml:"prompts_path"`
}

type GatewayConfig struct {
	Host         string `mapstructure:"host" toml:"host"`
	Port         int    `mapstructure:"port" toml:"port"`
	DrainTimeout string `mapstructure:"drain_timeout" toml:"drain_timeout"`
}

type ChannelsConfig struct {
	WebSocket WebSocketConfig `mapstructure:"websocket" toml:"websocket"`
	Telegram  TelegramConfig  `mapstructure:"telegram" toml:"telegram"`
}

type WebSocketConfig struct {
	Enabled   bool     `mapstructure:"enabled" toml:"enabled"`
	Path      string   `mapstructure:"path" toml:"path"`
	AllowFrom []string `mapstructure:"allow_from" toml:"allow_from"`
}

type TelegramConfig struct {
	Enabled   bool     `mapstructure:"enabled" toml:"enabled"`
	Token     string   `mapstructure:"token" toml:"token"`
	AllowFrom []string `mapstructure:"allow_from" toml:"allow_from"`
	Proxy     string   `mapstructure:"proxy" toml:"proxy"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" toml:"level"`
	Format string `mapstructure:"format" toml:"format"` // "console" or "json"
}

func DefaultConfig() *Config {
	return &Config{
		Memory: MemoryConfig{
			DBPath: filepath.Join(ConfigDir(), "memory.db"),
			Thresholds: TierCounts{
				Short: DefaultShortThreshold,
				Mid:   DefaultMidThreshold,
				Long:  DefaultLongThreshold,
			},
			BatchSizes: TierCounts{
				Short: DefaultShortThreshold,
				Mid:   DefaultMidThreshold,
				Long:  DefaultLongThreshold,
			},
			MaxRounds:     DefaultMaxRounds,
			Workers:       DefaultWorkers,
			SweepSchedule: DefaultSweepSchedule,
			Knowledge: KnowledgeConfig{
				Enabled: true,
				Window:  DefaultKnowledgeWindow,
			},
			Core: CoreConfig{Similarity: DefaultCoreSimilarity},
			Context: ContextConfig{
				RecentMessages: DefaultContextMessages,
				ShortTerm:      DefaultContextShortTerm,
				MidTerm:        DefaultContextMidTerm,
			},
			Retry: RetryConfig{
				MaxAttempts:     DefaultRetryAttempts,
				InitialInterval: DefaultRetryInitial,
				MaxInterval:     DefaultRetryMax,
			},
		},
		Summarizer: SummarizerConfig{
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
		},
		Gateway: GatewayConfig{
			Host:         DefaultHost,
			Port:         DefaultPort,
			DrainTimeout: DefaultDrainTimeout,
		},
		Channels: ChannelsConfig{
			WebSocket: WebSocketConfig{
				Enabled:   true,
				Path:      DefaultWebSocketPath,
				AllowFrom: []string{},
			},
			Telegram: TelegramConfig{AllowFrom: []string{}},
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".hearth")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), configName)
}

// LoadConfig reads the default config file location.
func LoadConfig() (*Config, error) {
	return LoadConfigFile("")
}

// LoadConfigFile layers defaults, the TOML file at path (ConfigPath when
// empty, skipped when missing) and HEARTH_* environment variables.
func LoadConfigFile(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	base, err := toml.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Optional keys are absent from the defaults layer, so bind them explicitly.
	if err := v.BindEnv("memory.context.min_importance"); err != nil {
		return nil, fmt.Errorf("bind env: %w", err)
	}
	if err := v.ReadConfig(bytes.NewReader(base)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_AUTH_TOKEN"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	fill := func(batch *int, threshold int) {
		if *batch < threshold {
			*batch = threshold
		}
	}
	fill(&c.Memory.BatchSizes.Short, c.Memory.Thresholds.Short)
	fill(&c.Memory.BatchSizes.Mid, c.Memory.Thresholds.Mid)
	fill(&c.Memory.BatchSizes.Long, c.Memory.Thresholds.Long)

	if c.Memory.MaxRounds <= 0 {
		c.Memory.MaxRounds = DefaultMaxRounds
	}
	if c.Memory.Workers <= 0 {
		c.Memory.Workers = DefaultWorkers
	}
	if c.Memory.Knowledge.Window <= 0 {
		c.Memory.Knowledge.Window = DefaultKnowledgeWindow
	}
	if c.Memory.Retry.MaxAttempts <= 0 {
		c.Memory.Retry.MaxAttempts = 1
	}
	if c.Channels.WebSocket.Path == "" {
		c.Channels.WebSocket.Path = DefaultWebSocketPath
	}
}

// Validate rejects settings the memory pipeline cannot run with.
func (c *Config) Validate() error {
	t := c.Memory.Thresholds
	if t.Short < 1 || t.Mid < 1 || t.Long < 1 {
		return fmt.Errorf("memory thresholds must be positive, got short=%d mid=%d long=%d", t.Short, t.Mid, t.Long)
	}
	if s := c.Memory.Core.Similarity; s <= 0 || s > 1 {
		return fmt.Errorf("memory.core.similarity must be in (0,1], got %v", s)
	}
	if m := c.Memory.Context.MinImportance; m != nil && (math.IsNaN(*m) || math.IsInf(*m, 0)) {
		return fmt.Errorf("memory.context.min_importance must be finite, got %v", *m)
	}
	for name, val := range map[string]string{
		"memory.retry.initial_interval": c.Memory.Retry.InitialInterval,
		"memory.retry.max_interval":     c.Memory.Retry.MaxInterval,
		"gateway.drain_timeout":         c.Gateway.DrainTimeout,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, val, err)
		}
	}
	return nil
}

// Duration parses s, returning fallback when s is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// SaveConfig writes cfg as TOML to path (ConfigPath when empty).
func SaveConfig(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0600)
}
