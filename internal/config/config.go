package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Media     MediaConfig     `mapstructure:"media"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Scylla    ScyllaConfig    `mapstructure:"scylla"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Dialer    DialerConfig    `mapstructure:"dialer"`
	Session   SessionConfig   `mapstructure:"session"`
	Providers ProvidersConfig `mapstructure:"providers"`
	Telephony TelephonyConfig `mapstructure:"telephony"`
	Quota     QuotaConfig     `mapstructure:"quota"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// MediaConfig configures the websocket media-stream server.
type MediaConfig struct {
	Port            int           `mapstructure:"port"`
	Path            string        `mapstructure:"path"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	DialTopic       string        `mapstructure:"dial_topic"`
	StatusTopic     string        `mapstructure:"status_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DialerConfig tunes the campaign pacing scheduler.
type DialerConfig struct {
	OffWindowBackoff time.Duration `mapstructure:"off_window_backoff"`
	EmptyPollBackoff time.Duration `mapstructure:"empty_poll_backoff"`
	CallbackBaseURL  string        `mapstructure:"callback_base_url"`
	// StreamURL is the public wss endpoint of the media server, handed to
	// the telephony provider when placing calls.
	StreamURL string `mapstructure:"stream_url"`
}

// SessionConfig tunes the per-call voice orchestrator.
type SessionConfig struct {
	StageTimeout    time.Duration `mapstructure:"stage_timeout"`
	UtterancePause  time.Duration `mapstructure:"utterance_pause"`
	EventBuffer     int           `mapstructure:"event_buffer"`
	LatencyCapacity int           `mapstructure:"latency_capacity"`
}

// ProvidersConfig holds credentials and endpoints for the speech stack.
type ProvidersConfig struct {
	ASR ASRConfig `mapstructure:"asr"`
	LLM LLMConfig `mapstructure:"llm"`
	TTS TTSConfig `mapstructure:"tts"`
}

type ASRConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Model      string        `mapstructure:"model"`
	UtteranceEndMs int       `mapstructure:"utterance_end_ms"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type LLMConfig struct {
	URL         string        `mapstructure:"url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type TTSConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TelephonyConfig selects and tunes the call-initiation provider.
type TelephonyConfig struct {
	ProviderName   string        `mapstructure:"provider_name"`
	AccountSID     string        `mapstructure:"account_sid"`
	AuthToken      string        `mapstructure:"auth_token"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// RingTimeoutSeconds caps how long an outbound call rings before the
	// provider reports no-answer.
	RingTimeoutSeconds int `mapstructure:"ring_timeout_seconds"`
}

// QuotaConfig caps account-level usage.
type QuotaConfig struct {
	AccountCallLimit int64         `mapstructure:"account_call_limit"`
	CounterTTL       time.Duration `mapstructure:"counter_ttl"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("VOICEAGENT")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
