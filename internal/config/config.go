// Package config loads server settings from defaults, an optional config
// file, a .env file and RAPAT_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/satriahrh/rapat/domain/repositories"
)

const envPrefix = "RAPAT"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	STT        STTConfig        `mapstructure:"stt"`
	Session    SessionConfig    `mapstructure:"session"`
	Arbiter    ArbiterConfig    `mapstructure:"arbiter"`
	Hub        HubConfig        `mapstructure:"hub"`
	Transcript TranscriptConfig `mapstructure:"transcript"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Gemini     GeminiConfig     `mapstructure:"gemini"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type STTConfig struct {
	Provider    string         `mapstructure:"provider"`
	Language    string         `mapstructure:"language"`
	SampleRate  int            `mapstructure:"sample_rate"`
	Encoding    string         `mapstructure:"encoding"`
	StreamLimit time.Duration  `mapstructure:"stream_limit"`
	Deepgram    DeepgramConfig `mapstructure:"deepgram"`
}

type DeepgramConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type SessionConfig struct {
	BufferChunks    int           `mapstructure:"buffer_chunks"`
	CarryoverWindow time.Duration `mapstructure:"carryover_window"`
	RestartBackoff  time.Duration `mapstructure:"restart_backoff"`
}

type ArbiterConfig struct {
	// GracePeriod is how long the floor stays held after a final result
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type HubConfig struct {
	SendBuffer     int      `mapstructure:"send_buffer"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type TranscriptConfig struct {
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

type MongoConfig struct {
	// URI left empty keeps everything in memory
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// AudioDefaults is the audio format assumed when a client does not say
func (c STTConfig) AudioDefaults() repositories.AudioConfig {
	return repositories.AudioConfig{
		SampleRate: c.SampleRate,
		Encoding:   c.Encoding,
		Language:   c.Language,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("stt.provider", "mock")
	v.SetDefault("stt.language", "id-ID")
	v.SetDefault("stt.sample_rate", 16000)
	v.SetDefault("stt.encoding", "LINEAR16")
	v.SetDefault("stt.stream_limit", 290*time.Second)
	v.SetDefault("stt.deepgram.api_key", "")
	v.SetDefault("stt.deepgram.model", "nova-2")
	v.SetDefault("session.buffer_chunks", 256)
	v.SetDefault("session.carryover_window", 10*time.Second)
	v.SetDefault("session.restart_backoff", time.Second)
	v.SetDefault("arbiter.grace_period", 2*time.Second)
	v.SetDefault("hub.send_buffer", 256)
	v.SetDefault("hub.allowed_origins", []string{})
	v.SetDefault("transcript.checkpoint_interval", 30*time.Second)
	v.SetDefault("mongo.uri", "")
	v.SetDefault("mongo.database", "rapat")
	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", "gemini-2.0-flash")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and the environment are used.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.STT.Provider = strings.ToLower(strings.TrimSpace(c.STT.Provider))
	c.STT.Encoding = strings.ToUpper(strings.TrimSpace(c.STT.Encoding))
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)

	origins := c.Hub.AllowedOrigins[:0]
	for _, o := range c.Hub.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.Hub.AllowedOrigins = origins
}

// Validate checks that the settings are usable
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}

	switch c.STT.Provider {
	case "google", "mock":
	case "deepgram":
		if c.STT.Deepgram.APIKey == "" {
			errs = append(errs, errors.New("stt.deepgram.api_key is required for the deepgram provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("stt.provider must be google, deepgram or mock, got %q", c.STT.Provider))
	}
	if c.STT.SampleRate < 8000 || c.STT.SampleRate > 48000 {
		errs = append(errs, fmt.Errorf("stt.sample_rate out of range: %d", c.STT.SampleRate))
	}
	switch c.STT.Encoding {
	case "LINEAR16", "WAV", "MULAW":
	default:
		errs = append(errs, fmt.Errorf("stt.encoding unsupported: %q", c.STT.Encoding))
	}
	if c.STT.StreamLimit <= 0 {
		errs = append(errs, errors.New("stt.stream_limit must be positive"))
	}

	if c.Session.BufferChunks <= 0 {
		errs = append(errs, errors.New("session.buffer_chunks must be positive"))
	}
	if c.Session.CarryoverWindow <= 0 {
		errs = append(errs, errors.New("session.carryover_window must be positive"))
	}
	if c.Arbiter.GracePeriod < 0 {
		errs = append(errs, errors.New("arbiter.grace_period must not be negative"))
	}
	if c.Hub.SendBuffer <= 0 {
		errs = append(errs, errors.New("hub.send_buffer must be positive"))
	}
	if c.Transcript.CheckpointInterval <= 0 {
		errs = append(errs, errors.New("transcript.checkpoint_interval must be positive"))
	}

	return errors.Join(errs...)
}
