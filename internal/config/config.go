package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the conversation core.
type Config struct {
	AppName                string
	AppEnv                 string
	MetricsPort            string
	InboxBaseURL           string
	RealtimeURL            string
	AuthToken              string
	UserID                 string
	UserName               string
	UserRole               string
	RedisURL               string
	NatsURL                string
	NatsSubjectBase        string
	CloudinaryCloudName    string
	CloudinaryAPIKey       string
	CloudinaryAPISecret    string
	CloudinaryUploadFolder string
	TypingDebounce         time.Duration
	IndicatorLinger        time.Duration
	RecordingTick          time.Duration
	AttachmentCap          int
	UploadWaitTimeout      time.Duration
	ProbeTimeout           time.Duration
	SnapshotCacheTTL       time.Duration
}

// MetricsAddress returns the address the metrics server should listen on.
func (c Config) MetricsAddress() string {
	if strings.HasPrefix(c.MetricsPort, ":") {
		return c.MetricsPort
	}

	return fmt.Sprintf(":%s", c.MetricsPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CONVO")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "Convo Core")
	v.SetDefault("app.env", "development")
	v.SetDefault("metrics.port", "9091")
	v.SetDefault("typing.debounce_ms", 400)
	v.SetDefault("indicator.linger_ms", 500)
	v.SetDefault("recording.tick_ms", 1000)
	v.SetDefault("attachment.cap", 5)
	v.SetDefault("upload.wait_timeout", "10s")
	v.SetDefault("probe.timeout", "3s")
	v.SetDefault("snapshot.cache_ttl", "30m")
	v.SetDefault("cloudinary.folder", "convo/attachments")
	v.SetDefault("user.role", "buyer")

	wait, err := time.ParseDuration(v.GetString("upload.wait_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid upload wait timeout: %w", err)
	}

	probe, err := time.ParseDuration(v.GetString("probe.timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid probe timeout: %w", err)
	}

	ttl, err := time.ParseDuration(v.GetString("snapshot.cache_ttl"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid snapshot cache ttl: %w", err)
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		MetricsPort:            v.GetString("metrics.port"),
		InboxBaseURL:           v.GetString("inbox.base_url"),
		RealtimeURL:            v.GetString("realtime.url"),
		AuthToken:              v.GetString("auth.token"),
		UserID:                 v.GetString("user.id"),
		UserName:               v.GetString("user.name"),
		UserRole:               strings.ToLower(v.GetString("user.role")),
		RedisURL:               v.GetString("redis.url"),
		NatsURL:                v.GetString("nats.url"),
		NatsSubjectBase:        v.GetString("nats.subject_base"),
		CloudinaryCloudName:    v.GetString("cloudinary.cloud_name"),
		CloudinaryAPIKey:       v.GetString("cloudinary.api_key"),
		CloudinaryAPISecret:    v.GetString("cloudinary.api_secret"),
		CloudinaryUploadFolder: v.GetString("cloudinary.folder"),
		TypingDebounce:         time.Duration(v.GetInt("typing.debounce_ms")) * time.Millisecond,
		IndicatorLinger:        time.Duration(v.GetInt("indicator.linger_ms")) * time.Millisecond,
		RecordingTick:          time.Duration(v.GetInt("recording.tick_ms")) * time.Millisecond,
		AttachmentCap:          v.GetInt("attachment.cap"),
		UploadWaitTimeout:      wait,
		ProbeTimeout:           probe,
		SnapshotCacheTTL:       ttl,
	}

	if cfg.InboxBaseURL == "" || cfg.RealtimeURL == "" {
		return Config{}, fmt.Errorf("inbox base url and realtime url must be provided")
	}

	if cfg.UserID == "" {
		return Config{}, fmt.Errorf("user id must be provided")
	}

	if cfg.AttachmentCap <= 0 {
		cfg.AttachmentCap = 5
	}

	return cfg, nil
}
