package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mikeyg42/stillwatch/internal/types"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "STILLWATCH_"

// Config holds all application configuration
type Config struct {
	Camera       CameraConfig       `yaml:"camera" json:"camera" envPrefix:"CAMERA_"`
	Motion       MotionConfig       `yaml:"motion" json:"motion" envPrefix:"MOTION_"`
	Session      SessionConfig      `yaml:"session" json:"session" envPrefix:"SESSION_"`
	Notification NotificationConfig `yaml:"notification" json:"notification" envPrefix:"NOTIFY_"`
	Images       ImageConfig        `yaml:"images" json:"images" envPrefix:"IMAGES_"`
	Storage      StorageConfig      `yaml:"storage" json:"storage" envPrefix:"STORAGE_"`
	API          APIConfig          `yaml:"api" json:"api" envPrefix:"API_"`
	Log          LogConfig          `yaml:"log" json:"log" envPrefix:"LOG_"`
}

// CameraConfig controls the capture device and reconnect policy
type CameraConfig struct {
	Index  int    `yaml:"index" json:"index" env:"INDEX"`
	Source string `yaml:"source" json:"source" env:"SOURCE"` // file or stream URL, overrides Index
	Width  int    `yaml:"width" json:"width" env:"WIDTH"`
	Height int    `yaml:"height" json:"height" env:"HEIGHT"`
	FPS    int    `yaml:"fps" json:"fps" env:"FPS"`

	FailureThreshold     int           `yaml:"failure_threshold" json:"failure_threshold" env:"FAILURE_THRESHOLD"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" json:"reconnect_interval" env:"RECONNECT_INTERVAL"`
	ReconnectMaxInterval time.Duration `yaml:"reconnect_max_interval" json:"reconnect_max_interval" env:"RECONNECT_MAX_INTERVAL"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" json:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`
	SnapshotPoolSize     int           `yaml:"snapshot_pool_size" json:"snapshot_pool_size" env:"SNAPSHOT_POOL_SIZE"`
	StopTimeout          time.Duration `yaml:"stop_timeout" json:"stop_timeout" env:"STOP_TIMEOUT"`
	ReadFailureBackoff   time.Duration `yaml:"read_failure_backoff" json:"read_failure_backoff" env:"READ_FAILURE_BACKOFF"`

	// Device controls applied after open, keyed by property name
	Properties map[string]float64 `yaml:"properties" json:"properties"`
}

// MotionConfig controls the change detector
type MotionConfig struct {
	Sensitivity      float64                `yaml:"sensitivity" json:"sensitivity" env:"SENSITIVITY"`
	MinContourArea   int                    `yaml:"min_contour_area" json:"min_contour_area" env:"MIN_CONTOUR_AREA"`
	LearningRate     float64                `yaml:"background_learning_rate" json:"background_learning_rate" env:"LEARNING_RATE"`
	LearningFrames   int                    `yaml:"learning_frames" json:"learning_frames" env:"LEARNING_FRAMES"`
	SensitivityScale float64                `yaml:"sensitivity_scale" json:"sensitivity_scale" env:"SENSITIVITY_SCALE"`
	BlurSize         int                    `yaml:"blur_size" json:"blur_size" env:"BLUR_SIZE"`
	DiffThreshold    int                    `yaml:"diff_threshold" json:"diff_threshold" env:"DIFF_THRESHOLD"`
	Region           types.RegionOfInterest `yaml:"region_of_interest" json:"region_of_interest" envPrefix:"ROI_"`
}

// SessionConfig controls the inactivity session state machine
type SessionConfig struct {
	AlertDelay          time.Duration `yaml:"alert_delay" json:"alert_delay" env:"ALERT_DELAY"`
	SessionTimeout      time.Duration `yaml:"session_timeout" json:"session_timeout" env:"TIMEOUT"`
	InactivityTimeout   time.Duration `yaml:"inactivity_timeout" json:"inactivity_timeout" env:"INACTIVITY_TIMEOUT"`
	MaxAlertsPerSession int           `yaml:"max_alerts_per_session" json:"max_alerts_per_session" env:"MAX_ALERTS"`
	AlertCheckInterval  time.Duration `yaml:"alert_check_interval" json:"alert_check_interval" env:"ALERT_CHECK_INTERVAL"`
	TickInterval        time.Duration `yaml:"tick_interval" json:"tick_interval" env:"TICK_INTERVAL"`
	HistorySize         int           `yaml:"history_size" json:"history_size" env:"HISTORY_SIZE"`
	RecentWindow        int           `yaml:"recent_window" json:"recent_window" env:"RECENT_WINDOW"`
	AutoStart           bool          `yaml:"auto_start" json:"auto_start" env:"AUTO_START"`
}

// NotificationConfig controls message rendering and delivery
type NotificationConfig struct {
	Transport   string        `yaml:"transport" json:"transport" env:"TRANSPORT"` // smtp, gmail
	Sender      string        `yaml:"sender" json:"sender" env:"SENDER"`
	Recipients  []string      `yaml:"recipients" json:"recipients" env:"RECIPIENTS" envSeparator:","`
	Cooldown    time.Duration `yaml:"cooldown" json:"cooldown" env:"COOLDOWN"`
	MaxRetries  int           `yaml:"max_retries" json:"max_retries" env:"MAX_RETRIES"`
	RetryDelay  time.Duration `yaml:"retry_delay" json:"retry_delay" env:"RETRY_DELAY"`
	SendTimeout time.Duration `yaml:"send_timeout" json:"send_timeout" env:"SEND_TIMEOUT"`
	WebsiteURL  string        `yaml:"website_url" json:"website_url" env:"WEBSITE_URL"`
	DeviceName  string        `yaml:"device_name" json:"device_name" env:"DEVICE_NAME"`

	SubjectTemplate string `yaml:"subject_template" json:"subject_template" env:"SUBJECT_TEMPLATE"`
	BodyTemplate    string `yaml:"body_template" json:"body_template" env:"BODY_TEMPLATE"`
	AttachSnapshot  bool   `yaml:"attach_snapshot" json:"attach_snapshot" env:"ATTACH_SNAPSHOT"`

	SMTP  SMTPConfig  `yaml:"smtp" json:"smtp" envPrefix:"SMTP_"`
	Gmail GmailConfig `yaml:"gmail" json:"gmail" envPrefix:"GMAIL_"`
}

// SMTPConfig holds plain message-submission settings
type SMTPConfig struct {
	Server   string `yaml:"server" json:"server" env:"SERVER"`
	Port     int    `yaml:"port" json:"port" env:"PORT"`
	Username string `yaml:"username" json:"username" env:"USERNAME"`
	Password string `yaml:"password" json:"-" env:"PASSWORD"`
	StartTLS bool   `yaml:"starttls" json:"starttls" env:"STARTTLS"`
	HeloName string `yaml:"helo_name" json:"helo_name" env:"HELO_NAME"`
}

// GmailConfig holds OAuth2 settings for the Gmail API transport
type GmailConfig struct {
	ClientID           string `yaml:"client_id" json:"client_id" env:"CLIENT_ID"`
	ClientSecret       string `yaml:"client_secret" json:"-" env:"CLIENT_SECRET"`
	RedirectURL        string `yaml:"redirect_url" json:"redirect_url" env:"REDIRECT_URL"`
	TokenStorePath     string `yaml:"token_store_path" json:"token_store_path" env:"TOKEN_STORE_PATH"`
	TokenEncryptionKey string `yaml:"token_encryption_key" json:"-" env:"TOKEN_ENCRYPTION_KEY"`
}

// ImageConfig controls alert image encoding and local retention
type ImageConfig struct {
	Format         string `yaml:"format" json:"format" env:"FORMAT"` // jpg, png
	JPEGQuality    int    `yaml:"jpeg_quality" json:"jpeg_quality" env:"JPEG_QUALITY"`
	PNGCompression int    `yaml:"png_compression" json:"png_compression" env:"PNG_COMPRESSION"`
	SaveAlerts     bool   `yaml:"save_alert_images" json:"save_alert_images" env:"SAVE_ALERTS"`
	SavePath       string `yaml:"save_path" json:"save_path" env:"SAVE_PATH"`
	MaxStored      int    `yaml:"max_stored_images" json:"max_stored_images" env:"MAX_STORED"`
}

// StorageConfig holds the optional remote stores
type StorageConfig struct {
	MinIO    MinIOConfig    `yaml:"minio" json:"minio" envPrefix:"MINIO_"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres" envPrefix:"POSTGRES_"`
}

// MinIOConfig configures the alert image archive bucket
type MinIOConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Endpoint        string        `yaml:"endpoint" json:"endpoint" env:"ENDPOINT"`
	AccessKeyID     string        `yaml:"access_key_id" json:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string        `yaml:"secret_access_key" json:"-" env:"SECRET_ACCESS_KEY"`
	UseSSL          bool          `yaml:"use_ssl" json:"use_ssl" env:"USE_SSL"`
	Bucket          string        `yaml:"bucket" json:"bucket" env:"BUCKET"`
	Region          string        `yaml:"region" json:"region" env:"REGION"`
	Prefix          string        `yaml:"prefix" json:"prefix" env:"PREFIX"`
	RequestTimeout  time.Duration `yaml:"request_timeout" json:"request_timeout" env:"REQUEST_TIMEOUT"`
}

// PostgresConfig configures the alert/session history database
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	Host            string        `yaml:"host" json:"host" env:"HOST"`
	Port            int           `yaml:"port" json:"port" env:"PORT"`
	Database        string        `yaml:"database" json:"database" env:"DATABASE"`
	Username        string        `yaml:"username" json:"username" env:"USERNAME"`
	Password        string        `yaml:"password" json:"-" env:"PASSWORD"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode" env:"SSL_MODE"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections" env:"MAX_CONNECTIONS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// APIConfig controls the HTTP status/control surface
type APIConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled" env:"ENABLED"`
	ListenAddr     string        `yaml:"listen_addr" json:"listen_addr" env:"LISTEN_ADDR"`
	AllowedOrigins []string      `yaml:"allowed_origins" json:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
	TestRateLimit  int           `yaml:"test_rate_limit" json:"test_rate_limit" env:"TEST_RATE_LIMIT"` // per minute
	ReadTimeout    time.Duration `yaml:"read_timeout" json:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" json:"write_timeout" env:"WRITE_TIMEOUT"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level            string   `yaml:"level" json:"level" env:"LEVEL"`
	Format           string   `yaml:"format" json:"format" env:"FORMAT"` // json, console
	OutputPaths      []string `yaml:"output_paths" json:"output_paths" env:"OUTPUT_PATHS" envSeparator:","`
	ErrorOutputPaths []string `yaml:"error_output_paths" json:"error_output_paths" env:"ERROR_OUTPUT_PATHS" envSeparator:","`
	Development      bool     `yaml:"development" json:"development" env:"DEVELOPMENT"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Camera: CameraConfig{
			Index:                0,
			Width:                640,
			Height:               480,
			FPS:                  15,
			FailureThreshold:     5,
			ReconnectInterval:    5 * time.Second,
			ReconnectMaxInterval: 60 * time.Second,
			MaxReconnectAttempts: 5,
			SnapshotPoolSize:     3,
			StopTimeout:          2 * time.Second,
			ReadFailureBackoff:   100 * time.Millisecond,
		},
		Motion: MotionConfig{
			Sensitivity:      0.5,
			MinContourArea:   500,
			LearningRate:     0.05,
			LearningFrames:   30,
			SensitivityScale: 2,
			BlurSize:         5,
			DiffThreshold:    25,
		},
		Session: SessionConfig{
			AlertDelay:          5 * time.Minute,
			SessionTimeout:      8 * time.Hour,
			InactivityTimeout:   2 * time.Hour,
			MaxAlertsPerSession: 5,
			AlertCheckInterval:  5 * time.Second,
			TickInterval:        time.Second,
			HistorySize:         10,
			RecentWindow:        3,
		},
		Notification: NotificationConfig{
			Transport:       "smtp",
			Sender:          "stillwatch@localhost.localdomain",
			Cooldown:        5 * time.Minute,
			MaxRetries:      3,
			RetryDelay:      time.Second,
			SendTimeout:     30 * time.Second,
			DeviceName:      "camera",
			SubjectTemplate: DefaultSubjectTemplate,
			BodyTemplate:    DefaultBodyTemplate,
			AttachSnapshot:  true,
			SMTP: SMTPConfig{
				Server: "localhost",
				Port:   25,
			},
			Gmail: GmailConfig{
				RedirectURL:    "http://127.0.0.1:8787/oauth2/callback",
				TokenStorePath: "./gmail_token.json",
			},
		},
		Images: ImageConfig{
			Format:         "jpg",
			JPEGQuality:    85,
			PNGCompression: 3,
			SavePath:       "alerts",
			MaxStored:      100,
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Bucket:         "stillwatch-alerts",
				Prefix:         "alerts/",
				RequestTimeout: 30 * time.Second,
			},
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "stillwatch",
				Username:        "stillwatch",
				SSLMode:         "disable",
				MaxConnections:  5,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		API: APIConfig{
			Enabled:       true,
			ListenAddr:    "127.0.0.1:8080",
			TestRateLimit: 3,
			ReadTimeout:   15 * time.Second,
			WriteTimeout:  15 * time.Second,
		},
		Log: LogConfig{
			Level:            "info",
			Format:           "json",
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		},
	}
}

// Default message templates. Both Go template syntax and {name} placeholders are accepted.
const (
	DefaultSubjectTemplate = "No activity detected on {{.camera_index}} since {{.last_motion_time}}"
	DefaultBodyTemplate    = `No activity has been observed for the configured alert delay.

Time:          {{.timestamp}}
Session:       {{.session_id}}
Last activity: {{.last_motion_time}}
Camera:        {{.camera_index}}
Sensitivity:   {{.sensitivity}}
Region active: {{.roi_enabled}}

Dashboard: {{.website_url}}
`
)

// Load reads defaults, overlays the YAML file at path (a missing file is not
// an error) and finally applies STILLWATCH_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// ConfigError reports a rejected configuration value.
type ConfigError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s=%v: %s", e.Field, e.Value, e.Reason)
}
