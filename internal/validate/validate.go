package validate

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/mikeyg42/stillwatch/internal/config"
)

var emailPattern = regexp.MustCompile(`^[\w.-]+@[\w.-]+\.[a-zA-Z]{2,}$`)

// Validator collects rejected values while a config is being repaired.
type Validator struct{ errors []*config.ConfigError }

func (v *Validator) reject(field string, value any, reason string) {
	v.errors = append(v.errors, &config.ConfigError{Field: field, Value: value, Reason: reason})
}

// HasErrors reports whether any value was rejected.
func (v *Validator) HasErrors() bool { return len(v.errors) > 0 }

// Errors returns every rejected value in the order it was found.
func (v *Validator) Errors() []*config.ConfigError { return v.errors }

// Error joins all rejections into one message.
func (v *Validator) Error() string {
	msgs := lo.Map(v.errors, func(e *config.ConfigError, _ int) string { return e.Error() })
	return "configuration validation failed:\n" + strings.Join(msgs, "\n")
}

// Sanitize validates cfg in place. Every invalid value is replaced by its
// default and reported; the returned config is always usable.
func Sanitize(cfg *config.Config) *Validator {
	v := &Validator{}
	def := config.NewDefaultConfig()

	sanitizeCamera(v, &cfg.Camera, def.Camera)
	sanitizeMotion(v, &cfg.Motion, def.Motion)
	sanitizeSession(v, &cfg.Session, def.Session)
	sanitizeNotification(v, &cfg.Notification, def.Notification)
	sanitizeImages(v, &cfg.Images, def.Images)

	if err := cfg.Storage.ValidateStorage(); err != nil {
		v.reject("storage", "", err.Error())
		cfg.Storage.MinIO.Enabled = cfg.Storage.MinIO.Enabled && cfg.Storage.MinIO.Endpoint != "" && cfg.Storage.MinIO.Bucket != ""
		cfg.Storage.Postgres.Enabled = cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.Host != "" && cfg.Storage.Postgres.Database != ""
	}
	return v
}

// Config is the strict form of Sanitize used by --validate.
func Config(cfg *config.Config) error {
	if v := Sanitize(cfg); v.HasErrors() {
		return v
	}
	return nil
}

func sanitizeCamera(v *Validator, c *config.CameraConfig, def config.CameraConfig) {
	if c.Width <= 0 || c.Height <= 0 {
		v.reject("camera.resolution", fmt.Sprintf("%dx%d", c.Width, c.Height), "must be positive")
		c.Width, c.Height = def.Width, def.Height
	}
	intAtLeast(v, "camera.failure_threshold", &c.FailureThreshold, 1, def.FailureThreshold)
	intAtLeast(v, "camera.max_reconnect_attempts", &c.MaxReconnectAttempts, 1, def.MaxReconnectAttempts)
	intAtLeast(v, "camera.snapshot_pool_size", &c.SnapshotPoolSize, 1, def.SnapshotPoolSize)
	durationAtLeast(v, "camera.reconnect_interval", &c.ReconnectInterval, time.Millisecond, def.ReconnectInterval)
	if c.ReconnectMaxInterval < c.ReconnectInterval {
		v.reject("camera.reconnect_max_interval", c.ReconnectMaxInterval, "must not be below reconnect_interval")
		c.ReconnectMaxInterval = max(def.ReconnectMaxInterval, c.ReconnectInterval)
	}
	durationAtLeast(v, "camera.stop_timeout", &c.StopTimeout, time.Millisecond, def.StopTimeout)
}

func sanitizeMotion(v *Validator, m *config.MotionConfig, def config.MotionConfig) {
	if m.Sensitivity <= 0 || m.Sensitivity > 1 {
		v.reject("motion.sensitivity", m.Sensitivity, "must be in (0, 1]")
		m.Sensitivity = def.Sensitivity
	}
	if m.LearningRate <= 0 || m.LearningRate > 1 {
		v.reject("motion.background_learning_rate", m.LearningRate, "must be in (0, 1]")
		m.LearningRate = def.LearningRate
	}
	intAtLeast(v, "motion.min_contour_area", &m.MinContourArea, 1, def.MinContourArea)
	intAtLeast(v, "motion.learning_frames", &m.LearningFrames, 0, def.LearningFrames)
	if m.SensitivityScale < 1 {
		v.reject("motion.sensitivity_scale", m.SensitivityScale, "must be at least 1")
		m.SensitivityScale = def.SensitivityScale
	}
	if m.BlurSize < 1 || m.BlurSize%2 == 0 {
		v.reject("motion.blur_size", m.BlurSize, "must be a positive odd number")
		m.BlurSize = def.BlurSize
	}
	if m.DiffThreshold < 1 || m.DiffThreshold > 254 {
		v.reject("motion.diff_threshold", m.DiffThreshold, "must be in [1, 254]")
		m.DiffThreshold = def.DiffThreshold
	}
	if err := m.Region.Validate(); err != nil {
		v.reject("motion.region_of_interest", m.Region, err.Error())
		m.Region.Enabled = false
	}
}

func sanitizeSession(v *Validator, s *config.SessionConfig, def config.SessionConfig) {
	durationAtLeast(v, "session.alert_delay", &s.AlertDelay, time.Minute, def.AlertDelay)
	durationAtLeast(v, "session.session_timeout", &s.SessionTimeout, time.Minute, def.SessionTimeout)
	if s.InactivityTimeout < s.AlertDelay {
		v.reject("session.inactivity_timeout", s.InactivityTimeout, "must not be below alert_delay")
		s.InactivityTimeout = max(def.InactivityTimeout, s.AlertDelay)
	}
	intAtLeast(v, "session.max_alerts_per_session", &s.MaxAlertsPerSession, 1, def.MaxAlertsPerSession)
	durationAtLeast(v, "session.alert_check_interval", &s.AlertCheckInterval, 0, def.AlertCheckInterval)
	durationAtLeast(v, "session.tick_interval", &s.TickInterval, 10*time.Millisecond, def.TickInterval)
	intAtLeast(v, "session.history_size", &s.HistorySize, 1, def.HistorySize)
	if s.RecentWindow < 0 || s.RecentWindow > s.HistorySize {
		v.reject("session.recent_window", s.RecentWindow, "must be between 0 and history_size")
		s.RecentWindow = min(def.RecentWindow, s.HistorySize)
	}
}

func sanitizeNotification(v *Validator, n *config.NotificationConfig, def config.NotificationConfig) {
	switch n.Transport {
	case "smtp", "gmail":
	default:
		v.reject("notification.transport", n.Transport, "must be smtp or gmail")
		n.Transport = def.Transport
	}
	if !IsValidEmail(n.Sender) {
		v.reject("notification.sender", n.Sender, "invalid address")
		n.Sender = def.Sender
	}

	for _, r := range lo.Reject(n.Recipients, func(r string, _ int) bool { return IsValidEmail(r) }) {
		v.reject("notification.recipients", r, "invalid address dropped")
	}
	n.Recipients = lo.Uniq(lo.Filter(lo.Map(n.Recipients, func(r string, _ int) string {
		return strings.TrimSpace(r)
	}), func(r string, _ int) bool { return IsValidEmail(r) }))

	durationAtLeast(v, "notification.cooldown", &n.Cooldown, time.Minute, def.Cooldown)
	intAtLeast(v, "notification.max_retries", &n.MaxRetries, 1, def.MaxRetries)
	durationAtLeast(v, "notification.retry_delay", &n.RetryDelay, time.Millisecond, def.RetryDelay)
	durationAtLeast(v, "notification.send_timeout", &n.SendTimeout, time.Second, def.SendTimeout)

	if n.Transport == "smtp" {
		if n.SMTP.Port < 1 || n.SMTP.Port > 65535 {
			v.reject("notification.smtp.port", n.SMTP.Port, "must be in [1, 65535]")
			n.SMTP.Port = def.SMTP.Port
		}
		if strings.TrimSpace(n.SMTP.Server) == "" {
			v.reject("notification.smtp.server", n.SMTP.Server, "must not be empty")
			n.SMTP.Server = def.SMTP.Server
		}
	}
	if n.Transport == "gmail" && (n.Gmail.ClientID == "" || n.Gmail.ClientSecret == "") {
		v.reject("notification.gmail", "", "client_id and client_secret are required")
	}
}

func sanitizeImages(v *Validator, im *config.ImageConfig, def config.ImageConfig) {
	im.Format = strings.ToLower(strings.TrimPrefix(im.Format, "."))
	if im.Format == "jpeg" {
		im.Format = "jpg"
	}
	if im.Format != "jpg" && im.Format != "png" {
		v.reject("images.format", im.Format, "must be jpg or png")
		im.Format = def.Format
	}
	if im.JPEGQuality < 1 || im.JPEGQuality > 100 {
		v.reject("images.jpeg_quality", im.JPEGQuality, "must be in [1, 100]")
		im.JPEGQuality = def.JPEGQuality
	}
	if im.PNGCompression < 0 || im.PNGCompression > 9 {
		v.reject("images.png_compression", im.PNGCompression, "must be in [0, 9]")
		im.PNGCompression = def.PNGCompression
	}
	intAtLeast(v, "images.max_stored_images", &im.MaxStored, 1, def.MaxStored)
	if im.SaveAlerts && strings.TrimSpace(im.SavePath) == "" {
		v.reject("images.save_path", im.SavePath, "required when save_alert_images is set")
		im.SavePath = def.SavePath
	}
}

// IsValidEmail accepts plain addresses of the form local@domain.tld.
func IsValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return false
	}
	_, err := mail.ParseAddress(email)
	return err == nil
}

func intAtLeast(v *Validator, field string, val *int, minimum, fallback int) {
	if *val < minimum {
		v.reject(field, *val, fmt.Sprintf("must be at least %d", minimum))
		*val = fallback
	}
}

func durationAtLeast(v *Validator, field string, val *time.Duration, minimum, fallback time.Duration) {
	if *val < minimum {
		v.reject(field, *val, fmt.Sprintf("must be at least %s", minimum))
		*val = fallback
	}
}
