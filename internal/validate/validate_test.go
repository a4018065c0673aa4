package validate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/stillwatch/internal/config"
)

func TestSanitizeDefaultsAreValid(t *testing.T) {
	cfg := config.NewDefaultConfig()
	v := Sanitize(cfg)
	assert.False(t, v.HasErrors(), "%v", v.Errors())
	assert.NoError(t, Config(config.NewDefaultConfig()))
}

func TestSanitizeFallsBackToDefaults(t *testing.T) {
	def := config.NewDefaultConfig()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		check  func(*testing.T, *config.Config)
	}{
		{
			name:   "sensitivity above range",
			mutate: func(c *config.Config) { c.Motion.Sensitivity = 1.5 },
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, def.Motion.Sensitivity, c.Motion.Sensitivity)
			},
		},
		{
			name:   "zero sensitivity",
			mutate: func(c *config.Config) { c.Motion.Sensitivity = 0 },
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, def.Motion.Sensitivity, c.Motion.Sensitivity)
			},
		},
		{
			name: "malformed region disabled",
			mutate: func(c *config.Config) {
				c.Motion.Region.Enabled = true
				c.Motion.Region.Width = -5
			},
			check: func(t *testing.T, c *config.Config) {
				assert.False(t, c.Motion.Region.Enabled)
			},
		},
		{
			name:   "alert delay below one minute",
			mutate: func(c *config.Config) { c.Session.AlertDelay = 10 * time.Second },
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, def.Session.AlertDelay, c.Session.AlertDelay)
			},
		},
		{
			name:   "cooldown below one minute",
			mutate: func(c *config.Config) { c.Notification.Cooldown = 30 * time.Second },
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, def.Notification.Cooldown, c.Notification.Cooldown)
			},
		},
		{
			name:   "image quality out of range",
			mutate: func(c *config.Config) { c.Images.JPEGQuality = 101 },
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, def.Images.JPEGQuality, c.Images.JPEGQuality)
			},
		},
		{
			name:   "bad smtp port",
			mutate: func(c *config.Config) { c.Notification.SMTP.Port = 70000 },
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, def.Notification.SMTP.Port, c.Notification.SMTP.Port)
			},
		},
		{
			name:   "jpeg alias normalised",
			mutate: func(c *config.Config) { c.Images.Format = ".JPEG" },
			check: func(t *testing.T, c *config.Config) {
				assert.Equal(t, "jpg", c.Images.Format)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tt.mutate(cfg)
			v := Sanitize(cfg)
			tt.check(t, cfg)
			if tt.name != "jpeg alias normalised" {
				require.True(t, v.HasErrors())
			}
		})
	}
}

func TestSanitizeRecipients(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.Notification.Recipients = []string{"ops@example.com", "not-an-address", " ops@example.com", "night.shift@example.org"}

	v := Sanitize(cfg)

	assert.Equal(t, []string{"ops@example.com", "night.shift@example.org"}, cfg.Notification.Recipients)
	require.Len(t, v.Errors(), 1)
	assert.Equal(t, "notification.recipients", v.Errors()[0].Field)
	assert.Error(t, Config(&config.Config{}))
}

func TestIsValidEmail(t *testing.T) {
	tests := map[string]bool{
		"user@example.com":      true,
		"first.last@sub.dom.io": true,
		"user@localhost":        false,
		"@example.com":          false,
		"user@example.c":        false,
		"":                      false,
	}
	for addr, want := range tests {
		assert.Equal(t, want, IsValidEmail(addr), addr)
	}
}
