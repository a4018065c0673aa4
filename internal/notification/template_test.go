package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/stillwatch/internal/config"
)

func sampleData() TemplateData {
	now := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	last := time.Date(2024, 3, 9, 13, 59, 1, 0, time.UTC)
	return NewTemplateData(now, "s1", last, AlertContext{CameraIndex: "0", Sensitivity: 0.5, ROIEnabled: true}, "http://cam.local", "porch", "a-1")
}

func TestNewTemplateDataFormats(t *testing.T) {
	data := sampleData()

	assert.Equal(t, "2024-03-09 14:05:06", data[KeyTimestamp])
	assert.Equal(t, "13:59:01", data[KeyLastMotionTime])
	assert.Equal(t, "s1", data[KeySessionID])
	assert.Equal(t, "0", data[KeyCameraIndex])
	assert.Equal(t, "0.50", data[KeySensitivity])
	assert.Equal(t, "true", data[KeyROIEnabled])
	assert.Equal(t, "http://cam.local", data[KeyWebsiteURL])
}

func TestNewTemplateDataMissingValuesAreUnknown(t *testing.T) {
	data := NewTemplateData(time.Now(), "", time.Time{}, AlertContext{}, "", "", "")

	for _, key := range []string{KeySessionID, KeyLastMotionTime, KeyCameraIndex, KeyWebsiteURL, KeyDeviceName, KeyAlertID} {
		assert.Equal(t, "unknown", data[key], key)
	}
}

func TestRenderDefaultTemplates(t *testing.T) {
	r := NewRenderer(config.DefaultSubjectTemplate, config.DefaultBodyTemplate)
	require.NoError(t, r.Err())

	subject, body, fallback := r.Render(sampleData())
	assert.False(t, fallback)
	assert.Equal(t, "No activity detected on 0 since 13:59:01", subject)
	assert.Contains(t, body, "Session:       s1")
	assert.Contains(t, body, "Dashboard: http://cam.local")
}

func TestRenderSubsetOfPlaceholders(t *testing.T) {
	r := NewRenderer("{{.session_id}}", "at {{.timestamp}}")

	subject, body, fallback := r.Render(sampleData())
	assert.False(t, fallback)
	assert.Equal(t, "s1", subject)
	assert.Equal(t, "at 2024-03-09 14:05:06", body)
}

func TestRenderLegacyBracePlaceholders(t *testing.T) {
	r := NewRenderer("Alert {session_id}", "Last motion {last_motion_time} on {camera_index}")
	require.NoError(t, r.Err())

	subject, body, fallback := r.Render(sampleData())
	assert.False(t, fallback)
	assert.Equal(t, "Alert s1", subject)
	assert.Equal(t, "Last motion 13:59:01 on 0", body)
}

func TestRenderFallsBackOnUnknownKey(t *testing.T) {
	r := NewRenderer("{{.session_id}}", "{{.no_such_key}}")
	data := sampleData()

	subject, body, fallback := r.Render(data)
	assert.True(t, fallback)
	assert.Equal(t, "s1", subject)
	assert.Equal(t, FallbackBody(data), body)
	assert.Contains(t, body, "Session: s1")
}

func TestRenderFallsBackOnParseError(t *testing.T) {
	r := NewRenderer("{{.session_id", "")
	assert.Error(t, r.Err())

	data := sampleData()
	subject, body, fallback := r.Render(data)
	assert.True(t, fallback)
	assert.Equal(t, FallbackSubject(data), subject)
	assert.Equal(t, FallbackBody(data), body)
}
