package notification

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Placeholder keys available to subject and body templates
const (
	KeyTimestamp      = "timestamp"
	KeySessionID      = "session_id"
	KeyLastMotionTime = "last_motion_time"
	KeyCameraIndex    = "camera_index"
	KeySensitivity    = "sensitivity"
	KeyROIEnabled     = "roi_enabled"
	KeyWebsiteURL     = "website_url"
	KeyAlertID        = "alert_id"
	KeyDeviceName     = "device_name"

	unknownValue = "unknown"

	TimestampLayout  = "2006-01-02 15:04:05"
	LastMotionLayout = "15:04:05"
)

var templateKeys = []string{
	KeyTimestamp, KeySessionID, KeyLastMotionTime, KeyCameraIndex,
	KeySensitivity, KeyROIEnabled, KeyWebsiteURL, KeyAlertID, KeyDeviceName,
}

// legacyPlaceholder matches {name} style placeholders
var legacyPlaceholder = regexp.MustCompile(`\{([a-z_]+)\}`)

// AlertContext describes the live monitoring settings an alert reports
type AlertContext struct {
	CameraIndex string
	Sensitivity float64
	ROIEnabled  bool
}

// TemplateData is the placeholder set for one message. Every key is present.
type TemplateData map[string]string

// NewTemplateData fills every placeholder, using "unknown" for absent values
func NewTemplateData(now time.Time, sessionID string, lastActivity time.Time, actx AlertContext, websiteURL, deviceName, alertID string) TemplateData {
	data := make(TemplateData, len(templateKeys))
	for _, k := range templateKeys {
		data[k] = unknownValue
	}

	data[KeyTimestamp] = now.Format(TimestampLayout)
	data[KeySensitivity] = strconv.FormatFloat(actx.Sensitivity, 'f', 2, 64)
	data[KeyROIEnabled] = strconv.FormatBool(actx.ROIEnabled)
	if !lastActivity.IsZero() {
		data[KeyLastMotionTime] = lastActivity.Format(LastMotionLayout)
	}
	setIf(data, KeySessionID, sessionID)
	setIf(data, KeyCameraIndex, actx.CameraIndex)
	setIf(data, KeyWebsiteURL, websiteURL)
	setIf(data, KeyDeviceName, deviceName)
	setIf(data, KeyAlertID, alertID)
	return data
}

func setIf(data TemplateData, key, value string) {
	if value != "" {
		data[key] = value
	}
}

// Renderer renders the subject and body templates, falling back to a fixed
// plain message when a template is malformed or references an unknown key.
type Renderer struct {
	subject    *template.Template
	body       *template.Template
	subjectErr error
	bodyErr    error
}

// NewRenderer parses both templates. Parse failures are kept and reported by
// Err; Render then uses the fixed message for the broken template.
func NewRenderer(subjectTemplate, bodyTemplate string) *Renderer {
	r := &Renderer{}
	r.subject, r.subjectErr = parseTemplate("subject", subjectTemplate)
	r.body, r.bodyErr = parseTemplate("body", bodyTemplate)
	return r
}

// Err returns the first template parse error, if any
func (r *Renderer) Err() error {
	if r.subjectErr != nil {
		return fmt.Errorf("subject template: %w", r.subjectErr)
	}
	if r.bodyErr != nil {
		return fmt.Errorf("body template: %w", r.bodyErr)
	}
	return nil
}

// Render returns subject and body for data. fallback reports whether either
// part used the fixed message.
func (r *Renderer) Render(data TemplateData) (subject, body string, fallback bool) {
	subject, err := execute(r.subject, data)
	if err != nil {
		subject = FallbackSubject(data)
		fallback = true
	}
	body, err = execute(r.body, data)
	if err != nil {
		body = FallbackBody(data)
		fallback = true
	}
	return strings.TrimSpace(subject), body, fallback
}

// FallbackSubject is used when the subject template cannot be rendered
func FallbackSubject(data TemplateData) string {
	return "Inactivity alert - " + data[KeyTimestamp]
}

// FallbackBody is used when the body template cannot be rendered
func FallbackBody(data TemplateData) string {
	return fmt.Sprintf("No activity detected.\r\n\r\nTime: %s\r\nSession: %s\r\nLast activity: %s\r\n",
		data[KeyTimestamp], data[KeySessionID], data[KeyLastMotionTime])
}

func parseTemplate(name, text string) (*template.Template, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty template")
	}
	text = legacyPlaceholder.ReplaceAllString(text, "{{.$1}}")
	return template.New(name).Option("missingkey=error").Parse(text)
}

func execute(t *template.Template, data TemplateData) (string, error) {
	if t == nil {
		return "", fmt.Errorf("template unavailable")
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]string(data)); err != nil {
		return "", err
	}
	return buf.String(), nil
}
