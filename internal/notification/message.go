package notification

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
)

const base64LineLength = 76

// Message is one outgoing alert or test message
type Message struct {
	From     string
	FromName string
	To       []string
	Subject  string
	TextBody string
	Date     time.Time

	// Message-ID is generated when empty
	MessageID string
	AlertID   string
	System    string

	Attachment *Attachment
}

// Attachment is a single inline-safe file part
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// AttachmentName returns alert_YYYY-MM-DD_HH-MM-SS.<ext> for t
func AttachmentName(t time.Time, ext string) string {
	return fmt.Sprintf("alert_%s.%s", t.Format("2006-01-02_15-04-05"), strings.TrimPrefix(ext, "."))
}

// DisplayAddress formats name <address>, Q-encoding the name when needed
func DisplayAddress(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", name), address)
}

// BuildMIMEMessage renders m as a multipart/mixed message with a
// quoted-printable text part and an optional base64 attachment.
func BuildMIMEMessage(m *Message) ([]byte, error) {
	if m.From == "" {
		return nil, fmt.Errorf("message has no sender")
	}
	if len(m.To) == 0 {
		return nil, ErrNoRecipients
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	if err := writeTextPart(mw, m.TextBody); err != nil {
		return nil, fmt.Errorf("failed to write text part: %w", err)
	}
	if m.Attachment != nil && len(m.Attachment.Data) > 0 {
		if err := writeAttachmentPart(mw, m.Attachment); err != nil {
			return nil, fmt.Errorf("failed to write attachment: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart body: %w", err)
	}

	var buf bytes.Buffer
	writeHeaders(&buf, m, mw.Boundary())
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

type header struct {
	key   string
	value string
}

func writeHeaders(buf *bytes.Buffer, m *Message, boundary string) {
	date := m.Date
	if date.IsZero() {
		date = time.Now()
	}
	msgID := m.MessageID
	if msgID == "" {
		msgID = generateMessageID(m.From)
	}

	headers := []header{
		{"From", DisplayAddress(m.FromName, m.From)},
		{"To", strings.Join(m.To, ", ")},
		{"Subject", mime.QEncoding.Encode("utf-8", m.Subject)},
		{"Date", date.Format(time.RFC1123Z)},
		{"Message-ID", fmt.Sprintf("<%s>", msgID)},
		{"MIME-Version", "1.0"},
		{"Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", boundary)},
		{"Auto-Submitted", "auto-generated"},
		{"X-Auto-Response-Suppress", "All"},
	}
	if m.System != "" {
		headers = append(headers, header{"X-Stillwatch-Device", mime.QEncoding.Encode("utf-8", m.System)})
	}
	if m.AlertID != "" {
		headers = append(headers, header{"X-Alert-ID", m.AlertID})
	}

	for _, h := range headers {
		fmt.Fprintf(buf, "%s: %s\r\n", h.key, h.value)
	}
	buf.WriteString("\r\n")
}

func writeTextPart(mw *multipart.Writer, text string) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	qp := quotedprintable.NewWriter(pw)
	if _, err := qp.Write([]byte(normalizeNewlines(text))); err != nil {
		return err
	}
	return qp.Close()
}

func writeAttachmentPart(mw *multipart.Writer, a *Attachment) error {
	ct := a.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Type", mime.FormatMediaType(ct, map[string]string{"name": a.Filename}))
	h.Set("Content-Transfer-Encoding", "base64")
	h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename}))
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(a.Data)
	for len(encoded) > base64LineLength {
		if _, err := fmt.Fprintf(pw, "%s\r\n", encoded[:base64LineLength]); err != nil {
			return err
		}
		encoded = encoded[base64LineLength:]
	}
	_, err = fmt.Fprintf(pw, "%s\r\n", encoded)
	return err
}

// normalizeNewlines converts bare LF to CRLF
func normalizeNewlines(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

func generateMessageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("%s@%s", uuid.NewString(), domain)
}
