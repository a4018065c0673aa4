package notification

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC)
	assert.Equal(t, "alert_2024-03-09_14-05-06.jpg", AttachmentName(ts, "jpg"))
	assert.Equal(t, "alert_2024-03-09_14-05-06.png", AttachmentName(ts, ".png"))
}

func TestBuildMIMEMessageWithAttachment(t *testing.T) {
	img := bytes.Repeat([]byte{0xff, 0xd8, 0x00, 0x42}, 200)
	raw, err := BuildMIMEMessage(&Message{
		From:     "alerts@example.com",
		FromName: "Stillwatch porch",
		To:       []string{"a@example.com", "b@example.com"},
		Subject:  "No activity at the café",
		TextBody: "line one\nline two = three",
		Date:     time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC),
		AlertID:  "alert-1",
		Attachment: &Attachment{
			Filename:    "alert_2024-03-09_14-05-06.jpg",
			ContentType: "image/jpeg",
			Data:        img,
		},
	})
	require.NoError(t, err)

	msg := parseMessage(t, raw)
	assert.Equal(t, "No activity at the café", msg.subject)
	assert.Equal(t, "a@example.com, b@example.com", msg.header.Get("To"))
	assert.Equal(t, "alert-1", msg.header.Get("X-Alert-ID"))
	assert.Equal(t, "auto-generated", msg.header.Get("Auto-Submitted"))
	assert.True(t, strings.HasSuffix(msg.header.Get("Message-ID"), "@example.com>"))
	assert.Equal(t, "line one\r\nline two = three", msg.text)
	assert.Equal(t, img, msg.attachments["alert_2024-03-09_14-05-06.jpg"])

	for _, line := range strings.Split(string(raw), "\r\n") {
		assert.LessOrEqual(t, len(line), 998)
	}
}

func TestBuildMIMEMessageWithoutAttachment(t *testing.T) {
	raw, err := BuildMIMEMessage(&Message{
		From:     "alerts@example.com",
		To:       []string{"a@example.com"},
		Subject:  "plain",
		TextBody: "hello",
	})
	require.NoError(t, err)

	msg := parseMessage(t, raw)
	assert.Equal(t, "hello", msg.text)
	assert.Empty(t, msg.attachments)
	assert.Equal(t, "alerts@example.com", msg.header.Get("From"))
}

func TestBuildMIMEMessageRequiresAddresses(t *testing.T) {
	_, err := BuildMIMEMessage(&Message{From: "alerts@example.com"})
	assert.ErrorIs(t, err, ErrNoRecipients)

	_, err = BuildMIMEMessage(&Message{To: []string{"a@example.com"}})
	assert.Error(t, err)
}
