package notification

import (
	"context"
	"encoding/base64"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mikeyg42/stillwatch/internal/types"
)

type fakeTransport struct {
	mu      sync.Mutex
	sends   int
	noops   int
	envs    []Envelope
	sendFn  func(n int, env Envelope) (int, error)
	noopErr error
}

func (f *fakeTransport) Send(_ context.Context, env Envelope) (int, error) {
	f.mu.Lock()
	f.sends++
	n := f.sends
	f.envs = append(f.envs, env)
	fn := f.sendFn
	f.mu.Unlock()

	if fn != nil {
		return fn(n, env)
	}
	return len(env.To), nil
}

func (f *fakeTransport) Noop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noops++
	return f.noopErr
}

func (f *fakeTransport) String() string { return "fake" }

func (f *fakeTransport) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends
}

func (f *fakeTransport) lastEnvelope() Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.envs[len(f.envs)-1]
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 2, 3, 4, 5, 0, time.Local)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeEncoder struct{}

func (fakeEncoder) Encode(f types.Frame) ([]byte, error) { return []byte("jpeg-bytes"), nil }
func (fakeEncoder) Extension() string                     { return "jpg" }
func (fakeEncoder) ContentType() string                   { return "image/jpeg" }

type savedImage struct {
	name        string
	contentType string
	data        []byte
}

type fakeStore struct {
	mu    sync.Mutex
	saved []savedImage
}

func (s *fakeStore) Save(_ context.Context, name string, data []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, savedImage{name: name, contentType: contentType, data: data})
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []DeliveryRecord
}

func (r *fakeRecorder) RecordDelivery(_ context.Context, rec DeliveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

type parsedMessage struct {
	header      mail.Header
	subject     string
	text        string
	attachments map[string][]byte
}

func parseMessage(t *testing.T, raw []byte) parsedMessage {
	t.Helper()

	msg, err := mail.ReadMessage(strings.NewReader(string(raw)))
	require.NoError(t, err)

	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/mixed", mediaType)

	out := parsedMessage{header: msg.Header, subject: subject, attachments: map[string][]byte{}}
	mr := multipart.NewReader(msg.Body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		var body io.Reader = part
		if strings.EqualFold(part.Header.Get("Content-Transfer-Encoding"), "base64") {
			body = base64.NewDecoder(base64.StdEncoding, part)
		}
		data, err := io.ReadAll(body)
		require.NoError(t, err)
		if name := part.FileName(); name != "" {
			out.attachments[name] = data
			continue
		}
		out.text = string(data)
	}
	return out
}
