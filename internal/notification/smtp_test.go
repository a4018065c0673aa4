package notification

import (
	"context"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/stillwatch/internal/config"
)

// fakeSMTPServer speaks just enough ESMTP for net/smtp
type fakeSMTPServer struct {
	ln       net.Listener
	rejected map[string]bool

	mu       sync.Mutex
	rcpts    []string
	messages []string
	noops    int
}

func startFakeSMTP(t *testing.T, rejected ...string) *fakeSMTPServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeSMTPServer{ln: ln, rejected: map[string]bool{}}
	for _, r := range rejected {
		s.rejected[r] = true
	}
	go s.serve()
	t.Cleanup(func() { ln.Close() })
	return s
}

func (s *fakeSMTPServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeSMTPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		go s.handle(conn)
	}
}

func (s *fakeSMTPServer) handle(conn net.Conn) {
	tp := textproto.NewConn(conn)
	defer tp.Close()

	tp.PrintfLine("220 localhost ESMTP test")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		cmd := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(cmd, "EHLO"):
			tp.PrintfLine("250-localhost")
			tp.PrintfLine("250 8BITMIME")
		case strings.HasPrefix(cmd, "HELO"):
			tp.PrintfLine("250 localhost")
		case strings.HasPrefix(cmd, "MAIL FROM"):
			tp.PrintfLine("250 OK")
		case strings.HasPrefix(cmd, "RCPT TO"):
			addr := line[strings.Index(line, "<")+1 : strings.Index(line, ">")]
			if s.rejected[addr] {
				tp.PrintfLine("550 no such user")
				continue
			}
			s.mu.Lock()
			s.rcpts = append(s.rcpts, addr)
			s.mu.Unlock()
			tp.PrintfLine("250 OK")
		case cmd == "DATA":
			tp.PrintfLine("354 go ahead")
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.messages = append(s.messages, string(data))
			s.mu.Unlock()
			tp.PrintfLine("250 queued")
		case cmd == "NOOP":
			s.mu.Lock()
			s.noops++
			s.mu.Unlock()
			tp.PrintfLine("250 OK")
		case cmd == "RSET":
			tp.PrintfLine("250 OK")
		case cmd == "QUIT":
			tp.PrintfLine("221 bye")
			return
		default:
			tp.PrintfLine("502 not implemented")
		}
	}
}

func newTestSMTP(t *testing.T, port int) *SMTPTransport {
	t.Helper()
	tr, err := NewSMTPTransport(config.SMTPConfig{Server: "127.0.0.1", Port: port}, 2*time.Second, zaptest.NewLogger(t))
	require.NoError(t, err)
	return tr
}

func TestSMTPTransportSend(t *testing.T) {
	srv := startFakeSMTP(t)
	tr := newTestSMTP(t, srv.port())

	n, err := tr.Send(context.Background(), Envelope{
		From: "alerts@example.com",
		To:   []string{"a@example.com", "b@example.com"},
		Data: []byte("Subject: hi\r\n\r\nbody\r\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, srv.rcpts)
	require.Len(t, srv.messages, 1)
	assert.Contains(t, srv.messages[0], "body")
}

func TestSMTPTransportPartialRecipients(t *testing.T) {
	srv := startFakeSMTP(t, "gone@example.com")
	tr := newTestSMTP(t, srv.port())

	n, err := tr.Send(context.Background(), Envelope{
		From: "alerts@example.com",
		To:   []string{"a@example.com", "gone@example.com"},
		Data: []byte("Subject: hi\r\n\r\nbody\r\n"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSMTPTransportAllRecipientsRejected(t *testing.T) {
	srv := startFakeSMTP(t, "gone@example.com")
	tr := newTestSMTP(t, srv.port())

	n, err := tr.Send(context.Background(), Envelope{
		From: "alerts@example.com",
		To:   []string{"gone@example.com"},
		Data: []byte("Subject: hi\r\n\r\nbody\r\n"),
	})
	assert.Zero(t, n)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, 550, te.Code)
	assert.False(t, IsTransient(err))
}

func TestSMTPTransportNoop(t *testing.T) {
	srv := startFakeSMTP(t)
	tr := newTestSMTP(t, srv.port())

	require.NoError(t, tr.Noop(context.Background()))

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, 1, srv.noops)
	assert.Empty(t, srv.messages)
}

func TestSMTPTransportRefusedIsTransient(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := newTestSMTP(t, port)
	err = tr.Noop(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestNewSMTPTransportValidates(t *testing.T) {
	_, err := NewSMTPTransport(config.SMTPConfig{Port: 25}, 0, nil)
	assert.Error(t, err)

	_, err = NewSMTPTransport(config.SMTPConfig{Server: "localhost", Port: 70000}, 0, nil)
	assert.Error(t, err)

	tr, err := NewSMTPTransport(config.SMTPConfig{Server: "localhost", Port: 2525}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, "smtp://localhost:"+strconv.Itoa(2525), tr.String())
}
