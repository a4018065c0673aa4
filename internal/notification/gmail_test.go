package notification

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

func TestEncryptedTokenRoundTrip(t *testing.T) {
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "token.json")

	tok := &oauth2.Token{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", Expiry: time.Unix(1700000000, 0)}
	require.NoError(t, saveEncryptedToken(path, tok, key))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(tokenFilePerms), info.Mode().Perm())

	got, err := loadEncryptedToken(path, key)
	require.NoError(t, err)
	assert.Equal(t, "access", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)
	assert.True(t, tok.Expiry.Equal(got.Expiry))
}

func TestEncryptedTokenWrongKey(t *testing.T) {
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)
	other, err := GenerateEncryptionKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "token.json")

	require.NoError(t, saveEncryptedToken(path, &oauth2.Token{AccessToken: "a"}, key))

	_, err = loadEncryptedToken(path, other)
	assert.Error(t, err)
	_, err = loadEncryptedToken(path, "not-hex")
	assert.Error(t, err)
}

func TestEncryptedTokenTampered(t *testing.T) {
	key, err := GenerateEncryptionKey()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "token.json")
	require.NoError(t, saveEncryptedToken(path, &oauth2.Token{AccessToken: "a"}, key))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, data, tokenFilePerms))

	_, err = loadEncryptedToken(path, key)
	assert.Error(t, err)
}

func TestClassifyGoogle(t *testing.T) {
	tests := []struct {
		code int
		want bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{400, false},
		{403, false},
	}
	for _, tt := range tests {
		err := classifyGoogle("gmail send", &googleapi.Error{Code: tt.code, Message: "x"})
		assert.Equal(t, tt.want, IsTransient(err), "code %d", tt.code)
	}

	assert.False(t, IsTransient(classifyGoogle("gmail send", errors.New("boom"))))
}

type blockingTokens struct{ release chan struct{} }

func (b blockingTokens) Token() (*oauth2.Token, error) {
	<-b.release
	return &oauth2.Token{AccessToken: "late"}, nil
}

func TestGmailNoopHonorsContext(t *testing.T) {
	src := blockingTokens{release: make(chan struct{})}
	defer close(src.release)
	g := &GmailTransport{tokens: src}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := g.Noop(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGmailNoopRefreshes(t *testing.T) {
	g := &GmailTransport{tokens: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "ok"})}
	assert.NoError(t, g.Noop(context.Background()))
}

func TestRefreshContextBoundsClient(t *testing.T) {
	ctx := refreshContext(context.Background(), 7*time.Second)
	client, ok := ctx.Value(oauth2.HTTPClient).(*http.Client)
	require.True(t, ok)
	assert.Equal(t, 7*time.Second, client.Timeout)
}
