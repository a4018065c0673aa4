package notification

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/mikeyg42/stillwatch/internal/config"
)

// Token file permissions (owner read/write only)
const tokenFilePerms = 0600

// GmailTransport sends messages through the Gmail API using a stored OAuth2 token
type GmailTransport struct {
	svc    *gmail.Service
	tokens oauth2.TokenSource
	logger *zap.Logger
}

// NewGmailTransport loads the encrypted token written by AuthorizeGmail and
// builds an auto-refreshing API client.
func NewGmailTransport(ctx context.Context, cfg config.GmailConfig, timeout time.Duration, logger *zap.Logger) (*GmailTransport, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, &config.ConfigError{Field: "notification.gmail.client_id", Value: cfg.ClientID, Reason: "client id and secret are required"}
	}
	if cfg.TokenEncryptionKey == "" {
		return nil, &config.ConfigError{Field: "notification.gmail.token_encryption_key", Reason: "must not be empty"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = defaultSMTPTimeout
	}

	token, err := loadEncryptedToken(cfg.TokenStorePath, cfg.TokenEncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("gmail token unavailable (run with --gmail-auth first): %w", err)
	}
	if token.AccessToken == "" && token.RefreshToken == "" {
		return nil, fmt.Errorf("invalid token: missing access and refresh tokens")
	}

	oauthCfg := gmailOAuthConfig(cfg)
	tokens := oauthCfg.TokenSource(refreshContext(ctx, timeout), token)
	httpClient := oauth2.NewClient(ctx, tokens)
	httpClient.Timeout = timeout

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to init Gmail service: %w", err)
	}

	return &GmailTransport{svc: svc, tokens: tokens, logger: logger}, nil
}

func (g *GmailTransport) String() string { return "gmail-api" }

// Send submits the raw message. Gmail addresses every header recipient at once.
func (g *GmailTransport) Send(ctx context.Context, env Envelope) (int, error) {
	if len(env.To) == 0 {
		return 0, ErrNoRecipients
	}

	// Gmail API expects base64url without padding
	encoded := base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(env.Data)
	msg, err := g.svc.Users.Messages.Send("me", &gmail.Message{Raw: encoded}).Context(ctx).Do()
	if err != nil {
		return 0, classifyGoogle("gmail send", err)
	}

	g.logger.Debug("Gmail send accepted", zap.String("id", msg.Id), zap.Int("recipients", len(env.To)))
	return len(env.To), nil
}

// refreshContext carries the HTTP client oauth2 uses for token refreshes,
// so a refresh never outlives timeout.
func refreshContext(ctx context.Context, timeout time.Duration) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, &http.Client{Timeout: timeout})
}

// Noop refreshes the OAuth token if needed, proving the credentials still work.
// On ctx expiry the refresh goroutine is abandoned; it ends within the
// refresh client's timeout.
func (g *GmailTransport) Noop(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := g.tokens.Token()
		done <- err
	}()

	select {
	case <-ctx.Done():
		return classify("token refresh", ctx.Err())
	case err := <-done:
		if err != nil {
			return classify("token refresh", err)
		}
		return nil
	}
}

func gmailOAuthConfig(cfg config.GmailConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       []string{gmail.GmailSendScope}, // send-only
	}
}

func classifyGoogle(op string, err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		temporary := gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500
		return &TransportError{Op: op, Code: gerr.Code, Temporary: temporary, Err: err}
	}
	return classify(op, err)
}

// --- Token Storage with Encryption ---

type tokenData struct {
	Token     *oauth2.Token `json:"token"`
	CreatedAt time.Time     `json:"created_at"`
	Checksum  string        `json:"checksum"`
}

func loadEncryptedToken(path, key string) (*oauth2.Token, error) {
	encrypted, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read token file: %w", err)
	}

	decrypted, err := decrypt(encrypted, key)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt token: %w", err)
	}

	var data tokenData
	if err := json.Unmarshal(decrypted, &data); err != nil {
		return nil, fmt.Errorf("failed to parse token data: %w", err)
	}
	if data.Token == nil || calculateChecksum(data.Token) != data.Checksum {
		return nil, fmt.Errorf("token integrity check failed")
	}
	return data.Token, nil
}

func saveEncryptedToken(path string, token *oauth2.Token, key string) error {
	plaintext, err := json.Marshal(tokenData{
		Token:     token,
		CreatedAt: time.Now(),
		Checksum:  calculateChecksum(token),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	encrypted, err := encrypt(plaintext, key)
	if err != nil {
		return fmt.Errorf("failed to encrypt token: %w", err)
	}
	if err := os.WriteFile(path, encrypted, tokenFilePerms); err != nil {
		return fmt.Errorf("failed to write token file: %w", err)
	}
	return nil
}

// GenerateEncryptionKey returns a random 256-bit key, hex encoded
func GenerateEncryptionKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}

func newGCM(keyHex string) (cipher.AEAD, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher creation failed: %w", err)
	}
	return cipher.NewGCM(block)
}

// encrypt performs AES-GCM encryption with the nonce prepended
func encrypt(plaintext []byte, keyHex string) ([]byte, error) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce generation failed: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(ciphertext []byte, keyHex string) ([]byte, error) {
	gcm, err := newGCM(keyHex)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}

func calculateChecksum(token *oauth2.Token) string {
	data := fmt.Sprintf("%s:%s:%s:%v",
		token.AccessToken, token.RefreshToken, token.TokenType, token.Expiry.Unix())
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
