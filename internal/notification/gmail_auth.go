package notification

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/mikeyg42/stillwatch/internal/config"
)

const defaultOAuthTimeout = 5 * time.Minute

// AuthorizeGmail runs the browser consent flow once and stores the encrypted
// token at cfg.TokenStorePath. It returns the key used, generating one when
// cfg.TokenEncryptionKey is empty.
func AuthorizeGmail(ctx context.Context, cfg config.GmailConfig, out io.Writer, logger *zap.Logger) (string, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return "", &config.ConfigError{Field: "notification.gmail.client_id", Value: cfg.ClientID, Reason: "client id and secret are required"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	key := cfg.TokenEncryptionKey
	if key == "" {
		var err error
		if key, err = GenerateEncryptionKey(); err != nil {
			return "", err
		}
		fmt.Fprintf(out, "Generated token encryption key (set notification.gmail.token_encryption_key):\n%s\n\n", key)
	}

	redirect, err := url.Parse(cfg.RedirectURL)
	if err != nil {
		return "", fmt.Errorf("invalid redirect URL: %w", err)
	}
	listener, err := net.Listen("tcp", redirect.Host)
	if err != nil {
		return "", fmt.Errorf("failed to bind OAuth callback listener: %w", err)
	}
	defer listener.Close()

	state, err := generateSecureState()
	if err != nil {
		return "", err
	}

	oauthCfg := gmailOAuthConfig(cfg)
	authURL := oauthCfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Visit this URL to authorize sending:\n\n%s\n\nWaiting for authorization...\n", authURL)

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	srv := &http.Server{
		Handler:      callbackHandler(redirect.Path, state, codeCh, errCh),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != http.ErrServerClosed {
			logger.Warn("OAuth callback server error", zap.Error(err))
		}
	}()
	defer srv.Close()

	waitCtx, cancel := context.WithTimeout(ctx, defaultOAuthTimeout)
	defer cancel()

	var code string
	select {
	case <-waitCtx.Done():
		return "", fmt.Errorf("OAuth authorization timeout: %w", waitCtx.Err())
	case err := <-errCh:
		return "", err
	case code = <-codeCh:
	}

	token, err := oauthCfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	if err := saveEncryptedToken(cfg.TokenStorePath, token, key); err != nil {
		return "", err
	}

	logger.Info("Gmail token stored", zap.String("path", cfg.TokenStorePath))
	return key, nil
}

func callbackHandler(path, state string, codeCh chan<- string, errCh chan<- error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != path {
			http.NotFound(w, r)
			return
		}
		if r.FormValue("state") != state {
			http.Error(w, "Invalid state parameter", http.StatusBadRequest)
			trySend(errCh, fmt.Errorf("OAuth state mismatch"))
			return
		}
		if msg := r.FormValue("error"); msg != "" {
			http.Error(w, "Authorization failed: "+msg, http.StatusBadRequest)
			trySend(errCh, fmt.Errorf("OAuth provider error: %s", msg))
			return
		}
		code := r.FormValue("code")
		if code == "" {
			http.Error(w, "Missing authorization code", http.StatusBadRequest)
			trySend(errCh, fmt.Errorf("missing OAuth authorization code"))
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Authorization complete. You can close this window.")
		select {
		case codeCh <- code:
		default:
		}
	})
}

func trySend(ch chan<- error, err error) {
	select {
	case ch <- err:
	default:
	}
}

func generateSecureState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random state: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
