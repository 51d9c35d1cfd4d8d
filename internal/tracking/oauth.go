package tracking

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Veraticus/derma-loop/internal/common"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/sheets/v4"
)

// tokenSource builds the OAuth2 or service-account token source for config.
func tokenSource(ctx context.Context, config SheetsConfig) (oauth2.TokenSource, error) {
	if config.ServiceAccountPath != "" {
		jsonKey, err := os.ReadFile(config.ServiceAccountPath)
		if err != nil {
			return nil, fmt.Errorf("unable to read service account key file: %w", err)
		}

		jwtConfig, err := google.JWTConfigFromJSON(jsonKey, sheets.SpreadsheetsScope)
		if err != nil {
			return nil, fmt.Errorf("unable to parse service account key: %w", err)
		}
		return jwtConfig.TokenSource(ctx), nil
	}

	oauthConfig := &oauth2.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{sheets.SpreadsheetsScope},
	}

	token := &oauth2.Token{
		RefreshToken: config.RefreshToken,
		TokenType:    "Bearer",
	}
	if config.TokenFile != "" {
		saved, err := LoadToken(config.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("unable to load token file: %w", err)
		}
		token = saved
	}

	return oauthConfig.TokenSource(ctx, token), nil
}

// LoadToken loads a token from file.
func LoadToken(tokenFile string) (*oauth2.Token, error) {
	f, err := os.Open(tokenFile) // #nosec G304
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	token := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(token)
	return token, err
}

// SaveToken writes a token to path with owner-only permissions.
func SaveToken(path string, token *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to create token file: %w", err)
	}
	defer func() { _ = f.Close() }()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return fmt.Errorf("failed to encode token: %w", err)
	}
	return nil
}

// AuthFlow configures an interactive OAuth2 login for the Sheets sink.
type AuthFlow struct {
	// OnURL is called with the consent URL once the callback listener is up.
	OnURL        func(authURL string)
	Endpoint     oauth2.Endpoint
	ClientID     string
	ClientSecret string
	TokenFile    string
	// ListenAddr is the callback listener address, "localhost:8080" when empty.
	ListenAddr string
	Timeout    time.Duration
}

// Authenticate runs the browser consent flow and saves the token to
// TokenFile when set.
func (f AuthFlow) Authenticate(ctx context.Context) (*oauth2.Token, error) {
	if f.ClientID == "" || f.ClientSecret == "" {
		return nil, fmt.Errorf("%w: oauth client id and secret are required", common.ErrMissingConfig)
	}
	if f.Endpoint.AuthURL == "" {
		f.Endpoint = google.Endpoint
	}
	if f.ListenAddr == "" {
		f.ListenAddr = "localhost:8080"
	}
	if f.Timeout <= 0 {
		f.Timeout = 5 * time.Minute
	}

	listener, err := net.Listen("tcp", f.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}

	oauthConfig := &oauth2.Config{
		ClientID:     f.ClientID,
		ClientSecret: f.ClientSecret,
		Endpoint:     f.Endpoint,
		RedirectURL:  "http://" + listener.Addr().String() + "/callback",
		Scopes:       []string{sheets.SpreadsheetsScope},
	}

	state := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		code := query.Get("code")
		if query.Get("state") != state || code == "" {
			http.Error(w, "Authentication failed, please try again.", http.StatusBadRequest)
			select {
			case errCh <- fmt.Errorf("no authorization code received"):
			default:
			}
			return
		}
		_, _ = fmt.Fprint(w, "Authentication successful. You can close this window.")
		select {
		case codeCh <- code:
		default:
		}
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if serveErr := server.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			select {
			case errCh <- fmt.Errorf("callback server failed: %w", serveErr):
			default:
			}
		}
	}()
	defer func() { _ = server.Shutdown(context.WithoutCancel(ctx)) }()

	authURL := oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	if f.OnURL != nil {
		f.OnURL(authURL)
	}

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-time.After(f.Timeout):
		return nil, fmt.Errorf("authentication timed out after %s", f.Timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange authorization code: %w", err)
	}

	if f.TokenFile != "" {
		if err := SaveToken(f.TokenFile, token); err != nil {
			return token, err
		}
	}
	return token, nil
}
