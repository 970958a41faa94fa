package auth

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"

	"github.com/beekhof/calendar-toggl/internal/errors"
)

const (
	defaultCallbackAddr = "127.0.0.1:8080"
	authTimeout         = 5 * time.Minute
)

// GoogleOAuthConfig returns an installed-app OAuth config with read-only
// calendar access.
func GoogleOAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Scopes:       []string{gcal.CalendarReadonlyScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
}

// autoSaveTokenSource wraps an oauth2.TokenSource and automatically saves refreshed tokens.
type autoSaveTokenSource struct {
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, errors.NewAuth("failed to refresh token", err)
	}

	// Refreshed when the access token changed
	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, errors.NewAuth("failed to save refreshed token", err)
		}
		a.lastToken = token
	}

	return token, nil
}

// startLocalServer starts a local HTTP server to receive the OAuth callback.
// Returns the redirect URL, a channel for the authorization code, and a channel for errors.
// Uses port 8080 by default, or a random port if 8080 is unavailable.
func startLocalServer(state string) (string, <-chan string, <-chan error, error) {
	listener, err := net.Listen("tcp", defaultCallbackAddr)
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, fmt.Errorf("failed to start local server: %w", err)
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	codeChan := make(chan string, 1)
	errorChan := make(chan error, 1)

	server := &http.Server{
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()
		switch {
		case query.Get("error") != "":
			errMsg := query.Get("error")
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", errMsg)
			errorChan <- fmt.Errorf("authorization error: %s", errMsg)
		case query.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			return
		case query.Get("code") == "":
			fmt.Fprintf(w, "<html><body><h1>No authorization code received</h1></body></html>")
			errorChan <- fmt.Errorf("no authorization code received")
		default:
			fmt.Fprintf(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
			codeChan <- query.Get("code")
		}
		go func() {
			time.Sleep(1 * time.Second)
			server.Shutdown(context.Background())
		}()
	})
	server.Handler = mux

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errorChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	return redirectURL, codeChan, errorChan, nil
}

// GetAuthenticatedClient returns an authenticated HTTP client using OAuth 2.0.
// If no token exists, it guides the user through the browser flow and
// receives the code on a local callback server.
func GetAuthenticatedClient(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, out io.Writer) (*http.Client, error) {
	token, err := tokenStore.LoadToken()
	if err != nil {
		return nil, errors.NewAuth("failed to load token", err)
	}

	if token == nil {
		state := ulid.Make().String()
		redirectURL, codeChan, errorChan, err := startLocalServer(state)
		if err != nil {
			return nil, errors.NewAuth("failed to start local server", err)
		}
		oauthConfig.RedirectURL = redirectURL

		authURL := oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)

		fmt.Fprintf(out, "Starting local server on %s\n", redirectURL)
		if redirectURL != "http://"+defaultCallbackAddr {
			fmt.Fprintf(out, "Note: Port 8080 was unavailable. Make sure to add %s to your authorized redirect URIs in Google Cloud Console.\n", redirectURL)
		}
		fmt.Fprintln(out, "\nPlease visit the following URL to authorize the application:")
		fmt.Fprintln(out, authURL)
		fmt.Fprintln(out, "\nWaiting for authorization...")

		var code string
		select {
		case code = <-codeChan:
		case err := <-errorChan:
			return nil, errors.NewAuth("failed to receive authorization code", err)
		case <-time.After(authTimeout):
			return nil, errors.NewAuth("authorization timeout: no response received within 5 minutes", nil)
		case <-ctx.Done():
			return nil, errors.NewAuth("authorization cancelled", ctx.Err())
		}

		token, err = exchange(ctx, oauthConfig, tokenStore, code)
		if err != nil {
			return nil, err
		}
		fmt.Fprintln(out, "Authorization successful!")
	}

	return newClient(ctx, oauthConfig, tokenStore, token), nil
}

// GetAuthenticatedClientWithReader is the headless variant: the user opens
// the URL elsewhere and pastes the code parameter of the redirect.
func GetAuthenticatedClientWithReader(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, reader io.Reader, out io.Writer) (*http.Client, error) {
	token, err := tokenStore.LoadToken()
	if err != nil {
		return nil, errors.NewAuth("failed to load token", err)
	}

	if token == nil {
		if oauthConfig.RedirectURL == "" {
			oauthConfig.RedirectURL = "http://" + defaultCallbackAddr
		}
		authURL := oauthConfig.AuthCodeURL(ulid.Make().String(), oauth2.AccessTypeOffline)

		fmt.Fprintln(out, "Please visit the following URL to authorize the application:")
		fmt.Fprintln(out, authURL)
		fmt.Fprint(out, "Enter the authorization code: ")

		var code string
		if _, err := fmt.Fscanln(reader, &code); err != nil {
			return nil, errors.NewAuth("failed to read authorization code", err)
		}

		token, err = exchange(ctx, oauthConfig, tokenStore, code)
		if err != nil {
			return nil, err
		}
	}

	return newClient(ctx, oauthConfig, tokenStore, token), nil
}

func exchange(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.NewAuth("no authorization code received", nil)
	}
	token, err := oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, errors.NewAuth("failed to exchange authorization code", err)
	}
	if err := tokenStore.SaveToken(token); err != nil {
		return nil, errors.NewAuth("failed to save token", err)
	}
	return token, nil
}

// newClient wraps the token source so refreshed tokens are written back.
func newClient(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, token *oauth2.Token) *http.Client {
	autoSaveSource := &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, oauthConfig.TokenSource(ctx, token)),
		tokenStore: tokenStore,
		lastToken:  token,
	}
	return oauth2.NewClient(ctx, autoSaveSource)
}
