package auth

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/beekhof/calendar-toggl/internal/errors"
)

// mockTokenStore is a mock implementation of TokenStore for testing.
type mockTokenStore struct {
	token       *oauth2.Token
	savedTokens []*oauth2.Token
}

func (m *mockTokenStore) SaveToken(token *oauth2.Token) error {
	m.savedTokens = append(m.savedTokens, token)
	m.token = token
	return nil
}

func (m *mockTokenStore) LoadToken() (*oauth2.Token, error) {
	return m.token, nil
}

// sequenceSource hands out tokens in order, repeating the last one.
type sequenceSource struct {
	tokens []*oauth2.Token
}

func (s *sequenceSource) Token() (*oauth2.Token, error) {
	token := s.tokens[0]
	if len(s.tokens) > 1 {
		s.tokens = s.tokens[1:]
	}
	return token, nil
}

func newTokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() returned an error: %v", err)
		}
		if got := r.Form.Get("code"); got != "pasted-code" {
			t.Errorf("Expected code 'pasted-code', got '%s'", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGetAuthenticatedClient_TokenExists(t *testing.T) {
	ctx := context.Background()

	mockStore := &mockTokenStore{
		token: &oauth2.Token{
			AccessToken:  "test-access-token",
			RefreshToken: "test-refresh-token",
			Expiry:       time.Now().Add(1 * time.Hour),
			TokenType:    "Bearer",
		},
	}

	var out bytes.Buffer
	client, err := GetAuthenticatedClient(ctx, GoogleOAuthConfig("test-client-id", "test-client-secret"), mockStore, &out)
	if err != nil {
		t.Fatalf("GetAuthenticatedClient() returned an error: %v", err)
	}
	if client == nil {
		t.Fatal("GetAuthenticatedClient() returned nil client")
	}
	if out.Len() != 0 {
		t.Errorf("Expected no prompt with an existing token, got %q", out.String())
	}
	if len(mockStore.savedTokens) != 0 {
		t.Errorf("Expected no token to be saved, got %d", len(mockStore.savedTokens))
	}
}

func TestGetAuthenticatedClientWithReader_ExchangesCode(t *testing.T) {
	server := newTokenServer(t, http.StatusOK,
		`{"access_token":"new-access-token","token_type":"Bearer","refresh_token":"new-refresh-token","expires_in":3600}`)

	oauthConfig := GoogleOAuthConfig("test-client-id", "test-client-secret")
	oauthConfig.Endpoint.TokenURL = server.URL
	mockStore := &mockTokenStore{}
	var out bytes.Buffer

	client, err := GetAuthenticatedClientWithReader(context.Background(), oauthConfig, mockStore, strings.NewReader("pasted-code\n"), &out)
	if err != nil {
		t.Fatalf("GetAuthenticatedClientWithReader() returned an error: %v", err)
	}
	if client == nil {
		t.Fatal("GetAuthenticatedClientWithReader() returned nil client")
	}

	if len(mockStore.savedTokens) != 1 {
		t.Fatalf("Expected 1 saved token, got %d", len(mockStore.savedTokens))
	}
	if mockStore.savedTokens[0].AccessToken != "new-access-token" {
		t.Errorf("Expected saved AccessToken 'new-access-token', got '%s'", mockStore.savedTokens[0].AccessToken)
	}
	if !strings.Contains(out.String(), "accounts.google.com") {
		t.Errorf("Expected the auth URL to be printed, got %q", out.String())
	}
	if !strings.Contains(out.String(), "calendar.readonly") {
		t.Errorf("Expected the read-only calendar scope in the auth URL, got %q", out.String())
	}
}

func TestGetAuthenticatedClientWithReader_ExchangeFails(t *testing.T) {
	server := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant"}`)

	oauthConfig := GoogleOAuthConfig("test-client-id", "test-client-secret")
	oauthConfig.Endpoint.TokenURL = server.URL
	mockStore := &mockTokenStore{}

	_, err := GetAuthenticatedClientWithReader(context.Background(), oauthConfig, mockStore, strings.NewReader("pasted-code\n"), &bytes.Buffer{})
	if err == nil {
		t.Fatal("Expected an error for a rejected code")
	}
	if !errors.Is(err, errors.ErrAuth) {
		t.Errorf("Expected an AUTH error, got %v", err)
	}
	if len(mockStore.savedTokens) != 0 {
		t.Errorf("Expected no token to be saved, got %d", len(mockStore.savedTokens))
	}
}

func TestGetAuthenticatedClientWithReader_NoCode(t *testing.T) {
	_, err := GetAuthenticatedClientWithReader(context.Background(), GoogleOAuthConfig("id", "secret"), &mockTokenStore{}, strings.NewReader(""), &bytes.Buffer{})
	if !errors.Is(err, errors.ErrAuth) {
		t.Errorf("Expected an AUTH error, got %v", err)
	}
}

func TestAutoSaveTokenSource_SavesRefreshedToken(t *testing.T) {
	first := &oauth2.Token{AccessToken: "first"}
	refreshed := &oauth2.Token{AccessToken: "refreshed"}
	mockStore := &mockTokenStore{}

	source := &autoSaveTokenSource{
		source:     &sequenceSource{tokens: []*oauth2.Token{first, first, refreshed, refreshed}},
		tokenStore: mockStore,
		lastToken:  first,
	}

	for i := 0; i < 4; i++ {
		if _, err := source.Token(); err != nil {
			t.Fatalf("Token() returned an error: %v", err)
		}
	}

	if len(mockStore.savedTokens) != 1 {
		t.Fatalf("Expected exactly 1 saved token, got %d", len(mockStore.savedTokens))
	}
	if mockStore.savedTokens[0].AccessToken != "refreshed" {
		t.Errorf("Expected the refreshed token to be saved, got '%s'", mockStore.savedTokens[0].AccessToken)
	}
}

func TestNewClient_FailedRefreshIsAuthError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	t.Cleanup(tokenServer.Close)

	apiCalled := false
	apiServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalled = true
	}))
	t.Cleanup(apiServer.Close)

	oauthConfig := GoogleOAuthConfig("id", "secret")
	oauthConfig.Endpoint.TokenURL = tokenServer.URL
	expired := &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Hour),
	}
	mockStore := &mockTokenStore{token: expired}

	client := newClient(context.Background(), oauthConfig, mockStore, expired)
	_, err := client.Get(apiServer.URL)
	if err == nil {
		t.Fatal("Expected an error for a revoked refresh token")
	}
	if !errors.Is(err, errors.ErrAuth) {
		t.Errorf("Expected an AUTH error, got %v", err)
	}
	if apiCalled {
		t.Error("Expected no API request without a valid token")
	}
	if len(mockStore.savedTokens) != 0 {
		t.Errorf("Expected no token to be saved, got %d", len(mockStore.savedTokens))
	}
}
