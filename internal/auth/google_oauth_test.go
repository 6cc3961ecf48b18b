package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestGoogleOAuthProvider_GetLoginURL_ContainsRequiredParams(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:    "test-client-id",
		RedirectURL: "http://localhost:8080/auth/google/callback",
	})

	raw := provider.GetLoginURL("test-state-value")
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid login URL %q: %v", raw, err)
	}
	if !strings.HasPrefix(raw, defaultGoogleAuthURL+"?") {
		t.Errorf("URL = %q, want prefix %q", raw, defaultGoogleAuthURL)
	}

	q := parsed.Query()
	want := map[string]string{
		"client_id":     "test-client-id",
		"redirect_uri":  "http://localhost:8080/auth/google/callback",
		"state":         "test-state-value",
		"response_type": "code",
		"prompt":        "select_account",
	}
	for key, val := range want {
		if got := q.Get(key); got != val {
			t.Errorf("%s = %q, want %q", key, got, val)
		}
	}
	if scope := q.Get("scope"); !strings.Contains(scope, "email") || !strings.Contains(scope, "profile") {
		t.Errorf("scope = %q, want email and profile", scope)
	}
}

// newGoogleServers はトークンとユーザー情報のテスト用エンドポイントを立てる。
func newGoogleServers(t *testing.T, userInfo map[string]any) (token, info *httptest.Server) {
	t.Helper()

	token = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("failed to parse token request: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(token.Close)

	info = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-access-token" {
			t.Errorf("unexpected Authorization header: %q", got)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(userInfo)
	}))
	t.Cleanup(info.Close)

	return token, info
}

func TestGoogleOAuthProvider_ExchangeCode_Success(t *testing.T) {
	tokenServer, userInfoServer := newGoogleServers(t, map[string]any{
		"sub":     "google-sub-12345",
		"email":   "user@gmail.com",
		"name":    "Google User",
		"picture": "https://lh3.googleusercontent.com/a/photo.jpg",
	})

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		RedirectURL:  "http://localhost:8080/auth/google/callback",
		TokenURL:     tokenServer.URL,
		UserInfoURL:  userInfoServer.URL,
		HTTPClient:   http.DefaultClient,
	})

	userInfo, err := provider.ExchangeCode(context.Background(), "test-auth-code")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}

	if userInfo.Provider != "google" {
		t.Errorf("provider = %q, want %q", userInfo.Provider, "google")
	}
	profile := userInfo.Profile()
	if profile.StableID != "google-sub-12345" {
		t.Errorf("StableID = %q, want %q", profile.StableID, "google-sub-12345")
	}
	if profile.Email != "user@gmail.com" || profile.DisplayName != "Google User" {
		t.Errorf("profile = %+v", profile)
	}
	if profile.AvatarURL != "https://lh3.googleusercontent.com/a/photo.jpg" {
		t.Errorf("AvatarURL = %q", profile.AvatarURL)
	}
}

func TestGoogleOAuthProvider_ExchangeCode_MissingEmail(t *testing.T) {
	tokenServer, userInfoServer := newGoogleServers(t, map[string]any{
		"sub":  "google-sub-12345",
		"name": "No Email",
	})

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		TokenURL:    tokenServer.URL,
		UserInfoURL: userInfoServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "code"); err == nil {
		t.Fatal("expected error for user info without email")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_TokenError(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error":             "invalid_grant",
			"error_description": "Code was already redeemed.",
		})
	}))
	defer tokenServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		TokenURL:     tokenServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "invalid-code"); err == nil {
		t.Fatal("expected error from ExchangeCode with invalid code")
	}
}

func TestGoogleOAuthProvider_ExchangeCode_UserInfoError(t *testing.T) {
	tokenServer, _ := newGoogleServers(t, nil)
	userInfoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer userInfoServer.Close()

	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{
		TokenURL:    tokenServer.URL,
		UserInfoURL: userInfoServer.URL,
	})

	if _, err := provider.ExchangeCode(context.Background(), "valid-code"); err == nil {
		t.Fatal("expected error from ExchangeCode when user info fetch fails")
	}
}

func TestNewGoogleOAuthProvider_DefaultClient(t *testing.T) {
	provider := NewGoogleOAuthProvider(GoogleOAuthConfig{})
	if provider.config.HTTPClient == nil || provider.config.HTTPClient.Timeout == 0 {
		t.Errorf("HTTPClient = %+v, want client with timeout", provider.config.HTTPClient)
	}
	if provider.config.TokenURL != defaultGoogleTokenURL {
		t.Errorf("TokenURL = %q", provider.config.TokenURL)
	}
}
