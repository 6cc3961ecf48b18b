package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/studypulse/internal/auth"
	"github.com/hitoshi/studypulse/internal/middleware"
	"github.com/hitoshi/studypulse/internal/model"
)

// --- モック定義 ---

type mockAuthService struct {
	getLoginURLFn    func(state string) string
	handleCallbackFn func(ctx context.Context, code string, device model.DeviceInfo, ip string) (*auth.AuthResult, error)
	authenticateFn   func(ctx context.Context, profile model.IdentityProfile, device model.DeviceInfo, ip string) (*auth.AuthResult, error)
	checkValidityFn  func(ctx context.Context, accountID, deviceID string) (*auth.Validity, error)
	logoutFn         func(ctx context.Context, accountID, deviceID string) error
}

func (m *mockAuthService) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return ""
}

func (m *mockAuthService) HandleCallback(ctx context.Context, code string, device model.DeviceInfo, ip string) (*auth.AuthResult, error) {
	if m.handleCallbackFn != nil {
		return m.handleCallbackFn(ctx, code, device, ip)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) Authenticate(ctx context.Context, profile model.IdentityProfile, device model.DeviceInfo, ip string) (*auth.AuthResult, error) {
	if m.authenticateFn != nil {
		return m.authenticateFn(ctx, profile, device, ip)
	}
	return nil, errors.New("not implemented")
}

func (m *mockAuthService) CheckValidity(ctx context.Context, accountID, deviceID string) (*auth.Validity, error) {
	if m.checkValidityFn != nil {
		return m.checkValidityFn(ctx, accountID, deviceID)
	}
	return nil, model.NewAccountNotFoundError()
}

func (m *mockAuthService) Logout(ctx context.Context, accountID, deviceID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, accountID, deviceID)
	}
	return nil
}

// --- ヘルパー ---

const chromeUA = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

func testAuthConfig() AuthHandlerConfig {
	return AuthHandlerConfig{
		BaseURL:      "http://localhost:3000",
		CookieMaxAge: 86400,
		PollInterval: 30 * time.Second,
	}
}

func activeTestAccount() *model.Account {
	return &model.Account{
		ID:         "acc-1",
		Name:       "Test User",
		Email:      "test@example.com",
		Activation: model.ActivationActive,
		Session: &model.DeviceSession{
			DeviceID: "dev-1",
			State:    model.SessionActive,
		},
	}
}

func cookieValue(resp *http.Response, name string) (string, bool) {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c.Value, true
		}
	}
	return "", false
}

func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

// --- POST /auth/google ---

func TestAuthHandler_Google_ActiveAccount(t *testing.T) {
	var gotProfile model.IdentityProfile
	var gotDevice model.DeviceInfo
	var gotIP string
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, profile model.IdentityProfile, device model.DeviceInfo, ip string) (*auth.AuthResult, error) {
			gotProfile, gotDevice, gotIP = profile, device, ip
			return &auth.AuthResult{Account: activeTestAccount(), DeviceID: "dev-new"}, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	body := `{"googleId":"g-1","name":"Test User","email":"test@example.com","picture":"https://example.com/a.png",
		"deviceInfo":{"browser":"Firefox","os":"Linux"},"userIp":"203.0.113.5"}`
	req := httptest.NewRequest(http.MethodPost, "/auth/google", strings.NewReader(body))
	w := httptest.NewRecorder()

	h.Google(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
	}
	if gotProfile.StableID != "g-1" || gotProfile.AvatarURL != "https://example.com/a.png" {
		t.Errorf("profile = %+v", gotProfile)
	}
	if gotDevice != (model.DeviceInfo{Browser: "Firefox", OS: "Linux"}) {
		t.Errorf("device = %+v, want declared device", gotDevice)
	}
	if gotIP != "203.0.113.5" {
		t.Errorf("ip = %q, want declared ip", gotIP)
	}

	var resp authResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "active" || resp.AccountID != "acc-1" || resp.DeviceID != "dev-new" {
		t.Errorf("response = %+v", resp)
	}

	result := w.Result()
	if v, ok := cookieValue(result, middleware.AccountCookieName); !ok || v != "acc-1" {
		t.Errorf("account cookie = %q (set=%v), want acc-1", v, ok)
	}
	if v, ok := cookieValue(result, middleware.DeviceCookieName); !ok || v != "dev-new" {
		t.Errorf("device cookie = %q (set=%v), want dev-new", v, ok)
	}
}

func TestAuthHandler_Google_FallsBackToUserAgentAndRemoteAddr(t *testing.T) {
	var gotDevice model.DeviceInfo
	var gotIP string
	svc := &mockAuthService{
		authenticateFn: func(ctx context.Context, profile model.IdentityProfile, device model.DeviceInfo, ip string) (*auth.AuthResult, error) {
			gotDevice, gotIP = device, ip
			account := activeTestAccount()
			account.Activation = model.ActivationPending
			return &auth.AuthResult{Account: account, DeviceID: "dev-new", Created: true}, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/google", strings.NewReader(`{"googleId":"g-1"}`))
	req.Header.Set("User-Agent", chromeUA)
	req.RemoteAddr = "198.51.100.7:43210"
	w := httptest.NewRecorder()

	h.Google(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotDevice.Browser != "Chrome" || gotDevice.OS != "macOS" {
		t.Errorf("device = %+v, want Chrome/macOS", gotDevice)
	}
	if gotIP != "198.51.100.7" {
		t.Errorf("ip = %q, want 198.51.100.7", gotIP)
	}

	var resp authResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "pending" {
		t.Errorf("status = %q, want pending", resp.Status)
	}
}

func TestAuthHandler_Google_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid json", `{`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"missing googleId", `{"name":"x"}`, nil, http.StatusBadRequest, model.ErrCodeInvalidRequest},
		{"blocked", `{"googleId":"g-1"}`, model.NewAccountBlockedError(model.ActivationBlocked), http.StatusForbidden, model.ErrCodeAccountBlocked},
		{"internal", `{"googleId":"g-1"}`, errors.New("db down"), http.StatusInternalServerError, middleware.ErrCodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockAuthService{
				authenticateFn: func(ctx context.Context, profile model.IdentityProfile, device model.DeviceInfo, ip string) (*auth.AuthResult, error) {
					return nil, tt.err
				},
			}
			h := NewAuthHandler(svc, testAuthConfig())

			w := httptest.NewRecorder()
			h.Google(w, httptest.NewRequest(http.MethodPost, "/auth/google", strings.NewReader(tt.body)))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if body := parseAPIErrorResponse(t, w); body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if _, ok := cookieValue(w.Result(), middleware.AccountCookieName); ok {
				t.Error("account cookie should not be set on error")
			}
		})
	}
}

// --- OAuthフロー ---

func TestAuthHandler_Login_RedirectsToOAuthURL(t *testing.T) {
	svc := &mockAuthService{
		getLoginURLFn: func(state string) string {
			return "https://accounts.google.com/o/oauth2/auth?state=" + state
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	w := httptest.NewRecorder()
	h.Login(w, httptest.NewRequest(http.MethodGet, "/auth/google/login", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	state, ok := cookieValue(resp, oauthStateCookie)
	if !ok || state == "" {
		t.Fatal("expected oauth_state cookie")
	}
	if loc := resp.Header.Get("Location"); !strings.HasSuffix(loc, "state="+state) {
		t.Errorf("Location = %q, want state %q", loc, state)
	}
}

func TestAuthHandler_Callback_Success(t *testing.T) {
	var gotCode string
	var gotDevice model.DeviceInfo
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, code string, device model.DeviceInfo, ip string) (*auth.AuthResult, error) {
			gotCode, gotDevice = code, device
			return &auth.AuthResult{Account: activeTestAccount(), DeviceID: "dev-9"}, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=abc&state=s1", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "s1"})
	req.Header.Set("User-Agent", chromeUA)
	w := httptest.NewRecorder()

	h.Callback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if gotCode != "abc" {
		t.Errorf("code = %q, want abc", gotCode)
	}
	if gotDevice.Browser != "Chrome" {
		t.Errorf("device = %+v, want Chrome from User-Agent", gotDevice)
	}
	if loc := resp.Header.Get("Location"); loc != "http://localhost:3000?login=active" {
		t.Errorf("Location = %q", loc)
	}
	if v, _ := cookieValue(resp, middleware.DeviceCookieName); v != "dev-9" {
		t.Errorf("device cookie = %q, want dev-9", v)
	}
}

func TestAuthHandler_Callback_StateMismatch(t *testing.T) {
	called := false
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, code string, device model.DeviceInfo, ip string) (*auth.AuthResult, error) {
			called = true
			return nil, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=abc&state=s1", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "other"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if called {
		t.Error("HandleCallback should not be called on state mismatch")
	}
}

func TestAuthHandler_Callback_PendingAccountRedirects(t *testing.T) {
	svc := &mockAuthService{
		handleCallbackFn: func(ctx context.Context, code string, device model.DeviceInfo, ip string) (*auth.AuthResult, error) {
			return nil, model.NewAccountBlockedError(model.ActivationPending)
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodGet, "/auth/google/callback?code=abc&state=s1", nil)
	req.AddCookie(&http.Cookie{Name: oauthStateCookie, Value: "s1"})
	w := httptest.NewRecorder()

	h.Callback(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusTemporaryRedirect)
	}
	if loc := resp.Header.Get("Location"); loc != "http://localhost:3000?login=pending" {
		t.Errorf("Location = %q", loc)
	}
	if _, ok := cookieValue(resp, middleware.AccountCookieName); ok {
		t.Error("account cookie should not be set for pending account")
	}
}

// --- POST /auth/session-check ---

func TestAuthHandler_SessionCheck(t *testing.T) {
	expired := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		validity   *auth.Validity
		err        error
		wantStatus int
		wantValid  bool
		wantState  string
		wantReason bool
		wantExpire bool
	}{
		{
			name:       "valid",
			validity:   &auth.Validity{Valid: true, State: model.SessionActive, Account: activeTestAccount()},
			wantStatus: http.StatusOK,
			wantValid:  true,
			wantState:  "active",
		},
		{
			name: "replaced with expired access",
			validity: func() *auth.Validity {
				a := activeTestAccount()
				a.AccessUntil = &expired
				return &auth.Validity{State: model.SessionReplaced, Account: a}
			}(),
			wantStatus: http.StatusOK,
			wantState:  "replaced",
			wantReason: true,
			wantExpire: true,
		},
		{
			name:       "not found",
			err:        model.NewAccountNotFoundError(),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "blocked",
			err:        model.NewAccountBlockedError(model.ActivationBlocked),
			wantStatus: http.StatusForbidden,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAccount, gotDevice string
			svc := &mockAuthService{
				checkValidityFn: func(ctx context.Context, accountID, deviceID string) (*auth.Validity, error) {
					gotAccount, gotDevice = accountID, deviceID
					return tt.validity, tt.err
				},
			}
			h := NewAuthHandler(svc, testAuthConfig())

			req := httptest.NewRequest(http.MethodPost, "/auth/session-check",
				strings.NewReader(`{"accountId":"acc-1","deviceId":"dev-1"}`))
			w := httptest.NewRecorder()
			h.SessionCheck(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotAccount != "acc-1" || gotDevice != "dev-1" {
				t.Errorf("credentials = %q/%q", gotAccount, gotDevice)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}

			var resp sessionCheckResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Valid != tt.wantValid || resp.State != tt.wantState {
				t.Errorf("valid/state = %v/%q, want %v/%q", resp.Valid, resp.State, tt.wantValid, tt.wantState)
			}
			if (resp.Reason != "") != tt.wantReason {
				t.Errorf("reason = %q, want present=%v", resp.Reason, tt.wantReason)
			}
			if resp.AccessExpired != tt.wantExpire {
				t.Errorf("accessExpired = %v, want %v", resp.AccessExpired, tt.wantExpire)
			}
			if resp.PollIntervalSeconds != 30 {
				t.Errorf("pollIntervalSeconds = %d, want 30", resp.PollIntervalSeconds)
			}
			if resp.Account == nil || resp.Account.ID != "acc-1" {
				t.Errorf("account = %+v", resp.Account)
			}
		})
	}
}

func TestAuthHandler_SessionCheck_UsesCookiesWhenBodyEmpty(t *testing.T) {
	var gotAccount, gotDevice string
	svc := &mockAuthService{
		checkValidityFn: func(ctx context.Context, accountID, deviceID string) (*auth.Validity, error) {
			gotAccount, gotDevice = accountID, deviceID
			return &auth.Validity{Valid: true, State: model.SessionActive, Account: activeTestAccount()}, nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	req := httptest.NewRequest(http.MethodPost, "/auth/session-check", nil)
	req.AddCookie(&http.Cookie{Name: middleware.AccountCookieName, Value: "acc-c"})
	req.AddCookie(&http.Cookie{Name: middleware.DeviceCookieName, Value: "dev-c"})
	w := httptest.NewRecorder()

	h.SessionCheck(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotAccount != "acc-c" || gotDevice != "dev-c" {
		t.Errorf("credentials = %q/%q, want cookie values", gotAccount, gotDevice)
	}
}

func TestAuthHandler_SessionCheck_MissingAccount(t *testing.T) {
	h := NewAuthHandler(&mockAuthService{}, testAuthConfig())

	w := httptest.NewRecorder()
	h.SessionCheck(w, httptest.NewRequest(http.MethodPost, "/auth/session-check", strings.NewReader(`{}`)))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

// --- POST /auth/logout ---

func TestAuthHandler_Logout(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"success", nil, http.StatusOK},
		{"internal error still succeeds", errors.New("db down"), http.StatusOK},
		{"account not found", model.NewAccountNotFoundError(), http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotAccount, gotDevice string
			svc := &mockAuthService{
				logoutFn: func(ctx context.Context, accountID, deviceID string) error {
					gotAccount, gotDevice = accountID, deviceID
					return tt.err
				},
			}
			h := NewAuthHandler(svc, testAuthConfig())

			req := httptest.NewRequest(http.MethodPost, "/auth/logout",
				strings.NewReader(`{"accountId":"acc-1","deviceId":"dev-1"}`))
			w := httptest.NewRecorder()
			h.Logout(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if gotAccount != "acc-1" || gotDevice != "dev-1" {
				t.Errorf("credentials = %q/%q", gotAccount, gotDevice)
			}
			for _, c := range w.Result().Cookies() {
				if (c.Name == middleware.AccountCookieName || c.Name == middleware.DeviceCookieName) && c.MaxAge >= 0 {
					t.Errorf("cookie %s should be cleared, MaxAge = %d", c.Name, c.MaxAge)
				}
			}
		})
	}
}

func TestAuthHandler_Logout_WithoutCredentials(t *testing.T) {
	called := false
	svc := &mockAuthService{
		logoutFn: func(ctx context.Context, accountID, deviceID string) error {
			called = true
			return nil
		},
	}
	h := NewAuthHandler(svc, testAuthConfig())

	w := httptest.NewRecorder()
	h.Logout(w, httptest.NewRequest(http.MethodPost, "/auth/logout", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if called {
		t.Error("Logout should not be called without an account id")
	}
}
