package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/studypulse/internal/auth"
	"github.com/hitoshi/studypulse/internal/middleware"
	"github.com/hitoshi/studypulse/internal/model"
)

const oauthStateCookie = "oauth_state"

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	GetLoginURL(state string) string
	HandleCallback(ctx context.Context, code string, device model.DeviceInfo, ip string) (*auth.AuthResult, error)
	Authenticate(ctx context.Context, profile model.IdentityProfile, device model.DeviceInfo, ip string) (*auth.AuthResult, error)
	CheckValidity(ctx context.Context, accountID, deviceID string) (*auth.Validity, error)
	Logout(ctx context.Context, accountID, deviceID string) error
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL      string
	CookieDomain string
	CookieSecure bool
	CookieMaxAge int // アカウント・デバイスCookieの有効期間（秒）

	// PollInterval はクライアントがセッション確認を行う間隔。
	PollInterval time.Duration
}

// AuthHandler は認証とデバイスセッション関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
	config  AuthHandlerConfig
	now     func() time.Time
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		service: service,
		config:  config,
		now:     time.Now,
	}
}

type googleAuthRequest struct {
	GoogleID   string           `json:"googleId"`
	Name       string           `json:"name"`
	Email      string           `json:"email"`
	Picture    string           `json:"picture"`
	DeviceInfo model.DeviceInfo `json:"deviceInfo"`
	UserIP     string           `json:"userIp"`
}

type authResponse struct {
	Status    string          `json:"status"`
	AccountID string          `json:"accountId"`
	DeviceID  string          `json:"deviceId"`
	Account   accountResponse `json:"account"`
}

// Google はクライアントが取得済みのGoogleプロフィールでログインする。
// POST /auth/google
func (h *AuthHandler) Google(w http.ResponseWriter, r *http.Request) {
	var req googleAuthRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.GoogleID) == "" {
		handleServiceError(w, model.NewInvalidRequestError("googleId is required"))
		return
	}

	ip := strings.TrimSpace(req.UserIP)
	if ip == "" {
		ip = middleware.ClientIP(r)
	}
	profile := model.IdentityProfile{
		StableID:    req.GoogleID,
		DisplayName: req.Name,
		Email:       req.Email,
		AvatarURL:   req.Picture,
	}

	result, err := h.service.Authenticate(r.Context(), profile, resolveDevice(r, req.DeviceInfo), ip)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	h.setSessionCookies(w, result.Account.ID, result.DeviceID)
	writeJSON(w, http.StatusOK, authResponse{
		Status:    string(result.Account.Activation),
		AccountID: result.Account.ID,
		DeviceID:  result.DeviceID,
		Account:   toAccountResponse(result.Account),
	})
}

// Login はGoogle OAuthフローを開始する。
// GET /auth/google/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := middleware.RandomToken(16)
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600, // 10分
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, h.service.GetLoginURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	stateCookie, err := r.Cookie(oauthStateCookie)
	if err != nil || state == "" || stateCookie.Value != state {
		slog.Warn("oauth state mismatch", slog.String("query_state", state))
		handleServiceError(w, model.NewInvalidRequestError("invalid state parameter"))
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	code := r.URL.Query().Get("code")
	if code == "" {
		handleServiceError(w, model.NewInvalidRequestError("missing authorization code"))
		return
	}

	result, err := h.service.HandleCallback(r.Context(), code, deviceFromUserAgent(r), middleware.ClientIP(r))
	if err != nil {
		var apiErr *model.APIError
		if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeAccountBlocked {
			http.Redirect(w, r, h.redirectURL(apiErr.Reason), http.StatusTemporaryRedirect)
			return
		}
		slog.Error("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.setSessionCookies(w, result.Account.ID, result.DeviceID)
	http.Redirect(w, r, h.redirectURL(string(result.Account.Activation)), http.StatusTemporaryRedirect)
}

// redirectURL はフロントエンドのURLにログイン結果を付与する。
func (h *AuthHandler) redirectURL(status string) string {
	u, err := url.Parse(h.config.BaseURL)
	if err != nil || status == "" {
		return h.config.BaseURL
	}
	q := u.Query()
	q.Set("login", status)
	u.RawQuery = q.Encode()
	return u.String()
}

type sessionRequest struct {
	AccountID string `json:"accountId"`
	DeviceID  string `json:"deviceId"`
}

type sessionCheckAccount struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"isAdmin"`
}

type sessionCheckResponse struct {
	Valid               bool                 `json:"valid"`
	Reason              string               `json:"reason,omitempty"`
	State               string               `json:"state"`
	AccessExpired       bool                 `json:"accessExpired"`
	PollIntervalSeconds int                  `json:"pollIntervalSeconds"`
	Account             *sessionCheckAccount `json:"account,omitempty"`
}

// readSessionRequest はボディのaccountId/deviceIdを読み取り、空の場合はCookieかヘッダーで補う。
func readSessionRequest(w http.ResponseWriter, r *http.Request) (sessionRequest, bool) {
	var req sessionRequest
	if !decodeOptionalJSON(w, r, &req) {
		return req, false
	}
	if req.AccountID == "" || req.DeviceID == "" {
		accountID, deviceID := middleware.Credentials(r)
		if req.AccountID == "" {
			req.AccountID = accountID
		}
		if req.DeviceID == "" {
			req.DeviceID = deviceID
		}
	}
	return req, true
}

// SessionCheck は提示されたデバイスIDが現行セッションかどうかを返す。
// POST /auth/session-check
func (h *AuthHandler) SessionCheck(w http.ResponseWriter, r *http.Request) {
	req, ok := readSessionRequest(w, r)
	if !ok {
		return
	}
	if req.AccountID == "" {
		handleServiceError(w, model.NewInvalidRequestError("accountId is required"))
		return
	}

	v, err := h.service.CheckValidity(r.Context(), req.AccountID, req.DeviceID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := sessionCheckResponse{
		Valid:               v.Valid,
		Reason:              v.Reason(),
		State:               string(v.State),
		PollIntervalSeconds: int(h.config.PollInterval / time.Second),
	}
	if v.Account != nil {
		resp.AccessExpired = v.Account.AccessExpired(h.now())
		resp.Account = &sessionCheckAccount{
			ID:      v.Account.ID,
			Email:   v.Account.Email,
			IsAdmin: v.Account.IsAdmin,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Logout はデバイスセッションを無効化し、Cookieを削除する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	req, ok := readSessionRequest(w, r)
	if !ok {
		return
	}

	if req.AccountID != "" {
		if err := h.service.Logout(r.Context(), req.AccountID, req.DeviceID); err != nil {
			if model.IsAccountNotFound(err) {
				h.clearSessionCookies(w)
				handleServiceError(w, err)
				return
			}
			// ログアウトの記録に失敗してもCookieはクリアする
			slog.Error("failed to logout",
				slog.String("account_id", req.AccountID),
				slog.String("error", err.Error()),
			)
		}
	}

	h.clearSessionCookies(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, accountID, deviceID string) {
	h.writeCookie(w, middleware.AccountCookieName, accountID, h.config.CookieMaxAge)
	h.writeCookie(w, middleware.DeviceCookieName, deviceID, h.config.CookieMaxAge)
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	h.writeCookie(w, middleware.AccountCookieName, "", -1)
	h.writeCookie(w, middleware.DeviceCookieName, "", -1)
}

func (h *AuthHandler) writeCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
