// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/studypulse/internal/auth"
	"github.com/hitoshi/studypulse/internal/model"
)

const (
	// AccountCookieName と DeviceCookieName はデバイスセッションを運ぶCookieの名前。
	AccountCookieName = "account_id"
	DeviceCookieName  = "device_id"

	// AccountHeaderName と DeviceHeaderName はCookieを使えないクライアント向けのヘッダー名。
	AccountHeaderName = "X-Account-ID"
	DeviceHeaderName  = "X-Device-ID"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var accountContextKey = contextKey("account")

// SessionChecker はデバイスセッションの検証に必要なインターフェース。
type SessionChecker interface {
	CheckValidity(ctx context.Context, accountID, deviceID string) (*auth.Validity, error)
}

// Credentials はリクエストからアカウントIDとデバイスIDを取り出す。
// ヘッダーが両方揃っていればヘッダーを、そうでなければCookieを使う。
func Credentials(r *http.Request) (accountID, deviceID string) {
	accountID = r.Header.Get(AccountHeaderName)
	deviceID = r.Header.Get(DeviceHeaderName)
	if accountID != "" && deviceID != "" {
		return accountID, deviceID
	}

	accountID, deviceID = "", ""
	if c, err := r.Cookie(AccountCookieName); err == nil {
		accountID = c.Value
	}
	if c, err := r.Cookie(DeviceCookieName); err == nil {
		deviceID = c.Value
	}
	return accountID, deviceID
}

// hasHeaderCredentials はヘッダーで認証情報が提示されたかどうかを返す。
func hasHeaderCredentials(r *http.Request) bool {
	return r.Header.Get(AccountHeaderName) != "" && r.Header.Get(DeviceHeaderName) != ""
}

// NewDeviceSessionMiddleware はデバイスセッションを検証するミドルウェアを返す。
// 有効なセッションのアカウントをリクエストコンテキストに注入する。
// 無効なセッションには401 INVALID_SESSION（理由付き）、
// 有効化されていないアカウントには403 ACCOUNT_BLOCKEDを返す。
func NewDeviceSessionMiddleware(checker SessionChecker) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			accountID, deviceID := Credentials(r)
			if accountID == "" || deviceID == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidSessionError(model.SessionLoggedOut))
				return
			}

			v, err := checker.CheckValidity(r.Context(), accountID, deviceID)
			if err != nil {
				var apiErr *model.APIError
				switch {
				case model.IsAccountNotFound(err):
					WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidSessionError(model.SessionLoggedOut))
				case errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeAccountBlocked:
					WriteErrorResponse(w, http.StatusForbidden, apiErr)
				default:
					slog.Error("failed to check device session",
						slog.String("account_id", accountID),
						slog.String("error", err.Error()),
					)
					WriteInternalServerError(w)
				}
				return
			}
			if !v.Valid {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidSessionError(v.State))
				return
			}

			setRequestAccount(r.Context(), v.Account.ID)
			next.ServeHTTP(w, r.WithContext(ContextWithAccount(r.Context(), v.Account)))
		})
	}
}

// NewAdminMiddleware は管理者以外のアカウントに403 FORBIDDENを返すミドルウェアを返す。
// NewDeviceSessionMiddlewareの後に配置する。
func NewAdminMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			account := AccountFromContext(r.Context())
			if account == nil || !account.IsAdmin {
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AccountFromContext はリクエストコンテキストから認証済みアカウントを取得する。
// デバイスセッションミドルウェアを通過していない場合はnilを返す。
func AccountFromContext(ctx context.Context) *model.Account {
	account, _ := ctx.Value(accountContextKey).(*model.Account)
	return account
}

// AccountIDFromContext は認証済みアカウントのIDを返す。未認証の場合は空文字列。
func AccountIDFromContext(ctx context.Context) string {
	if account := AccountFromContext(ctx); account != nil {
		return account.ID
	}
	return ""
}

// ContextWithAccount はコンテキストに認証済みアカウントを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithAccount(ctx context.Context, account *model.Account) context.Context {
	return context.WithValue(ctx, accountContextKey, account)
}
