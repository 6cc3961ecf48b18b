// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/studypulse/internal/middleware"
	"github.com/hitoshi/studypulse/internal/model"
)

// maxRequestBodySize はJSONリクエストボディの上限。
const maxRequestBodySize = 64 << 10

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。失敗時は400応答を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeDecodeError(w)
		return false
	}
	return true
}

// decodeOptionalJSON はdecodeJSONと同じだが、空のボディを許容する。
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		writeDecodeError(w)
		return false
	}
	return true
}

func writeDecodeError(w http.ResponseWriter) {
	writeAPIErrorResponse(w, http.StatusBadRequest, &model.APIError{
		Code:     model.ErrCodeInvalidRequest,
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	})
}

func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeAccountNotFound:
		return http.StatusNotFound
	case model.ErrCodeAccountBlocked, model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeInvalidSession:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// accountResponse はアカウント情報のAPIレスポンス。
type accountResponse struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Email        string              `json:"email"`
	AvatarURL    string              `json:"avatarUrl,omitempty"`
	Activation   string              `json:"status"`
	IsAdmin      bool                `json:"isAdmin"`
	AccessUntil  *time.Time          `json:"accessUntil,omitempty"`
	RegisteredIP string              `json:"registeredIp,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	Session      *sessionResponse    `json:"session,omitempty"`
	Streak       model.StreakState   `json:"streak"`
	Flagged      bool                `json:"flagged"`
	IPFlags      []model.IPFlag      `json:"ipFlags,omitempty"`
	LoginFlags   []model.LoginFlag   `json:"loginFlags,omitempty"`
	LoginHistory []loginHistoryEntry `json:"loginHistory,omitempty"`
}

// sessionResponse はデバイスセッションのAPIレスポンス。
type sessionResponse struct {
	DeviceID     string           `json:"deviceId"`
	Device       model.DeviceInfo `json:"deviceInfo"`
	IP           string           `json:"ip"`
	LastActivity time.Time        `json:"lastActivity"`
	State        string           `json:"state"`
}

type loginHistoryEntry struct {
	Device     model.DeviceInfo `json:"deviceInfo"`
	IP         string           `json:"ip"`
	LoginTime  time.Time        `json:"loginTime"`
	LogoutTime *time.Time       `json:"logoutTime"`
}

func toAccountResponse(a *model.Account) accountResponse {
	resp := accountResponse{
		ID:           a.ID,
		Name:         a.Name,
		Email:        a.Email,
		AvatarURL:    a.AvatarURL,
		Activation:   string(a.Activation),
		IsAdmin:      a.IsAdmin,
		AccessUntil:  a.AccessUntil,
		RegisteredIP: a.RegisteredIP,
		CreatedAt:    a.CreatedAt,
		Streak:       a.Streak,
		Flagged:      a.Flags.Flagged,
		IPFlags:      a.Flags.IPFlags,
		LoginFlags:   a.Flags.LoginFlags,
	}
	if resp.Streak.Activity == nil {
		resp.Streak.Activity = []model.ActivityDay{}
	}
	if a.Session != nil {
		resp.Session = &sessionResponse{
			DeviceID:     a.Session.DeviceID,
			Device:       a.Session.Device,
			IP:           a.Session.IP,
			LastActivity: a.Session.LastActivity,
			State:        string(a.Session.State),
		}
	}
	return resp
}

func toLoginHistory(entries []model.LoginHistoryEntry) []loginHistoryEntry {
	out := make([]loginHistoryEntry, len(entries))
	for i, e := range entries {
		out[i] = loginHistoryEntry{Device: e.Device, IP: e.IP, LoginTime: e.LoginTime, LogoutTime: e.LogoutTime}
	}
	return out
}
