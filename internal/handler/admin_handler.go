package handler

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/studypulse/internal/model"
)

// AdminHandler は管理者向けのHTTPハンドラー。
type AdminHandler struct {
	accounts AccountServiceInterface
	reports  TimeReportServiceInterface
	anomaly  AnomalyServiceInterface
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(accounts AccountServiceInterface, reports TimeReportServiceInterface, anomaly AnomalyServiceInterface) *AdminHandler {
	return &AdminHandler{
		accounts: accounts,
		reports:  reports,
		anomaly:  anomaly,
	}
}

// ListAccounts は全アカウントを返す。
// GET /api/admin/accounts
func (h *AdminHandler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]accountResponse, len(accounts))
	for i, a := range accounts {
		resp[i] = toAccountResponse(a)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetAccount はログイン履歴を含むアカウント詳細を返す。
// GET /api/admin/accounts/{id}
func (h *AdminHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	account, err := h.accounts.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	history, err := h.accounts.LoginHistory(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := toAccountResponse(account)
	resp.LoginHistory = toLoginHistory(history)
	writeJSON(w, http.StatusOK, resp)
}

// DeleteAccount はアカウントを削除する。
// DELETE /api/admin/accounts/{id}
func (h *AdminHandler) DeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := h.accounts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type toggleStatusRequest struct {
	AccessUntil *time.Time `json:"accessUntil"`
}

// ToggleStatus はアカウントの有効・停止を切り替える。
// PATCH /api/admin/accounts/{id}/status
func (h *AdminHandler) ToggleStatus(w http.ResponseWriter, r *http.Request) {
	var req toggleStatusRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}

	account, err := h.accounts.ToggleStatus(r.Context(), chi.URLParam(r, "id"), req.AccessUntil)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

type subscriptionResponse struct {
	AccountID     string     `json:"accountId"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Status        string     `json:"status"`
	AccessUntil   *time.Time `json:"accessUntil"`
	AccessExpired bool       `json:"accessExpired"`
}

// Subscriptions は全アカウントの利用期限の一覧を返す。
// GET /api/admin/subscriptions
func (h *AdminHandler) Subscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.accounts.Subscriptions(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]subscriptionResponse, len(subs))
	for i, s := range subs {
		resp[i] = subscriptionResponse{
			AccountID:     s.AccountID,
			Name:          s.Name,
			Email:         s.Email,
			Status:        string(s.Activation),
			AccessUntil:   s.AccessUntil,
			AccessExpired: s.AccessExpired,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// SectionTime はアカウントのセクション別集計を返す。
// GET /api/admin/accounts/{id}/time/sections
func (h *AdminHandler) SectionTime(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.SectionReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSectionReportResponse(report))
}

// PageTime はアカウントの指定ページの日付別集計を返す。
// GET /api/admin/accounts/{id}/time/{page}
func (h *AdminHandler) PageTime(w http.ResponseWriter, r *http.Request) {
	page := strings.ToLower(strings.TrimSpace(chi.URLParam(r, "page")))
	report, err := h.reports.PageReport(r.Context(), chi.URLParam(r, "id"), page)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPageReportResponse(report))
}

// Leaderboard はcourseの合計滞在時間のランキングを返す。
// GET /api/admin/leaderboard
func (h *AdminHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := h.reports.Leaderboard(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLeaderboardResponse(entries))
}

// Flagged はフラグ付きアカウントを深刻度付きで返す。
// GET /api/admin/flagged
func (h *AdminHandler) Flagged(w http.ResponseWriter, r *http.Request) {
	report, err := h.anomaly.FlaggedReport(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toFlaggedReportResponse(report))
}

// RecordIPFlag は外部の検出処理からIPフラグを受け取る。
// POST /api/admin/accounts/{id}/flags/ip
func (h *AdminHandler) RecordIPFlag(w http.ResponseWriter, r *http.Request) {
	var flag model.IPFlag
	if !decodeJSON(w, r, &flag) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.anomaly.RecordIPFlag(r.Context(), id, flag); err != nil {
		handleServiceError(w, err)
		return
	}
	slog.Info("ip flag recorded", slog.String("account_id", id), slog.String("ip", flag.IP))
	w.WriteHeader(http.StatusNoContent)
}

// RecordLoginFlag は外部の検出処理からログイン集中フラグを受け取る。
// POST /api/admin/accounts/{id}/flags/login
func (h *AdminHandler) RecordLoginFlag(w http.ResponseWriter, r *http.Request) {
	var flag model.LoginFlag
	if !decodeJSON(w, r, &flag) {
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.anomaly.RecordLoginFlag(r.Context(), id, flag); err != nil {
		handleServiceError(w, err)
		return
	}
	slog.Info("login flag recorded",
		slog.String("account_id", id),
		slog.String("date", flag.Date),
		slog.Int("devices", len(flag.Devices)),
	)
	w.WriteHeader(http.StatusNoContent)
}
