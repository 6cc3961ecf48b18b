package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/studypulse/internal/anomaly"
	"github.com/hitoshi/studypulse/internal/middleware"
	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/timeagg"
	"github.com/hitoshi/studypulse/internal/user"
)

// AccountServiceInterface はアカウント管理のサービスインターフェース。
type AccountServiceInterface interface {
	Get(ctx context.Context, accountID string) (*model.Account, error)
	List(ctx context.Context) ([]*model.Account, error)
	LoginHistory(ctx context.Context, accountID string) ([]model.LoginHistoryEntry, error)
	Subscriptions(ctx context.Context) ([]user.Subscription, error)
	ToggleStatus(ctx context.Context, accountID string, accessUntil *time.Time) (*model.Account, error)
	Delete(ctx context.Context, accountID string) error
	TouchStreak(ctx context.Context, accountID string) (model.StreakState, error)
}

// TimeReportServiceInterface は滞在時間集計のサービスインターフェース。
type TimeReportServiceInterface interface {
	SectionReport(ctx context.Context, accountID string) (*timeagg.SectionReport, error)
	PageReport(ctx context.Context, accountID, page string) (*timeagg.PageReport, error)
	Leaderboard(ctx context.Context) ([]timeagg.LeaderboardEntry, error)
}

// AnomalyServiceInterface は不審利用レポートのサービスインターフェース。
type AnomalyServiceInterface interface {
	FlaggedReport(ctx context.Context) (*anomaly.Report, error)
	RecordIPFlag(ctx context.Context, accountID string, flag model.IPFlag) error
	RecordLoginFlag(ctx context.Context, accountID string, flag model.LoginFlag) error
}

// MeHandler はログイン中のアカウント自身に関するHTTPハンドラー。
type MeHandler struct {
	accounts AccountServiceInterface
	reports  TimeReportServiceInterface
}

// NewMeHandler はMeHandlerを生成する。
func NewMeHandler(accounts AccountServiceInterface, reports TimeReportServiceInterface) *MeHandler {
	return &MeHandler{accounts: accounts, reports: reports}
}

// Get はログイン中のアカウント情報を返す。
// GET /api/me
func (h *MeHandler) Get(w http.ResponseWriter, r *http.Request) {
	account := middleware.AccountFromContext(r.Context())
	if account == nil {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewInvalidSessionError(model.SessionLoggedOut))
		return
	}
	writeJSON(w, http.StatusOK, toAccountResponse(account))
}

// TouchStreak は今日の活動を記録し、更新後のストリークを返す。
// POST /api/me/streak
func (h *MeHandler) TouchStreak(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFromContext(r.Context())
	state, err := h.accounts.TouchStreak(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if state.Activity == nil {
		state.Activity = []model.ActivityDay{}
	}
	writeJSON(w, http.StatusOK, state)
}

// Time はログイン中のアカウントのセクション別集計を返す。
// GET /api/me/time
func (h *MeHandler) Time(w http.ResponseWriter, r *http.Request) {
	report, err := h.reports.SectionReport(r.Context(), middleware.AccountIDFromContext(r.Context()))
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSectionReportResponse(report))
}
