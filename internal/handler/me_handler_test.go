package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/studypulse/internal/middleware"
	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/timeagg"
)

func withAccount(r *http.Request, account *model.Account) *http.Request {
	return r.WithContext(middleware.ContextWithAccount(r.Context(), account))
}

func TestMeHandler_Get(t *testing.T) {
	h := NewMeHandler(&mockAccountService{}, &mockTimeReportService{})

	account := activeTestAccount()
	account.Streak = model.StreakState{StreakCount: 3, LongestCount: 5, LastActivity: "2024-05-10"}
	w := httptest.NewRecorder()
	h.Get(w, withAccount(httptest.NewRequest(http.MethodGet, "/api/me", nil), account))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp accountResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.ID != "acc-1" || resp.Streak.StreakCount != 3 || resp.Activation != "active" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Streak.Activity == nil {
		t.Error("activity should encode as an empty list")
	}
}

func TestMeHandler_Get_WithoutAccount(t *testing.T) {
	h := NewMeHandler(&mockAccountService{}, &mockTimeReportService{})

	w := httptest.NewRecorder()
	h.Get(w, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestMeHandler_TouchStreak(t *testing.T) {
	var gotID string
	svc := &mockAccountService{
		touchStreakFn: func(ctx context.Context, accountID string) (model.StreakState, error) {
			gotID = accountID
			return model.StreakState{
				StreakCount:  4,
				LongestCount: 4,
				LastActivity: "2024-06-02",
				Activity:     []model.ActivityDay{{Day: "Sun", Date: "2024-06-02", Active: true}},
			}, nil
		},
	}
	h := NewMeHandler(svc, &mockTimeReportService{})

	w := httptest.NewRecorder()
	h.TouchStreak(w, withAccount(httptest.NewRequest(http.MethodPost, "/api/me/streak", nil), activeTestAccount()))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotID != "acc-1" {
		t.Errorf("account = %q, want acc-1", gotID)
	}
	var resp model.StreakState
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.StreakCount != 4 || len(resp.Activity) != 1 || !resp.Activity[0].Active {
		t.Errorf("resp = %+v", resp)
	}
}

func TestMeHandler_TouchStreak_Blocked(t *testing.T) {
	svc := &mockAccountService{
		touchStreakFn: func(ctx context.Context, accountID string) (model.StreakState, error) {
			return model.StreakState{}, model.NewAccountBlockedError(model.ActivationBlocked)
		},
	}
	h := NewMeHandler(svc, &mockTimeReportService{})

	w := httptest.NewRecorder()
	h.TouchStreak(w, withAccount(httptest.NewRequest(http.MethodPost, "/api/me/streak", nil), activeTestAccount()))

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestMeHandler_Time(t *testing.T) {
	var gotID string
	reports := &mockTimeReportService{
		sectionReportFn: func(ctx context.Context, accountID string) (*timeagg.SectionReport, error) {
			gotID = accountID
			return &timeagg.SectionReport{
				Sections: map[string]timeagg.Rollup{model.PagePomodoro: {TotalMinutes: 25, ActiveDays: 1, DailyAverage: 25}},
				Overall:  timeagg.Rollup{TotalMinutes: 25, ActiveDays: 1},
			}, nil
		},
	}
	h := NewMeHandler(&mockAccountService{}, reports)

	w := httptest.NewRecorder()
	h.Time(w, withAccount(httptest.NewRequest(http.MethodGet, "/api/me/time", nil), activeTestAccount()))

	if gotID != "acc-1" {
		t.Errorf("account = %q, want acc-1", gotID)
	}
	var resp map[string]rollupResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp[model.PagePomodoro].DailyAverage != 25 || resp[overallSection].TotalMinutes != 25 {
		t.Errorf("resp = %+v", resp)
	}
}
