package handler

import (
	"github.com/hitoshi/studypulse/internal/anomaly"
	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/timeagg"
)

// overallSection はセクション別集計で全セクション合算の行に使うキー。
const overallSection = "overall"

type rollupResponse struct {
	TotalMinutes   float64 `json:"totalMinutes"`
	ActiveDays     int     `json:"activeDays"`
	DailyAverage   float64 `json:"dailyAverage"`
	WeeklyAverage  float64 `json:"weeklyAverage"`
	MonthlyAverage float64 `json:"monthlyAverage"`
	YearlyAverage  float64 `json:"yearlyAverage"`
	OverallAverage float64 `json:"overallAverage"`
}

// toRollupResponse は分数を小数点以下2桁に丸める。
func toRollupResponse(r timeagg.Rollup) rollupResponse {
	return rollupResponse{
		TotalMinutes:   timeagg.Round2(r.TotalMinutes),
		ActiveDays:     r.ActiveDays,
		DailyAverage:   timeagg.Round2(r.DailyAverage),
		WeeklyAverage:  timeagg.Round2(r.WeeklyAverage),
		MonthlyAverage: timeagg.Round2(r.MonthlyAverage),
		YearlyAverage:  timeagg.Round2(r.YearlyAverage),
		OverallAverage: timeagg.Round2(r.OverallAverage),
	}
}

// toSectionReportResponse はセクション名をキーとし、overallを含むマップを返す。
func toSectionReportResponse(r *timeagg.SectionReport) map[string]rollupResponse {
	out := make(map[string]rollupResponse, len(r.Sections)+1)
	for name, rollup := range r.Sections {
		out[name] = toRollupResponse(rollup)
	}
	out[overallSection] = toRollupResponse(r.Overall)
	return out
}

type dateMinutesResponse struct {
	Date    string  `json:"date"`
	Minutes float64 `json:"minutes"`
}

type resourceMinutesResponse struct {
	PageID string                `json:"pageId"`
	Days   []dateMinutesResponse `json:"days"`
}

type pageReportResponse struct {
	Page      string                    `json:"page"`
	Days      []dateMinutesResponse     `json:"days"`
	Resources []resourceMinutesResponse `json:"resources,omitempty"`
}

func toDateMinutes(days []timeagg.DateMinutes) []dateMinutesResponse {
	out := make([]dateMinutesResponse, len(days))
	for i, d := range days {
		out[i] = dateMinutesResponse{Date: d.Date, Minutes: timeagg.Round2(d.Minutes)}
	}
	return out
}

func toPageReportResponse(r *timeagg.PageReport) pageReportResponse {
	resp := pageReportResponse{Page: r.Page, Days: toDateMinutes(r.Days)}
	for _, res := range r.Resources {
		resp.Resources = append(resp.Resources, resourceMinutesResponse{
			PageID: res.PageID,
			Days:   toDateMinutes(res.Days),
		})
	}
	return resp
}

type leaderboardEntryResponse struct {
	Rank         int     `json:"rank"`
	AccountID    string  `json:"accountId"`
	Name         string  `json:"name"`
	Email        string  `json:"email"`
	TotalMinutes float64 `json:"totalMinutes"`
}

func toLeaderboardResponse(entries []timeagg.LeaderboardEntry) []leaderboardEntryResponse {
	out := make([]leaderboardEntryResponse, len(entries))
	for i, e := range entries {
		out[i] = leaderboardEntryResponse{
			Rank:         i + 1,
			AccountID:    e.AccountID,
			Name:         e.Name,
			Email:        e.Email,
			TotalMinutes: timeagg.Round2(e.TotalMinutes),
		}
	}
	return out
}

type flaggedAccountResponse struct {
	accountResponse
	Severity model.Severity `json:"severity"`
}

type flaggedReportResponse struct {
	Accounts []flaggedAccountResponse `json:"accounts"`
	Counts   map[model.Severity]int   `json:"counts"`
}

func toFlaggedReportResponse(r *anomaly.Report) flaggedReportResponse {
	resp := flaggedReportResponse{
		Accounts: make([]flaggedAccountResponse, len(r.Accounts)),
		Counts:   r.Counts,
	}
	for i, fa := range r.Accounts {
		resp.Accounts[i] = flaggedAccountResponse{
			accountResponse: toAccountResponse(fa.Account),
			Severity:        fa.Severity,
		}
	}
	return resp
}
