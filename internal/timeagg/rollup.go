// Package timeagg はトラッキング区間を集計し、ページ別・日付別の滞在時間と平均値を算出する。
//
// 終了時刻のない区間は0分として扱う。集計値はすべて分単位。
package timeagg

import (
	"math"
	"sort"
	"time"

	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/streak"
)

// 平均値の算出に使う期間の日数。
const (
	WeekDays  = 7
	MonthDays = 30
	YearDays  = 365
)

// Sections はセクション別集計の対象ページカテゴリ。
var Sections = []string{model.PageCourse, model.PageTodo, model.PagePomodoro}

// Rollup は1セクション分の合計と平均値。
type Rollup struct {
	TotalMinutes   float64
	ActiveDays     int
	DailyAverage   float64
	WeeklyAverage  float64
	MonthlyAverage float64
	YearlyAverage  float64
	OverallAverage float64
}

// SectionReport はセクション別の集計と全セクション合算の集計。
type SectionReport struct {
	Sections map[string]Rollup
	Overall  Rollup
}

// DateMinutes はある暦日（UTC）の合計分数。
type DateMinutes struct {
	Date    string
	Minutes float64
}

// ResourceMinutes はページ内のリソースごとの日付別分数。
type ResourceMinutes struct {
	PageID string
	Days   []DateMinutes
}

// Minutes は区間の長さを分で返す。開いた区間は0。
func Minutes(e model.TrackingEntry) float64 {
	return e.Duration().Minutes()
}

// Round2 は小数点以下2桁に丸める。
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ByDate は指定ページの区間を開始日ごとに合計し、日付の昇順で返す。
func ByDate(entries []model.TrackingEntry, page string) []DateMinutes {
	perDate := make(map[string]float64)
	for _, e := range entries {
		if e.Page != page {
			continue
		}
		perDate[streak.DateKey(e.StartTime)] += Minutes(e)
	}
	return sortedDays(perDate)
}

// ByResource は指定ページの区間をリソースIDと開始日ごとに合計する。
// リソースIDの昇順、各リソース内は日付の昇順で返す。
func ByResource(entries []model.TrackingEntry, page string) []ResourceMinutes {
	perResource := make(map[string]map[string]float64)
	for _, e := range entries {
		if e.Page != page {
			continue
		}
		days, ok := perResource[e.PageID]
		if !ok {
			days = make(map[string]float64)
			perResource[e.PageID] = days
		}
		days[streak.DateKey(e.StartTime)] += Minutes(e)
	}

	ids := make([]string, 0, len(perResource))
	for id := range perResource {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	result := make([]ResourceMinutes, 0, len(ids))
	for _, id := range ids {
		result = append(result, ResourceMinutes{PageID: id, Days: sortedDays(perResource[id])})
	}
	return result
}

// TotalMinutes は指定ページの区間の合計分数を返す。
func TotalMinutes(entries []model.TrackingEntry, page string) float64 {
	var total float64
	for _, e := range entries {
		if e.Page == page {
			total += Minutes(e)
		}
	}
	return total
}

// Summarize はSectionsの各ページと全体の集計を返す。
// 全体平均の分母はnow時点での登録からの経過日数（切り上げ、最小1日）。
func Summarize(entries []model.TrackingEntry, registeredAt, now time.Time) SectionReport {
	sinceRegistration := daysSince(registeredAt, now)

	perSection := make(map[string]map[string]float64, len(Sections))
	for _, s := range Sections {
		perSection[s] = make(map[string]float64)
	}
	allDates := make(map[string]struct{})

	for _, e := range entries {
		days, ok := perSection[e.Page]
		if !ok {
			continue
		}
		key := streak.DateKey(e.StartTime)
		days[key] += Minutes(e)
		allDates[key] = struct{}{}
	}

	report := SectionReport{Sections: make(map[string]Rollup, len(Sections))}
	var combined float64
	for _, s := range Sections {
		var total float64
		for _, m := range perSection[s] {
			total += m
		}
		combined += total
		report.Sections[s] = rollup(total, len(perSection[s]), sinceRegistration)
	}
	report.Overall = rollup(combined, len(allDates), sinceRegistration)
	return report
}

// rollup はactiveDaysを各期間の日数で頭打ちにした分母で平均値を算出する。
// activeDaysが0の場合は平均値をすべて0とする。
func rollup(total float64, activeDays, sinceRegistration int) Rollup {
	r := Rollup{TotalMinutes: total, ActiveDays: activeDays}
	if activeDays > 0 {
		r.DailyAverage = total / float64(activeDays)
		r.WeeklyAverage = total / float64(min(WeekDays, activeDays))
		r.MonthlyAverage = total / float64(min(MonthDays, activeDays))
		r.YearlyAverage = total / float64(min(YearDays, activeDays))
	}
	r.OverallAverage = total / float64(max(1, sinceRegistration))
	return r
}

func daysSince(from, now time.Time) int {
	if from.IsZero() || !now.After(from) {
		return 1
	}
	days := int(math.Ceil(now.Sub(from).Hours() / 24))
	return max(1, days)
}

func sortedDays(perDate map[string]float64) []DateMinutes {
	result := make([]DateMinutes, 0, len(perDate))
	for date, m := range perDate {
		result = append(result, DateMinutes{Date: date, Minutes: m})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Date < result[j].Date })
	return result
}
