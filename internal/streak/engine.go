// Package streak は連続活動日数（ストリーク）の計算を提供する。
//
// 日付の比較はすべてUTCの暦日（YYYY-MM-DD）で行う。
// クライアントのタイムゾーンには依存しない。
package streak

import (
	"time"

	"github.com/hitoshi/studypulse/internal/model"
)

// MaxActivityLog は活動ログに保持する日数の上限。
const MaxActivityLog = 7

// DateKey は時刻をUTCの暦日文字列に変換する。
func DateKey(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

// Initial は新規アカウント用に、todayを初日とするストリーク状態を返す。
func Initial(today time.Time) model.StreakState {
	return OnActivity(model.StreakState{}, today)
}

// OnActivity はtodayに活動があったものとしてストリーク状態を更新した新しい値を返す。
// 入力のstateは変更しない。
//
//   - 最終活動日がtodayと同じ暦日: カウントは変えず、当日の活動ログを保証するのみ
//   - 最終活動日がtodayの前日: streakCountを1増やす
//   - それ以外（2日以上の空白、または未活動）: streakCountを1にリセット
func OnActivity(state model.StreakState, today time.Time) model.StreakState {
	todayKey := DateKey(today)

	next := model.StreakState{
		StreakCount:  state.StreakCount,
		LongestCount: state.LongestCount,
		LastActivity: state.LastActivity,
		Activity:     append([]model.ActivityDay(nil), state.Activity...),
	}

	switch {
	case state.LastActivity == todayKey:
		// 同日の再活動ではカウントしない
	case isPreviousDay(state.LastActivity, todayKey):
		next.StreakCount++
	default:
		next.StreakCount = 1
	}

	if next.StreakCount < 1 {
		next.StreakCount = 1
	}
	if next.LongestCount < next.StreakCount {
		next.LongestCount = next.StreakCount
	}

	next.Activity = upsertDay(next.Activity, model.ActivityDay{
		Day:    today.UTC().Weekday().String()[:3],
		Date:   todayKey,
		Active: true,
	})
	next.LastActivity = todayKey

	return next
}

// isPreviousDay はlastがtodayのちょうど1暦日前かどうかを返す。
func isPreviousDay(last, today string) bool {
	if last == "" {
		return false
	}
	lastDate, err := time.Parse(time.DateOnly, last)
	if err != nil {
		return false
	}
	todayDate, err := time.Parse(time.DateOnly, today)
	if err != nil {
		return false
	}
	return lastDate.AddDate(0, 0, 1).Equal(todayDate)
}

// upsertDay は同じ日付のエントリがあれば置き換え、なければ末尾に追加する。
// 上限を超えた分は古い順に捨てる。
func upsertDay(log []model.ActivityDay, day model.ActivityDay) []model.ActivityDay {
	for i := range log {
		if log[i].Date == day.Date {
			log[i] = day
			return log
		}
	}

	log = append(log, day)
	if len(log) > MaxActivityLog {
		log = log[len(log)-MaxActivityLog:]
	}
	return log
}
