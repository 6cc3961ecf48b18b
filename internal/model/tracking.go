package model

import "time"

// PresenceState はトラッキング区間の状態。Closedは終端状態。
type PresenceState string

const (
	PresenceOpen   PresenceState = "open"
	PresenceClosed PresenceState = "closed"
)

// 観測済みのページカテゴリ。
const (
	PageCourse   = "course"
	PageTodo     = "todo"
	PagePomodoro = "pomodoro"
)

// TrackingEntry はあるページに滞在した1区間を表す。
type TrackingEntry struct {
	ID           int64
	AccountID    string
	Page         string
	PageID       string
	ConnectionID string
	StartTime    time.Time
	EndTime      *time.Time
	State        PresenceState
}

// Duration は区間の長さを返す。終了していない区間は0とする。
func (e *TrackingEntry) Duration() time.Duration {
	if e.EndTime == nil {
		return 0
	}
	d := e.EndTime.Sub(e.StartTime)
	if d < 0 {
		return 0
	}
	return d
}
