package model

// ActivityDay はストリークの活動ログの1日分。
type ActivityDay struct {
	Day    string `json:"day"`  // 曜日の短縮表記（Mon, Tue, ...）
	Date   string `json:"date"` // YYYY-MM-DD（UTC）
	Active bool   `json:"active"`
}

// StreakState は連続活動日数の状態を表す。
// LastActivityはUTCの日付文字列（YYYY-MM-DD）で、未活動の場合は空文字列。
type StreakState struct {
	StreakCount  int           `json:"streakCount"`
	LongestCount int           `json:"longestCount"`
	LastActivity string        `json:"lastActivity"`
	Activity     []ActivityDay `json:"activity"`
}
