package model

import "time"

// Severity はアカウントの不審利用の深刻度。
type Severity string

const (
	SeverityNone       Severity = "none"
	SeverityLow        Severity = "low"
	SeverityMedium     Severity = "medium"
	SeverityHighDanger Severity = "high/danger"
)

// IPFlag は不審なIPアドレスの検出記録。
type IPFlag struct {
	IP         string    `json:"ip"`
	DetectedAt time.Time `json:"detectedAt"`
}

// FlaggedDevice はログイン集中検出時に記録されたデバイスセッションのスナップショット。
type FlaggedDevice struct {
	DeviceID  string     `json:"deviceId"`
	Device    DeviceInfo `json:"deviceInfo"`
	IP        string     `json:"ip"`
	LastLogin time.Time  `json:"lastLogin"`
	Active    bool       `json:"isActive"`
}

// LoginFlag は短時間に複数デバイスからのログインが検出された日の記録。
type LoginFlag struct {
	Date    string          `json:"date"`
	Devices []FlaggedDevice `json:"devices"`
}

// FlagState はアカウントのフラグ状態。
// 値の投入は外部の検出処理が行い、このサービスは読み取りと分類のみを行う。
type FlagState struct {
	Flagged    bool
	IPFlags    []IPFlag
	LoginFlags []LoginFlag
}
