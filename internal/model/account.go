// Package model はドメインモデルを定義する。
package model

import "time"

// ActivationState はアカウントの利用可否を表す。
// 新規アカウントはPendingで作成され、管理者の操作でActive/Blockedに遷移する。
type ActivationState string

const (
	ActivationPending ActivationState = "pending"
	ActivationActive  ActivationState = "active"
	ActivationBlocked ActivationState = "blocked"
)

// IsActive はアカウントが製品を利用可能な状態かどうかを返す。
func (s ActivationState) IsActive() bool {
	return s == ActivationActive
}

// SessionState はアカウントに保存されている現行デバイスセッションの状態を表す。
// Replacedは保存されることはなく、提示されたデバイスIDが現行セッションと
// 一致しなかった場合の判定結果としてのみ使われる。
type SessionState string

const (
	SessionActive    SessionState = "active"
	SessionReplaced  SessionState = "replaced"
	SessionLoggedOut SessionState = "logged_out"
)

// DeviceInfo はクライアントが申告したブラウザとOSの情報。
type DeviceInfo struct {
	Browser string `json:"browser"`
	OS      string `json:"os"`
}

// DeviceSession はアカウントに1つだけ存在する権威あるログインセッション。
// 新しいログインが成功すると無条件に上書きされる。
type DeviceSession struct {
	DeviceID     string
	Device       DeviceInfo
	IP           string
	LastActivity time.Time
	State        SessionState
}

// IsActive はセッションがログアウトされていないかどうかを返す。
func (s *DeviceSession) IsActive() bool {
	return s != nil && s.State == SessionActive
}

// LoginHistoryEntry はログイン履歴の1件を表す。追記のみで、削除はされない。
type LoginHistoryEntry struct {
	ID         int64
	AccountID  string
	Device     DeviceInfo
	IP         string
	LoginTime  time.Time
	LogoutTime *time.Time
}

// Account はユーザーのアイデンティティと、そのユーザーが所有する全状態を表す。
// LoginHistoryとTrackingLogはサイドテーブルに保存され、必要な場合のみ読み込まれる。
type Account struct {
	ID           string
	IdentityKey  string
	Name         string
	Email        string
	AvatarURL    string
	Activation   ActivationState
	IsAdmin      bool
	AccessUntil  *time.Time
	RegisteredIP string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Session      *DeviceSession
	Streak       StreakState
	Flags        FlagState
}

// AccessExpired は購読期限が過ぎているかどうかを返す。
// AccessUntilが未設定の場合は期限切れとみなさない。
func (a *Account) AccessExpired(now time.Time) bool {
	if a.AccessUntil == nil {
		return false
	}
	return now.After(*a.AccessUntil)
}

// IdentityProfile はIdPから受け取ったユーザー情報。検証せずにそのまま信頼する。
type IdentityProfile struct {
	StableID    string
	DisplayName string
	Email       string
	AvatarURL   string
}
