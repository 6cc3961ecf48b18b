// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, session, validation, presence, system
	Action   string // ユーザー向け対処方法
	Reason   string // 補足の判定理由（INVALID_SESSIONのreplaced/logged_out等）
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeAccountNotFound       = "ACCOUNT_NOT_FOUND"
	ErrCodeAccountBlocked        = "ACCOUNT_BLOCKED"
	ErrCodeInvalidSession        = "INVALID_SESSION"
	ErrCodeTelemetryWriteFailure = "TELEMETRY_WRITE_FAILED"
	ErrCodeInvalidRequest        = "INVALID_REQUEST"
	ErrCodeForbidden             = "FORBIDDEN"
)

// NewAccountNotFoundError はアカウント未検出エラーを生成する。
func NewAccountNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  "アカウントが見つかりません。",
		Category: "auth",
		Action:   "ログインし直してください。",
	}
}

// NewAccountBlockedError は利用停止中アカウントのエラーを生成する。
// 承認待ちと管理者による停止はメッセージで区別する。
func NewAccountBlockedError(state ActivationState) *APIError {
	if state == ActivationPending {
		return &APIError{
			Code:     ErrCodeAccountBlocked,
			Message:  "アカウントは承認待ちです。",
			Category: "auth",
			Action:   "管理者による有効化をお待ちください。",
			Reason:   string(ActivationPending),
		}
	}
	return &APIError{
		Code:     ErrCodeAccountBlocked,
		Message:  "アカウントは利用停止中です。",
		Category: "auth",
		Action:   "サポートにお問い合わせください。",
		Reason:   string(ActivationBlocked),
	}
}

// NewInvalidSessionError は無効なデバイスセッションのエラーを生成する。
// 別デバイスでのログインによる置き換えとログアウト済みを区別する。
func NewInvalidSessionError(state SessionState) *APIError {
	if state == SessionReplaced {
		return &APIError{
			Code:     ErrCodeInvalidSession,
			Message:  "別の端末でログインされたため、このセッションは無効になりました。",
			Category: "session",
			Action:   "この端末で利用を続ける場合は再度ログインしてください。",
			Reason:   string(SessionReplaced),
		}
	}
	return &APIError{
		Code:     ErrCodeInvalidSession,
		Message:  "セッションは無効または期限切れです。",
		Category: "session",
		Action:   "ログインしてください。",
		Reason:   string(state),
	}
}

// NewTelemetryWriteError はトラッキング記録の失敗を表す。
// HTTP応答には使われず、ログ出力にのみ使われる。
func NewTelemetryWriteError(op string, cause error) error {
	return fmt.Errorf("%w: %s: %v", &APIError{
		Code:     ErrCodeTelemetryWriteFailure,
		Message:  "トラッキングの記録に失敗しました。",
		Category: "presence",
	}, op, cause)
}

// NewInvalidRequestError はリクエスト内容が不正な場合のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("リクエストが不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewForbiddenError は管理者権限が必要な操作のエラーを生成する。
func NewForbiddenError() *APIError {
	return &APIError{
		Code:     ErrCodeForbidden,
		Message:  "この操作を行う権限がありません。",
		Category: "auth",
		Action:   "管理者アカウントでログインしてください。",
	}
}

// IsAccountNotFound はerrがACCOUNT_NOT_FOUNDかどうかを返す。
func IsAccountNotFound(err error) bool {
	return hasCode(err, ErrCodeAccountNotFound)
}

// IsAccountBlocked はerrがACCOUNT_BLOCKEDかどうかを返す。
func IsAccountBlocked(err error) bool {
	return hasCode(err, ErrCodeAccountBlocked)
}

func hasCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}
