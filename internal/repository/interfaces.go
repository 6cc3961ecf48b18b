// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/hitoshi/studypulse/internal/model"
)

// AccountMutation はアカウント1件に対する1回の原子的な更新で書き込む内容。
// nilのフィールドは変更しない。
type AccountMutation struct {
	Session     *model.DeviceSession
	Streak      *model.StreakState
	Activation  *model.ActivationState
	AccessUntil *time.Time

	// AppendLogin はログイン履歴の末尾に追加するエントリ。
	AppendLogin *model.LoginHistoryEntry

	// CloseLatestLoginAt が設定されている場合、最新のログイン履歴が未ログアウトであれば
	// その時刻でログアウト時刻を埋める。最新が既に閉じている場合は何もしない。
	CloseLatestLoginAt *time.Time
}

// MutateFunc はロック済みのアカウントを受け取り、書き込む内容を返す。
// nilを返した場合は何も書き込まない。エラーを返した場合はロールバックする。
type MutateFunc func(account *model.Account) (*AccountMutation, error)

// AccountRepository はアカウントデータの永続化インターフェース。
type AccountRepository interface {
	// FindByID は指定IDのアカウントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Account, error)

	// FindByIdentityKey はIdPの安定IDでアカウントを検索する。見つからない場合はnilを返す。
	FindByIdentityKey(ctx context.Context, identityKey string) (*model.Account, error)

	// List は全アカウントを作成日時の昇順で返す。
	List(ctx context.Context) ([]*model.Account, error)

	// CreateWithLogin はアカウントと最初のログイン履歴を同一トランザクションで作成する。
	CreateWithLogin(ctx context.Context, account *model.Account, login *model.LoginHistoryEntry) error

	// Update はアカウント行をロックした状態でfnを呼び出し、返された変更を書き込む。
	// 同一アカウントへの更新は直列化され、異なるアカウント間では競合しない。
	// アカウントが存在しない場合はmodel.ErrCodeAccountNotFoundのAPIErrorを返す。
	Update(ctx context.Context, id string, fn MutateFunc) (*model.Account, error)

	// DeleteByID は指定IDのアカウントを削除する。
	// login_history、tracking_entries、フラグはCASCADE削除される。
	DeleteByID(ctx context.Context, id string) error
}

// LoginHistoryRepository はログイン履歴の参照インターフェース。
type LoginHistoryRepository interface {
	// ListByAccountID はアカウントのログイン履歴を追記順に返す。
	ListByAccountID(ctx context.Context, accountID string) ([]model.LoginHistoryEntry, error)
}

// CloseQuery はページ離脱時に閉じるトラッキング区間の検索条件。
type CloseQuery struct {
	AccountID string
	Page      string
	PageID    string

	// ConnectionID が空でない場合は接続IDでも絞り込む。
	ConnectionID string
}

// AccountTracking はアカウントの概要とトラッキング区間の組。
type AccountTracking struct {
	AccountID string
	Name      string
	Email     string
	Entries   []model.TrackingEntry
}

// TrackingRepository はトラッキング区間の永続化インターフェース。
// 区間は削除されず、閉じられた区間は集計に使われる。
type TrackingRepository interface {
	// Append は区間を追加する。アカウントが存在しない場合はACCOUNT_NOT_FOUNDを返す。
	Append(ctx context.Context, entry *model.TrackingEntry) error

	// CloseOldestOpen は条件に一致する開いた区間のうち最も古い1件を閉じる。
	// 閉じた件数（0または1）を返す。
	CloseOldestOpen(ctx context.Context, q CloseQuery, at time.Time) (int64, error)

	// CloseByConnection は接続IDを持つ開いた区間をすべて閉じる。
	// 区間を持つアカウントのIDと閉じた件数を返す。該当がなければ空文字列と0を返す。
	CloseByConnection(ctx context.Context, connectionID string, at time.Time) (string, int64, error)

	// ListByAccountID はアカウントの区間を追記順に返す。
	ListByAccountID(ctx context.Context, accountID string) ([]model.TrackingEntry, error)

	// ListByPage は指定ページカテゴリの区間を持つ全アカウントを返す。
	ListByPage(ctx context.Context, page string) ([]AccountTracking, error)
}

// FlagRepository はアカウントのフラグ状態の永続化インターフェース。
// 値の投入は外部の検出処理から行われる。
type FlagRepository interface {
	// ListFlagged はflagged=trueのアカウントをフラグ状態付きで返す。
	ListFlagged(ctx context.Context) ([]*model.Account, error)

	// AppendIPFlag はIPフラグを追加し、アカウントをflagged=trueにする。
	AppendIPFlag(ctx context.Context, accountID string, flag model.IPFlag) error

	// AppendLoginFlag はログイン集中フラグを追加し、アカウントをflagged=trueにする。
	AppendLoginFlag(ctx context.Context, accountID string, flag model.LoginFlag) error
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
