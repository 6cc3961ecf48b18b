// Package presence はプッシュ接続から届くページの入退室イベントを受け取り、
// トラッキング区間の開始・終了を記録する。
//
// 記録はベストエフォートで、失敗はログとメトリクスに残して呼び出し元には返さない。
package presence

import (
	"context"
	"log/slog"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/hitoshi/studypulse/internal/metrics"
	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/repository"
)

// LeaveScope はページ離脱時に閉じる区間の絞り込み範囲。
type LeaveScope string

const (
	// LeaveScopeConnection は同じ接続で開かれた区間のみを閉じる。
	LeaveScopeConnection LeaveScope = "connection"
	// LeaveScopePage は接続を問わず、同じページ・リソースの最も古い開いた区間を閉じる。
	LeaveScopePage LeaveScope = "page"
)

// イベント種別。メトリクスのラベルとプッシュ接続のメッセージ種別に使う。
const (
	EventJoinPage   = "joinPage"
	EventLeavePage  = "leavePage"
	EventDisconnect = "disconnect"
)

// Config はTrackerの設定。
type Config struct {
	LeaveScope   LeaveScope
	WriteTimeout time.Duration
	IndexTTL     time.Duration
}

// DefaultConfig はデフォルト設定を返す。
func DefaultConfig() Config {
	return Config{
		LeaveScope:   LeaveScopeConnection,
		WriteTimeout: 5 * time.Second,
		IndexTTL:     24 * time.Hour,
	}
}

// Tracker はトラッキング区間の状態遷移（Open→Closed）を管理する。
// 同一アカウントへのイベントはプロセス内で直列化され、到着順に記録される。
type Tracker struct {
	repo    repository.TrackingRepository
	metrics metrics.MetricsCollector
	cfg     Config
	locks   *keyedMutex

	// connections は接続IDからアカウントIDへの索引。
	connections *cache.Cache

	now func() time.Time
}

// NewTracker はTrackerを生成する。mcがnilの場合はメトリクスを記録しない。
func NewTracker(repo repository.TrackingRepository, mc metrics.MetricsCollector, cfg Config) *Tracker {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if cfg.LeaveScope == "" {
		cfg.LeaveScope = LeaveScopeConnection
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	if cfg.IndexTTL <= 0 {
		cfg.IndexTTL = DefaultConfig().IndexTTL
	}
	return &Tracker{
		repo:        repo,
		metrics:     mc,
		cfg:         cfg,
		locks:       newKeyedMutex(),
		connections: cache.New(cfg.IndexTTL, cfg.IndexTTL/2),
		now:         time.Now,
	}
}

// Register は接続IDとアカウントの対応を登録する。接続確立時に呼び出す。
func (t *Tracker) Register(connectionID, accountID string) {
	t.connections.Set(connectionID, accountID, t.cfg.IndexTTL)
}

// OnPageEnter は新しい開いた区間を追加する。
// 同じ接続に開いた区間が既にあっても確認せずに追加する。
func (t *Tracker) OnPageEnter(ctx context.Context, accountID, page, pageID, connectionID string) {
	t.metrics.RecordPresenceEvent(EventJoinPage)
	t.Register(connectionID, accountID)

	unlock := t.locks.Lock(accountID)
	defer unlock()

	ctx, cancel := t.writeContext(ctx)
	defer cancel()

	entry := &model.TrackingEntry{
		AccountID:    accountID,
		Page:         page,
		PageID:       pageID,
		ConnectionID: connectionID,
		StartTime:    t.now(),
		State:        model.PresenceOpen,
	}
	if err := t.repo.Append(ctx, entry); err != nil {
		t.fail(model.NewTelemetryWriteError(EventJoinPage, err), accountID, connectionID, page)
		return
	}

	slog.Debug("tracking entry opened",
		slog.String("account_id", accountID),
		slog.String("connection_id", connectionID),
		slog.String("page", page),
		slog.Int64("entry_id", entry.ID),
	)
}

// OnPageLeave は一致する開いた区間のうち最も古い1件を閉じる。一致がなければ何もしない。
func (t *Tracker) OnPageLeave(ctx context.Context, accountID, page, pageID, connectionID string) {
	t.metrics.RecordPresenceEvent(EventLeavePage)

	unlock := t.locks.Lock(accountID)
	defer unlock()

	ctx, cancel := t.writeContext(ctx)
	defer cancel()

	q := repository.CloseQuery{AccountID: accountID, Page: page, PageID: pageID}
	if t.cfg.LeaveScope == LeaveScopeConnection {
		q.ConnectionID = connectionID
	}

	closed, err := t.repo.CloseOldestOpen(ctx, q, t.now())
	if err != nil {
		t.fail(model.NewTelemetryWriteError(EventLeavePage, err), accountID, connectionID, page)
		return
	}
	if closed == 0 {
		slog.Debug("no open tracking entry to close",
			slog.String("account_id", accountID),
			slog.String("connection_id", connectionID),
			slog.String("page", page),
		)
	}
}

// OnConnectionDrop は接続IDを持つ開いた区間をすべて閉じる。
// 区間がない場合やアカウントが削除済みの場合は何もしない。
func (t *Tracker) OnConnectionDrop(ctx context.Context, connectionID string) {
	t.metrics.RecordPresenceEvent(EventDisconnect)

	accountID := ""
	if v, ok := t.connections.Get(connectionID); ok {
		accountID = v.(string)
	}
	t.connections.Delete(connectionID)

	if accountID != "" {
		unlock := t.locks.Lock(accountID)
		defer unlock()
	}

	ctx, cancel := t.writeContext(ctx)
	defer cancel()

	owner, closed, err := t.repo.CloseByConnection(ctx, connectionID, t.now())
	if err != nil {
		t.fail(model.NewTelemetryWriteError(EventDisconnect, err), accountID, connectionID, "")
		return
	}
	if closed > 0 {
		slog.Info("tracking entries closed on disconnect",
			slog.String("account_id", owner),
			slog.String("connection_id", connectionID),
			slog.Int64("closed", closed),
		)
	}
}

// writeContext は呼び出し元のキャンセルから切り離し、書き込みタイムアウトを付けたコンテキストを返す。
// 接続切断時もクローズ処理を完了させる。
func (t *Tracker) writeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), t.cfg.WriteTimeout)
}

func (t *Tracker) fail(err error, accountID, connectionID, page string) {
	t.metrics.RecordPresenceWriteFailure()
	slog.Warn("telemetry write failed",
		slog.String("account_id", accountID),
		slog.String("connection_id", connectionID),
		slog.String("page", page),
		slog.String("error", err.Error()),
	)
}
