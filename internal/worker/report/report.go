// Package report はフラグ付きアカウントの定期集計ジョブを提供する。
// 深刻度ごとの件数をログとメトリクス（ゲージ）に記録する。
package report

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/studypulse/internal/anomaly"
	"github.com/hitoshi/studypulse/internal/metrics"
	"github.com/hitoshi/studypulse/internal/model"
)

// Reporter はフラグ付きアカウントのレポートを生成するインターフェース。
type Reporter interface {
	FlaggedReport(ctx context.Context) (*anomaly.Report, error)
}

// FlaggedReportJob はフラグ付きアカウントを分類し、深刻度ごとの件数を記録するジョブ。
// 読み取りのみで、何度実行しても状態は変わらない。
type FlaggedReportJob struct {
	reporter Reporter
	metrics  metrics.MetricsCollector
	logger   *slog.Logger
}

// NewFlaggedReportJob は新しいFlaggedReportJobを生成する。
func NewFlaggedReportJob(reporter Reporter, mc metrics.MetricsCollector, logger *slog.Logger) *FlaggedReportJob {
	if mc == nil {
		mc = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FlaggedReportJob{
		reporter: reporter,
		metrics:  mc,
		logger:   logger,
	}
}

// Run はレポートを1回生成し、件数をゲージに設定する。
func (j *FlaggedReportJob) Run(ctx context.Context) error {
	start := time.Now()

	report, err := j.reporter.FlaggedReport(ctx)
	if err != nil {
		j.logger.Error("フラグ付きアカウントの集計に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("フラグ付きアカウントの集計に失敗: %w", err)
	}

	j.metrics.SetFlaggedAccounts(report.Counts)

	j.logger.Info("フラグ付きアカウントの集計が完了しました",
		slog.Int("flagged_count", len(report.Accounts)),
		slog.Int("severity_none", report.Counts[model.SeverityNone]),
		slog.Int("severity_low", report.Counts[model.SeverityLow]),
		slog.Int("severity_medium", report.Counts[model.SeverityMedium]),
		slog.Int("severity_high", report.Counts[model.SeverityHighDanger]),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降interval間隔でctxがキャンセルされるまで実行する。
// 失敗はログに記録して次の周期に持ち越す。
func (j *FlaggedReportJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
