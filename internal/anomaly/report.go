package anomaly

import (
	"context"
	"fmt"

	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/repository"
)

// FlaggedAccount は管理レポートの1行。
type FlaggedAccount struct {
	Account  *model.Account
	Severity model.Severity
}

// Report は深刻度ごとの集計付きのフラグ付きアカウント一覧。
type Report struct {
	Accounts []FlaggedAccount
	Counts   map[model.Severity]int
}

// Service はフラグ付きアカウントのレポートを生成する。
type Service struct {
	flagRepo repository.FlagRepository
}

// NewService はServiceを生成する。
func NewService(flagRepo repository.FlagRepository) *Service {
	return &Service{flagRepo: flagRepo}
}

// FlaggedReport はflagged=trueのアカウントを分類して返す。
// Countsには4段階すべてのキーが含まれる。
func (s *Service) FlaggedReport(ctx context.Context) (*Report, error) {
	accounts, err := s.flagRepo.ListFlagged(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list flagged accounts: %w", err)
	}

	report := &Report{
		Accounts: make([]FlaggedAccount, 0, len(accounts)),
		Counts: map[model.Severity]int{
			model.SeverityNone:       0,
			model.SeverityLow:        0,
			model.SeverityMedium:     0,
			model.SeverityHighDanger: 0,
		},
	}
	for _, a := range accounts {
		sev := Classify(a.Flags)
		report.Accounts = append(report.Accounts, FlaggedAccount{Account: a, Severity: sev})
		report.Counts[sev]++
	}
	return report, nil
}

// RecordIPFlag は外部の検出処理から受け取ったIPフラグを記録する。
func (s *Service) RecordIPFlag(ctx context.Context, accountID string, flag model.IPFlag) error {
	if flag.IP == "" {
		return model.NewInvalidRequestError("ip is required")
	}
	if flag.DetectedAt.IsZero() {
		return model.NewInvalidRequestError("detectedAt is required")
	}
	return s.flagRepo.AppendIPFlag(ctx, accountID, flag)
}

// RecordLoginFlag は外部の検出処理から受け取ったログイン集中フラグを記録する。
func (s *Service) RecordLoginFlag(ctx context.Context, accountID string, flag model.LoginFlag) error {
	if flag.Date == "" {
		return model.NewInvalidRequestError("date is required")
	}
	return s.flagRepo.AppendLoginFlag(ctx, accountID, flag)
}
