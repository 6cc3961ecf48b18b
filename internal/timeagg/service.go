package timeagg

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/repository"
)

// LeaderboardEntry はランキングの1行。
type LeaderboardEntry struct {
	AccountID    string
	Name         string
	Email        string
	TotalMinutes float64
}

// PageReport はページ別の日付集計。courseの場合はリソース別の集計も含む。
type PageReport struct {
	Page      string
	Days      []DateMinutes
	Resources []ResourceMinutes
}

// Service はリポジトリから区間を読み込み、集計結果を返す。
type Service struct {
	accountRepo  repository.AccountRepository
	trackingRepo repository.TrackingRepository
	now          func() time.Time
}

// NewService はServiceを生成する。
func NewService(accountRepo repository.AccountRepository, trackingRepo repository.TrackingRepository) *Service {
	return &Service{
		accountRepo:  accountRepo,
		trackingRepo: trackingRepo,
		now:          time.Now,
	}
}

// SectionReport はアカウントのセクション別集計を返す。
func (s *Service) SectionReport(ctx context.Context, accountID string) (*SectionReport, error) {
	account, err := s.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError()
	}

	entries, err := s.trackingRepo.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking entries: %w", err)
	}

	report := Summarize(entries, account.CreatedAt, s.now())
	return &report, nil
}

// PageReport はアカウントの指定ページの日付別集計を返す。
func (s *Service) PageReport(ctx context.Context, accountID, page string) (*PageReport, error) {
	if page == "" {
		return nil, model.NewInvalidRequestError("page is required")
	}

	account, err := s.accountRepo.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError()
	}

	entries, err := s.trackingRepo.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tracking entries: %w", err)
	}

	report := &PageReport{Page: page, Days: ByDate(entries, page)}
	if page == model.PageCourse {
		report.Resources = ByResource(entries, page)
	}
	return report, nil
}

// Leaderboard はcourseの合計滞在時間が多い順にアカウントを返す。合計0のアカウントは含まない。
func (s *Service) Leaderboard(ctx context.Context) ([]LeaderboardEntry, error) {
	tracks, err := s.trackingRepo.ListByPage(ctx, model.PageCourse)
	if err != nil {
		return nil, fmt.Errorf("failed to list course tracking: %w", err)
	}
	return RankByPage(tracks, model.PageCourse), nil
}

// RankByPage は指定ページの合計分数でアカウントを降順に並べる。
// 同じ合計の場合は入力順を保つ。
func RankByPage(tracks []repository.AccountTracking, page string) []LeaderboardEntry {
	board := make([]LeaderboardEntry, 0, len(tracks))
	for _, t := range tracks {
		total := TotalMinutes(t.Entries, page)
		if total <= 0 {
			continue
		}
		board = append(board, LeaderboardEntry{
			AccountID:    t.AccountID,
			Name:         t.Name,
			Email:        t.Email,
			TotalMinutes: total,
		})
	}
	sort.SliceStable(board, func(i, j int) bool { return board[i].TotalMinutes > board[j].TotalMinutes })
	return board
}
