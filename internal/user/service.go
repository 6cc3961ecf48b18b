// Package user はアカウント管理（管理者向け操作と本人向け操作）のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/repository"
	"github.com/hitoshi/studypulse/internal/streak"
)

// Subscription は管理画面の利用期限一覧の1行。
type Subscription struct {
	AccountID     string
	Name          string
	Email         string
	Activation    model.ActivationState
	AccessUntil   *time.Time
	AccessExpired bool
}

// Service はアカウント管理のサービス層。
type Service struct {
	accounts repository.AccountRepository
	logins   repository.LoginHistoryRepository
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(accounts repository.AccountRepository, logins repository.LoginHistoryRepository) *Service {
	return &Service{
		accounts: accounts,
		logins:   logins,
		now:      time.Now,
	}
}

// Get は指定IDのアカウントを返す。存在しない場合はACCOUNT_NOT_FOUNDを返す。
func (s *Service) Get(ctx context.Context, accountID string) (*model.Account, error) {
	account, err := s.accounts.FindByID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	if account == nil {
		return nil, model.NewAccountNotFoundError()
	}
	return account, nil
}

// List は全アカウントを返す。
func (s *Service) List(ctx context.Context) ([]*model.Account, error) {
	accounts, err := s.accounts.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, nil
}

// LoginHistory はアカウントのログイン履歴を返す。
func (s *Service) LoginHistory(ctx context.Context, accountID string) ([]model.LoginHistoryEntry, error) {
	if _, err := s.Get(ctx, accountID); err != nil {
		return nil, err
	}
	history, err := s.logins.ListByAccountID(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list login history: %w", err)
	}
	return history, nil
}

// Subscriptions は全アカウントの有効化状態と利用期限を返す。
func (s *Service) Subscriptions(ctx context.Context) ([]Subscription, error) {
	accounts, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	subs := make([]Subscription, 0, len(accounts))
	for _, a := range accounts {
		subs = append(subs, Subscription{
			AccountID:     a.ID,
			Name:          a.Name,
			Email:         a.Email,
			Activation:    a.Activation,
			AccessUntil:   a.AccessUntil,
			AccessExpired: a.AccessExpired(now),
		})
	}
	return subs, nil
}

// ToggleStatus は有効化状態を切り替える。
// 承認待ち・停止中は有効に、有効は停止中になる。accessUntilが指定された場合は利用期限も更新する。
func (s *Service) ToggleStatus(ctx context.Context, accountID string, accessUntil *time.Time) (*model.Account, error) {
	account, err := s.accounts.Update(ctx, accountID, func(a *model.Account) (*repository.AccountMutation, error) {
		next := model.ActivationActive
		if a.Activation.IsActive() {
			next = model.ActivationBlocked
		}
		return &repository.AccountMutation{Activation: &next, AccessUntil: accessUntil}, nil
	})
	if err != nil {
		if model.IsAccountNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to toggle account status: %w", err)
	}

	slog.Info("account status changed",
		slog.String("account_id", account.ID),
		slog.String("activation", string(account.Activation)),
	)
	return account, nil
}

// Delete はアカウントを削除する。
// ログイン履歴・トラッキング区間・フラグはCASCADE削除される。
func (s *Service) Delete(ctx context.Context, accountID string) error {
	if err := s.accounts.DeleteByID(ctx, accountID); err != nil {
		if model.IsAccountNotFound(err) {
			return err
		}
		return fmt.Errorf("failed to delete account: %w", err)
	}

	slog.Info("account deleted", slog.String("account_id", accountID))
	return nil
}

// TouchStreak は本日のアクティビティとしてストリークを更新し、更新後の状態を返す。
// 同じ日に何度呼んでも結果は変わらない。
func (s *Service) TouchStreak(ctx context.Context, accountID string) (model.StreakState, error) {
	account, err := s.accounts.Update(ctx, accountID, func(a *model.Account) (*repository.AccountMutation, error) {
		next := streak.OnActivity(a.Streak, s.now())
		return &repository.AccountMutation{Streak: &next}, nil
	})
	if err != nil {
		if model.IsAccountNotFound(err) {
			return model.StreakState{}, err
		}
		return model.StreakState{}, fmt.Errorf("failed to update streak: %w", err)
	}
	return account.Streak, nil
}
