// Package auth はデバイスセッションの発行・検証・破棄と、Google OAuthによるログインフローを提供する。
//
// アカウントごとに有効なデバイスセッションは1つだけで、新しいログインは既存のセッションを
// 無条件に置き換える。置き換えられた端末へ通知は行わず、端末側の定期的な
// セッション確認で検出される。
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/studypulse/internal/metrics"
	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/repository"
	"github.com/hitoshi/studypulse/internal/streak"
)

// AuthResult は認証の結果。
type AuthResult struct {
	Account  *model.Account
	DeviceID string

	// Created は今回の認証でアカウントが新規作成されたかどうか。
	// 新規アカウントは承認待ちで、まだ製品を利用できない。
	Created bool
}

// Validity はセッション確認の結果。
type Validity struct {
	Valid   bool
	State   model.SessionState
	Account *model.Account
}

// Reason は無効な場合の利用者向けの理由を返す。有効な場合は空文字列。
func (v *Validity) Reason() string {
	if v.Valid {
		return ""
	}
	return model.NewInvalidSessionError(v.State).Message
}

// Registry はアカウントごとに1つのデバイスセッションを管理する。
type Registry struct {
	accounts repository.AccountRepository
	metrics  metrics.MetricsCollector

	now         func() time.Time
	newDeviceID func() string
}

// NewRegistry はRegistryを生成する。mcがnilの場合はメトリクスを記録しない。
func NewRegistry(accounts repository.AccountRepository, mc metrics.MetricsCollector) *Registry {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Registry{
		accounts:    accounts,
		metrics:     mc,
		now:         time.Now,
		newDeviceID: func() string { return uuid.New().String() },
	}
}

// Authenticate はIdPで認証済みのユーザーにデバイスセッションを発行する。
//
// 未登録の場合は承認待ちのアカウントを作成する。承認待ち・停止中のアカウントは
// ACCOUNT_BLOCKEDを返し、何も書き込まない。有効なアカウントはデバイスセッションを
// 上書きし、ログイン履歴の追加とストリークの更新を1回の書き込みで行う。
func (r *Registry) Authenticate(ctx context.Context, profile model.IdentityProfile, device model.DeviceInfo, ip string) (*AuthResult, error) {
	if profile.StableID == "" {
		return nil, model.NewInvalidRequestError("identity key is required")
	}

	existing, err := r.accounts.FindByIdentityKey(ctx, profile.StableID)
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}

	if existing == nil {
		result, createErr := r.createPending(ctx, profile, device, ip)
		if createErr == nil {
			return result, nil
		}
		// 同時ログインで先に作成された場合は既存アカウントとして扱う
		existing, err = r.accounts.FindByIdentityKey(ctx, profile.StableID)
		if err != nil || existing == nil {
			return nil, createErr
		}
	}

	return r.login(ctx, existing.ID, device, ip)
}

func (r *Registry) createPending(ctx context.Context, profile model.IdentityProfile, device model.DeviceInfo, ip string) (*AuthResult, error) {
	now := r.now()
	deviceID := r.newDeviceID()

	account := &model.Account{
		ID:           uuid.New().String(),
		IdentityKey:  profile.StableID,
		Name:         profile.DisplayName,
		Email:        profile.Email,
		AvatarURL:    profile.AvatarURL,
		Activation:   model.ActivationPending,
		RegisteredIP: ip,
		CreatedAt:    now,
		UpdatedAt:    now,
		Session: &model.DeviceSession{
			DeviceID:     deviceID,
			Device:       device,
			IP:           ip,
			LastActivity: now,
			State:        model.SessionActive,
		},
		Streak: streak.Initial(now),
	}
	login := &model.LoginHistoryEntry{Device: device, IP: ip, LoginTime: now}

	if err := r.accounts.CreateWithLogin(ctx, account, login); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	r.metrics.RecordAuth(metrics.AuthCreated)
	slog.Info("new account created",
		slog.String("account_id", account.ID),
		slog.String("email", account.Email),
	)

	return &AuthResult{Account: account, DeviceID: deviceID, Created: true}, nil
}

func (r *Registry) login(ctx context.Context, accountID string, device model.DeviceInfo, ip string) (*AuthResult, error) {
	deviceID := r.newDeviceID()
	replaced := false

	account, err := r.accounts.Update(ctx, accountID, func(a *model.Account) (*repository.AccountMutation, error) {
		if !a.Activation.IsActive() {
			return nil, model.NewAccountBlockedError(a.Activation)
		}

		now := r.now()
		replaced = a.Session.IsActive() && a.Session.DeviceID != deviceID
		nextStreak := streak.OnActivity(a.Streak, now)

		return &repository.AccountMutation{
			Session: &model.DeviceSession{
				DeviceID:     deviceID,
				Device:       device,
				IP:           ip,
				LastActivity: now,
				State:        model.SessionActive,
			},
			Streak:      &nextStreak,
			AppendLogin: &model.LoginHistoryEntry{Device: device, IP: ip, LoginTime: now},
		}, nil
	})
	if err != nil {
		if model.IsAccountBlocked(err) {
			r.metrics.RecordAuth(metrics.AuthBlocked)
			return nil, err
		}
		if model.IsAccountNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to update device session: %w", err)
	}

	r.metrics.RecordAuth(metrics.AuthLogin)
	if replaced {
		r.metrics.RecordSessionReplaced()
	}
	slog.Info("account logged in",
		slog.String("account_id", account.ID),
		slog.Bool("replaced_session", replaced),
		slog.Int("streak", account.Streak.StreakCount),
	)

	return &AuthResult{Account: account, DeviceID: deviceID}, nil
}

// CheckValidity は提示されたデバイスIDが現行のデバイスセッションかどうかを判定する。
// 有効な場合は最終アクティビティ時刻を更新する。
// アカウントが存在しない場合はACCOUNT_NOT_FOUND、有効化されていない場合はACCOUNT_BLOCKEDを返す。
func (r *Registry) CheckValidity(ctx context.Context, accountID, deviceID string) (*Validity, error) {
	var state model.SessionState

	account, err := r.accounts.Update(ctx, accountID, func(a *model.Account) (*repository.AccountMutation, error) {
		if !a.Activation.IsActive() {
			return nil, model.NewAccountBlockedError(a.Activation)
		}

		state = sessionStateFor(a.Session, deviceID)
		if state != model.SessionActive {
			return nil, nil
		}

		refreshed := *a.Session
		refreshed.LastActivity = r.now()
		return &repository.AccountMutation{Session: &refreshed}, nil
	})
	if err != nil {
		switch {
		case model.IsAccountNotFound(err):
			r.metrics.RecordSessionCheck(metrics.CheckNotFound)
			return nil, err
		case model.IsAccountBlocked(err):
			r.metrics.RecordSessionCheck(metrics.CheckBlocked)
			return nil, err
		}
		return nil, fmt.Errorf("failed to check device session: %w", err)
	}

	v := &Validity{Valid: state == model.SessionActive, State: state, Account: account}
	switch state {
	case model.SessionActive:
		r.metrics.RecordSessionCheck(metrics.CheckValid)
	case model.SessionReplaced:
		r.metrics.RecordSessionCheck(metrics.CheckReplaced)
	default:
		r.metrics.RecordSessionCheck(metrics.CheckLoggedOut)
	}
	return v, nil
}

// sessionStateFor は提示されたデバイスIDから見たセッション状態を返す。
// 別のデバイスIDが現行セッションであればReplacedとする。
func sessionStateFor(session *model.DeviceSession, deviceID string) model.SessionState {
	switch {
	case session == nil || deviceID == "":
		return model.SessionLoggedOut
	case session.DeviceID != deviceID:
		return model.SessionReplaced
	case !session.IsActive():
		return model.SessionLoggedOut
	default:
		return model.SessionActive
	}
}

// Logout は提示されたデバイスIDが現行セッションの場合のみセッションを無効化し、
// 最新のログイン履歴が未ログアウトであればログアウト時刻を記録する。
// デバイスIDが一致しない場合は何もしない。繰り返し呼んでも結果は変わらない。
func (r *Registry) Logout(ctx context.Context, accountID, deviceID string) error {
	matched := false

	_, err := r.accounts.Update(ctx, accountID, func(a *model.Account) (*repository.AccountMutation, error) {
		if a.Session == nil || deviceID == "" || a.Session.DeviceID != deviceID {
			return nil, nil
		}
		matched = true

		now := r.now()
		closed := *a.Session
		closed.State = model.SessionLoggedOut
		return &repository.AccountMutation{Session: &closed, CloseLatestLoginAt: &now}, nil
	})
	if err != nil {
		if model.IsAccountNotFound(err) {
			return err
		}
		return fmt.Errorf("failed to log out: %w", err)
	}

	if matched {
		slog.Info("account logged out", slog.String("account_id", accountID))
	} else {
		slog.Debug("logout ignored for stale device", slog.String("account_id", accountID))
	}
	return nil
}
