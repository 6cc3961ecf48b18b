package auth

import (
	"context"
	"fmt"

	"github.com/hitoshi/studypulse/internal/model"
)

// OAuthUserInfo はOAuthプロバイダーから取得したユーザー情報を表す。
type OAuthUserInfo struct {
	ProviderUserID string
	Email          string
	Name           string
	Picture        string
	Provider       string // "google" 等
}

// Profile はIdentityProfileに変換する。
func (u *OAuthUserInfo) Profile() model.IdentityProfile {
	return model.IdentityProfile{
		StableID:    u.ProviderUserID,
		DisplayName: u.Name,
		Email:       u.Email,
		AvatarURL:   u.Picture,
	}
}

// OAuthProvider はOAuth認証プロバイダーのインターフェース。
type OAuthProvider interface {
	// GetLoginURL はOAuth認証URLを生成する。
	GetLoginURL(state string) string
	// ExchangeCode は認可コードをトークンに交換し、ユーザー情報を取得する。
	ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error)
}

// ProfileNormalizer はIdPから受け取ったプロフィールを保存前に正規化する。
type ProfileNormalizer func(model.IdentityProfile) model.IdentityProfile

// Service はOAuthのコード交換からデバイスセッション発行までのログインフローを提供する。
type Service struct {
	oauth     OAuthProvider
	registry  *Registry
	normalize ProfileNormalizer
}

// NewService はServiceを生成する。normalizeがnilの場合はプロフィールをそのまま使う。
func NewService(oauth OAuthProvider, registry *Registry, normalize ProfileNormalizer) *Service {
	if normalize == nil {
		normalize = func(p model.IdentityProfile) model.IdentityProfile { return p }
	}
	return &Service{
		oauth:     oauth,
		registry:  registry,
		normalize: normalize,
	}
}

// GetLoginURL はOAuth認証URLを生成する。
func (s *Service) GetLoginURL(state string) string {
	return s.oauth.GetLoginURL(state)
}

// HandleCallback は認可コードをユーザー情報に交換し、デバイスセッションを発行する。
func (s *Service) HandleCallback(ctx context.Context, code string, device model.DeviceInfo, ip string) (*AuthResult, error) {
	userInfo, err := s.oauth.ExchangeCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange oauth code: %w", err)
	}
	return s.Authenticate(ctx, userInfo.Profile(), device, ip)
}

// Authenticate はクライアントが取得済みのIdPプロフィールでデバイスセッションを発行する。
func (s *Service) Authenticate(ctx context.Context, profile model.IdentityProfile, device model.DeviceInfo, ip string) (*AuthResult, error) {
	return s.registry.Authenticate(ctx, s.normalize(profile), device, ip)
}

// CheckValidity はRegistry.CheckValidityを呼び出す。
func (s *Service) CheckValidity(ctx context.Context, accountID, deviceID string) (*Validity, error) {
	return s.registry.CheckValidity(ctx, accountID, deviceID)
}

// Logout はRegistry.Logoutを呼び出す。
func (s *Service) Logout(ctx context.Context, accountID, deviceID string) error {
	return s.registry.Logout(ctx, accountID, deviceID)
}
