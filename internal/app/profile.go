package app

import (
	"strings"

	"github.com/hitoshi/studypulse/internal/auth"
	"github.com/hitoshi/studypulse/internal/model"
	"github.com/hitoshi/studypulse/internal/security"
)

const (
	maxDisplayNameRunes = 100
	maxEmailRunes       = 254
)

// newProfileNormalizer はIdPのプロフィールを保存用に整える。
// 表示名からマークアップを除去し、安全でないアバターURLは保存しない。
func newProfileNormalizer(sanitizer security.TextSanitizer, guard security.URLGuard) auth.ProfileNormalizer {
	return func(p model.IdentityProfile) model.IdentityProfile {
		p.StableID = strings.TrimSpace(p.StableID)
		p.DisplayName = sanitizer.Clean(p.DisplayName, maxDisplayNameRunes)
		p.Email = sanitizer.Clean(p.Email, maxEmailRunes)
		p.AvatarURL = guard.AvatarURL(p.AvatarURL)
		return p
	}
}
