package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は表示名やページラベルなどのプレーンテキストからマークアップを除去する。
type TextSanitizer interface {
	// Clean はタグを除去し、エンティティを復元し、連続する空白を1つにまとめる。
	// maxRunesを超える場合は切り詰める。maxRunesが0以下の場合は切り詰めない。
	Clean(s string, maxRunes int) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyを使うTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

func (s *textSanitizer) Clean(in string, maxRunes int) string {
	if in == "" {
		return ""
	}

	out := html.UnescapeString(s.policy.Sanitize(in))
	out = strings.Join(strings.Fields(out), " ")

	if maxRunes > 0 && utf8.RuneCountInString(out) > maxRunes {
		out = string([]rune(out)[:maxRunes])
	}
	return out
}
