package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は運用者向け通知に埋め込む外部由来の文字列を無害化する。
// メールアドレスや管理者入力に含まれるマークアップを除去し、プレーンテキストにする。
type TextSanitizer struct {
	policy *bluemonday.Policy
	limit  int
}

// NewTextSanitizer はTextSanitizerを生成する。
// limitは結果の最大文字数（rune数）で、0以下なら切り詰めない。
func NewTextSanitizer(limit int) *TextSanitizer {
	return &TextSanitizer{
		policy: bluemonday.StrictPolicy(),
		limit:  limit,
	}
}

// Sanitize はタグを取り除き、制御文字を空白に置き換えたテキストを返す。
func (s *TextSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}

	// StrictPolicyはエンティティをエスケープして返すため戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return ' '
		}
		return r
	}, text)
	text = strings.TrimSpace(text)

	if s.limit > 0 && utf8.RuneCountInString(text) > s.limit {
		runes := []rune(text)
		text = string(runes[:s.limit-1]) + "…"
	}
	return text
}
