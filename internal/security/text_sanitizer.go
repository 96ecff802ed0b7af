// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は外部から取得したテキストをAPI応答に含める前に無害化する。
// 全てのHTMLタグを除去し、残りのテキストをエスケープする。
type TextSanitizer interface {
	// Sanitize はタグを除去したテキストを返す。
	Sanitize(text string) string

	// Preview は無害化したテキストの先頭maxRunes文字を返す。
	Preview(text string, maxRunes int) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はbluemondayのStrictPolicyを使うTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグを除去したテキストを返す。前後の空白は取り除く。
func (s *textSanitizer) Sanitize(text string) string {
	if text == "" {
		return ""
	}
	return strings.TrimSpace(s.policy.Sanitize(text))
}

// Preview は元テキストの先頭maxRunes文字を無害化して返す。
// 切り詰めを先に行うため、エスケープで文字数が増えても元テキストの範囲を超えない。
func (s *textSanitizer) Preview(text string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(text) > maxRunes {
		text = string([]rune(text)[:maxRunes])
	}
	return s.Sanitize(text)
}

var _ TextSanitizer = (*textSanitizer)(nil)
