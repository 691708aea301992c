// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer はチャット本文からHTMLマークアップを除去し、
// 受信側クライアントでのXSSを防ぐ。URLGuard は画像URLの検証と
// プッシュWebhook送信用のSSRF防止HTTPクライアント生成を担う。
package security

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はチャットのテキスト本文をサニタイズするインターフェース。
type TextSanitizer interface {
	// Sanitize はすべてのタグを除去したプレーンテキストを返す。
	// 前後の空白は取り除かれる。結果が空の場合、呼び出し側は空メッセージとして拒否する。
	Sanitize(raw string) string
}

// textSanitizer はbluemondayのStrictPolicyを使ったTextSanitizerの実装。
// bluemonday.Policyは生成後の並行利用が安全。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// tagStart はタグの開始とみなす "<" の並び。
var tagStart = regexp.MustCompile(`<[A-Za-z/!?]`)

// Sanitize はタグを除去し、タグ以外の部分は入力どおりの文字列を返す。
// 入力中の "&" を先にエスケープしておくことで、StrictPolicyが付けたエスケープだけを戻し、
// 利用者が入力した実体参照（"&lt;" など）は実体参照のまま残す。
// クライアントはテキストとして描画するため、"<3" や "&" はそのまま残してよい。
func (s *textSanitizer) Sanitize(raw string) string {
	cleaned := s.policy.Sanitize(strings.ReplaceAll(raw, "&", "&amp;"))
	text := html.UnescapeString(cleaned)
	if tagStart.MatchString(text) {
		// 戻した結果がタグを含む場合はエスケープ済みの形で返す
		return strings.TrimSpace(cleaned)
	}
	return strings.TrimSpace(text)
}
