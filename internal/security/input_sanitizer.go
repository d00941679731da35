// Package security はアプリケーションのセキュリティ機能を提供する。
//
// InputSanitizer は取り込みレポートに返す入力値からHTMLを除去する。
// bluemondayのStrictPolicyを使用し、すべてのタグと属性を取り除く。
package security

import (
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxEchoLength はエコーする1値あたりの最大文字数。
const maxEchoLength = 256

// InputSanitizer は外部入力の文字列をレポート出力用に無害化する。
// bluemondayのポリシーはスレッドセーフなので、1つのインスタンスを共有してよい。
type InputSanitizer struct {
	policy *bluemonday.Policy
}

// NewInputSanitizer はInputSanitizerの新しいインスタンスを生成する。
func NewInputSanitizer() *InputSanitizer {
	return &InputSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタグを除去し、前後の空白を取り除いて最大長に切り詰める。
func (s *InputSanitizer) Sanitize(raw string) string {
	out := strings.TrimSpace(s.policy.Sanitize(raw))
	if utf8.RuneCountInString(out) <= maxEchoLength {
		return out
	}
	runes := []rune(out)
	return string(runes[:maxEchoLength]) + "…"
}

// SanitizeRow は行のキーと値をすべて無害化したコピーを返す。
func (s *InputSanitizer) SanitizeRow(row map[string]string) map[string]string {
	if row == nil {
		return nil
	}
	out := make(map[string]string, len(row))
	for k, v := range row {
		out[s.Sanitize(k)] = s.Sanitize(v)
	}
	return out
}
