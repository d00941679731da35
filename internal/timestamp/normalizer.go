// Package timestamp は表記ゆれのある日時文字列を正規化する。
//
// 受け付ける形式は固定の優先順位で試行し、最初に一致したものを採用する。
// DD-MM-YYYY と YYYY-MM-DD のように桁構成で区別できる形式は衝突しないが、
// 年を含まない曖昧な日付表記は扱わない。
package timestamp

import (
	"strings"
	"time"
)

// dateLayouts は日付部分の形式（優先順）。
var dateLayouts = []string{
	"2006-01-02",
	"02-01-2006",
	"02/01/2006",
	"2006/01/02",
}

// timeLayouts は時刻部分の形式（秒ありを優先）。
var timeLayouts = []string{
	"15:04:05",
	"15:04",
}

// Normalizer は日時文字列を設定タイムゾーンの時刻に変換する。
// ゼロ値は使用できない。NewNormalizerで生成すること。
type Normalizer struct {
	loc      *time.Location
	layouts  []string
	timeOnly []string
}

// NewNormalizer はNormalizerを生成する。locがnilの場合はtime.Localを使用する。
func NewNormalizer(loc *time.Location) *Normalizer {
	if loc == nil {
		loc = time.Local
	}

	n := &Normalizer{loc: loc, timeOnly: timeLayouts}
	for _, d := range dateLayouts {
		for _, t := range timeLayouts {
			n.layouts = append(n.layouts, d+" "+t)
		}
	}
	// ISO 8601 の T 区切り
	n.layouts = append(n.layouts, "2006-01-02T15:04:05", "2006-01-02T15:04")

	return n
}

// Location は正規化に使用するタイムゾーンを返す。
func (n *Normalizer) Location() *time.Location {
	return n.loc
}

// Parse はrawを解析して時刻を返す。
// 時刻のみの入力はrefの日付（設定タイムゾーン）と組み合わせる。
// どの形式にも一致しない場合はok=falseを返す。
func (n *Normalizer) Parse(raw string, ref time.Time) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}

	for _, layout := range n.layouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t, true
		}
	}

	// オフセット付きの入力は設定タイムゾーンに変換する
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.In(n.loc), true
	}

	ref = ref.In(n.loc)
	for _, layout := range n.timeOnly {
		t, err := time.ParseInLocation(layout, s, n.loc)
		if err != nil {
			continue
		}
		return time.Date(ref.Year(), ref.Month(), ref.Day(),
			t.Hour(), t.Minute(), t.Second(), 0, n.loc), true
	}

	return time.Time{}, false
}

// DateOf はtの設定タイムゾーンにおける日付（00:00）を返す。
func (n *Normalizer) DateOf(t time.Time) time.Time {
	t = t.In(n.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, n.loc)
}

// ParseDate は YYYY-MM-DD 形式の日付を設定タイムゾーンで解析する。
func (n *Normalizer) ParseDate(raw string) (time.Time, bool) {
	t, err := time.ParseInLocation("2006-01-02", strings.TrimSpace(raw), n.loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
