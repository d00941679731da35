// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/attendsync/internal/model"
)

// StudentRepository は学生（Identity）の参照インターフェース。
// 学生データは外部で管理され、このシステムからは読み取りのみ行う。
type StudentRepository interface {
	// Resolve は学籍番号から学生を取得する。見つからない場合はnilを返す。
	Resolve(ctx context.Context, enrollmentNumber string) (*model.Student, error)
}

// AttendanceStore は日次出席記録の永続化インターフェース。
type AttendanceStore interface {
	// Begin は出席記録を更新するトランザクションを開始する。
	Begin(ctx context.Context) (AttendanceTx, error)

	// Summary は指定日の記録数・入室数・退室数と全期間の記録数を返す。
	Summary(ctx context.Context, date time.Time) (*model.AttendanceSummary, error)
}

// AttendanceTx は1バッチ分の出席記録更新を表すトランザクション。
// Commit/Rollbackのいずれかを必ず呼び出すこと。
type AttendanceTx interface {
	// Get は(学生, 日付)の記録を取得し、トランザクション終了までロックする。
	// 見つからない場合はnilを返す。
	Get(ctx context.Context, studentID string, date time.Time) (*model.DailyRecord, error)

	// Upsert は記録を(学生, 日付)をキーとして作成または更新する。
	Upsert(ctx context.Context, rec *model.DailyRecord) error

	Commit() error
	Rollback() error
}

// CacheIndexRepository はミラー同期のキャッシュインデックスの永続化インターフェース。
type CacheIndexRepository interface {
	// Load は保存済みのインデックスを読み込む。初回は空のインデックスを返す。
	Load(ctx context.Context) (*model.CacheIndex, error)

	// Save はインデックス全体を1トランザクションで置き換える。
	// 失敗時は以前のインデックスがそのまま残る。
	Save(ctx context.Context, idx *model.CacheIndex) error
}
