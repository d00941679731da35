package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/attendsync/internal/model"
)

// SQLiteCacheIndexRepo はSQLiteを使用したキャッシュインデックスリポジトリ。
// エッジ端末上でミラーの状態を保持する。
type SQLiteCacheIndexRepo struct {
	db *sql.DB
}

// NewSQLiteCacheIndexRepo はSQLiteCacheIndexRepoを生成する。
// dbはdatabase.OpenSQLiteで開いたものを渡すこと。
func NewSQLiteCacheIndexRepo(db *sql.DB) *SQLiteCacheIndexRepo {
	return &SQLiteCacheIndexRepo{db: db}
}

// Load は保存済みのインデックスを読み込む。初回は空のインデックスを返す。
func (r *SQLiteCacheIndexRepo) Load(ctx context.Context) (*model.CacheIndex, error) {
	idx := model.NewCacheIndex()

	rows, err := r.db.QueryContext(ctx, `SELECT path, size, synced_at FROM cache_entries`)
	if err != nil {
		return nil, fmt.Errorf("キャッシュエントリの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e model.CacheEntry
		var syncedAt string
		if err := rows.Scan(&e.Path, &e.Size, &syncedAt); err != nil {
			return nil, fmt.Errorf("キャッシュエントリの読み取りに失敗しました: %w", err)
		}
		e.SyncedAt = parseStoredTime(syncedAt)
		idx.Entries[e.Path] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("キャッシュエントリの読み取りに失敗しました: %w", err)
	}

	var lastSync string
	c := &idx.LastCounts
	err = r.db.QueryRowContext(ctx,
		`SELECT source_url, last_sync, added, updated, unchanged, removed, failed
		 FROM sync_state WHERE id = 1`,
	).Scan(&idx.SourceURL, &lastSync, &c.Added, &c.Updated, &c.Unchanged, &c.Removed, &c.Failed)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("同期状態の取得に失敗しました: %w", err)
	}
	idx.LastSync = parseStoredTime(lastSync)

	return idx, nil
}

// Save はインデックス全体を1トランザクションで置き換える。
func (r *SQLiteCacheIndexRepo) Save(ctx context.Context, idx *model.CacheIndex) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("キャッシュエントリの削除に失敗しました: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO cache_entries (path, size, synced_at) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("ステートメントの準備に失敗しました: %w", err)
	}
	defer stmt.Close()

	for _, e := range idx.Entries {
		if _, err := stmt.ExecContext(ctx, e.Path, e.Size, formatStoredTime(e.SyncedAt)); err != nil {
			return fmt.Errorf("キャッシュエントリの保存に失敗しました (%s): %w", e.Path, err)
		}
	}

	c := idx.LastCounts
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_state
		    (id, source_url, last_sync, added, updated, unchanged, removed, failed)
		 VALUES (1, ?, ?, ?, ?, ?, ?, ?)`,
		idx.SourceURL, formatStoredTime(idx.LastSync),
		c.Added, c.Updated, c.Unchanged, c.Removed, c.Failed,
	)
	if err != nil {
		return fmt.Errorf("同期状態の保存に失敗しました: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func formatStoredTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseStoredTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

var _ CacheIndexRepository = (*SQLiteCacheIndexRepo)(nil)
