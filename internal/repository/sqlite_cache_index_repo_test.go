package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hitoshi/attendsync/internal/database"
	"github.com/hitoshi/attendsync/internal/model"
)

func newTestCacheIndexRepo(t *testing.T) *SQLiteCacheIndexRepo {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenSQLite に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteCacheIndexRepo(db)
}

func TestSQLiteCacheIndexRepo_ImplementsInterface(t *testing.T) {
	var _ CacheIndexRepository = (*SQLiteCacheIndexRepo)(nil)
}

// 初回のLoadは空のインデックスを返す。
func TestSQLiteCacheIndexRepo_Load_Empty(t *testing.T) {
	repo := newTestCacheIndexRepo(t)

	idx, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load に失敗: %v", err)
	}
	if len(idx.Entries) != 0 {
		t.Errorf("エントリ数 = %d, want 0", len(idx.Entries))
	}
	if !idx.LastSync.IsZero() {
		t.Errorf("LastSync = %v, want zero", idx.LastSync)
	}
}

func TestSQLiteCacheIndexRepo_SaveAndLoad(t *testing.T) {
	repo := newTestCacheIndexRepo(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 15, 9, 0, 0, 123, time.UTC)

	idx := model.NewCacheIndex()
	idx.SourceURL = "http://faces.local/"
	idx.LastSync = now
	idx.LastCounts = model.SyncCounts{Added: 2, Failed: 1}
	idx.Entries["A/1.png"] = model.CacheEntry{Path: "A/1.png", Size: 100, SyncedAt: now}
	idx.Entries["B/2.png"] = model.CacheEntry{Path: "B/2.png", Size: 50, SyncedAt: now}

	if err := repo.Save(ctx, idx); err != nil {
		t.Fatalf("Save に失敗: %v", err)
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load に失敗: %v", err)
	}

	if len(got.Entries) != 2 {
		t.Fatalf("エントリ数 = %d, want 2", len(got.Entries))
	}
	if e := got.Entries["A/1.png"]; e.Size != 100 || !e.SyncedAt.Equal(now) {
		t.Errorf("A/1.png = %+v", e)
	}
	if got.SourceURL != "http://faces.local/" {
		t.Errorf("SourceURL = %q", got.SourceURL)
	}
	if !got.LastSync.Equal(now) {
		t.Errorf("LastSync = %v, want %v", got.LastSync, now)
	}
	if got.LastCounts != idx.LastCounts {
		t.Errorf("LastCounts = %+v, want %+v", got.LastCounts, idx.LastCounts)
	}
}

// Saveはインデックス全体を置き換え、消えたエントリは残らない。
func TestSQLiteCacheIndexRepo_Save_ReplacesEntries(t *testing.T) {
	repo := newTestCacheIndexRepo(t)
	ctx := context.Background()

	first := model.NewCacheIndex()
	first.Entries["A/1.png"] = model.CacheEntry{Path: "A/1.png", Size: 100}
	first.Entries["B/2.png"] = model.CacheEntry{Path: "B/2.png", Size: 50}
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("1回目の Save に失敗: %v", err)
	}

	second := model.NewCacheIndex()
	second.Entries["A/1.png"] = model.CacheEntry{Path: "A/1.png", Size: 120}
	if err := repo.Save(ctx, second); err != nil {
		t.Fatalf("2回目の Save に失敗: %v", err)
	}

	got, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load に失敗: %v", err)
	}
	if len(got.Entries) != 1 {
		t.Fatalf("エントリ数 = %d, want 1", len(got.Entries))
	}
	if got.Entries["A/1.png"].Size != 120 {
		t.Errorf("A/1.png のサイズ = %d, want 120", got.Entries["A/1.png"].Size)
	}
}

// キャンセル済みコンテキストでのSaveは失敗し、以前のインデックスが残る。
func TestSQLiteCacheIndexRepo_Save_CancelledKeepsPrevious(t *testing.T) {
	repo := newTestCacheIndexRepo(t)

	prev := model.NewCacheIndex()
	prev.Entries["A/1.png"] = model.CacheEntry{Path: "A/1.png", Size: 100}
	if err := repo.Save(context.Background(), prev); err != nil {
		t.Fatalf("Save に失敗: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := repo.Save(ctx, model.NewCacheIndex()); err == nil {
		t.Fatal("キャンセル済みコンテキストで Save が成功した")
	}

	got, err := repo.Load(context.Background())
	if err != nil {
		t.Fatalf("Load に失敗: %v", err)
	}
	if _, ok := got.Entries["A/1.png"]; !ok {
		t.Error("以前のエントリが失われた")
	}
}
