package repository

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/attendsync/internal/database"
	"github.com/hitoshi/attendsync/internal/model"
)

func TestPostgresStudentRepo_ImplementsInterface(t *testing.T) {
	var _ StudentRepository = (*PostgresStudentRepo)(nil)
}

func TestPostgresAttendanceStore_ImplementsInterface(t *testing.T) {
	var _ AttendanceStore = (*PostgresAttendanceStore)(nil)
}

func TestNewPostgresAttendanceStore_DefaultLocation(t *testing.T) {
	s := NewPostgresAttendanceStore(nil, nil)
	if s.loc != time.Local {
		t.Errorf("loc = %v, want Local", s.loc)
	}
}

// 空の学籍番号はDBに問い合わせずnilを返す。
func TestPostgresStudentRepo_Resolve_EmptyToken(t *testing.T) {
	repo := NewPostgresStudentRepo(nil)
	s, err := repo.Resolve(context.Background(), "   ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != nil {
		t.Errorf("got %+v, want nil", s)
	}
}

func TestNullTime(t *testing.T) {
	if nullTime(nil).Valid {
		t.Error("nil は無効な NullTime になるべき")
	}
	now := time.Now()
	if nt := nullTime(&now); !nt.Valid || !nt.Time.Equal(now) {
		t.Errorf("nullTime(&now) = %+v", nt)
	}
}

// setupPostgres はTEST_DATABASE_URLのDBにマイグレーションを適用する。
// 接続できない場合はスキップする。
func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}

	db, err := database.Open(url)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := database.RunMigrations(url); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE daily_attendance, students CASCADE`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}

	return db
}

func TestPostgresAttendanceStore_UpsertAndGet(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	studentID := uuid.NewString()
	if _, err := db.Exec(
		`INSERT INTO students (id, enrollment_number, name) VALUES ($1, $2, $3)`,
		studentID, "2110001", "テスト学生",
	); err != nil {
		t.Fatalf("学生の作成に失敗: %v", err)
	}

	students := NewPostgresStudentRepo(db)
	s, err := students.Resolve(ctx, "2110001")
	if err != nil || s == nil {
		t.Fatalf("Resolve = %v, %v", s, err)
	}
	if missing, _ := students.Resolve(ctx, "9999999"); missing != nil {
		t.Errorf("未登録の学籍番号が解決された: %+v", missing)
	}

	store := NewPostgresAttendanceStore(db, time.UTC)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	out := time.Date(2025, 1, 15, 17, 30, 0, 0, time.UTC)
	now := time.Now().UTC()

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin に失敗: %v", err)
	}
	rec := &model.DailyRecord{
		ID: uuid.NewString(), StudentID: studentID, Date: day,
		OutTime: &out, Status: model.StatusAbsent, Source: "test",
		CreatedAt: now, UpdatedAt: now,
	}
	if err := tx.Upsert(ctx, rec); err != nil {
		t.Fatalf("Upsert に失敗: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit に失敗: %v", err)
	}

	tx, err = store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin に失敗: %v", err)
	}
	defer tx.Rollback()

	got, err := tx.Get(ctx, studentID, day)
	if err != nil {
		t.Fatalf("Get に失敗: %v", err)
	}
	if got == nil {
		t.Fatal("記録が見つからない")
	}
	if got.InTime != nil || got.OutTime == nil || !got.OutTime.Equal(out) {
		t.Errorf("in=%v out=%v", got.InTime, got.OutTime)
	}
	if got.Status != model.StatusAbsent {
		t.Errorf("Status = %q, want absent", got.Status)
	}

	sum, err := store.Summary(ctx, day)
	if err != nil {
		t.Fatalf("Summary に失敗: %v", err)
	}
	if sum.TodayTotal != 1 || sum.TodayIn != 0 || sum.TodayOut != 1 || sum.AllTimeTotal != 1 {
		t.Errorf("Summary = %+v", sum)
	}
}

// 別プロセスが同じ日の記録を先に作成していても、未記録の時刻だけが埋まり記録済みの時刻は消えない。
func TestPostgresAttendanceStore_UpsertKeepsTimesFromConcurrentWriter(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()

	studentID := uuid.NewString()
	if _, err := db.Exec(
		`INSERT INTO students (id, enrollment_number, name) VALUES ($1, $2, $3)`,
		studentID, "2110002", "テスト学生",
	); err != nil {
		t.Fatalf("学生の作成に失敗: %v", err)
	}

	store := NewPostgresAttendanceStore(db, time.UTC)
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	in := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	laterIn := time.Date(2025, 1, 15, 9, 45, 0, 0, time.UTC)
	out := time.Date(2025, 1, 15, 17, 30, 0, 0, time.UTC)
	now := time.Now().UTC()

	upsert := func(rec *model.DailyRecord) {
		t.Helper()
		tx, err := store.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin に失敗: %v", err)
		}
		if err := tx.Upsert(ctx, rec); err != nil {
			tx.Rollback()
			t.Fatalf("Upsert に失敗: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("Commit に失敗: %v", err)
		}
	}

	// 1台目: 入室のみ
	upsert(&model.DailyRecord{
		ID: uuid.NewString(), StudentID: studentID, Date: day,
		InTime: &in, Status: model.StatusPresent, Source: "gate-a",
		CreatedAt: now, UpdatedAt: now,
	})
	// 2台目: 記録がない前提で作った退室のみの記録
	upsert(&model.DailyRecord{
		ID: uuid.NewString(), StudentID: studentID, Date: day,
		OutTime: &out, Status: model.StatusAbsent, Source: "gate-b",
		CreatedAt: now, UpdatedAt: now,
	})
	// 3台目: 遅れて届いた別の入室
	upsert(&model.DailyRecord{
		ID: uuid.NewString(), StudentID: studentID, Date: day,
		InTime: &laterIn, Status: model.StatusPresent, Source: "gate-c",
		CreatedAt: now, UpdatedAt: now,
	})

	tx, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin に失敗: %v", err)
	}
	defer tx.Rollback()

	got, err := tx.Get(ctx, studentID, day)
	if err != nil || got == nil {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if got.InTime == nil || !got.InTime.Equal(in) {
		t.Errorf("InTime = %v, want %v（最初の入室時刻を保持）", got.InTime, in)
	}
	if got.OutTime == nil || !got.OutTime.Equal(out) {
		t.Errorf("OutTime = %v, want %v", got.OutTime, out)
	}
	if got.Status != model.StatusPresent {
		t.Errorf("Status = %q, want present", got.Status)
	}
}
