package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/attendsync/internal/model"
)

const dateLayout = "2006-01-02"

// PostgresAttendanceStore はPostgreSQLを使用した日次出席記録ストア。
// 日付は設定タイムゾーンの暦日としてDATE型に保存する。
type PostgresAttendanceStore struct {
	db  *sql.DB
	loc *time.Location
}

// NewPostgresAttendanceStore はPostgresAttendanceStoreを生成する。
// locがnilの場合はtime.Localを使用する。
func NewPostgresAttendanceStore(db *sql.DB, loc *time.Location) *PostgresAttendanceStore {
	if loc == nil {
		loc = time.Local
	}
	return &PostgresAttendanceStore{db: db, loc: loc}
}

// Begin は出席記録を更新するトランザクションを開始する。
func (s *PostgresAttendanceStore) Begin(ctx context.Context) (AttendanceTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	return &postgresAttendanceTx{tx: tx, loc: s.loc}, nil
}

// Summary は指定日の集計と全期間の記録数を返す。
func (s *PostgresAttendanceStore) Summary(ctx context.Context, date time.Time) (*model.AttendanceSummary, error) {
	day := date.In(s.loc).Format(dateLayout)
	sum := &model.AttendanceSummary{Date: day}

	err := s.db.QueryRowContext(ctx,
		`SELECT
		    count(*) FILTER (WHERE date = $1::date),
		    count(*) FILTER (WHERE date = $1::date AND in_time IS NOT NULL),
		    count(*) FILTER (WHERE date = $1::date AND out_time IS NOT NULL),
		    count(*)
		 FROM daily_attendance`,
		day,
	).Scan(&sum.TodayTotal, &sum.TodayIn, &sum.TodayOut, &sum.AllTimeTotal)
	if err != nil {
		return nil, fmt.Errorf("出席集計の取得に失敗しました: %w", err)
	}

	return sum, nil
}

// postgresAttendanceTx はAttendanceTxのPostgreSQL実装。
type postgresAttendanceTx struct {
	tx  *sql.Tx
	loc *time.Location
}

// Get は(学生, 日付)の記録をFOR UPDATEで取得する。見つからない場合はnilを返す。
func (t *postgresAttendanceTx) Get(ctx context.Context, studentID string, date time.Time) (*model.DailyRecord, error) {
	rec := &model.DailyRecord{}
	var day time.Time
	var inTime, outTime sql.NullTime
	var status string

	err := t.tx.QueryRowContext(ctx,
		`SELECT id, student_id, date, in_time, out_time, status, source, created_at, updated_at
		 FROM daily_attendance
		 WHERE student_id = $1 AND date = $2::date
		 FOR UPDATE`,
		studentID, date.In(t.loc).Format(dateLayout),
	).Scan(
		&rec.ID, &rec.StudentID, &day, &inTime, &outTime,
		&status, &rec.Source, &rec.CreatedAt, &rec.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("出席記録の取得に失敗しました: %w", err)
	}

	rec.Date = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, t.loc)
	rec.Status = model.AttendanceStatus(status)
	if inTime.Valid {
		v := inTime.Time.In(t.loc)
		rec.InTime = &v
	}
	if outTime.Valid {
		v := outTime.Time.In(t.loc)
		rec.OutTime = &v
	}

	return rec, nil
}

// Upsert は記録を作成または更新する。
// (student_id, date) の一意制約に衝突した場合、記録済みの時刻は残し、未記録の時刻だけを埋める。
// 状態はマージ後の入室時刻から再計算する。
func (t *postgresAttendanceTx) Upsert(ctx context.Context, rec *model.DailyRecord) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO daily_attendance
		    (id, student_id, date, in_time, out_time, status, source, created_at, updated_at)
		 VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (student_id, date) DO UPDATE SET
		    in_time = COALESCE(daily_attendance.in_time, EXCLUDED.in_time),
		    out_time = COALESCE(daily_attendance.out_time, EXCLUDED.out_time),
		    status = CASE
		        WHEN COALESCE(daily_attendance.in_time, EXCLUDED.in_time) IS NOT NULL THEN 'present'
		        ELSE 'absent'
		    END,
		    source = EXCLUDED.source,
		    updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.StudentID, rec.Date.In(t.loc).Format(dateLayout),
		nullTime(rec.InTime), nullTime(rec.OutTime),
		string(rec.Status), rec.Source, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("出席記録の保存に失敗しました: %w", err)
	}
	return nil
}

func (t *postgresAttendanceTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func (t *postgresAttendanceTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("トランザクションのロールバックに失敗しました: %w", err)
	}
	return nil
}

// nullTime は*time.Timeをsql.NullTimeに変換する。
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

var (
	_ StudentRepository = (*PostgresStudentRepo)(nil)
	_ AttendanceStore   = (*PostgresAttendanceStore)(nil)
	_ AttendanceTx      = (*postgresAttendanceTx)(nil)
)
