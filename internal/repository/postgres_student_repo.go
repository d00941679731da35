package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/attendsync/internal/model"
)

// PostgresStudentRepo はPostgreSQLを使用した学生リポジトリ。
type PostgresStudentRepo struct {
	db *sql.DB
}

// NewPostgresStudentRepo はPostgresStudentRepoを生成する。
func NewPostgresStudentRepo(db *sql.DB) *PostgresStudentRepo {
	return &PostgresStudentRepo{db: db}
}

// Resolve は学籍番号から学生を取得する。見つからない場合はnilを返す。
func (r *PostgresStudentRepo) Resolve(ctx context.Context, enrollmentNumber string) (*model.Student, error) {
	token := strings.TrimSpace(enrollmentNumber)
	if token == "" {
		return nil, nil
	}

	s := &model.Student{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, enrollment_number, name, created_at
		 FROM students WHERE enrollment_number = $1`,
		token,
	).Scan(&s.ID, &s.EnrollmentNumber, &s.Name, &s.CreatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("学生の取得に失敗しました: %w", err)
	}

	return s, nil
}
