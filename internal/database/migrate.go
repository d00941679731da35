// Package database はデータベース接続とマイグレーション管理を提供する。
// 出席記録はPostgreSQL、エッジ端末のキャッシュインデックスはSQLiteに保存する。
package database

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed migrations_sqlite/*.sql
var sqliteMigrationsFS embed.FS

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// databaseURLはPostgreSQLの接続URLを指定する。
func NewMigrator(databaseURL string) (*migrate.Migrate, error) {
	return newMigrator(migrationsFS, "migrations", databaseURL)
}

// NewSQLiteMigrator はキャッシュインデックス用SQLiteのmigrateインスタンスを生成する。
// pathはSQLiteファイルのパス。
func NewSQLiteMigrator(path string) (*migrate.Migrate, error) {
	return newMigrator(sqliteMigrationsFS, "migrations_sqlite", "sqlite3://"+path)
}

func newMigrator(fsys embed.FS, dir, databaseURL string) (*migrate.Migrate, error) {
	source, err := iofs.New(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はすべてのマイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。
func RunMigrations(databaseURL string) error {
	m, err := NewMigrator(databaseURL)
	if err != nil {
		return err
	}
	return up(m)
}

// RunSQLiteMigrations はキャッシュインデックスのマイグレーションを適用する。
func RunSQLiteMigrations(path string) error {
	m, err := NewSQLiteMigrator(path)
	if err != nil {
		return err
	}
	return up(m)
}

func up(m *migrate.Migrate) error {
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
