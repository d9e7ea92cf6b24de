package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const dbFileName = "savlink.db"

// DB はdurable階層とsession階層を収めるSQLiteデータベース。
type DB struct {
	sqlDB *sql.DB
}

// Open はdataDir配下のSQLiteデータベースを開き、マイグレーションを適用する。
func Open(dataDir string) (*DB, error) {
	if strings.TrimSpace(dataDir) == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(filepath.Clean(dataDir), dbFileName)
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if err := runMigrations(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}

	return &DB{sqlDB: sqlDB}, nil
}

// Close はデータベースを閉じる。
func (db *DB) Close() error {
	if db == nil || db.sqlDB == nil {
		return nil
	}
	return db.sqlDB.Close()
}

// Durable はdurable階層のストアを返す。
func (db *DB) Durable() *SQLiteStore {
	return &SQLiteStore{sqlDB: db.sqlDB}
}

// Session は閲覧セッションIDで区切られたsession階層のストアを返す。
// 他の閲覧セッションの行は、閉じられたセッションのものとみなしてこの時点で削除する。
// browsingSessionIDが空の場合、返すストアは常にErrUnavailableを返す。
func (db *DB) Session(ctx context.Context, browsingSessionID string) (*SQLiteStore, error) {
	id := strings.TrimSpace(browsingSessionID)
	s := &SQLiteStore{sqlDB: db.sqlDB, sessionScoped: true, browsingSessionID: id}
	if id == "" {
		return s, nil
	}
	if _, err := db.sqlDB.ExecContext(ctx,
		`DELETE FROM kv_session WHERE browsing_session_id <> ?`, id,
	); err != nil {
		return nil, fmt.Errorf("failed to purge closed browsing sessions: %w", err)
	}
	return s, nil
}

// SQLiteStore はSQLiteテーブルに保存するKeyValueStore。
type SQLiteStore struct {
	sqlDB             *sql.DB
	sessionScoped     bool
	browsingSessionID string
}

func (s *SQLiteStore) usable() error {
	if s == nil || s.sqlDB == nil {
		return ErrUnavailable
	}
	if s.sessionScoped && s.browsingSessionID == "" {
		return ErrUnavailable
	}
	return nil
}

// Get はキーに対応する値を返す。
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.usable(); err != nil {
		return "", false, err
	}

	var row *sql.Row
	if s.sessionScoped {
		row = s.sqlDB.QueryRowContext(ctx,
			`SELECT value FROM kv_session WHERE browsing_session_id = ? AND key = ?`,
			s.browsingSessionID, key)
	} else {
		row = s.sqlDB.QueryRowContext(ctx, `SELECT value FROM kv_durable WHERE key = ?`, key)
	}

	var value string
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Set はキーに値を保存する。既存の値は上書きする。
func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	if err := s.usable(); err != nil {
		return err
	}

	now := time.Now().UTC().UnixMilli()
	var err error
	if s.sessionScoped {
		_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO kv_session (browsing_session_id, key, value, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(browsing_session_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			s.browsingSessionID, key, value, now)
	} else {
		_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO kv_durable (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			key, value, now)
	}
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete はキーを削除する。
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if err := s.usable(); err != nil {
		return err
	}

	var err error
	if s.sessionScoped {
		_, err = s.sqlDB.ExecContext(ctx,
			`DELETE FROM kv_session WHERE browsing_session_id = ? AND key = ?`,
			s.browsingSessionID, key)
	} else {
		_, err = s.sqlDB.ExecContext(ctx, `DELETE FROM kv_durable WHERE key = ?`, key)
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

var _ KeyValueStore = (*SQLiteStore)(nil)
