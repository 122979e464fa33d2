package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
)

//go:embed schema_sqlite.sql
var sqliteSchemaFS embed.FS

// EnsureSQLiteSchema 首次启动时执行完整建表；已有库只跑增量修补，修补函数必须幂等。
func EnsureSQLiteSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("db 为空")
	}
	var v int
	err := db.QueryRow(`SELECT 1 FROM sqlite_master WHERE type='table' AND name='users' LIMIT 1`).Scan(&v)
	if err == nil && v == 1 {
		return ensureSQLitePatches(db)
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("检查 SQLite schema 状态失败: %w", err)
	}

	b, err := sqliteSchemaFS.ReadFile("schema_sqlite.sql")
	if err != nil {
		return fmt.Errorf("读取 schema_sqlite.sql 失败: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("开始 schema 初始化事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := splitSQLStatements(string(b))
	for i, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("执行 SQLite schema 初始化失败 (stmt %d/%d): %w", i+1, len(stmts), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交 SQLite schema 初始化失败: %w", err)
	}
	return nil
}

func ensureSQLitePatches(db *sql.DB) error {
	if err := ensureSQLiteCacheInvalidationTable(db); err != nil {
		return err
	}
	if err := ensureSQLiteUserBadgesTable(db); err != nil {
		return err
	}
	return ensureSQLiteSubmissionSnapshotColumns(db)
}

func ensureSQLiteCacheInvalidationTable(db *sql.DB) error {
	return execSQLitePatch(db, "cache_invalidation", `
CREATE TABLE IF NOT EXISTS cache_invalidation (
  cache_key TEXT PRIMARY KEY,
  version INTEGER NOT NULL DEFAULT 0,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`)
}

func ensureSQLiteUserBadgesTable(db *sql.DB) error {
	return execSQLitePatch(db, "user_badges", `
CREATE TABLE IF NOT EXISTS user_badges (
  user_id INTEGER NOT NULL,
  badge TEXT NOT NULL,
  earned_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (user_id, badge)
)`)
}

// ensureSQLiteSubmissionSnapshotColumns 为早期 usage_submissions 补齐「上次提交」对比所需的快照列。
func ensureSQLiteSubmissionSnapshotColumns(db *sql.DB) error {
	cols, err := sqliteColumns(db, "usage_submissions")
	if err != nil {
		return err
	}
	want := []struct {
		name string
		ddl  string
	}{
		{"total_tokens", `ALTER TABLE usage_submissions ADD COLUMN total_tokens INTEGER NULL`},
		{"total_cost", `ALTER TABLE usage_submissions ADD COLUMN total_cost DECIMAL(20,6) NULL`},
		{"global_rank", `ALTER TABLE usage_submissions ADD COLUMN global_rank INTEGER NULL`},
		{"country_rank", `ALTER TABLE usage_submissions ADD COLUMN country_rank INTEGER NULL`},
		{"level", `ALTER TABLE usage_submissions ADD COLUMN level INTEGER NULL`},
	}
	for _, c := range want {
		if _, ok := cols[c.name]; ok {
			continue
		}
		if err := execSQLitePatch(db, "usage_submissions."+c.name, c.ddl); err != nil {
			return err
		}
	}
	return nil
}

func sqliteColumns(db *sql.DB, table string) (map[string]struct{}, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, fmt.Errorf("读取 %s 列信息失败: %w", table, err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("扫描 %s 列信息失败: %w", table, err)
		}
		out[strings.ToLower(name)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 %s 列信息失败: %w", table, err)
	}
	return out, nil
}

func execSQLitePatch(db *sql.DB, name string, ddl string) error {
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开始 SQLite schema 修补事务失败: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("SQLite schema 修补 %s 失败: %w", name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交 SQLite schema 修补事务失败: %w", err)
	}
	return nil
}
