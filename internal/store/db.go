// Package store 负责数据库连接、schema 初始化与全部 SQL 读写，业务层只面对领域语义。
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"
)

func OpenDB(env string, driver string, mysqlDSN string, sqlitePath string) (*sql.DB, Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(driver))) {
	case DialectSQLite:
		db, err := OpenSQLite(sqlitePath)
		if err != nil {
			return nil, "", err
		}
		return db, DialectSQLite, nil
	case DialectMySQL:
		db, err := OpenMySQL(env, mysqlDSN)
		if err != nil {
			return nil, "", err
		}
		return db, DialectMySQL, nil
	default:
		return nil, "", fmt.Errorf("不支持的 db.driver：%s", driver)
	}
}

// EnsureSchema 按方言初始化表结构：MySQL 走内置迁移，SQLite 走一次性 schema + 增量修补。
func EnsureSchema(db *sql.DB, d Dialect) error {
	switch d {
	case DialectMySQL:
		return ApplyMigrations(db)
	case DialectSQLite:
		return EnsureSQLiteSchema(db)
	default:
		return fmt.Errorf("未知数据库方言：%s", d)
	}
}

func OpenMySQL(env string, dsn string) (*sql.DB, error) {
	dsn, err := normalizeMySQLDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open(mysql): %w", err)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetMaxOpenConns(32)
	db.SetMaxIdleConns(16)

	wait := 2 * time.Second
	if env == "dev" {
		// 本地 docker compose 启动时 MySQL 往往比服务晚就绪。
		wait = 30 * time.Second
	}
	if err := waitMySQL(db, wait); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// normalizeMySQLDSN 强制 parseTime 与 UTC，保证 DATETIME 列在两种方言下扫描结果一致。
func normalizeMySQLDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(strings.TrimSpace(dsn))
	if err != nil {
		return "", fmt.Errorf("解析 MySQL DSN 失败: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	if cfg.Params == nil {
		cfg.Params = map[string]string{}
	}
	cfg.Params["time_zone"] = "'+00:00'"
	if _, ok := cfg.Params["charset"]; !ok {
		cfg.Params["charset"] = "utf8mb4"
	}
	return cfg.FormatDSN(), nil
}

func OpenSQLite(path string) (*sql.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite_path 不能为空")
	}

	filePath := path
	if i := strings.IndexByte(filePath, '?'); i >= 0 {
		filePath = filePath[:i]
	}
	if filePath != "" && filePath != ":memory:" && !strings.HasPrefix(filePath, "file::memory:") {
		if dir := filepath.Dir(filePath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("创建 sqlite 数据目录失败: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open(sqlite): %w", err)
	}
	// 单连接：SQLite 的写锁是库级别的，多连接只会制造 SQLITE_BUSY。
	// 事务内的所有读写都必须走同一个 tx，否则会自锁。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db.Ping(sqlite): %w", err)
	}
	_, _ = db.Exec(`PRAGMA journal_mode=WAL`)
	_, _ = db.Exec(`PRAGMA foreign_keys=ON`)
	return db, nil
}

func waitMySQL(db *sql.DB, maxWait time.Duration) error {
	const maxBackoff = 2 * time.Second

	deadline := time.Now().Add(maxWait)
	backoff := 200 * time.Millisecond
	var lastErr error
	logged := false
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := db.PingContext(ctx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if isAccessDeniedError(err) || isUnknownDatabaseError(err) {
			return fmt.Errorf("db.Ping: %w", err)
		}
		if !time.Now().Add(backoff).Before(deadline) {
			break
		}
		if !logged {
			slog.Info("等待 MySQL 就绪", "timeout", maxWait.String())
			logged = true
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	if lastErr == nil {
		lastErr = driver.ErrBadConn
	}
	return fmt.Errorf("db.Ping: %w", lastErr)
}

func isUnknownDatabaseError(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	return myErr.Number == 1049
}

func isAccessDeniedError(err error) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	// 1045: ER_ACCESS_DENIED_ERROR
	// 1044: ER_DBACCESS_DENIED_ERROR
	return myErr.Number == 1045 || myErr.Number == 1044
}

func isMissingTableErr(err error) bool {
	if err == nil {
		return false
	}
	if strings.Contains(err.Error(), "no such table") {
		return true
	}
	// MySQL: ER_NO_SUCH_TABLE = 1146
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1146
	}
	return false
}
