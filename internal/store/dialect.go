package store

// Dialect 表示数据库方言，用于处理 MySQL/SQLite 的 upsert、行锁等语法差异。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)
