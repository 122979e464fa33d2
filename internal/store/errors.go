package store

import "errors"

var (
	// ErrWriteNotVerified 表示 usage 行已提交，但回读时发现已被并发提交覆盖或缺失；此时不得执行任何清理。
	ErrWriteNotVerified = errors.New("usage 写入未通过回读校验")
	// ErrReceiptRequired 表示调用方试图在没有写入凭据的情况下执行清理。
	ErrReceiptRequired = errors.New("缺少写入凭据，拒绝清理")
	// ErrTokenOverflow 表示累加超出 int64；汇总方应退回缓存值而不是写回回绕后的结果。
	ErrTokenOverflow = errors.New("token 累计值溢出")
)
