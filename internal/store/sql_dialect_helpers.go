package store

import "strings"

// maxInArgs 限制单条 IN (...) 的参数个数，SQLite 默认上限是 32766，MySQL 受 max_allowed_packet 约束。
const maxInArgs = 500

func forUpdateClause(d Dialect) string {
	if d == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}

func insertIgnoreVerb(d Dialect) string {
	if d == DialectSQLite {
		return "INSERT OR IGNORE"
	}
	return "INSERT IGNORE"
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func chunkStrings(in []string, size int) [][]string {
	if size <= 0 {
		size = maxInArgs
	}
	out := make([][]string, 0, (len(in)+size-1)/size)
	for len(in) > 0 {
		n := size
		if len(in) < n {
			n = len(in)
		}
		out = append(out, in[:n])
		in = in[n:]
	}
	return out
}

func stringArgs(prefix []any, xs []string) []any {
	args := make([]any, 0, len(prefix)+len(xs))
	args = append(args, prefix...)
	for _, x := range xs {
		args = append(args, x)
	}
	return args
}
