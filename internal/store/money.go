package store

import "github.com/shopspring/decimal"

// USDScale 是 cost 列的小数位数，与 schema 中 DECIMAL(20,6) 保持一致。
const USDScale = int32(6)

func normalizeUSD(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d.Truncate(USDScale)
}
