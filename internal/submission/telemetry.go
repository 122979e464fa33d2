package submission

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// telemetryKeys 是客户端自报的累计值，只读出用于偏差告警，解码前会从请求体中删除。
var telemetryKeys = []string{"total_tokens", "total_cost", "total_sessions"}

// Telemetry 是客户端自报的累计值。它不参与任何存储或聚合。
type Telemetry struct {
	TotalTokens   *int64
	TotalCost     *decimal.Decimal
	TotalSessions *int64
}

func (t Telemetry) Present() bool {
	return t.TotalTokens != nil || t.TotalCost != nil || t.TotalSessions != nil
}

func extractTelemetry(body []byte) Telemetry {
	var t Telemetry
	if v := gjson.GetBytes(body, "total_tokens"); v.Exists() {
		if n, ok := nonNegInt(v); ok {
			t.TotalTokens = &n
		}
	}
	if v := gjson.GetBytes(body, "total_sessions"); v.Exists() {
		if n, ok := nonNegInt(v); ok {
			t.TotalSessions = &n
		}
	}
	if v := gjson.GetBytes(body, "total_cost"); v.Exists() {
		if d, err := decimal.NewFromString(strings.TrimSpace(v.String())); err == nil && !d.IsNegative() {
			t.TotalCost = &d
		}
	}
	return t
}

func nonNegInt(v gjson.Result) (int64, bool) {
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n < 0 {
			return 0, false
		}
		return n, true
	case gjson.String:
		d, err := decimal.NewFromString(strings.TrimSpace(v.Str))
		if err != nil || d.IsNegative() {
			return 0, false
		}
		return d.IntPart(), true
	default:
		return 0, false
	}
}

func stripTelemetry(body []byte) ([]byte, error) {
	out := body
	for _, k := range telemetryKeys {
		if !gjson.GetBytes(out, k).Exists() {
			continue
		}
		var err error
		out, err = sjson.DeleteBytes(out, k)
		if err != nil {
			return nil, fmt.Errorf("剥离遥测字段 %s 失败: %w", k, err)
		}
	}
	return out, nil
}
