package submission

import (
	"testing"

	"github.com/tidwall/gjson"
)

func TestStripTelemetry_RemovesCumulativeCounters(t *testing.T) {
	body := []byte(`{"total_tokens":99,"total_cost":"9.9","total_sessions":3,"device_id":"aa11bb22"}`)
	out, err := stripTelemetry(body)
	if err != nil {
		t.Fatalf("stripTelemetry: %v", err)
	}
	for _, k := range telemetryKeys {
		if gjson.GetBytes(out, k).Exists() {
			t.Fatalf("%s should be stripped: %s", k, out)
		}
	}
	if gjson.GetBytes(out, "device_id").String() != "aa11bb22" {
		t.Fatalf("other fields must survive: %s", out)
	}
}

func TestExtractTelemetry_IgnoresGarbage(t *testing.T) {
	tel := extractTelemetry([]byte(`{"total_tokens":"12","total_cost":"abc","total_sessions":-2}`))
	if tel.TotalTokens == nil || *tel.TotalTokens != 12 {
		t.Fatalf("TotalTokens = %v", tel.TotalTokens)
	}
	if tel.TotalCost != nil || tel.TotalSessions != nil {
		t.Fatalf("garbage should be ignored: %+v", tel)
	}
	if !tel.Present() {
		t.Fatalf("Present() should be true")
	}
	if (Telemetry{}).Present() {
		t.Fatalf("empty telemetry should not be present")
	}
}
