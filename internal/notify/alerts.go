package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"math"
	"sort"
	"strings"

	"tokenboard/internal/email"
)

const (
	AlertUnknownPlanTier     = "unknown_plan_tier"
	AlertTelemetryDivergence = "telemetry_divergence"
	AlertFingerprintMismatch = "combined_fingerprint_mismatch"
)

var knownPlanTiers = map[string]struct{}{
	"free":       {},
	"pro":        {},
	"max":        {},
	"team":       {},
	"enterprise": {},
}

func KnownPlanTier(tier string) bool {
	_, ok := knownPlanTiers[strings.ToLower(strings.TrimSpace(tier))]
	return ok
}

// Alert 只用于观测，不影响提交结果。
type Alert struct {
	Kind         string
	UserID       int64
	SubmissionID string
	Detail       map[string]any
}

type AlertSink interface {
	Alert(ctx context.Context, a Alert) error
}

// Divergence 判断客户端自报的累计 token 是否偏离重算值超过 ratio；reported 为 nil 时不判断。
func Divergence(reported *int64, recomputed int64, ratio float64) (float64, bool) {
	if reported == nil {
		return 0, false
	}
	base := math.Max(float64(recomputed), 1)
	d := math.Abs(float64(*reported)-float64(recomputed)) / base
	return d, d > ratio
}

type LogAlertSink struct {
	logger *slog.Logger
}

func NewLogAlertSink(logger *slog.Logger) *LogAlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAlertSink{logger: logger}
}

func (s *LogAlertSink) Alert(ctx context.Context, a Alert) error {
	attrs := []any{"kind", a.Kind, "user_id", a.UserID, "submission_id", a.SubmissionID}
	for _, k := range sortedKeys(a.Detail) {
		attrs = append(attrs, k, a.Detail[k])
	}
	s.logger.WarnContext(ctx, "管理员告警", attrs...)
	return nil
}

// EmailAlertSink 把告警发到管理员邮箱，同时保留日志。
type EmailAlertSink struct {
	mailer email.Mailer
	to     string
	log    *LogAlertSink
}

func NewEmailAlertSink(mailer email.Mailer, adminEmail string, logger *slog.Logger) *EmailAlertSink {
	return &EmailAlertSink{mailer: mailer, to: strings.TrimSpace(adminEmail), log: NewLogAlertSink(logger)}
}

func (s *EmailAlertSink) Alert(ctx context.Context, a Alert) error {
	_ = s.log.Alert(ctx, a)
	if s.to == "" {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<p>告警类型：%s</p><p>用户：%d，提交：%s</p><ul>", html.EscapeString(a.Kind), a.UserID, html.EscapeString(a.SubmissionID))
	for _, k := range sortedKeys(a.Detail) {
		fmt.Fprintf(&b, "<li>%s = %s</li>", html.EscapeString(k), html.EscapeString(fmt.Sprint(a.Detail[k])))
	}
	b.WriteString("</ul>")
	if err := s.mailer.SendHTML(ctx, "Tokenboard 告警: "+a.Kind, s.to, b.String()); err != nil {
		return fmt.Errorf("发送告警邮件失败: %w", err)
	}
	return nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
