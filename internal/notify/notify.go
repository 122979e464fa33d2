// Package notify 定义通知与管理员告警两个出口。投递细节由实现负责，管线只依赖接口。
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"tokenboard/internal/achievement"
	"tokenboard/internal/email"
)

// Event 是一次提交产生的用户可见变化（升级、名次上升、新徽章）。
type Event struct {
	UserID       int64
	Username     string
	Email        string
	SubmissionID string
	Level        int
	GlobalRank   *int64
	CountryRank  *int64
	Result       achievement.Result
}

type Dispatcher interface {
	Dispatch(ctx context.Context, ev Event) error
}

type LogDispatcher struct {
	logger *slog.Logger
}

func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger}
}

func (d *LogDispatcher) Dispatch(ctx context.Context, ev Event) error {
	attrs := []any{
		"user_id", ev.UserID,
		"submission_id", ev.SubmissionID,
		"level", ev.Level,
		"new_badges", ev.Result.NewBadges,
	}
	if ev.Result.LevelUp != nil {
		attrs = append(attrs, "level_up_from", ev.Result.LevelUp.From)
	}
	if ev.Result.GlobalRankUp != nil {
		attrs = append(attrs, "global_rank", ev.Result.GlobalRankUp.To)
	}
	if ev.Result.CountryRankUp != nil {
		attrs = append(attrs, "country_rank", ev.Result.CountryRankUp.To)
	}
	d.logger.InfoContext(ctx, "用户成就变化", attrs...)
	return nil
}

// EmailDispatcher 给用户本人发邮件；用户没有邮箱时静默跳过。
type EmailDispatcher struct {
	mailer  email.Mailer
	baseURL string
}

func NewEmailDispatcher(mailer email.Mailer, publicBaseURL string) *EmailDispatcher {
	return &EmailDispatcher{mailer: mailer, baseURL: strings.TrimRight(publicBaseURL, "/")}
}

func (d *EmailDispatcher) Dispatch(ctx context.Context, ev Event) error {
	to := strings.TrimSpace(ev.Email)
	if to == "" || ev.Result.Empty() {
		return nil
	}
	subject, body := renderEvent(ev, d.baseURL)
	if err := d.mailer.SendHTML(ctx, subject, to, body); err != nil {
		return fmt.Errorf("发送通知邮件失败: %w", err)
	}
	return nil
}

func renderEvent(ev Event, baseURL string) (string, string) {
	var b strings.Builder
	b.WriteString("<p>")
	b.WriteString(html.EscapeString(ev.Username))
	b.WriteString("，你好：</p><ul>")
	subject := "Tokenboard 成就更新"
	if ev.Result.LevelUp != nil {
		subject = fmt.Sprintf("恭喜升到 %d 级", ev.Result.LevelUp.To)
		fmt.Fprintf(&b, "<li>等级 %d → %d</li>", ev.Result.LevelUp.From, ev.Result.LevelUp.To)
	}
	if ev.Result.GlobalRankUp != nil {
		fmt.Fprintf(&b, "<li>全球排名第 %d</li>", ev.Result.GlobalRankUp.To)
	}
	if ev.Result.CountryRankUp != nil {
		fmt.Fprintf(&b, "<li>国家/地区排名第 %d</li>", ev.Result.CountryRankUp.To)
	}
	for _, badge := range ev.Result.NewBadges {
		fmt.Fprintf(&b, "<li>获得徽章 %s</li>", html.EscapeString(badge))
	}
	b.WriteString("</ul>")
	if baseURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s/leaderboard">查看排行榜</a></p>`, html.EscapeString(baseURL))
	}
	return subject, b.String()
}

// Fanout 依次调用多个 Dispatcher，汇总错误。
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, ev Event) error {
	var errs []error
	for _, d := range f {
		if d == nil {
			continue
		}
		if err := d.Dispatch(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
