// Package email 通过 SMTP 发送 HTML 通知：用户的升级/新徽章提醒与管理员告警。
package email

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"tokenboard/internal/config"
)

const defaultSubject = "Tokenboard 通知"

type Mailer interface {
	SendHTML(ctx context.Context, subject string, to string, html string) error
}

type SMTPMailer struct {
	cfg config.SMTPConfig
	now func() time.Time
}

func NewSMTPMailer(cfg config.SMTPConfig) *SMTPMailer {
	return &SMTPMailer{cfg: cfg, now: time.Now}
}

// Configured 报告是否具备发信所需的最少配置；未配置时调用方应退回日志通知。
func (m *SMTPMailer) Configured() bool {
	if m == nil {
		return false
	}
	return strings.TrimSpace(m.cfg.SMTPServer) != "" &&
		strings.TrimSpace(m.cfg.SMTPAccount) != "" &&
		m.cfg.SMTPToken != ""
}

func (m *SMTPMailer) SendHTML(ctx context.Context, subject string, to string, html string) error {
	host := strings.TrimSpace(m.cfg.SMTPServer)
	if host == "" {
		return errors.New("SMTPServer 未配置")
	}
	if !m.Configured() {
		return errors.New("SMTPAccount/SMTPToken 未配置")
	}
	account := strings.TrimSpace(m.cfg.SMTPAccount)

	from, err := normalizeAddress(cmp.Or(strings.TrimSpace(m.cfg.SMTPFrom), account))
	if err != nil {
		return fmt.Errorf("SMTP 发件人不合法: %w", err)
	}
	rcpt, err := normalizeAddress(to)
	if err != nil {
		return fmt.Errorf("收件人邮箱不合法: %w", err)
	}
	msg := composeHTML(from, rcpt, subject, html, m.now())

	c, err := m.dial(ctx, host)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return deliver(c, smtp.PlainAuth("", account, m.cfg.SMTPToken, host), from, rcpt, msg)
}

// dial 建立已加密的会话：465 端口或 ssl_enabled 走隐式 TLS，其余端口必须支持 STARTTLS。
func (m *SMTPMailer) dial(ctx context.Context, host string) (*smtp.Client, error) {
	port := m.cfg.SMTPPort
	if port == 0 {
		port = 587
	}
	implicit := port == 465 || m.cfg.SMTPSSLEnabled
	tlsCfg := &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}

	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("SMTP 连接失败: %w", err)
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(30 * time.Second)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("设置 SMTP 超时失败: %w", err)
	}
	if implicit {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("创建 SMTP client 失败: %w", err)
	}
	if implicit {
		return c, nil
	}
	// 明文连接上不发送口令。
	if ok, _ := c.Extension("STARTTLS"); !ok {
		_ = c.Close()
		return nil, errors.New("SMTP 服务器不支持 STARTTLS")
	}
	if err := c.StartTLS(tlsCfg); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("SMTP STARTTLS 失败: %w", err)
	}
	return c, nil
}

func deliver(c *smtp.Client, auth smtp.Auth, from string, to string, msg []byte) error {
	if err := c.Auth(auth); err != nil {
		return fmt.Errorf("SMTP 认证失败: %w", err)
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM 失败: %w", err)
	}
	if err := c.Rcpt(to); err != nil {
		return fmt.Errorf("SMTP RCPT TO 失败: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA 失败: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		_ = w.Close()
		return fmt.Errorf("写入 SMTP 内容失败: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("结束 SMTP DATA 失败: %w", err)
	}
	_ = c.Quit()
	return nil
}

// composeHTML 生成完整报文。from 已经过 normalizeAddress，必然带域名。
func composeHTML(from string, to string, subject string, html string, at time.Time) []byte {
	subject = cmp.Or(strings.TrimSpace(subject), defaultSubject)
	domain := from[strings.LastIndexByte(from, '@')+1:]

	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", at.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@%s>\r\n", uuid.NewString(), domain)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n\r\n")
	b.WriteString(html)
	if !strings.HasSuffix(html, "\r\n") {
		b.WriteString("\r\n")
	}
	return []byte(b.String())
}

func normalizeAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", errors.New("邮箱为空")
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(a.Address), nil
}
