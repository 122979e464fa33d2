package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"tokenboard/internal/config"
	"tokenboard/internal/obs"
	"tokenboard/internal/store"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "tokenboard-admin",
		Short: "tokenboard 运维命令",
	}
	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceUsage = true
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "TOML 配置文件路径（为空时读取 TOKENBOARD_CONFIG 与环境变量）")

	root.AddCommand(
		newUserCmd(opts),
		newTokenCmd(opts),
		newRerankCmd(opts),
		newRecomputeCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	if p := strings.TrimSpace(o.configPath); p != "" {
		return config.LoadFile(p)
	}
	return config.Load()
}

// openStore 加载配置、连接数据库并确保 schema 就绪；返回的 close 需要调用方执行。
func (o *rootOptions) openStore(ctx context.Context) (*store.Store, func(), error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	slog.SetDefault(obs.NewLogger(cfg.Env))

	db, dialect, err := store.OpenDB(cfg.Env, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.SQLitePath)
	if err != nil {
		return nil, nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if err := store.EnsureSchema(db, dialect); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("初始化数据库 schema 失败: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("数据库不可用: %w", err)
	}
	st := store.New(db)
	st.SetDialect(dialect)
	return st, func() { _ = db.Close() }, nil
}
