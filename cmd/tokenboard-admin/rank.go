package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"tokenboard/internal/aggregate"
	"tokenboard/internal/rank"
	"tokenboard/internal/store"
)

func newRerankCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rerank",
		Short: "全量重算全球与国家名次",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			out, err := rank.NewReconciler(st).RerankAll(cmd.Context())
			if err != nil {
				return err
			}
			if err := st.BumpCacheInvalidation(cmd.Context(), store.CacheInvalidationKeyLeaderboard); err != nil {
				slog.Warn("刷新排行榜缓存版本失败", "err", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "population=%d updated=%d\n", out.Population, out.Updated)
			return nil
		},
	}
}

func newRecomputeCmd(opts *rootOptions) *cobra.Command {
	var (
		username    string
		concurrency int
	)
	c := &cobra.Command{
		Use:   "recompute",
		Short: "从每日账本重算用户累计值并重排（不指定 --user 时处理全部用户）",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, closeFn, err := opts.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			var ids []int64
			if username != "" {
				u, err := st.GetUserByUsername(cmd.Context(), username)
				if err != nil {
					return fmt.Errorf("查询用户 %s 失败: %w", username, err)
				}
				ids = []int64{u.ID}
			} else {
				ids, err = st.ListUserIDs(cmd.Context())
				if err != nil {
					return err
				}
			}

			n, err := recomputeUsers(cmd.Context(), st, ids, concurrency)
			if err != nil {
				return err
			}
			out, err := rank.NewReconciler(st).RerankAll(cmd.Context())
			if err != nil {
				return err
			}
			if err := st.BumpCacheInvalidation(cmd.Context(), store.CacheInvalidationKeyLeaderboard); err != nil {
				slog.Warn("刷新排行榜缓存版本失败", "err", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "recomputed=%d population=%d rank_updated=%d\n", n, out.Population, out.Updated)
			return nil
		},
	}
	c.Flags().StringVar(&username, "user", "", "只处理该用户")
	c.Flags().IntVar(&concurrency, "concurrency", 4, "并发数")
	return c
}

// recomputeUsers 并发重算并写回；任一用户失败即中止并返回该错误。
func recomputeUsers(ctx context.Context, st *store.Store, ids []int64, concurrency int) (int, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	agg := aggregate.New(st)
	var done atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, id := range ids {
		g.Go(func() error {
			t, err := aggregate.Refresh(gctx, agg, st, id)
			if err != nil {
				return fmt.Errorf("重算用户 %d 失败: %w", id, err)
			}
			done.Add(1)
			slog.Debug("recompute", "user_id", id, "total_tokens", t.TotalTokens)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(done.Load()), err
	}
	return int(done.Load()), nil
}
