package router

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"tokenboard/internal/aggregate"
	"tokenboard/internal/auth"
	"tokenboard/internal/middleware"
	"tokenboard/internal/store"
)

const defaultPageSize = 50

type LeaderboardEntry struct {
	Rank          int64           `json:"rank"`
	UserID        int64           `json:"user_id"`
	Username      string          `json:"username"`
	CountryCode   *string         `json:"country_code"`
	TotalTokens   int64           `json:"total_tokens"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	TotalSessions int64           `json:"total_sessions"`
	Level         int             `json:"level"`
	PlanTier      *string         `json:"plan_tier,omitempty"`
}

// LeaderboardPage 是排行榜的一页；名次在查询时按当前累计值推导。
type LeaderboardPage struct {
	Entries []LeaderboardEntry `json:"entries"`
	Total   int64              `json:"total"`
	Limit   int                `json:"limit"`
	Offset  int                `json:"offset"`
	Country string             `json:"country,omitempty"`
}

type meAPIResponse struct {
	UserID           int64           `json:"user_id"`
	Username         string          `json:"username"`
	CountryCode      *string         `json:"country_code"`
	TotalTokens      int64           `json:"total_tokens"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	TotalSessions    int64           `json:"total_sessions"`
	Rank             rankAPI         `json:"rank"`
	Level            aggregate.Level `json:"level"`
	PlanTier         *string         `json:"plan_tier,omitempty"`
	LastSubmissionAt *time.Time      `json:"last_submission_at"`
	Badges           []badgeAPI      `json:"badges"`
}

type rankAPI struct {
	Global  *int64 `json:"global"`
	Country *int64 `json:"country"`
}

type badgeAPI struct {
	Badge    string    `json:"badge"`
	EarnedAt time.Time `json:"earned_at"`
}

func setLeaderboardAPIRoutes(r gin.IRoutes, opts Options) {
	public := httpMiddleware(middleware.RequestID, middleware.AccessLog)
	authn := httpMiddleware(
		middleware.RequestID,
		middleware.AccessLog,
		middleware.TokenAuth(opts.Store),
	)

	r.GET("/leaderboard", public, leaderboardHandler(opts))
	r.GET("/leaderboard/me", authn, leaderboardMeHandler(opts))
}

func leaderboardHandler(opts Options) gin.HandlerFunc {
	maxPage := opts.MaxPageSize
	if maxPage <= 0 {
		maxPage = 100
	}
	return func(c *gin.Context) {
		if opts.Store == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "code": "storage_failure", "message": "store 未初始化"})
			return
		}
		limit, err := intQuery(c, "limit", defaultPageSize)
		if err != nil || limit <= 0 || limit > maxPage {
			writeInvalid(c, fmt.Sprintf("limit 必须在 1-%d 之间", maxPage))
			return
		}
		offset, err := intQuery(c, "offset", 0)
		if err != nil || offset < 0 {
			writeInvalid(c, "offset 不合法")
			return
		}
		country := strings.ToUpper(strings.TrimSpace(c.Query("country")))
		if country != "" && !isCountryCode(country) {
			writeInvalid(c, "country 必须是两位字母")
			return
		}

		load := func(ctx context.Context) (LeaderboardPage, error) {
			return loadLeaderboardPage(ctx, opts.Store, country, limit, offset)
		}
		var page LeaderboardPage
		if opts.LeaderboardCache != nil {
			page, err = opts.LeaderboardCache.Get(c.Request.Context(), fmt.Sprintf("%s|%d|%d", country, limit, offset), load)
		} else {
			page, err = load(c.Request.Context())
		}
		if err != nil {
			slog.Error("查询排行榜失败", "request_id", middleware.GetRequestID(c.Request.Context()), "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "storage_failure", "message": "查询排行榜失败"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": page})
	}
}

func loadLeaderboardPage(ctx context.Context, st *store.Store, country string, limit, offset int) (LeaderboardPage, error) {
	rows, err := st.ListLeaderboard(ctx, store.LeaderboardQuery{Country: country, Limit: limit, Offset: offset})
	if err != nil {
		return LeaderboardPage{}, err
	}
	total, err := st.CountLeaderboard(ctx, country)
	if err != nil {
		return LeaderboardPage{}, err
	}
	page := LeaderboardPage{
		Entries: make([]LeaderboardEntry, 0, len(rows)),
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		Country: country,
	}
	for _, r := range rows {
		page.Entries = append(page.Entries, LeaderboardEntry{
			Rank:          r.Rank,
			UserID:        r.UserID,
			Username:      r.Username,
			CountryCode:   r.CountryCode,
			TotalTokens:   r.TotalTokens,
			TotalCost:     r.TotalCost,
			TotalSessions: r.TotalSessions,
			Level:         r.Level,
			PlanTier:      r.PlanTier,
		})
	}
	return page, nil
}

func leaderboardMeHandler(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		p, ok := auth.PrincipalFromContext(ctx)
		if !ok || opts.Store == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "code": "unauthorized", "message": "未授权"})
			return
		}
		u, err := opts.Store.GetUserByID(ctx, p.UserID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusUnauthorized, gin.H{"success": false, "code": "unauthorized", "message": "用户不存在"})
				return
			}
			slog.Error("读取用户失败", "request_id", middleware.GetRequestID(ctx), "user_id", p.UserID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "storage_failure", "message": "读取用户失败"})
			return
		}
		global, country, err := opts.Store.LiveRanks(ctx, u.ID)
		if err != nil {
			slog.Error("计算名次失败", "request_id", middleware.GetRequestID(ctx), "user_id", u.ID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "code": "storage_failure", "message": "计算名次失败"})
			return
		}
		badges, err := opts.Store.ListUserBadges(ctx, u.ID)
		if err != nil {
			slog.Warn("读取徽章失败", "request_id", middleware.GetRequestID(ctx), "user_id", u.ID, "err", err)
		}

		out := meAPIResponse{
			UserID:           u.ID,
			Username:         u.Username,
			CountryCode:      u.CountryCode,
			TotalTokens:      u.TotalTokens,
			TotalCost:        u.TotalCost,
			TotalSessions:    u.TotalSessions,
			Rank:             rankAPI{Global: global, Country: country},
			Level:            aggregate.LevelFor(u.TotalTokens),
			PlanTier:         u.PlanTier,
			LastSubmissionAt: u.LastSubmissionAt,
			Badges:           make([]badgeAPI, 0, len(badges)),
		}
		for _, b := range badges {
			out.Badges = append(out.Badges, badgeAPI{Badge: b.Badge, EarnedAt: b.EarnedAt})
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "data": out})
	}
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := strings.TrimSpace(c.Query(key))
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

func isCountryCode(s string) bool {
	if len(s) != 2 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 'A' || s[i] > 'Z' {
			return false
		}
	}
	return true
}
