// Package rank 计算全球与国家维度的名次：一次快照读、内存排序、只写回变化的行。
package rank

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tokenboard/internal/obs"
	"tokenboard/internal/store"
)

// Order 按 (tokens DESC, user_id ASC) 排序并返回 user_id → 名次（从 1 开始，无空缺）。token <= 0 的用户不参与排名。
func Order(cands []store.RankCandidate) map[int64]int64 {
	ranked := make([]store.RankCandidate, 0, len(cands))
	for _, c := range cands {
		if c.TotalTokens > 0 {
			ranked = append(ranked, c)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].TotalTokens != ranked[j].TotalTokens {
			return ranked[i].TotalTokens > ranked[j].TotalTokens
		}
		return ranked[i].UserID < ranked[j].UserID
	})
	out := make(map[int64]int64, len(ranked))
	for i, c := range ranked {
		out[c.UserID] = int64(i + 1)
	}
	return out
}

// Scope 限定国家排名的重算范围；All 为 true 时重算所有国家。
type Scope struct {
	All       bool
	Countries []string
}

func (s Scope) covers(cc string) bool {
	if s.All {
		return true
	}
	for _, c := range s.Countries {
		if strings.EqualFold(strings.TrimSpace(c), cc) {
			return true
		}
	}
	return false
}

// Diff 计算需要写回的排名变化。不在 scope 内的国家保持原值。
func Diff(cands []store.RankCandidate, scope Scope) (updates []store.RankUpdate, global map[int64]int64, country map[int64]int64) {
	global = Order(cands)

	byCountry := map[string][]store.RankCandidate{}
	for _, c := range cands {
		if c.CountryCode == "" {
			continue
		}
		if !scope.covers(c.CountryCode) {
			continue
		}
		byCountry[c.CountryCode] = append(byCountry[c.CountryCode], c)
	}
	country = map[int64]int64{}
	for _, group := range byCountry {
		for id, r := range Order(group) {
			country[id] = r
		}
	}

	for _, c := range cands {
		g := rankPtr(global, c.UserID)
		cr := c.CountryRank
		if c.CountryCode == "" || scope.covers(c.CountryCode) {
			cr = rankPtr(country, c.UserID)
		}
		if equalRank(g, c.GlobalRank) && equalRank(cr, c.CountryRank) {
			continue
		}
		updates = append(updates, store.RankUpdate{UserID: c.UserID, GlobalRank: g, CountryRank: cr})
	}
	return updates, global, country
}

func rankPtr(m map[int64]int64, id int64) *int64 {
	v, ok := m[id]
	if !ok {
		return nil
	}
	return &v
}

func equalRank(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type Store interface {
	ListRankCandidates(ctx context.Context) ([]store.RankCandidate, error)
	ApplyRankUpdates(ctx context.Context, updates []store.RankUpdate) error
}

// Reconciler 是排名写回的唯一串行点：快照读取与写回在同一把锁内完成。
type Reconciler struct {
	st Store
	mu sync.Mutex
}

func NewReconciler(st Store) *Reconciler {
	return &Reconciler{st: st}
}

type Outcome struct {
	GlobalRank  *int64
	CountryRank *int64
	Population  int
	Updated     int
}

// Reconcile 在累计值写回之后调用：重算全球名次与该用户所在国家的名次，返回该用户的新名次。
// previousCountries 是用户本次提交前所属的国家；用户换国家后旧国家的名次也要一起收紧。
func (r *Reconciler) Reconcile(ctx context.Context, userID int64, previousCountries ...string) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cands, err := r.st.ListRankCandidates(ctx)
	if err != nil {
		return Outcome{}, err
	}
	var cc string
	for _, c := range cands {
		if c.UserID == userID {
			cc = c.CountryCode
			break
		}
	}
	scope := Scope{Countries: append([]string{cc}, previousCountries...)}
	updates, global, country := Diff(cands, scope)
	if err := r.st.ApplyRankUpdates(ctx, updates); err != nil {
		return Outcome{}, err
	}
	obs.RecordRankRecompute(len(updates))
	out := Outcome{
		GlobalRank: rankPtr(global, userID),
		Population: len(global),
		Updated:    len(updates),
	}
	if cc != "" {
		out.CountryRank = rankPtr(country, userID)
	}
	return out, nil
}

// RerankAll 重算所有用户的全球与国家名次，供管理命令使用。
func (r *Reconciler) RerankAll(ctx context.Context) (Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cands, err := r.st.ListRankCandidates(ctx)
	if err != nil {
		return Outcome{}, err
	}
	updates, global, _ := Diff(cands, Scope{All: true})
	if err := r.st.ApplyRankUpdates(ctx, updates); err != nil {
		return Outcome{}, fmt.Errorf("全量重排失败: %w", err)
	}
	obs.RecordRankRecompute(len(updates))
	return Outcome{Population: len(global), Updated: len(updates)}, nil
}
