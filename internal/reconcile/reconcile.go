// Package reconcile 处理客户端重装导致的设备漂移：同一批会话指纹以新的 device_id 再次出现。
//
// 分两阶段：Plan 只读，在任何写入之前算出旧设备与受影响日期；Apply 必须出示账本签发的
// store.WriteReceipt，证明替换数据已落盘后才删除旧行并迁移指纹归属。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"tokenboard/internal/store"
)

type Ledger interface {
	ListUserDeviceDays(ctx context.Context, userID int64, devices []string, days []string) (map[string][]string, error)
}

type Cleaner interface {
	DeleteUsageForDevicesOnDays(ctx context.Context, receipt store.WriteReceipt, devices []string) (int64, error)
	DeleteLegacyUsageOnDays(ctx context.Context, receipt store.WriteReceipt) (int64, error)
	RepointOwnership(ctx context.Context, receipt store.WriteReceipt, fingerprints []string) (int64, error)
}

type Plan struct {
	UserID   int64
	DeviceID string
	// StaleDevices 是在本次提交日期上持有 usage 行的旧设备。
	StaleDevices []string
	// AffectedDays 记录每个旧设备在本次提交日期中持有的日期（device → days）。
	AffectedDays map[string][]string
	// Repoint 是需要迁到当前设备的指纹（已归属本人但挂在其他设备上）。
	Repoint []string
}

func (p Plan) Empty() bool {
	return len(p.StaleDevices) == 0 && len(p.Repoint) == 0
}

// BuildPlan 根据指纹认领结果推导重装迁移计划，只读。
// legacy 提交（无 device_id）不做设备迁移。
func BuildPlan(ctx context.Context, ledger Ledger, userID int64, deviceID string, days []string, claim store.ClaimResult) (Plan, error) {
	deviceID = strings.TrimSpace(deviceID)
	plan := Plan{UserID: userID, DeviceID: deviceID, AffectedDays: map[string][]string{}}
	if deviceID == "" || deviceID == store.LegacyDeviceID || len(claim.SameUserOtherDevice) == 0 {
		return plan, nil
	}

	seen := map[string]struct{}{}
	var candidates []string
	for fp, dev := range claim.SameUserOtherDevice {
		plan.Repoint = append(plan.Repoint, fp)
		dev = strings.TrimSpace(dev)
		if dev == "" || dev == store.LegacyDeviceID || dev == deviceID {
			continue
		}
		if _, ok := seen[dev]; ok {
			continue
		}
		seen[dev] = struct{}{}
		candidates = append(candidates, dev)
	}
	sort.Strings(plan.Repoint)
	sort.Strings(candidates)

	if len(candidates) == 0 || len(days) == 0 {
		return plan, nil
	}
	held, err := ledger.ListUserDeviceDays(ctx, userID, candidates, days)
	if err != nil {
		return Plan{}, fmt.Errorf("查询旧设备用量失败: %w", err)
	}
	for _, dev := range candidates {
		if len(held[dev]) == 0 {
			continue
		}
		plan.StaleDevices = append(plan.StaleDevices, dev)
		plan.AffectedDays[dev] = held[dev]
	}
	return plan, nil
}

type Result struct {
	StaleRowsDeleted  int64
	LegacyRowsDeleted int64
	Repointed         int64
}

var ErrReceiptMismatch = errors.New("写入凭据与迁移计划不匹配")

// Apply 执行补偿：删除旧设备在凭据日期上的行、删除 legacy 桶同日期的行、迁移指纹归属。
// 每一步都可重复执行；失败只会留下重复行，下一次提交会再次收敛。
func Apply(ctx context.Context, c Cleaner, receipt store.WriteReceipt, plan Plan) (Result, error) {
	var res Result
	if !receipt.Valid() {
		return res, store.ErrReceiptRequired
	}
	if receipt.IsLegacy() {
		return res, nil
	}
	if plan.UserID != 0 && (plan.UserID != receipt.UserID() || plan.DeviceID != receipt.DeviceID()) {
		return res, ErrReceiptMismatch
	}

	if len(plan.StaleDevices) > 0 {
		n, err := c.DeleteUsageForDevicesOnDays(ctx, receipt, plan.StaleDevices)
		if err != nil {
			return res, fmt.Errorf("清理旧设备用量失败: %w", err)
		}
		res.StaleRowsDeleted = n
	}

	n, err := c.DeleteLegacyUsageOnDays(ctx, receipt)
	if err != nil {
		return res, fmt.Errorf("清理 legacy 用量失败: %w", err)
	}
	res.LegacyRowsDeleted = n

	if len(plan.Repoint) > 0 {
		n, err := c.RepointOwnership(ctx, receipt, plan.Repoint)
		if err != nil {
			return res, fmt.Errorf("迁移指纹归属失败: %w", err)
		}
		res.Repointed = n
	}
	return res, nil
}
