package confirm

import (
	"fmt"
	"time"
)

// Apply 对 rec 执行一次状态迁移，返回新记录；rec 本身不被修改。
//
// 只允许 pending → confirmed|declined。对已处于同一终态的记录重复应用返回
// ErrAlreadyResolved，其余情况返回 ErrIllegalTransition。
func Apply(rec Record, to Status, reason string, now time.Time) (Record, error) {
	if !to.Terminal() {
		return rec, fmt.Errorf("%w: target %q is not terminal", ErrIllegalTransition, to)
	}
	switch rec.Status {
	case StatusPending:
	case to:
		return rec, ErrAlreadyResolved
	default:
		return rec, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, rec.ID, rec.Status, to)
	}
	out := rec.Clone()
	out.Status = to
	resolved := now.UTC()
	out.ResolvedAt = &resolved
	if to == StatusDeclined {
		if reason == "" {
			reason = ReasonUser
		}
		out.Reason = reason
	} else {
		out.Reason = ""
	}
	return out, nil
}

// Expired 判断 pending 记录是否已超过决策窗口。
func Expired(rec Record, window time.Duration, now time.Time) bool {
	return rec.Status == StatusPending && window > 0 && rec.Age(now) > window
}

// Stale 判断记录是否超出兜底保留窗口，应被直接删除。
// 已决记录以 ResolvedAt 计时；任何记录超过 timeout+retention 也视为过期。
func Stale(rec Record, timeout, retention time.Duration, now time.Time) bool {
	if retention <= 0 {
		return false
	}
	if rec.Status.Terminal() && rec.ResolvedAt != nil && now.Sub(*rec.ResolvedAt) > retention {
		return true
	}
	return rec.Age(now) > timeout+retention
}

// Validate 检查 resolvedAt 与 status 的一致性。
func Validate(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("confirmation id is empty")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("confirmation %s: unknown status %q", rec.ID, rec.Status)
	}
	if rec.Status.Terminal() != (rec.ResolvedAt != nil) {
		return fmt.Errorf("confirmation %s: resolved_at must be set iff status is terminal", rec.ID)
	}
	return nil
}
