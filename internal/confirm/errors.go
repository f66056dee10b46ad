package confirm

import "errors"

var (
	// ErrNotFound 表示记录不存在（从未创建或已被清理）。
	ErrNotFound = errors.New("confirmation not found")
	// ErrExists 表示同一 id 已有未清理的记录。
	ErrExists = errors.New("confirmation already exists")
	// ErrIllegalTransition 表示试图离开终态或转入非终态。
	ErrIllegalTransition = errors.New("illegal confirmation transition")
	// ErrAlreadyResolved 表示同一决定被重复应用；调用方应视为无操作。
	ErrAlreadyResolved = errors.New("confirmation already resolved")
	// ErrExpired 表示决定到达时已超过决策窗口，记录已按超时拒绝。
	ErrExpired = errors.New("confirmation expired")
	// ErrMalformedCallback 表示按钮数据缺少 accept/decline 前缀或 id。
	ErrMalformedCallback = errors.New("malformed callback data")
)
