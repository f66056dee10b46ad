package confirm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// idTimeLayout 紧凑格式，保证 "decline_<id>" 落在 Telegram 64 字节 callback_data 限制内。
const idTimeLayout = "20060102T150405Z"

// ID 由交易对、开仓时间与加仓序号确定性地生成。
func ID(pair string, openedAt time.Time, seq int) string {
	return fmt.Sprintf("%s_%s_%d", strings.TrimSpace(pair), openedAt.UTC().Format(idTimeLayout), seq)
}

// ParseID 是 ID 的逆运算。交易对本身可能包含 "_"，因此从右侧切分。
func ParseID(id string) (pair string, openedAt time.Time, seq int, err error) {
	last := strings.LastIndex(id, "_")
	if last <= 0 {
		return "", time.Time{}, 0, fmt.Errorf("invalid confirmation id %q", id)
	}
	mid := strings.LastIndex(id[:last], "_")
	if mid <= 0 {
		return "", time.Time{}, 0, fmt.Errorf("invalid confirmation id %q", id)
	}
	seq, err = strconv.Atoi(id[last+1:])
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("invalid sequence in id %q: %w", id, err)
	}
	openedAt, err = time.Parse(idTimeLayout, id[mid+1:last])
	if err != nil {
		return "", time.Time{}, 0, fmt.Errorf("invalid open time in id %q: %w", id, err)
	}
	return id[:mid], openedAt, seq, nil
}

// PositionKey 标识一个持仓（不含序号），用于修剪本地缓存。
func PositionKey(pair string, openedAt time.Time) string {
	return strings.TrimSpace(pair) + "_" + openedAt.UTC().Format(idTimeLayout)
}

const legacyPrefix = "dca_"

// CallbackData 生成按钮携带的数据：accept_<id> / decline_<id>。
func CallbackData(action Action, id string) string {
	return string(action) + "_" + id
}

// ParseCallback 解析按钮数据，同时兼容旧版 dca_accept_/dca_decline_ 前缀。
func ParseCallback(data string) (Action, string, error) {
	data = strings.TrimSpace(data)
	data = strings.TrimPrefix(data, legacyPrefix)
	for _, action := range []Action{ActionAccept, ActionDecline} {
		prefix := string(action) + "_"
		if strings.HasPrefix(data, prefix) {
			id := data[len(prefix):]
			if strings.TrimSpace(id) == "" {
				break
			}
			return action, id, nil
		}
	}
	return "", "", fmt.Errorf("%w: %q", ErrMalformedCallback, data)
}
