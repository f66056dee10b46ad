// Package ingest 接收人工的确认/拒绝决定（webhook 推送与 getUpdates 拉取两条通道），
// 去重后通过状态机写入 store。
package ingest

// Source 标识事件来自哪条通道。
type Source string

const (
	SourcePush Source = "push"
	SourcePoll Source = "poll"
)

// Event 是一次按钮回调。
type Event struct {
	Source    Source
	UpdateID  int64
	QueryID   string
	SenderID  int64
	Data      string
	ChatID    string
	MessageID int64
}

// Result 是 webhook 的响应体，也写入活动日志。
type Result struct {
	Success bool   `json:"success"`
	Action  string `json:"action"`
	Message string `json:"message"`
}

func (e Event) dedupKey() string {
	switch {
	case e.UpdateID > 0:
		return "u:" + itoa(e.UpdateID)
	case e.QueryID != "":
		return "q:" + e.QueryID
	default:
		return ""
	}
}
