package logger

import (
	"io"
	"log"
	"sort"
	"strings"
	"sync"
)

// 决策日志：每一次确认状态变化单独写一行，便于事后对账（与主日志分离）。
var (
	decisionMu  sync.Mutex
	decisionLog *log.Logger
)

func SetDecisionWriter(w io.Writer) {
	decisionMu.Lock()
	defer decisionMu.Unlock()
	if w == nil {
		decisionLog = nil
		return
	}
	decisionLog = log.New(w, "", log.LstdFlags|log.LUTC)
}

// Decision writes one line `[DECISION][kind] id=... k=v ...` when a decision writer is set.
func Decision(kind, id string, fields map[string]string) {
	decisionMu.Lock()
	l := decisionLog
	decisionMu.Unlock()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[DECISION]")
	if kind != "" {
		b.WriteString("[")
		b.WriteString(kind)
		b.WriteString("]")
	}
	b.WriteString(" id=")
	b.WriteString(id)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.TrimSpace(fields[k])
		if v == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(k)
		b.WriteString("=")
		if strings.ContainsAny(v, " \t") {
			v = "\"" + v + "\""
		}
		b.WriteString(v)
	}
	l.Print(b.String())
}
