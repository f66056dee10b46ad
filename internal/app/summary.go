package app

import (
	"fmt"
	"io"
	"os"
	"strings"

	"dcagate/internal/config"
)

type StartupSummary struct {
	Role     Role
	Store    StoreSummary
	Confirm  ConfirmSummary
	Telegram TelegramSummary
	HTTPAddr string
	Cycle    CycleSummary
}

type StoreSummary struct {
	Backend  string
	Location string
}

type ConfirmSummary struct {
	Timeout   string
	Retention string
}

type TelegramSummary struct {
	Configured   bool
	Polling      bool
	AllowedUsers int
}

type CycleSummary struct {
	Interval        string
	Offset          string
	MaxSafetyOrders int
	Triggers        []string
}

func newStartupSummary(cfg *config.Config, role Role, telegram bool) *StartupSummary {
	s := &StartupSummary{
		Role:  role,
		Store: StoreSummary{Backend: cfg.Store.Backend, Location: storeLocation(cfg.Store)},
		Confirm: ConfirmSummary{
			Timeout:   cfg.Confirm.Timeout().String(),
			Retention: cfg.Confirm.Retention().String(),
		},
		Telegram: TelegramSummary{
			Configured:   telegram,
			Polling:      telegram && cfg.Listener.PollEnabled,
			AllowedUsers: len(cfg.Telegram.AllowedUserIDs),
		},
		HTTPAddr: cfg.Listener.HTTPAddr,
	}
	if role == RoleCoordinator {
		s.HTTPAddr = cfg.Coordinator.HTTPAddr
		s.Telegram.Polling = false
		triggers := make([]string, 0, len(cfg.DCA.ProfitTriggers))
		for _, t := range cfg.DCA.ProfitTriggers {
			triggers = append(triggers, fmt.Sprintf("%.2f%%", t*100))
		}
		s.Cycle = CycleSummary{
			Interval:        cfg.Coordinator.CycleInterval().String(),
			Offset:          cfg.Coordinator.Offset().String(),
			MaxSafetyOrders: cfg.DCA.MaxSafetyOrders,
			Triggers:        triggers,
		}
	}
	return s
}

func storeLocation(cfg config.StoreConfig) string {
	switch cfg.Backend {
	case "sqlite":
		return cfg.SQLitePath
	case "redis":
		return cfg.RedisAddr + "/" + cfg.RedisKey
	default:
		return cfg.Path
	}
}

func (s *StartupSummary) Print() {
	s.Fprint(os.Stdout)
}

func (s *StartupSummary) Fprint(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 80))
	title := "启动配置摘要 (STARTUP SUMMARY)"
	fmt.Fprintf(w, "%*s\n", 40+len(title)/2, title)
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintf(w, "  角色: %s\n", s.Role)
	fmt.Fprintf(w, "  HTTP: %s\n", s.HTTPAddr)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[记录存储 (STORE)]")
	fmt.Fprintf(w, "  后端: %s\n", s.Store.Backend)
	fmt.Fprintf(w, "  位置: %s\n", s.Store.Location)
	fmt.Fprintf(w, "  超时: %s  保留: %s\n", s.Confirm.Timeout, s.Confirm.Retention)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[Telegram]")
	fmt.Fprintf(w, "  已配置: %v  拉取: %v  白名单: %s\n", s.Telegram.Configured, s.Telegram.Polling, formatAllowed(s.Telegram.AllowedUsers))
	if s.Role == RoleCoordinator {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "[加仓决策 (DCA CYCLE)]")
		fmt.Fprintf(w, "  周期: %s  偏移: %s\n", s.Cycle.Interval, s.Cycle.Offset)
		fmt.Fprintf(w, "  最大加仓次数: %d\n", s.Cycle.MaxSafetyOrders)
		fmt.Fprintf(w, "  触发阈值: %s\n", formatList(s.Cycle.Triggers))
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatAllowed(n int) string {
	if n == 0 {
		return "(全部用户)"
	}
	return fmt.Sprintf("%d 个用户", n)
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
