package app

import (
	"context"
	"io"
	"time"

	"dcagate/internal/confirm"
	"dcagate/internal/store"

	"gopkg.in/yaml.v3"
)

type recordLister interface {
	List(ctx context.Context) (map[string]confirm.Record, error)
}

type statusReport struct {
	Generated string         `yaml:"generated"`
	Total     int            `yaml:"total"`
	Counts    map[string]int `yaml:"counts"`
	Records   []statusRow    `yaml:"records"`
}

type statusRow struct {
	ID       string `yaml:"id"`
	Status   string `yaml:"status"`
	Pair     string `yaml:"pair"`
	Order    int    `yaml:"order"`
	Stake    string `yaml:"stake"`
	Age      string `yaml:"age"`
	Reason   string `yaml:"reason,omitempty"`
	Resolved string `yaml:"resolved,omitempty"`
}

// WriteStatus 以 YAML 输出当前记录集与各状态数量。
func WriteStatus(ctx context.Context, st recordLister, w io.Writer, now time.Time) error {
	records, err := st.List(ctx)
	if err != nil {
		return err
	}
	report := statusReport{
		Generated: now.UTC().Format(time.RFC3339),
		Total:     len(records),
		Counts: map[string]int{
			string(confirm.StatusPending):   0,
			string(confirm.StatusConfirmed): 0,
			string(confirm.StatusDeclined):  0,
		},
		Records: []statusRow{},
	}
	for _, rec := range store.Sorted(records) {
		report.Counts[string(rec.Status)]++
		row := statusRow{
			ID:     rec.ID,
			Status: string(rec.Status),
			Pair:   rec.Payload.Pair,
			Order:  rec.Payload.Sequence,
			Stake:  rec.Payload.Stake.StringFixed(2),
			Age:    rec.Age(now).Truncate(time.Second).String(),
			Reason: rec.Reason,
		}
		if rec.ResolvedAt != nil {
			row.Resolved = rec.ResolvedAt.UTC().Format(time.RFC3339)
		}
		report.Records = append(report.Records, row)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(report); err != nil {
		return err
	}
	return enc.Close()
}
